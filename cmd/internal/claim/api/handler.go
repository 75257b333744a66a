// Package claimapi exposes the stateless PIN claim check over HTTP.
package claimapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"pinlock/cmd/internal/claim"
)

// Resolver is the subset of claim.Resolver used by the HTTP API.
type Resolver interface {
	Resolve(ctx context.Context, req claim.Request) (claim.Outcome, error)
}

// Handler wires the claim check endpoint to a Resolver.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	resolver Resolver
}

// NewHandler constructs a claim API Handler.
func NewHandler(log *slog.Logger, resolver Resolver, cfg Config) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if resolver == nil {
		return nil, errors.New("claimapi: nil resolver")
	}
	return &Handler{log: log, cfg: cfg.normalized(), resolver: resolver}, nil
}

// Register wires claim routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/verify-pin", h.handleVerifyPIN)
}

func (h *Handler) handleVerifyPIN(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeFailure(w, http.StatusMethodNotAllowed, msgMethodNotAllow)
		return
	}

	var req verifyPINRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, msgMissingFields)
		return
	}

	out, err := h.resolver.Resolve(r.Context(), claim.Request{
		PIN:        req.PIN,
		DeviceID:   req.DeviceID,
		DeviceName: req.DeviceName,
	})
	switch {
	case err == nil:
	case claim.IsValidation(err):
		writeFailure(w, http.StatusBadRequest, msgMissingFields)
		return
	default:
		h.log.Error("claim.http.verify.fail", "err", err)
		writeFailure(w, http.StatusInternalServerError, msgServerError)
		return
	}

	writeJSON(w, http.StatusOK, toVerifyPINResponse(out))
}

func toVerifyPINResponse(out claim.Outcome) verifyPINResponse {
	resp := verifyPINResponse{Success: true, IsSameDevice: out.IsSameDevice()}
	switch out.Kind {
	case claim.Created:
		resp.Message = msgCreated
	case claim.ReaffirmedSameDevice:
		resp.Message = msgSameDevice
	default:
		resp.Message = msgNewDevice
		resp.ExistingDeviceName = out.PreviousDeviceName
	}
	return resp
}
