package claimapi

type verifyPINRequest struct {
	PIN        string `json:"pin"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
}

type verifyPINResponse struct {
	Success            bool   `json:"success"`
	IsSameDevice       bool   `json:"isSameDevice"`
	Message            string `json:"message"`
	ExistingDeviceName string `json:"existingDeviceName,omitempty"`
}

type failureResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Client-facing messages. Store and driver detail is logged, never echoed.
const (
	msgCreated        = "New PIN created"
	msgSameDevice     = "Same device detected"
	msgNewDevice      = "New device registered"
	msgMissingFields  = "Missing required fields"
	msgServerError    = "Server error"
	msgMethodNotAllow = "Method not allowed"
)
