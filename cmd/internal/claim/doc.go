// Package claim implements pinlock's single-active-device policy.
//
// A PIN is claimed by one device at a time. The Resolver owns the rules for
// first claims, same-device re-registration and cross-device takeover, and is
// the only writer of both the durable Store ("who owns this PIN") and the
// in-memory Registry ("which live connection represents that owner").
//
// All work for one PIN runs under a per-PIN lock; different PINs never contend.
//
// Transport (HTTP/WS) integration lives in claim/api and realtime.
package claim
