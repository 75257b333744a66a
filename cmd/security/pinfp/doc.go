// Package pinfp derives log-safe fingerprints for PINs.
//
// A PIN is a routing key rather than a credential, but it is still a shared
// access code and must not appear in logs or metrics verbatim.
//
// Design goals:
// - Stable short hex output so one PIN correlates across log lines.
// - Keyed mode: BLAKE2b-128 keyed with PINLOCK_PIN_FP_KEY.
// - Unkeyed dev mode when no key is configured.
package pinfp
