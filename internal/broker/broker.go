// Package broker holds Valkey-backed Resume Records and the Status Cache, plus a reference-counted per-topic
// pub/sub layer that gives the gateway genuine O(K) fan-out instead of broadcasting every event to every connection
// and filtering client-side.
package broker

import "errors"

// ErrResumeNotFound is returned when a resume token has no matching Resume Record, either because it never existed
// or because its TTL has elapsed.
var ErrResumeNotFound = errors.New("resume record not found or expired")
