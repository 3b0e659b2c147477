package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewPeerID names one signaling session. Time-ordered UUIDs keep sessions of
// the same user sortable by connect time in the store.
func NewPeerID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewRequestID returns a compact request ID for the X-Request-ID header.
func NewRequestID() string {
	return "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
