package board

import (
	"errors"
	"fmt"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state")
	ErrStoreClosed    = errors.New("store closed")
)

// SyncTransportError wraps a document-store subscription or stream failure.
// It is surfaced, never swallowed, so the embedder can show a degraded-sync
// indicator.
type SyncTransportError struct {
	Op  string
	Err error
}

func (e *SyncTransportError) Error() string {
	return fmt.Sprintf("sync transport: %s: %v", e.Op, e.Err)
}

func (e *SyncTransportError) Unwrap() error { return e.Err }
