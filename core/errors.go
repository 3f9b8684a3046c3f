package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork marks transport-level failures. They are retried by the
	// recovery controller and only surface as connection status.
	ErrNetwork = errors.New("network error")
	// ErrAuth means no usable credential was available or the server refused it.
	ErrAuth = errors.New("authentication error")
	// ErrConflict matches every *ConflictError.
	ErrConflict         = errors.New("version conflict")
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrNotConnected     = errors.New("not connected")
	ErrNoActiveCanvas   = errors.New("no active canvas")
	ErrBlockNotFound    = errors.New("block not found")
	ErrBlockProvisional = errors.New("block not yet confirmed by server")
	ErrNotFound         = errors.New("not found")
	// ErrForbidden means the user has no access to the canvas, or may only
	// view it.
	ErrForbidden    = errors.New("access denied")
	ErrMemberExists = errors.New("already a member")
)

// ConflictError reports a mutation rejected because its expected version was
// stale, or whose target block vanished before it could be replayed.
type ConflictError struct {
	ClientOpID      string
	BlockID         string
	ExpectedVersion int64
	CurrentVersion  int64
	Current         *Block
}

func (e *ConflictError) Error() string {
	if e.Current == nil && e.CurrentVersion == 0 {
		return fmt.Sprintf("conflict on block %s: block no longer exists", e.BlockID)
	}
	return fmt.Sprintf("conflict on block %s: expected version %d, current version %d",
		e.BlockID, e.ExpectedVersion, e.CurrentVersion)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// ApplicationError is a business error reported by the server.
type ApplicationError struct {
	ClientOpID string
	Message    string
}

func (e *ApplicationError) Error() string {
	return "server error: " + e.Message
}

// MalformedFrameError wraps a decode failure of one inbound frame.
type MalformedFrameError struct {
	Reason string
	Err    error
}

func (e *MalformedFrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed frame: %s: %v", e.Reason, e.Err)
	}
	return "malformed frame: " + e.Reason
}

func (e *MalformedFrameError) Unwrap() error {
	return e.Err
}

func (e *MalformedFrameError) Is(target error) bool {
	return target == ErrMalformedFrame
}
