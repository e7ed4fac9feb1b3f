package downloader

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
)

// ErrNotFound is returned when the transfer subsystem has no task for a handle.
var ErrNotFound = errors.New("transfer not found")

// StartOptions describes one file transfer.
type StartOptions struct {
	// Handle is the caller's preferred task handle. Implementations that
	// cannot honor it return the handle they assigned instead.
	Handle  string
	URL     string
	Dir     string
	Out     string
	Headers map[string]string
}

// Transfer is the background download facility. Progress and terminal
// outcomes are delivered asynchronously through a Reporter, keyed by handle.
type Transfer interface {
	Start(ctx context.Context, opts StartOptions) (string, error)
	// Cancel stops the task. It returns ErrNotFound for unknown handles and
	// reports EventCancelled for tasks it did stop.
	Cancel(ctx context.Context, handle string) error
	// Exists reports whether the task is still known to the subsystem.
	Exists(ctx context.Context, handle string) (bool, error)
}

// EventSource is implemented by transfers that emit asynchronous events.
// The application launches Run(ctx) when available to process notifications.
type EventSource interface {
	Run(ctx context.Context)
}

// NewHandle returns a random 16 hex character task handle, the format aria2
// accepts for caller-chosen GIDs.
func NewHandle() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	// aria2 rejects the all-zero GID.
	if b == [8]byte{} {
		b[7] = 1
	}
	return hex.EncodeToString(b[:])
}
