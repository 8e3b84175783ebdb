// Package remote defines the contract with the federated messaging substrate.
// The protocol itself (transport, ratchet, membership) lives outside this
// repository; the engine only publishes opaque payloads to rooms and drains a
// cursor-based event stream.
package remote

import (
	"context"
	"errors"
	"fmt"
)

// Event is one inbound item from a gateway subscription.
type Event struct {
	RoomID        string
	RemoteEventID string
	Payload       []byte
	// ServerSeq is the server-assigned stream position. Subscriptions are
	// restartable from any previously returned value.
	ServerSeq int64
}

// Stream is a lazy, potentially infinite sequence of inbound events.
type Stream interface {
	// Next blocks until an event arrives, the context is canceled, or the
	// stream breaks. A broken stream returns an error; the subscriber
	// reconnects from its last committed cursor.
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Gateway abstracts the federated protocol. Publish is at-least-once: the
// engine's ingestion dedup tolerates redelivered events.
type Gateway interface {
	Publish(ctx context.Context, roomID string, payload []byte) (string, error)
	Subscribe(ctx context.Context, sinceCursor int64) (Stream, error)
	CreateRoom(ctx context.Context, kind string) (string, error)
}

// TransientError marks a failure worth retrying: network drops, timeouts,
// rate limits.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("remote: transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError marks a failure that retrying cannot fix: deleted rooms,
// rejected payloads.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("remote: permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Transient wraps an error as retryable.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// Permanent wraps an error as non-retryable.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether the error chain carries a PermanentError.
// Unclassified errors are treated as transient so they keep being retried.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// IsTransient reports whether the error chain carries a TransientError.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}
