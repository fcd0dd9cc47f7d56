package booking

import (
	"errors"
	"fmt"
)

// TransportError means a required page navigation did not complete with
// HTTP 200. It aborts the current traversal; the target is retried on the
// next cycle.
type TransportError struct {
	Path   string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("load %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("load %s: status %d", e.Path, e.Status)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ClaimError means a single claim attempt was not accepted by the remote
// site (missing process token, rejected submission, missing success
// marker). The traversal continues with the next slot.
type ClaimError struct {
	Reason string
	Status int
}

func (e *ClaimError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("claim failed: %s (status %d)", e.Reason, e.Status)
	}
	return "claim failed: " + e.Reason
}

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
