package hyperfleet

import (
	"context"
	"errors"
	"net"

	"github.com/containerd/errdefs"
)

var (
	// ErrNoQuorum rejects cluster-domain work while the store cannot
	// reach consensus. Retryable: quorum loss is expected to heal.
	ErrNoQuorum = errors.New("cluster has no quorum")

	// ErrNotMember rejects cluster-domain calls from machines that never
	// joined or were removed.
	ErrNotMember = errors.New("not a cluster member")

	// ErrLeaseHeld means another reconciler owns the machine right now.
	// Skip the machine this pass, it is not a failure.
	ErrLeaseHeld = errors.New("lease held by another holder")

	// ErrRevisionMismatch is a compare-and-swap conflict: the record
	// changed between read and write.
	ErrRevisionMismatch = errors.New("registry revision mismatch")
)

// transientError marks a failure worth retrying within the pass budget.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so Classify reports it retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Severity buckets an apply failure for retry decisions.
type Severity uint8

const (
	SeverityPermanent Severity = iota + 1
	SeverityTransient
)

func (s Severity) String() string {
	switch s {
	case SeverityPermanent:
		return "permanent"
	case SeverityTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Classify maps a failure onto the retry table. Explicit Transient wraps,
// deadline expiry, quorum loss, lease contention, CAS conflicts, network
// timeouts and unavailable store responses are transient; everything else
// is permanent. Unknown failures stay permanent so they surface instead
// of burning the retry budget.
func Classify(err error) Severity {
	var te *transientError
	switch {
	case errors.As(err, &te),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrNoQuorum),
		errors.Is(err, ErrLeaseHeld),
		errors.Is(err, ErrRevisionMismatch),
		errdefs.IsUnavailable(err):
		return SeverityTransient
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return SeverityTransient
	}
	return SeverityPermanent
}
