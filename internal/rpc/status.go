package rpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"hyperfleet"
	"hyperfleet/fleet/relation"

	"github.com/containerd/errdefs"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
)

// --- Error mapping ---

const (
	errorInfoDomain = "hyperfleet"

	reasonNoQuorum           = "NO_QUORUM"
	reasonNotMember          = "NOT_A_MEMBER"
	reasonLeaseHeld          = "LEASE_HELD"
	reasonRevisionMismatch   = "REVISION_MISMATCH"
	reasonUnresolvedRelation = "UNRESOLVED_RELATION"

	errorInfoMetadataRole = "role"

	// quorumRetryDelay is the wait advertised to clients before retrying
	// a quorum-gated call. Elections settle within a second or two.
	quorumRetryDelay = time.Second
)

// Error maps a domain error onto a gRPC status. Service implementations
// return plain errors; the method handlers in desc.go call this at the
// boundary.
func Error(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, hyperfleet.ErrNoQuorum) {
		return quorumStatus(err.Error())
	}
	if errors.Is(err, hyperfleet.ErrNotMember) {
		return infoStatus(codes.PermissionDenied, reasonNotMember, err.Error())
	}
	if errors.Is(err, hyperfleet.ErrLeaseHeld) {
		return infoStatus(codes.Aborted, reasonLeaseHeld, err.Error())
	}
	if errors.Is(err, hyperfleet.ErrRevisionMismatch) {
		return infoStatus(codes.Aborted, reasonRevisionMismatch, err.Error())
	}
	var unresolved *relation.UnresolvedError
	if errors.As(err, &unresolved) {
		return unresolvedStatus(unresolved)
	}
	if errdefs.IsNotFound(err) {
		return status.Error(codes.NotFound, err.Error())
	}
	if errdefs.IsConflict(err) {
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}

	// Fallback to string matching for validation errors built with
	// fmt.Errorf rather than typed sentinels.
	msg := err.Error()

	if strings.Contains(msg, "is required") ||
		strings.Contains(msg, "must be") ||
		strings.Contains(msg, "parse ") {
		return status.Error(codes.InvalidArgument, msg)
	}

	if hyperfleet.Classify(err) == hyperfleet.SeverityTransient {
		return status.Error(codes.Unavailable, msg)
	}
	return status.Error(codes.Internal, msg)
}

func quorumStatus(message string) error {
	st := status.New(codes.Unavailable, message)
	withDetails, err := st.WithDetails(
		&errdetails.ErrorInfo{
			Reason: reasonNoQuorum,
			Domain: errorInfoDomain,
		},
		&errdetails.RetryInfo{
			RetryDelay: durationpb.New(quorumRetryDelay),
		},
	)
	if err != nil {
		return st.Err()
	}
	return withDetails.Err()
}

func infoStatus(code codes.Code, reason, message string) error {
	st := status.New(code, message)
	withDetails, err := st.WithDetails(&errdetails.ErrorInfo{
		Reason: reason,
		Domain: errorInfoDomain,
	})
	if err != nil {
		return st.Err()
	}
	return withDetails.Err()
}

func unresolvedStatus(unresolved *relation.UnresolvedError) error {
	violations := make([]*errdetails.PreconditionFailure_Violation, 0, len(unresolved.Missing))
	for _, name := range unresolved.Missing {
		violations = append(violations, &errdetails.PreconditionFailure_Violation{
			Type:        reasonUnresolvedRelation,
			Subject:     name,
			Description: fmt.Sprintf("mandatory relation %s has no offer", name),
		})
	}
	st := status.New(codes.FailedPrecondition, unresolved.Error())
	withDetails, err := st.WithDetails(
		&errdetails.PreconditionFailure{Violations: violations},
		&errdetails.ErrorInfo{
			Reason:   reasonUnresolvedRelation,
			Domain:   errorInfoDomain,
			Metadata: map[string]string{errorInfoMetadataRole: unresolved.Role},
		},
	)
	if err != nil {
		return st.Err()
	}
	return withDetails.Err()
}

// FromError inverts Error on the client side so callers keep working
// with domain sentinels. Statuses without a recognized ErrorInfo reason
// fall back to code-based mapping.
func FromError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	info, precondition := statusDetails(st)
	if info != nil && info.Domain == errorInfoDomain {
		switch info.Reason {
		case reasonNoQuorum:
			return hyperfleet.ErrNoQuorum
		case reasonNotMember:
			return hyperfleet.ErrNotMember
		case reasonLeaseHeld:
			return hyperfleet.ErrLeaseHeld
		case reasonRevisionMismatch:
			return hyperfleet.ErrRevisionMismatch
		case reasonUnresolvedRelation:
			unresolved := &relation.UnresolvedError{Role: info.Metadata[errorInfoMetadataRole]}
			if precondition != nil {
				for _, v := range precondition.Violations {
					unresolved.Missing = append(unresolved.Missing, v.Subject)
				}
			}
			return unresolved
		}
	}

	switch st.Code() {
	case codes.OK:
		return nil
	case codes.Canceled:
		return context.Canceled
	case codes.NotFound:
		msg := strings.TrimSuffix(st.Message(), ": "+errdefs.ErrNotFound.Error())
		if msg == "" || msg == errdefs.ErrNotFound.Error() {
			return errdefs.ErrNotFound
		}
		return fmt.Errorf("%s: %w", msg, errdefs.ErrNotFound)
	case codes.FailedPrecondition:
		msg := strings.TrimSuffix(st.Message(), ": "+errdefs.ErrConflict.Error())
		if msg == "" || msg == errdefs.ErrConflict.Error() {
			return errdefs.ErrConflict
		}
		return fmt.Errorf("%s: %w", msg, errdefs.ErrConflict)
	case codes.Unavailable, codes.DeadlineExceeded:
		return hyperfleet.Transient(errors.New(st.Message()))
	default:
		return errors.New(st.Message())
	}
}

func statusDetails(st *status.Status) (*errdetails.ErrorInfo, *errdetails.PreconditionFailure) {
	var info *errdetails.ErrorInfo
	var precondition *errdetails.PreconditionFailure
	for _, detail := range st.Details() {
		switch d := detail.(type) {
		case *errdetails.ErrorInfo:
			info = d
		case *errdetails.PreconditionFailure:
			precondition = d
		}
	}
	return info, precondition
}
