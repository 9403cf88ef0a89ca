package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// Kind classifies a failed venue call. The executor's retry policy keys
// off this classification, see Executor.do.
type Kind string

const (
	KindValidation Kind = "validation" // malformed request or undecodable response
	KindNetwork    Kind = "network"    // DNS, reset, timeout
	KindHTTP       Kind = "http"       // non-200 status
	KindUnknown    Kind = "unknown"
)

// VenueError is the classified failure surfaced by every gateway call.
type VenueError struct {
	Kind   Kind
	Venue  string
	Op     string
	Status int // HTTP status, 0 unless Kind is KindHTTP
	Err    error
}

func (e *VenueError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: http %d: %v", e.Venue, e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Venue, e.Op, e.Kind, e.Err)
}

func (e *VenueError) Unwrap() error { return e.Err }

func newValidationError(venue, op string, err error) *VenueError {
	return &VenueError{Kind: KindValidation, Venue: venue, Op: op, Err: err}
}

func newNetworkError(venue, op string, err error) *VenueError {
	return &VenueError{Kind: KindNetwork, Venue: venue, Op: op, Err: err}
}

func newHTTPError(venue, op string, status int, err error) *VenueError {
	return &VenueError{Kind: KindHTTP, Venue: venue, Op: op, Status: status, Err: err}
}

// classifyTransport buckets a transport-level error. Anything the net
// stack reports (DNS, refused, reset, deadline) is a network failure;
// the rest stays unknown and gets the generic bounded retry.
func classifyTransport(venue, op string, err error) *VenueError {
	var ne net.Error
	var ue *url.Error
	switch {
	case errors.As(err, &ne), errors.As(err, &ue),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return newNetworkError(venue, op, err)
	default:
		return &VenueError{Kind: KindUnknown, Venue: venue, Op: op, Err: err}
	}
}

// IsKind reports whether err is a VenueError of the given kind.
func IsKind(err error, k Kind) bool {
	var ve *VenueError
	return errors.As(err, &ve) && ve.Kind == k
}
