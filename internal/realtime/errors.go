package realtime

import "fmt"

// Reject reasons reported to clients. They map one-to-one onto the error
// taxonomy: unauthorized (rights), not-found (missing sheet), invalid
// (malformed operation), storage (persistence unavailable, retryable),
// timeout (bounded-time check or write expired, retryable), closed (the
// room tore down, rejoin for a fresh snapshot).
const (
	ReasonUnauthorized = "unauthorized"
	ReasonNotFound     = "not-found"
	ReasonInvalid      = "invalid"
	ReasonStorage      = "storage"
	ReasonTimeout      = "timeout"
	ReasonClosed       = "closed"
)

// RejectError carries a wire reason alongside a human-readable message.
type RejectError struct {
	Reason  string
	Message string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func reject(reason, format string, args ...any) *RejectError {
	return &RejectError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// errRoomClosed signals that a room tore down between lookup and delivery.
var errRoomClosed = &RejectError{Reason: ReasonClosed, Message: "room closed, rejoin the sheet"}
