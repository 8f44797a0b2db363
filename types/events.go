package types

import "time"

type EventKind string

const (
	EventBackendUnavailable EventKind = "backend_unavailable"
	EventWriteFailed        EventKind = "write_failed"
	EventInvalidateFailed   EventKind = "invalidate_failed"
	EventDecodeFailed       EventKind = "decode_failed"
	EventRateLimitFallback  EventKind = "rate_limit_fallback"
)

// Event describes a failure the cache layer absorbed instead of returning.
type Event struct {
	Kind      EventKind
	Component string
	Operation string
	Key       string
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

type EventSink interface {
	Emit(event Event)
}

type EventSinkFunc func(event Event)

func (f EventSinkFunc) Emit(event Event) { f(event) }
