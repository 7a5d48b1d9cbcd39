package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Logger is the interface for activity logging. Implementations must
// tolerate write failures without propagating them into the calling
// request; the log is fire-and-forget from the caller's point of view.
type Logger interface {
	// Log appends an activity event
	Log(ctx context.Context, event *Event) error

	// Close closes the logger and flushes any buffered events
	Close() error
}

type contextKey string

const loggerKey contextKey = "audit_logger"

// WithLogger adds an activity logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the activity logger from context, or a no-op
// logger when none is set.
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerKey).(Logger); ok {
		return logger
	}
	return &noOpLogger{}
}

// NewEvent builds an event with timestamp and metadata initialized.
func NewEvent(eventType EventType, status EventStatus) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		Metadata:  make(map[string]interface{}),
	}
}

// WithActor sets the acting user on the event.
func (e *Event) WithActor(id uuid.UUID, name string) *Event {
	actorID := id
	e.ActorID = &actorID
	e.ActorName = name
	return e
}

// WithResource sets the touched resource on the event.
func (e *Event) WithResource(rt ResourceType, id, name string) *Event {
	e.ResourceType = rt
	e.ResourceID = id
	e.ResourceName = name
	return e
}

// WithMessage sets a human-readable summary on the event.
func (e *Event) WithMessage(message string) *Event {
	e.Message = message
	return e
}

// WithMeta attaches a metadata key to the event.
func (e *Event) WithMeta(key string, value interface{}) *Event {
	e.Metadata[key] = value
	return e
}

// noOpLogger discards everything; used when no logger is configured.
type noOpLogger struct{}

func (l *noOpLogger) Log(ctx context.Context, event *Event) error { return nil }
func (l *noOpLogger) Close() error                                { return nil }

// NewNoOpLogger returns a logger that discards all events.
func NewNoOpLogger() Logger {
	return &noOpLogger{}
}
