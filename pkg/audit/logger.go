package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the category of the audit event.
type EventType string

const (
	EventAccess   EventType = "ACCESS"
	EventMutation EventType = "MUTATION"
	EventSystem   EventType = "SYSTEM"
	EventPolicy   EventType = "POLICY"
	EventStage    EventType = "STAGE"
)

// Event represents a structured audit record.
type Event struct {
	ID        string                 `json:"id"`
	TenantID  string                 `json:"tenant_id"`
	ActorID   string                 `json:"actor_id"`
	Type      EventType              `json:"type"`
	Action    string                 `json:"action"`
	Resource  string                 `json:"resource"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Identity carries the tenant and actor attributed to audit events.
type Identity struct {
	TenantID string
	ActorID  string
}

type identityKey struct{}

// WithIdentity returns a context whose audit events are attributed to id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom extracts the audit identity, falling back to "system".
func IdentityFrom(ctx context.Context) Identity {
	if id, ok := ctx.Value(identityKey{}).(Identity); ok {
		if id.TenantID == "" {
			id.TenantID = "system"
		}
		if id.ActorID == "" {
			id.ActorID = "system"
		}
		return id
	}
	return Identity{TenantID: "system", ActorID: "system"}
}

// Logger defines the interface for recording audit events.
type Logger interface {
	Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]interface{}) error
}

// logger implements Logger, writing structured JSON to a configurable Writer.
type logger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
// This allows injection for testing and custom sinks.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w}
}

func (l *logger) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]interface{}) error {
	id := IdentityFrom(ctx)

	event := Event{
		ID:        uuid.New().String(),
		TenantID:  id.TenantID,
		ActorID:   id.ActorID,
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: time.Now(),
		Metadata:  metadata,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bytes, err := json.Marshal(event)
	if err != nil {
		return err
	}
	// Prefix with AUDIT: for easy filtering
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}

// Nop returns a Logger that discards every event. Useful for tests.
func Nop() Logger {
	return &logger{writer: io.Discard}
}
