package authz

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Audit event types and statuses.
const (
	EventToolCallAuthorization = "tool_call_authorization"

	StatusAllowed = "allowed"
	StatusDenied  = "denied"
)

// Event is one audit-trail entry.
type Event struct {
	Type        string
	UserEmail   string
	ToolName    string
	ToolCreator string
	Status      string
	Reason      string
	At          time.Time
}

// AuditSink receives authorization decisions. Implementations must not
// block request handling; failures to record are the sink's problem, not
// the caller's.
type AuditSink interface {
	Record(ctx context.Context, ev Event)
}

// SlogSink writes audit events as structured log records.
type SlogSink struct {
	log *slog.Logger
}

func NewSlogSink(log *slog.Logger) *SlogSink {
	return &SlogSink{log: log}
}

func (s *SlogSink) Record(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.log.InfoContext(ctx, "authz.decision",
		slog.String("event", ev.Type),
		slog.String("user", ev.UserEmail),
		slog.String("tool", ev.ToolName),
		slog.String("creator", ev.ToolCreator),
		slog.String("status", ev.Status),
		slog.String("reason", ev.Reason),
		slog.Time("at", ev.At),
	)
}

// RecordingSink retains events in memory. For tests.
type RecordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *RecordingSink) Record(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *RecordingSink) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
