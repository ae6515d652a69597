// Package notify publishes approval workflow events for the notification
// service.
//
// Subject convention: <prefix>.<event_type>, prefix defaults to hris.approvals.
// Event types: approval_requested, approval_approved, approval_rejected,
// approval_cancelled, approval_reminder, payroll_status_changed.
//
// Publishing is non-fatal: errors are logged and never propagated, so a
// notification outage never interrupts an approval decision.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const DefaultSubjectPrefix = "hris.approvals"

const (
	EventApprovalRequested    = "approval_requested"
	EventApprovalApproved     = "approval_approved"
	EventApprovalRejected     = "approval_rejected"
	EventApprovalCancelled    = "approval_cancelled"
	EventApprovalReminder     = "approval_reminder"
	EventPayrollStatusChanged = "payroll_status_changed"
)

// Event is the JSON schema published to NATS.
type Event struct {
	EventType    string         `json:"event_type"`
	TenantID     string         `json:"tenant_id,omitempty"`
	ActorID      string         `json:"actor_id,omitempty"`
	Recipients   []string       `json:"recipients"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	ApprovalID   string         `json:"approval_id,omitempty"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Publisher delivers events. Implementations must not block decisions on
// delivery failures.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// =============================================================================
// NATS
// =============================================================================

// NATSPublisher publishes events as JSON on a NATS connection.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	log    zerolog.Logger
}

// Connect dials NATS and returns a publisher. The caller owns Close.
func Connect(url, prefix string, log zerolog.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("hris-approvals"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("notification: nats disconnected")
			}
		}),
	)
	if err != nil {
		return nil, err
	}
	return NewNATSPublisher(conn, prefix, log), nil
}

func NewNATSPublisher(conn *nats.Conn, prefix string, log zerolog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{conn: conn, prefix: prefix, log: log}
}

func (p *NATSPublisher) Publish(_ context.Context, event Event) {
	if p.conn == nil || len(event.Recipients) == 0 {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", event.EventType).Msg("notification: failed to marshal event")
		return
	}
	subject := p.prefix + "." + event.EventType
	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("resource_id", event.ResourceID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}
	p.log.Debug().
		Str("subject", subject).
		Str("resource_id", event.ResourceID).
		Int("recipients", len(event.Recipients)).
		Msg("notification: event published")
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}

// =============================================================================
// NOOP / RECORDER
// =============================================================================

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) {}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of what has been published.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns published events with the given type.
func (r *Recorder) OfType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}
