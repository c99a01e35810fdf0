// Package eventbus is the process-internal publish/subscribe backbone.
// Every domain event in this module (orderbook updates, degradation
// transitions, opportunities, audit failures) flows through here rather
// than being delivered by direct calls, so the audit log and alert
// fan-out can observe everything uniformly.
package eventbus

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Severity classifies an event for alert routing and audit priority.
// Closed set.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

var criticalTypes = map[string]bool{
	"risk.single_leg_exposure":         true,
	"risk.limit_breached":              true,
	"trading.halted":                   true,
	"monitoring.system_health_critical": true,
	"reconciliation.discrepancy":       true,
	"time.drift.halt":                  true,
}

var warningTypes = map[string]bool{
	"execution.failed":                 true,
	"risk.limit_approached":            true,
	"platform.health.degraded":         true,
	"time.drift.critical":              true,
	"time.drift.warning":               true,
	"degradation.protocol.activated":   true,
}

// infoAllowList is the explicit set of info-severity event types that are
// still forwarded to the external alert channel when explicitly allow-listed ("info ->
// only explicit allow-list"). Every other info event is audited only.
var infoAllowList = map[string]bool{
	"order.filled":                     true,
	"position.exit_triggered":          true,
	"detection.opportunity.identified": true,
	"platform.recovered":               true,
	"trading.resumed":                  true,
	"risk.single_leg_resolved":         true,
}

// ClassifySeverity returns the severity bucket for an event type. Unknown
// event types default to Info (all others).
func ClassifySeverity(eventType string) Severity {
	if criticalTypes[eventType] {
		return SeverityCritical
	}
	if warningTypes[eventType] {
		return SeverityWarning
	}
	return SeverityInfo
}

// AlertAllowed reports whether an event of this type/severity should be
// attempted for external delivery (as opposed to audit-only).
func AlertAllowed(eventType string) bool {
	switch ClassifySeverity(eventType) {
	case SeverityCritical, SeverityWarning:
		return true
	default:
		return infoAllowList[eventType]
	}
}

// Event is the envelope every publisher emits and every subscriber
// receives. Type uses dot-notation lowercase names, e.g.
// "orderbook.updated", "degradation.protocol.activated".
type Event struct {
	Type          string
	Module        string
	CorrelationID string
	Details       map[string]any
	OccurredAt    time.Time
}

// Severity classifies this event using ClassifySeverity.
func (e Event) Severity() Severity {
	return ClassifySeverity(e.Type)
}

// Handler receives published events. Handlers must not block the bus for
// long; slow work should be dispatched to its own goroutine/queue.
type Handler func(ctx context.Context, e Event)

type subscription struct {
	pattern string
	handler Handler
}

// Bus is a wildcard-dispatch, in-process pub/sub hub. The zero value is
// not usable; construct with New.
type Bus struct {
	mu   sync.RWMutex
	subs []subscription
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers handler for every event whose Type matches pattern.
// Pattern is either "*" (match everything) or a dot-separated prefix
// ending in ".*" (e.g. "orderbook.*" matches "orderbook.updated" but not
// "orderbook"), or an exact type string.
func (b *Bus) Subscribe(pattern string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{pattern: pattern, handler: handler})
}

// Publish dispatches e to every matching subscriber synchronously, in
// registration order. If ctx carries a correlation id and e.CorrelationID
// is empty, it is inherited from ctx.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if e.CorrelationID == "" {
		if id, ok := CorrelationID(ctx); ok {
			e.CorrelationID = id
		}
	}

	b.mu.RLock()
	matched := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if patternMatches(s.pattern, e.Type) {
			matched = append(matched, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range matched {
		h(ctx, e)
	}
}

func patternMatches(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(eventType, prefix)
	}
	return false
}

// --- correlation id propagation --------------------------------------------

type correlationKey struct{}

// WithCorrelationID returns a context carrying id, retrievable via
// CorrelationID. Every logical operation (a detection cycle, a WS update,
// an operator request) should call this once at its origin.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID retrieves the correlation id carried by ctx, if any.
func CorrelationID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationKey{}).(string)
	return id, ok
}

// NewCorrelationID generates a random UUIDv4 string. No example repo in
// the reference corpus imports a UUID library, so this is a direct
// RFC 4122 v4 implementation over crypto/rand rather than an added
// dependency.
func NewCorrelationID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand.Read failing means the OS entropy source is broken;
		// there is no sane fallback, so return one fixed v4-shaped marker
		// (the same on every failure) rather than panicking the caller's
		// hot path.
		return "00000000-0000-4000-8000-000000000000"
	}
	b[6] = (b[6] & 0x0f) | 0x40 // version 4
	b[8] = (b[8] & 0x3f) | 0x80 // variant 10

	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
