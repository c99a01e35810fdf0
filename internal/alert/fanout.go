// Package alert fans severity-routed events out to a single external
// webhook, buffering on failure behind a circuit breaker so a down
// channel never blocks the event bus.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"arbcore/internal/eventbus"
)

// priorityOf ranks severities for buffer ordering: higher sends first.
func priorityOf(s eventbus.Severity) int {
	switch s {
	case eventbus.SeverityCritical:
		return 2
	case eventbus.SeverityWarning:
		return 1
	default:
		return 0
	}
}

type buffered struct {
	event      eventbus.Event
	priority   int
	enqueuedAt time.Time
}

// Config tunes delivery and the circuit breaker.
type Config struct {
	WebhookURL            string
	BufferSize            int
	SendTimeout           time.Duration
	CircuitBreakThreshold int
	CircuitBreakDuration  time.Duration
	MaxRetries            int
}

// Fanout delivers allow-listed events to a single external channel.
// Subscribe it to the bus with bus.Subscribe("*", fanout.HandleEvent).
type Fanout struct {
	cfg    Config
	http   *resty.Client
	logger *slog.Logger

	mu      sync.Mutex
	buffer  []buffered
	breaker *circuitBreaker

	// delivering guards against a failing delivery attempt recursively
	// triggering another delivery attempt via an error event it itself
	// caused to be published on the bus.
	delivering atomic.Bool
}

// New constructs a Fanout.
func New(cfg Config, logger *slog.Logger) *Fanout {
	return &Fanout{
		cfg:    cfg,
		http:   resty.New().SetTimeout(cfg.SendTimeout),
		logger: logger.With("component", "alert"),
		breaker: &circuitBreaker{
			threshold:    cfg.CircuitBreakThreshold,
			baseDuration: cfg.CircuitBreakDuration,
		},
	}
}

// HandleEvent is the bus handler. Only allow-listed event types (per
// eventbus.AlertAllowed) are ever attempted for external delivery; every
// other event is audit-only and ignored here.
func (f *Fanout) HandleEvent(ctx context.Context, e eventbus.Event) {
	if !eventbus.AlertAllowed(e.Type) {
		return
	}
	if f.delivering.Load() {
		f.logger.Warn("dropping alert produced during an in-flight delivery attempt", "type", e.Type)
		return
	}

	msg := buffered{event: e, priority: priorityOf(e.Severity()), enqueuedAt: time.Now().UTC()}

	if !f.breaker.allowRequest() {
		f.enqueue(msg)
		return
	}
	f.attemptSend(ctx, msg)
}

func (f *Fanout) attemptSend(ctx context.Context, msg buffered) {
	f.delivering.Store(true)
	retryAfter, err := f.send(ctx, msg.event)
	f.delivering.Store(false)

	if err != nil {
		f.breaker.recordFailure(retryAfter)
		f.enqueue(msg)
		f.logger.Warn("alert delivery failed, buffering", "type", msg.event.Type, "error", err)
		return
	}
	f.breaker.recordSuccess()
	f.drain(ctx)
}

// enqueue appends msg to the buffer, evicting the lowest-priority oldest
// entry if the buffer is at capacity.
func (f *Fanout) enqueue(msg buffered) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cfg.BufferSize > 0 && len(f.buffer) >= f.cfg.BufferSize {
		evictIdx := f.lowestPriorityOldestLocked()
		f.buffer = append(f.buffer[:evictIdx], f.buffer[evictIdx+1:]...)
	}
	f.buffer = append(f.buffer, msg)
}

func (f *Fanout) lowestPriorityOldestLocked() int {
	idx := 0
	for i := 1; i < len(f.buffer); i++ {
		if f.buffer[i].priority < f.buffer[idx].priority {
			idx = i
			continue
		}
		if f.buffer[i].priority == f.buffer[idx].priority && f.buffer[i].enqueuedAt.Before(f.buffer[idx].enqueuedAt) {
			idx = i
		}
	}
	return idx
}

// drain sends buffered messages highest-priority-first with bounded
// retries per message and a 1s delay between messages. It stops at the
// first message that exhausts its retries, leaving the rest buffered.
func (f *Fanout) drain(ctx context.Context) {
	for {
		f.mu.Lock()
		if len(f.buffer) == 0 {
			f.mu.Unlock()
			return
		}
		sort.SliceStable(f.buffer, func(i, j int) bool {
			if f.buffer[i].priority != f.buffer[j].priority {
				return f.buffer[i].priority > f.buffer[j].priority
			}
			return f.buffer[i].enqueuedAt.Before(f.buffer[j].enqueuedAt)
		})
		next := f.buffer[0]
		f.mu.Unlock()

		if !f.breaker.allowRequest() {
			return
		}

		sent := false
		var lastErr error
		var lastRetryAfter time.Duration
		for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
			f.delivering.Store(true)
			retryAfter, err := f.send(ctx, next.event)
			f.delivering.Store(false)
			if err == nil {
				sent = true
				break
			}
			lastErr, lastRetryAfter = err, retryAfter
		}

		if !sent {
			f.breaker.recordFailure(lastRetryAfter)
			f.logger.Warn("drain exhausted retries, pausing", "type", next.event.Type, "error", lastErr)
			return
		}

		f.breaker.recordSuccess()
		f.mu.Lock()
		f.removeLocked(next)
		remaining := len(f.buffer)
		f.mu.Unlock()

		if remaining == 0 {
			return
		}
		time.Sleep(time.Second)
	}
}

// removeLocked drops the first buffered entry matching msg's identity.
// buffered embeds an Event (which carries a map) so it is not comparable
// with ==; enqueuedAt plus event type is unique enough in practice.
func (f *Fanout) removeLocked(msg buffered) {
	for i, b := range f.buffer {
		if b.enqueuedAt.Equal(msg.enqueuedAt) && b.event.Type == msg.event.Type {
			f.buffer = append(f.buffer[:i], f.buffer[i+1:]...)
			return
		}
	}
}

func (f *Fanout) send(ctx context.Context, e eventbus.Event) (time.Duration, error) {
	resp, err := f.http.R().
		SetContext(ctx).
		SetBody(e).
		Post(f.cfg.WebhookURL)
	if err != nil {
		return 0, fmt.Errorf("alert webhook request: %w", err)
	}
	if resp.IsError() {
		var retryAfter time.Duration
		if ra := resp.Header().Get("Retry-After"); ra != "" {
			if secs, perr := strconv.Atoi(ra); perr == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return retryAfter, fmt.Errorf("alert webhook returned status %d", resp.StatusCode())
	}
	return 0, nil
}

// --- circuit breaker ---------------------------------------------------

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

type circuitBreaker struct {
	mu                  sync.Mutex
	state               breakerState
	consecutiveFailures int
	threshold           int
	baseDuration        time.Duration
	openUntil           time.Time
}

// allowRequest reports whether a send attempt may proceed now, advancing
// Open -> HalfOpen once the break duration has elapsed.
func (b *circuitBreaker) allowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed, breakerHalfOpen:
		return true
	case breakerOpen:
		if time.Now().After(b.openUntil) {
			b.state = breakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

func (b *circuitBreaker) recordFailure(retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	if b.state == breakerHalfOpen || b.consecutiveFailures >= b.threshold {
		dur := b.baseDuration
		if retryAfter > dur {
			dur = retryAfter
		}
		b.state = breakerOpen
		b.openUntil = time.Now().Add(dur)
	}
}

func (b *circuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.state = breakerClosed
}
