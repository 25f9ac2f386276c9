// Package notify publishes job state changes to external collaborators.
// Delivery is fire-and-forget: failures are logged and counted, never
// returned to the coordinator.
package notify

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joescharf/gauntlet/internal/models"
)

// Kind names a notification event.
type Kind string

const (
	KindSubmitted  Kind = "job.submitted"
	KindRunning    Kind = "job.running"
	KindEscalation Kind = "job.escalation"
	KindCompleted  Kind = "job.completed"
	KindEscalated  Kind = "job.escalated"
	KindFailed     Kind = "job.failed"
)

// TerminalKind maps a terminal status to its event kind.
func TerminalKind(s models.JobStatus) Kind {
	switch s {
	case models.JobStatusEscalated:
		return KindEscalated
	case models.JobStatusFailed:
		return KindFailed
	default:
		return KindCompleted
	}
}

// Event is the payload delivered to every sink. ID is unique per event so
// consumers can drop duplicates.
type Event struct {
	ID         string           `json:"id"`
	Kind       Kind             `json:"event"`
	JobID      string           `json:"jobID"`
	JobType    models.JobType   `json:"jobType"`
	Status     models.JobStatus `json:"status"`
	Reason     string           `json:"reason,omitempty"`
	Verdict    models.Verdict   `json:"verdict,omitempty"`
	Detail     string           `json:"detail,omitempty"`
	ResultsURL string           `json:"resultsURL"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Sink delivers events to one destination.
type Sink interface {
	Name() string
	Notify(ctx context.Context, e Event) error
}

// Observer counts deliveries.
type Observer interface {
	ObserveNotification(sink string, kind string, err error)
}

// Dispatcher fans events out to sinks on background goroutines.
type Dispatcher struct {
	mu       sync.RWMutex
	sinks    []Sink
	timeout  time.Duration
	baseURL  string
	enabled  func(string) bool
	logger   *slog.Logger
	observer Observer
	wg       sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithTimeout bounds each delivery.
func WithTimeout(d time.Duration) DispatcherOption {
	return func(x *Dispatcher) { x.timeout = d }
}

// WithBaseURL sets the prefix used to build results URLs.
func WithBaseURL(u string) DispatcherOption {
	return func(x *Dispatcher) { x.baseURL = strings.TrimRight(u, "/") }
}

// WithFilter drops events whose kind fails enabled.
func WithFilter(enabled func(string) bool) DispatcherOption {
	return func(x *Dispatcher) { x.enabled = enabled }
}

// WithObserver reports every delivery to o.
func WithObserver(o Observer) DispatcherOption {
	return func(x *Dispatcher) { x.observer = o }
}

// NewDispatcher creates a Dispatcher with no sinks.
func NewDispatcher(logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{timeout: 10 * time.Second, logger: logger}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Add registers a sink.
func (d *Dispatcher) Add(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, s)
}

// Sinks returns the registered sink names.
func (d *Dispatcher) Sinks() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.Name()
	}
	return names
}

// Notify builds an event for job and delivers it to every sink without
// blocking the caller.
func (d *Dispatcher) Notify(job *models.Job, kind Kind, detail string) {
	if d.enabled != nil && !d.enabled(string(kind)) {
		return
	}

	e := Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		JobID:      job.ID,
		JobType:    job.Type,
		Status:     job.Status,
		Reason:     job.StatusReason,
		Detail:     detail,
		ResultsURL: d.baseURL + "/api/v1/jobs/" + job.ID + "/results",
		Timestamp:  time.Now().UTC(),
	}
	if job.Decision != nil {
		e.Verdict = job.Decision.Verdict
	}

	d.mu.RLock()
	sinks := append([]Sink(nil), d.sinks...)
	d.mu.RUnlock()

	for _, s := range sinks {
		d.wg.Add(1)
		go d.deliver(s, e)
	}
}

func (d *Dispatcher) deliver(s Sink, e Event) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("notification sink panicked", "sink", s.Name(), "event", e.Kind, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	err := s.Notify(ctx, e)
	if err != nil {
		d.logger.Warn("notification failed", "sink", s.Name(), "event", e.Kind, "job_id", e.JobID, "error", err)
	}
	if d.observer != nil {
		d.observer.ObserveNotification(s.Name(), string(e.Kind), err)
	}
}

// Flush waits for in-flight deliveries.
func (d *Dispatcher) Flush() {
	d.wg.Wait()
}
