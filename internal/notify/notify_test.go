package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/gauntlet/internal/models"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recordingSink struct {
	mu     sync.Mutex
	name   string
	events []Event
	err    error
	delay  time.Duration
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Notify(ctx context.Context, e Event) error {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *recordingSink) got() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

type countingObserver struct {
	mu       sync.Mutex
	failures int
	total    int
}

func (o *countingObserver) ObserveNotification(_, _ string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.total++
	if err != nil {
		o.failures++
	}
}

func testJob() *models.Job {
	score := 91.0
	return &models.Job{
		ID:       "01JOB",
		Type:     models.JobTypeReview,
		Status:   models.JobStatusCompleted,
		Decision: &models.Decision{Score: &score, Verdict: models.VerdictApprove},
	}
}

func TestDispatcher_DeliversToAllSinks(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b"}
	d := NewDispatcher(discard(), WithBaseURL("http://localhost:8420/"))
	d.Add(a)
	d.Add(b)

	d.Notify(testJob(), KindCompleted, "")
	d.Flush()

	require.Len(t, a.got(), 1)
	require.Len(t, b.got(), 1)
	e := a.got()[0]
	assert.Equal(t, KindCompleted, e.Kind)
	assert.Equal(t, "01JOB", e.JobID)
	assert.Equal(t, models.VerdictApprove, e.Verdict)
	assert.Equal(t, "http://localhost:8420/api/v1/jobs/01JOB/results", e.ResultsURL)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, e.ID, b.got()[0].ID, "one event is shared across sinks")
	assert.Equal(t, []string{"a", "b"}, d.Sinks())
}

func TestDispatcher_UniqueEventIDs(t *testing.T) {
	s := &recordingSink{name: "s"}
	d := NewDispatcher(discard())
	d.Add(s)

	d.Notify(testJob(), KindRunning, "")
	d.Notify(testJob(), KindCompleted, "")
	d.Flush()

	got := s.got()
	require.Len(t, got, 2)
	assert.NotEqual(t, got[0].ID, got[1].ID)
}

func TestDispatcher_FailuresAreCountedNotPropagated(t *testing.T) {
	bad := &recordingSink{name: "bad", err: errors.New("receiver down")}
	slow := &recordingSink{name: "slow", delay: time.Second}
	obs := &countingObserver{}
	d := NewDispatcher(discard(), WithTimeout(20*time.Millisecond), WithObserver(obs))
	d.Add(bad)
	d.Add(slow)

	start := time.Now()
	d.Notify(testJob(), KindFailed, "")
	assert.Less(t, time.Since(start), 100*time.Millisecond, "Notify must not block")
	d.Flush()

	assert.Equal(t, 2, obs.total)
	assert.Equal(t, 2, obs.failures)
	assert.Empty(t, slow.got())
}

func TestDispatcher_Filter(t *testing.T) {
	s := &recordingSink{name: "s"}
	d := NewDispatcher(discard(), WithFilter(func(k string) bool { return k == string(KindEscalated) }))
	d.Add(s)

	d.Notify(testJob(), KindRunning, "")
	d.Notify(testJob(), KindEscalated, "")
	d.Flush()

	got := s.got()
	require.Len(t, got, 1)
	assert.Equal(t, KindEscalated, got[0].Kind)
}

func TestTerminalKind(t *testing.T) {
	assert.Equal(t, KindCompleted, TerminalKind(models.JobStatusCompleted))
	assert.Equal(t, KindEscalated, TerminalKind(models.JobStatusEscalated))
	assert.Equal(t, KindFailed, TerminalKind(models.JobStatusFailed))
}

func TestWebhook_Notify(t *testing.T) {
	var got WebhookPayload
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		header = r.Header.Get("X-Gauntlet-Event")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	e := Event{ID: "ev-1", Kind: KindEscalated, JobID: "01JOB", Status: models.JobStatusEscalated, ResultsURL: "http://x/results", Timestamp: time.Now()}
	require.NoError(t, NewWebhook(srv.URL).Notify(context.Background(), e))

	assert.Equal(t, "job.escalated", header)
	assert.Equal(t, "ev-1", got.ID)
	assert.Equal(t, "job.escalated", got.Event)
	assert.Equal(t, "01JOB", got.JobID)
	assert.Equal(t, "escalated", got.Status)
	assert.Equal(t, "http://x/results", got.ResultsURL)
}

func TestWebhook_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL).Notify(context.Background(), Event{Kind: KindFailed})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestHub_JobSubscription(t *testing.T) {
	hub := NewHub(discard())
	defer hub.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWS(w, r, strings.TrimPrefix(r.URL.Path, "/ws/"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, _, err := websocket.Dial(ctx, wsURL+"/ws/01JOB", nil)
	require.NoError(t, err)
	defer func() { _ = c.Close(websocket.StatusNormalClosure, "") }()

	require.Eventually(t, func() bool { return hub.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Notify(ctx, Event{ID: "other", Kind: KindRunning, JobID: "01OTHER"}))
	require.NoError(t, hub.Notify(ctx, Event{ID: "mine", Kind: KindCompleted, JobID: "01JOB"}))

	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	var e Event
	require.NoError(t, json.Unmarshal(data, &e))
	assert.Equal(t, "mine", e.ID, "events for other jobs are not delivered")
	assert.Equal(t, KindCompleted, e.Kind)
}

type fakePublisher struct {
	subject string
	data    []byte
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.subject = subject
	p.data = data
	return nil
}

func TestNATS_SubjectAndPayload(t *testing.T) {
	pub := &fakePublisher{}
	n := &NATS{pub: pub, prefix: "gauntlet.jobs"}

	e := Event{ID: "ev-1", Kind: KindEscalation, JobID: "01JOB", JobType: models.JobTypeSupportSession}
	require.NoError(t, n.Notify(context.Background(), e))

	assert.Equal(t, "gauntlet.jobs.support-session.escalation", pub.subject)
	var got Event
	require.NoError(t, json.Unmarshal(pub.data, &got))
	assert.Equal(t, "ev-1", got.ID)

	bare := &NATS{pub: pub}
	assert.Equal(t, "review.completed", bare.Subject(Event{Kind: KindCompleted, JobType: models.JobTypeReview}))
}

func TestNATS_Integration(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	n, err := ConnectNATS(url, "gauntlet.test")
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Notify(context.Background(), Event{ID: "ev", Kind: KindSubmitted, JobType: models.JobTypeReview}))
}
