// Package coordinator accepts jobs, schedules them and drives each one through
// its stage plan to a decision and a terminal status.
package coordinator

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joescharf/gauntlet/internal/cache"
	"github.com/joescharf/gauntlet/internal/config"
	"github.com/joescharf/gauntlet/internal/decision"
	"github.com/joescharf/gauntlet/internal/models"
	"github.com/joescharf/gauntlet/internal/notify"
	"github.com/joescharf/gauntlet/internal/pipeline"
	"github.com/joescharf/gauntlet/internal/stage"
	"github.com/joescharf/gauntlet/internal/store"
)

var (
	ErrInvalidJobType   = errors.New("invalid job type")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrJobAlreadyActive = errors.New("job already active")
	ErrResultsNotReady  = errors.New("results not ready")
	ErrNotRunning       = errors.New("job is not running")
	ErrShuttingDown     = errors.New("coordinator is shutting down")
)

// Planner resolves the stage plan for a job type.
type Planner interface {
	PlanFor(jt models.JobType) (*models.StagePlan, error)
}

// Runner executes one stage.
type Runner interface {
	Execute(ctx context.Context, spec models.StageSpec, in stage.Input) *models.StageResult
}

// Notifier publishes job events without blocking.
type Notifier interface {
	Notify(job *models.Job, kind notify.Kind, detail string)
}

// Recorder receives job-level metrics.
type Recorder interface {
	JobSubmitted(jt models.JobType)
	JobStarted()
	JobFinished(jt models.JobType, status models.JobStatus)
	Escalation(reason models.EscalationReason)
}

// Submission is a request to run a job.
type Submission struct {
	// JobID is optional. Reusing the ID of a finished job reopens it as a new
	// job whose parent is the finished one.
	JobID      string             `json:"job_id,omitempty"`
	JobType    models.JobType     `json:"job_type"`
	Payload    models.Payload     `json:"payload"`
	Priority   models.Priority    `json:"priority,omitempty"`
	Thresholds *models.Thresholds `json:"thresholds,omitempty"`
	Deadline   *time.Time         `json:"deadline,omitempty"`
}

// StageState is the progress of one stage as seen by Status.
type StageState struct {
	Name     string             `json:"name"`
	Group    string             `json:"group,omitempty"`
	Required bool               `json:"required"`
	State    string             `json:"state"`
	Attempts int                `json:"attempts,omitempty"`
	SubScore *float64           `json:"sub_score,omitempty"`
	Kind     models.FailureKind `json:"kind,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// StatusView summarizes a job's progress.
type StatusView struct {
	JobID    string           `json:"job_id"`
	ParentID string           `json:"parent_id,omitempty"`
	JobType  models.JobType   `json:"job_type"`
	Status   models.JobStatus `json:"status"`
	Reason   string           `json:"reason,omitempty"`
	Priority models.Priority  `json:"priority"`
	Stages   []StageState     `json:"stages"`
	Score    *float64         `json:"score,omitempty"`
	Verdict  models.Verdict   `json:"verdict,omitempty"`
	Queued   bool             `json:"queued,omitempty"`
}

// ResultsDoc is the serialized result of a terminal job.
type ResultsDoc struct {
	JobID       string                    `json:"job_id"`
	ParentID    string                    `json:"parent_id,omitempty"`
	JobType     models.JobType            `json:"job_type"`
	Status      models.JobStatus          `json:"status"`
	Reason      string                    `json:"reason,omitempty"`
	Decision    *models.Decision          `json:"decision"`
	Stages      []*models.StageResult     `json:"stages"`
	Escalations []*models.EscalationEvent `json:"escalations"`
	CreatedAt   time.Time                 `json:"created_at"`
	CompletedAt *time.Time                `json:"completed_at,omitempty"`
}

// Analytics summarizes the job population.
type Analytics struct {
	Total          int                      `json:"total"`
	ByStatus       map[models.JobStatus]int `json:"by_status"`
	EscalationRate float64                  `json:"escalation_rate"`
	ActiveRuns     int                      `json:"active_runs"`
	Queued         int                      `json:"queued"`
}

// run is the in-memory state of one active job.
type run struct {
	job       *models.Job
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled atomic.Bool
	started   bool
	seq       uint64
	index     int

	// mu guards job.Results, job.Escalations and seen while stages of a
	// parallel group finish.
	mu   sync.Mutex
	seen map[decision.Key]bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithNotifier publishes job events through n.
func WithNotifier(n Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// WithCache serves repeated results queries from r.
func WithCache(r *cache.Results) Option {
	return func(c *Coordinator) { c.cache = r }
}

// WithRecorder reports job metrics to r.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// Coordinator owns the active-run map and the wait queue. The active map is
// its only mutual exclusion; everything else lives in the store.
type Coordinator struct {
	store    store.Store
	plans    Planner
	exec     Runner
	cfg      config.Coordinator
	logger   *slog.Logger
	notifier Notifier
	cache    *cache.Results
	recorder Recorder

	mu      sync.Mutex
	active  map[string]*run
	queue   waitQueue
	running int
	seq     uint64
	closed  bool
	wg      sync.WaitGroup
}

// New creates a Coordinator.
func New(st store.Store, plans Planner, exec Runner, cfg config.Coordinator, logger *slog.Logger, opts ...Option) *Coordinator {
	if cfg.ParallelPool < 1 {
		cfg.ParallelPool = 1
	}
	c := &Coordinator{
		store:  st,
		plans:  plans,
		exec:   exec,
		cfg:    cfg,
		logger: logger,
		active: make(map[string]*run),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Submit validates the submission, records a pending job and queues it.
// Input errors are returned before anything is written.
func (c *Coordinator) Submit(ctx context.Context, sub Submission) (*models.Job, error) {
	plan, err := c.plans.PlanFor(sub.JobType)
	if err != nil {
		if errors.Is(err, pipeline.ErrUnknownJobType) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidJobType, sub.JobType)
		}
		return nil, err
	}
	if err := validatePayload(sub); err != nil {
		return nil, err
	}

	job := &models.Job{
		ID:         sub.JobID,
		Type:       sub.JobType,
		Status:     models.JobStatusPending,
		Priority:   sub.Priority,
		Payload:    sub.Payload,
		Thresholds: plan.Thresholds,
		Plan:       *plan,
		Deadline:   sub.Deadline,
	}
	if job.Priority == "" {
		job.Priority = models.PriorityNormal
	}
	if sub.Thresholds != nil {
		job.Thresholds = *sub.Thresholds
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrShuttingDown
	}
	if sub.JobID != "" {
		if c.activeFor(sub.JobID) {
			return nil, fmt.Errorf("%w: %s", ErrJobAlreadyActive, sub.JobID)
		}
		prior, err := c.store.GetJob(ctx, sub.JobID)
		switch {
		case errors.Is(err, store.ErrJobNotFound):
		case err != nil:
			return nil, err
		case !prior.Status.Terminal():
			return nil, fmt.Errorf("%w: %s is %s", ErrJobAlreadyActive, sub.JobID, prior.Status)
		default:
			// Reopen from the newest job in the chain so lineage stays linear.
			chain, err := c.store.Lineage(ctx, prior.ID)
			if err != nil {
				return nil, err
			}
			tail := chain[len(chain)-1]
			if !tail.Status.Terminal() {
				return nil, fmt.Errorf("%w: %s is reopened as %s", ErrJobAlreadyActive, sub.JobID, tail.ID)
			}
			job.ID = ""
			job.ParentID = tail.ID
		}
	}

	if err := c.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	c.logger.Info("job submitted", "job_id", job.ID, "job_type", job.Type, "priority", job.Priority, "parent_id", job.ParentID)
	if c.recorder != nil {
		c.recorder.JobSubmitted(job.Type)
	}
	c.notify(job, notify.KindSubmitted, "")

	// The run goroutine owns job once it is queued.
	snapshot := *job
	c.enqueue(job)
	return &snapshot, nil
}

// activeFor reports whether id, or a job reopened from id, is running or
// queued. Callers hold c.mu.
func (c *Coordinator) activeFor(id string) bool {
	if _, ok := c.active[id]; ok {
		return true
	}
	for _, r := range c.active {
		if r.job.ParentID == id {
			return true
		}
	}
	return false
}

// enqueue registers job as active and admits waiting jobs. Callers hold c.mu.
func (c *Coordinator) enqueue(job *models.Job) {
	ctx, cancel := context.WithCancel(context.Background())
	c.seq++
	r := &run{
		job:    job,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		seq:    c.seq,
		seen:   make(map[decision.Key]bool),
	}
	for _, e := range job.Escalations {
		r.seen[decision.KeyOf(e)] = true
	}
	c.active[job.ID] = r
	heap.Push(&c.queue, r)
	c.admit()
}

// admit starts waiting jobs while run slots are free. Callers hold c.mu.
func (c *Coordinator) admit() {
	for c.queue.Len() > 0 && !c.closed {
		if c.cfg.MaxConcurrentJobs > 0 && c.running >= c.cfg.MaxConcurrentJobs {
			return
		}
		r := heap.Pop(&c.queue).(*run)
		c.start(r)
	}
}

// start launches r. Callers hold c.mu.
func (c *Coordinator) start(r *run) {
	r.started = true
	c.running++
	c.wg.Add(1)
	go c.execute(r)
}

// release frees r's run slot and wakes waiters.
func (c *Coordinator) release(r *run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running--
	delete(c.active, r.job.ID)
	r.cancel()
	close(r.done)
	c.admit()
	c.wg.Done()
}

// Cancel stops a queued or running job. Pending stages are skipped, running
// stages are cancelled best-effort and the job fails with reason cancelled.
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	c.mu.Lock()
	r, ok := c.active[id]
	if ok {
		r.cancelled.Store(true)
		r.cancel()
		if !r.started {
			heap.Remove(&c.queue, r.index)
			c.start(r)
		}
	}
	c.mu.Unlock()

	if ok {
		c.logger.Info("job cancelled", "job_id", id)
		return nil
	}
	if _, err := c.store.GetJob(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrNotRunning, id)
}

// Wait blocks until the job reaches a terminal status and returns it.
func (c *Coordinator) Wait(ctx context.Context, id string) (*models.Job, error) {
	c.mu.Lock()
	r, ok := c.active[id]
	c.mu.Unlock()

	if ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	job, err := c.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRunning, id, job.Status)
	}
	return job, nil
}

// Job returns the stored record.
func (c *Coordinator) Job(ctx context.Context, id string) (*models.Job, error) {
	return c.store.GetJob(ctx, id)
}

// List returns jobs in any of statuses, newest first.
func (c *Coordinator) List(ctx context.Context, statuses []models.JobStatus, limit int) ([]*models.Job, error) {
	return c.store.ListJobsByStatus(ctx, statuses, limit)
}

// Lineage returns the reopen chain containing id, oldest first.
func (c *Coordinator) Lineage(ctx context.Context, id string) ([]*models.Job, error) {
	return c.store.Lineage(ctx, id)
}

// Status reports per-stage progress for a job.
func (c *Coordinator) Status(ctx context.Context, id string) (*StatusView, error) {
	job, err := c.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	r, ok := c.active[id]
	queued := ok && !r.started
	c.mu.Unlock()

	v := &StatusView{
		JobID:    job.ID,
		ParentID: job.ParentID,
		JobType:  job.Type,
		Status:   job.Status,
		Reason:   job.StatusReason,
		Priority: job.Priority,
		Queued:   queued,
	}
	for _, s := range job.Plan.Stages {
		st := StageState{Name: s.Name, Group: s.Group, Required: s.Required, State: "pending"}
		if res := job.Result(s.Name); res != nil {
			st.State = string(res.Outcome)
			st.Attempts = res.Attempts
			st.SubScore = res.SubScore
			if res.Error != nil {
				st.Kind = res.Error.Kind
				st.Error = res.Error.Message
			}
		}
		v.Stages = append(v.Stages, st)
	}
	if job.Decision != nil {
		v.Score = job.Decision.Score
		v.Verdict = job.Decision.Verdict
	}
	return v, nil
}

// Results returns the serialized results of a terminal job. Repeated calls
// return identical bytes.
func (c *Coordinator) Results(ctx context.Context, id string) ([]byte, error) {
	if doc, ok := c.cache.Get(id); ok {
		return doc, nil
	}

	job, err := c.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrResultsNotReady, id, job.Status)
	}

	doc, err := json.Marshal(ResultsDoc{
		JobID:       job.ID,
		ParentID:    job.ParentID,
		JobType:     job.Type,
		Status:      job.Status,
		Reason:      job.StatusReason,
		Decision:    job.Decision,
		Stages:      orEmpty(job.Results),
		Escalations: orEmpty(job.Escalations),
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode results: %w", err)
	}
	c.cache.Set(id, doc)
	return doc, nil
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// Resume queues jobs left pending or running by a previous process. Stages
// that already have results are not run again.
func (c *Coordinator) Resume(ctx context.Context) (int, error) {
	jobs, err := c.store.ListJobsByStatus(ctx, []models.JobStatus{models.JobStatusPending, models.JobStatusRunning}, 0)
	if err != nil {
		return 0, fmt.Errorf("list unfinished jobs: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, summary := range jobs {
		if _, ok := c.active[summary.ID]; ok {
			continue
		}
		job, err := c.store.GetJob(ctx, summary.ID)
		if err != nil {
			return n, err
		}
		c.logger.Info("resuming job", "job_id", job.ID, "status", job.Status, "recorded_stages", len(job.Results))
		c.enqueue(job)
		n++
	}
	return n, nil
}

// Analytics returns counts per status, the escalation rate among finished
// jobs and the number of active runs.
func (c *Coordinator) Analytics(ctx context.Context) (*Analytics, error) {
	counts, err := c.store.StatusCounts(ctx)
	if err != nil {
		return nil, err
	}
	a := &Analytics{ByStatus: make(map[models.JobStatus]int)}
	finished := 0
	for _, s := range []models.JobStatus{
		models.JobStatusPending, models.JobStatusRunning,
		models.JobStatusCompleted, models.JobStatusEscalated, models.JobStatusFailed,
	} {
		a.ByStatus[s] = counts[s]
		a.Total += counts[s]
		if s.Terminal() {
			finished += counts[s]
		}
	}
	if finished > 0 {
		a.EscalationRate = float64(counts[models.JobStatusEscalated]) / float64(finished)
	}

	c.mu.Lock()
	a.ActiveRuns = c.running
	a.Queued = c.queue.Len()
	c.mu.Unlock()
	return a, nil
}

// Shutdown stops admitting jobs and waits for running ones. Queued jobs stay
// pending in the store and are picked up by Resume on the next start.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	for c.queue.Len() > 0 {
		r := heap.Pop(&c.queue).(*run)
		delete(c.active, r.job.ID)
		r.cancel()
		close(r.done)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) notify(job *models.Job, kind notify.Kind, detail string) {
	if c.notifier == nil {
		return
	}
	snapshot := *job
	c.notifier.Notify(&snapshot, kind, detail)
}

func validatePayload(sub Submission) error {
	p := sub.Payload
	if strings.TrimSpace(p.Ref) == "" && strings.TrimSpace(p.Content) == "" {
		return fmt.Errorf("%w: ref or content is required", ErrMalformedPayload)
	}
	switch sub.Priority {
	case "", models.PriorityLow, models.PriorityNormal, models.PriorityHigh, models.PriorityUrgent:
	default:
		return fmt.Errorf("%w: unknown priority %q", ErrMalformedPayload, sub.Priority)
	}
	if t := sub.Thresholds; t != nil {
		if t.HardReject < 0 || t.AutoApprove > 100 || t.HardReject > t.AutoApprove {
			return fmt.Errorf("%w: thresholds hard_reject %.2f, auto_approve %.2f", ErrMalformedPayload, t.HardReject, t.AutoApprove)
		}
	}
	return nil
}
