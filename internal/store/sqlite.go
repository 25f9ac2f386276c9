package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/gauntlet/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection serializes
	// stage writes from parallel groups and concurrent jobs.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", strings.ToLower(p), err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// NewID generates a new ULID string.
func NewID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Jobs ---

const jobColumns = `id, parent_id, job_type, status, status_reason, priority, payload, thresholds, plan, decision, deadline, created_at, updated_at, completed_at`

func (s *SQLiteStore) CreateJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = NewID()
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if job.Priority == "" {
		job.Priority = models.PriorityNormal
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	thresholds, err := json.Marshal(job.Thresholds)
	if err != nil {
		return fmt.Errorf("encode thresholds: %w", err)
	}
	plan, err := json.Marshal(job.Plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, parent_id, job_type, status, status_reason, priority, payload, thresholds, plan, deadline, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ParentID, string(job.Type), string(job.Status), job.StatusReason, string(job.Priority),
		string(payload), string(thresholds), string(plan), job.Deadline, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	job := &models.Job{}
	var jobType, status, priority, payload, thresholds, plan string
	var decision sql.NullString
	var deadline, completedAt sql.NullTime

	if err := row.Scan(&job.ID, &job.ParentID, &jobType, &status, &job.StatusReason, &priority,
		&payload, &thresholds, &plan, &decision, &deadline,
		&job.CreatedAt, &job.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}

	job.Type = models.JobType(jobType)
	job.Status = models.JobStatus(status)
	job.Priority = models.Priority(priority)
	if err := json.Unmarshal([]byte(payload), &job.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if err := json.Unmarshal([]byte(thresholds), &job.Thresholds); err != nil {
		return nil, fmt.Errorf("decode thresholds: %w", err)
	}
	if err := json.Unmarshal([]byte(plan), &job.Plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if decision.Valid && decision.String != "" {
		job.Decision = &models.Decision{}
		if err := json.Unmarshal([]byte(decision.String), job.Decision); err != nil {
			return nil, fmt.Errorf("decode decision: %w", err)
		}
	}
	if deadline.Valid {
		job.Deadline = &deadline.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return job, nil
}

func (s *SQLiteStore) getJobRow(ctx context.Context, id string) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// GetJob returns the full job record: metadata, stage results in write order,
// decision and escalation events.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := s.getJobRow(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Results, err = s.listStageResults(ctx, id); err != nil {
		return nil, err
	}
	if job.Escalations, err = s.listEscalations(ctx, id); err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobsByStatus returns job metadata (without results) newest first.
// An empty status list matches every job.
func (s *SQLiteStore) ListJobsByStatus(ctx context.Context, statuses []models.JobStatus, limit int) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any

	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// SetStatus moves a job along the lifecycle, rejecting any edge other than
// pending -> running -> {completed, escalated, failed}.
func (s *SQLiteStore) SetStatus(ctx context.Context, id string, to models.JobStatus, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}

	from := models.JobStatus(current)
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := time.Now().UTC()
	var completedAt *time.Time
	if to.Terminal() {
		completedAt = &now
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE jobs SET status=?, status_reason=?, updated_at=?, completed_at=? WHERE id=?",
		string(to), reason, now, completedAt, id,
	); err != nil {
		return fmt.Errorf("update job status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// SetDecision caches the decision on a job that has not reached a terminal status.
func (s *SQLiteStore) SetDecision(ctx context.Context, id string, d *models.Decision) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := requireOpen(ctx, tx, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE jobs SET decision=?, updated_at=? WHERE id=?",
		string(data), time.Now().UTC(), id); err != nil {
		return fmt.Errorf("set decision: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Lineage returns the chain of jobs linked by parent references that contains
// id, oldest first.
func (s *SQLiteStore) Lineage(ctx context.Context, id string) ([]*models.Job, error) {
	job, err := s.getJobRow(ctx, id)
	if err != nil {
		return nil, err
	}

	chain := []*models.Job{job}
	seen := map[string]bool{job.ID: true}
	for cur := job; cur.ParentID != "" && !seen[cur.ParentID]; {
		parent, err := s.getJobRow(ctx, cur.ParentID)
		if err != nil {
			return nil, err
		}
		seen[parent.ID] = true
		chain = append([]*models.Job{parent}, chain...)
		cur = parent
	}

	for cur := job; ; {
		child, err := scanJob(s.db.QueryRowContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE parent_id = ? ORDER BY created_at, id LIMIT 1`, cur.ID))
		if errors.Is(err, sql.ErrNoRows) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("get child job: %w", err)
		}
		if seen[child.ID] {
			break
		}
		seen[child.ID] = true
		chain = append(chain, child)
		cur = child
	}
	return chain, nil
}

// StatusCounts returns the number of jobs per status.
func (s *SQLiteStore) StatusCounts(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[models.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

// requireOpen fails unless the job exists and is not terminal.
func requireOpen(ctx context.Context, tx *sql.Tx, id string) error {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	if models.JobStatus(status).Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrJobClosed, id, status)
	}
	return nil
}

// --- Stage results ---

// AppendStageResult records a stage result. Each (job, stage) pair is written once.
func (s *SQLiteStore) AppendStageResult(ctx context.Context, jobID string, r *models.StageResult) error {
	findings, err := json.Marshal(r.Findings)
	if err != nil {
		return fmt.Errorf("encode findings: %w", err)
	}
	triggers := r.Triggers
	if triggers == nil {
		triggers = []string{}
	}
	triggersJSON, err := json.Marshal(triggers)
	if err != nil {
		return fmt.Errorf("encode triggers: %w", err)
	}

	var errKind, errMsg string
	if r.Error != nil {
		errKind, errMsg = string(r.Error.Kind), r.Error.Message
	}
	var subScore sql.NullFloat64
	if r.SubScore != nil {
		subScore = sql.NullFloat64{Float64: *r.SubScore, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := requireOpen(ctx, tx, jobID); err != nil {
		return err
	}

	var existing int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM stage_results WHERE job_id = ? AND stage = ?", jobID, r.Stage,
	).Scan(&existing); err != nil {
		return fmt.Errorf("check stage result: %w", err)
	}
	if existing > 0 {
		return fmt.Errorf("%w: job %s stage %s", ErrDuplicateStageResult, jobID, r.Stage)
	}

	var seq int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM stage_results WHERE job_id = ?", jobID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("next stage seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stage_results (job_id, stage, seq, outcome, sub_score, findings, triggers, attempts, duration_ns, error_kind, error_message, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		jobID, r.Stage, seq, string(r.Outcome), subScore, string(findings), string(triggersJSON),
		r.Attempts, int64(r.Duration), errKind, errMsg, r.StartedAt.UTC(), r.FinishedAt.UTC(),
	); err != nil {
		return fmt.Errorf("append stage result: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE jobs SET updated_at=? WHERE id=?", time.Now().UTC(), jobID); err != nil {
		return fmt.Errorf("touch job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) listStageResults(ctx context.Context, jobID string) ([]*models.StageResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, outcome, sub_score, findings, triggers, attempts, duration_ns, error_kind, error_message, started_at, finished_at
		FROM stage_results WHERE job_id = ? ORDER BY seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list stage results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []*models.StageResult
	for rows.Next() {
		r := &models.StageResult{}
		var outcome, findings, triggers, errKind, errMsg string
		var subScore sql.NullFloat64
		var durationNS int64

		if err := rows.Scan(&r.Stage, &outcome, &subScore, &findings, &triggers, &r.Attempts, &durationNS,
			&errKind, &errMsg, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan stage result: %w", err)
		}

		r.Outcome = models.StageOutcome(outcome)
		r.Duration = time.Duration(durationNS)
		if subScore.Valid {
			v := subScore.Float64
			r.SubScore = &v
		}
		if err := json.Unmarshal([]byte(findings), &r.Findings); err != nil {
			return nil, fmt.Errorf("decode findings: %w", err)
		}
		if err := json.Unmarshal([]byte(triggers), &r.Triggers); err != nil {
			return nil, fmt.Errorf("decode triggers: %w", err)
		}
		if len(r.Triggers) == 0 {
			r.Triggers = nil
		}
		if errKind != "" {
			r.Error = &models.StageError{Kind: models.FailureKind(errKind), Message: errMsg}
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Escalations ---

// AppendEscalation records an escalation event on an open job.
func (s *SQLiteStore) AppendEscalation(ctx context.Context, e *models.EscalationEvent) error {
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := requireOpen(ctx, tx, e.JobID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO escalation_events (id, job_id, reason, stage, detail, target_handler, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.JobID, string(e.Reason), e.Stage, e.Detail, e.TargetHandler, e.CreatedAt,
	); err != nil {
		return fmt.Errorf("append escalation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) listEscalations(ctx context.Context, jobID string) ([]*models.EscalationEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, reason, stage, detail, target_handler, created_at
		FROM escalation_events WHERE job_id = ? ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*models.EscalationEvent
	for rows.Next() {
		e := &models.EscalationEvent{}
		var reason string
		if err := rows.Scan(&e.ID, &e.JobID, &reason, &e.Stage, &e.Detail, &e.TargetHandler, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		e.Reason = models.EscalationReason(reason)
		events = append(events, e)
	}
	return events, rows.Err()
}
