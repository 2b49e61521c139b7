package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/diogoX451/skyrfp/internal/core/domain"
	"github.com/diogoX451/skyrfp/internal/core/ports"
	"github.com/diogoX451/skyrfp/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id TEXT PRIMARY KEY,
	current_state TEXT NOT NULL,
	terminal INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 0,
	record TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflows_active ON workflows(terminal, updated_at);

CREATE TABLE IF NOT EXISTS contexts (
	workflow_id TEXT PRIMARY KEY,
	document TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	FOREIGN KEY(workflow_id) REFERENCES workflows(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	agent_type TEXT NOT NULL,
	state TEXT NOT NULL,
	state_seq INTEGER NOT NULL,
	payload TEXT NULL,
	attempt INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	enqueued_at INTEGER NOT NULL,
	visible_after INTEGER NOT NULL,
	lease_until INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_dispatch ON jobs(status, visible_after, enqueued_at);
CREATE INDEX IF NOT EXISTS idx_jobs_workflow ON jobs(workflow_id, status);
`

const jobColumns = `id, workflow_id, agent_type, state, state_seq, payload, attempt, max_attempts,
	enqueued_at, visible_after, lease_until, status, last_error, updated_at`

// Store is the embedded durable store. All access goes through a single
// connection so every transaction is serialised.
type Store struct {
	db *sql.DB
}

var _ ports.Store = (*Store)(nil)

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx %s: %w", op, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", op, err)
	}
	return nil
}

// --- workflows ---

func (s *Store) CreateWorkflow(ctx context.Context, wf *domain.Workflow) error {
	record, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	return s.withTx(ctx, "create workflow", func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM workflows WHERE id = ?`, string(wf.ID)).Scan(&exists)
		if err == nil {
			return fmt.Errorf("%w: %s", domain.ErrWorkflowExists, wf.ID)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check workflow: %w", err)
		}
		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO workflows(id, current_state, terminal, version, record, created_at, updated_at)
			VALUES(?, ?, ?, ?, ?, ?, ?)`,
			string(wf.ID), string(wf.CurrentState), boolToInt(wf.Terminal), wf.Version, string(record),
			toMillis(wf.CreatedAt), toMillis(wf.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("create workflow: %w", err)
		}
		return nil
	})
}

func (s *Store) GetWorkflow(ctx context.Context, id domain.WorkflowID) (*domain.Workflow, error) {
	return loadWorkflow(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadWorkflow(ctx context.Context, q queryRower, id domain.WorkflowID) (*domain.Workflow, error) {
	var record string
	err := q.QueryRowContext(ctx, `SELECT record FROM workflows WHERE id = ?`, string(id)).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	var wf domain.Workflow
	if err := json.Unmarshal([]byte(record), &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return &wf, nil
}

func (s *Store) UpdateWorkflow(ctx context.Context, id domain.WorkflowID, fn func(*domain.Workflow) error) (*domain.Workflow, error) {
	var updated *domain.Workflow
	err := s.withTx(ctx, "update workflow", func(tx *sql.Tx) error {
		wf, err := loadWorkflow(ctx, tx, id)
		if err != nil {
			return err
		}
		version := wf.Version
		if err := fn(wf); err != nil {
			return err
		}
		wf.Version = version + 1

		record, err := json.Marshal(wf)
		if err != nil {
			return fmt.Errorf("marshal workflow: %w", err)
		}
		res, err := tx.ExecContext(
			ctx,
			`UPDATE workflows SET current_state = ?, terminal = ?, version = ?, record = ?, updated_at = ?
			WHERE id = ? AND version = ?`,
			string(wf.CurrentState), boolToInt(wf.Terminal), wf.Version, string(record), toMillis(wf.UpdatedAt),
			string(id), version,
		)
		if err != nil {
			return fmt.Errorf("update workflow: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("update workflow %s: version conflict", id)
		}
		updated = wf
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) ListActiveWorkflows(ctx context.Context, limit int) ([]domain.WorkflowID, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id FROM workflows WHERE terminal = 0 ORDER BY updated_at ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list active workflows: %w", err)
	}
	defer rows.Close()

	var ids []domain.WorkflowID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan workflow id: %w", err)
		}
		ids = append(ids, domain.WorkflowID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active workflows: %w", err)
	}
	return ids, nil
}

// --- context ---

func (s *Store) GetContext(ctx context.Context, id domain.WorkflowID) (domain.Data, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM contexts WHERE workflow_id = ?`, string(id)).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return append(domain.Data(nil), store.EmptyDocument...), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get context: %w", err)
	}
	return domain.Data(doc), nil
}

func (s *Store) MergeContext(ctx context.Context, id domain.WorkflowID, patch domain.Data) (domain.Data, error) {
	return s.UpdateContext(ctx, id, func(doc domain.Data) (domain.Data, error) {
		return store.MergeDocument(doc, patch)
	})
}

func (s *Store) UpdateContext(ctx context.Context, id domain.WorkflowID, fn func(domain.Data) (domain.Data, error)) (domain.Data, error) {
	var out domain.Data
	err := s.withTx(ctx, "update context", func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM workflows WHERE id = ?`, string(id)).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("check workflow: %w", err)
		}

		var doc string
		err = tx.QueryRowContext(ctx, `SELECT document FROM contexts WHERE workflow_id = ?`, string(id)).Scan(&doc)
		current := domain.Data(doc)
		if errors.Is(err, sql.ErrNoRows) {
			current = append(domain.Data(nil), store.EmptyDocument...)
		} else if err != nil {
			return fmt.Errorf("get context: %w", err)
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO contexts(workflow_id, document, updated_at) VALUES(?, ?, ?)
			ON CONFLICT(workflow_id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
			string(id), string(next), time.Now().UTC().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("save context: %w", err)
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- jobs ---

func (s *Store) EnqueueJob(ctx context.Context, job *domain.Job) (bool, error) {
	created := false
	err := s.withTx(ctx, "enqueue job", func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, string(job.ID)).Scan(&exists)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check job: %w", err)
		}

		var active int
		if err := tx.QueryRowContext(
			ctx,
			`SELECT COUNT(*) FROM jobs WHERE workflow_id = ? AND status IN (?, ?)`,
			string(job.WorkflowID), string(domain.JobPending), string(domain.JobRunning),
		).Scan(&active); err != nil {
			return fmt.Errorf("count active jobs: %w", err)
		}
		job.Status = domain.JobPending
		if active > 0 {
			job.Status = domain.JobHeld
		}

		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO jobs(`+jobColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(job.ID), string(job.WorkflowID), string(job.AgentType), string(job.State), job.StateSeq,
			nullableJSON(job.Payload), job.Attempt, job.MaxAttempts,
			toMillis(job.EnqueuedAt), toMillis(job.VisibleAfter), toMillis(job.LeaseUntil),
			string(job.Status), job.LastError, toMillis(job.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		created = true
		return nil
	})
	return created, err
}

func (s *Store) ClaimJob(ctx context.Context, now, leaseUntil time.Time) (*domain.Job, error) {
	var claimed *domain.Job
	err := s.withTx(ctx, "claim job", func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(
			ctx,
			`SELECT j.id FROM jobs j
			WHERE j.status = ? AND j.visible_after <= ?
			AND NOT EXISTS (SELECT 1 FROM jobs r WHERE r.workflow_id = j.workflow_id AND r.status = ?)
			ORDER BY j.visible_after ASC, j.enqueued_at ASC
			LIMIT 1`,
			string(domain.JobPending), toMillis(now), string(domain.JobRunning),
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNoJob
		}
		if err != nil {
			return fmt.Errorf("select claimable job: %w", err)
		}

		if _, err := tx.ExecContext(
			ctx,
			`UPDATE jobs SET status = ?, lease_until = ?, updated_at = ? WHERE id = ?`,
			string(domain.JobRunning), toMillis(leaseUntil), toMillis(now), id,
		); err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		claimed, err = loadJob(ctx, tx, domain.JobID(id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) FinishJob(ctx context.Context, id domain.JobID, status domain.JobStatus, lastErr string, now time.Time) (*domain.Job, error) {
	if !status.Finished() {
		return nil, fmt.Errorf("finish job %s: %s is not a finished status", id, status)
	}
	var finished *domain.Job
	err := s.withTx(ctx, "finish job", func(tx *sql.Tx) error {
		job, err := loadJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if job.Status != domain.JobRunning {
			return fmt.Errorf("%w: %s is %s", domain.ErrJobNotRunning, id, job.Status)
		}

		if _, err := tx.ExecContext(
			ctx,
			`UPDATE jobs SET status = ?, last_error = ?, lease_until = 0, updated_at = ? WHERE id = ?`,
			string(status), lastErr, toMillis(now), string(id),
		); err != nil {
			return fmt.Errorf("finish job: %w", err)
		}

		if status == domain.JobDeadLettered {
			if _, err := tx.ExecContext(
				ctx,
				`UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE workflow_id = ? AND status = ?`,
				string(domain.JobFailed), "discarded: "+string(id)+" dead-lettered", toMillis(now),
				string(job.WorkflowID), string(domain.JobHeld),
			); err != nil {
				return fmt.Errorf("discard held jobs: %w", err)
			}
		} else if err := releaseHeld(ctx, tx, job.WorkflowID, now); err != nil {
			return err
		}

		finished, err = loadJob(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return finished, nil
}

// releaseHeld promotes the oldest held job once the workflow has no active job.
func releaseHeld(ctx context.Context, tx *sql.Tx, wf domain.WorkflowID, now time.Time) error {
	var active int
	if err := tx.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM jobs WHERE workflow_id = ? AND status IN (?, ?)`,
		string(wf), string(domain.JobPending), string(domain.JobRunning),
	).Scan(&active); err != nil {
		return fmt.Errorf("count active jobs: %w", err)
	}
	if active > 0 {
		return nil
	}

	var next string
	err := tx.QueryRowContext(
		ctx,
		`SELECT id FROM jobs WHERE workflow_id = ? AND status = ? ORDER BY enqueued_at ASC, rowid ASC LIMIT 1`,
		string(wf), string(domain.JobHeld),
	).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("select held job: %w", err)
	}
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		string(domain.JobPending), toMillis(now), next,
	); err != nil {
		return fmt.Errorf("release held job: %w", err)
	}
	return nil
}

func (s *Store) RescheduleJob(ctx context.Context, id domain.JobID, attempt int, visibleAfter time.Time, lastErr string, now time.Time) (*domain.Job, error) {
	var job *domain.Job
	err := s.withTx(ctx, "reschedule job", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(
			ctx,
			`UPDATE jobs SET status = ?, attempt = ?, visible_after = ?, lease_until = 0, last_error = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(domain.JobPending), attempt, toMillis(visibleAfter), lastErr, toMillis(now),
			string(id), string(domain.JobRunning),
		)
		if err != nil {
			return fmt.Errorf("reschedule job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			current, err := loadJob(ctx, tx, id)
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: %s is %s", domain.ErrJobNotRunning, id, current.Status)
		}
		job, err = loadJob(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Store) ExpediteJob(ctx context.Context, id domain.JobID, visibleAfter time.Time, payload domain.Data, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET visible_after = ?, payload = COALESCE(?, payload), updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		toMillis(visibleAfter), nullableJSON(payload), toMillis(now),
		string(id), string(domain.JobPending), string(domain.JobHeld),
	)
	if err != nil {
		return false, fmt.Errorf("expedite job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("expedite rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *Store) DiscardWorkflowJobs(ctx context.Context, id domain.WorkflowID, reason string, now time.Time) (int, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, last_error = ?, updated_at = ?
		WHERE workflow_id = ? AND status IN (?, ?)`,
		string(domain.JobFailed), reason, toMillis(now),
		string(id), string(domain.JobPending), string(domain.JobHeld),
	)
	if err != nil {
		return 0, fmt.Errorf("discard workflow jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("discard rows affected: %w", err)
	}
	return int(n), nil
}

func (s *Store) GetJob(ctx context.Context, id domain.JobID) (*domain.Job, error) {
	return loadJob(ctx, s.db, id)
}

func (s *Store) ListWorkflowJobs(ctx context.Context, id domain.WorkflowID) ([]domain.Job, error) {
	return s.listJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE workflow_id = ? ORDER BY enqueued_at ASC, rowid ASC`,
		string(id))
}

func (s *Store) ListJobsByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY updated_at DESC LIMIT ?`,
		string(status), limit)
}

func (s *Store) ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? AND lease_until > 0 AND lease_until <= ?
		ORDER BY lease_until ASC LIMIT ?`,
		string(domain.JobRunning), toMillis(now), limit)
}

func (s *Store) listJobs(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func loadJob(ctx context.Context, q queryRower, id domain.JobID) (*domain.Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, string(id))
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return job, err
}

func scanJob(row scanner) (*domain.Job, error) {
	var (
		j                                    domain.Job
		id, wf, agent, state, status, errMsg string
		payload                              sql.NullString
		enqueued, visible, lease, updated    int64
	)
	if err := row.Scan(
		&id, &wf, &agent, &state, &j.StateSeq, &payload, &j.Attempt, &j.MaxAttempts,
		&enqueued, &visible, &lease, &status, &errMsg, &updated,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.ID = domain.JobID(id)
	j.WorkflowID = domain.WorkflowID(wf)
	j.AgentType = domain.AgentType(agent)
	j.State = domain.WorkflowState(state)
	if payload.Valid {
		j.Payload = domain.Data(payload.String)
	}
	j.EnqueuedAt = fromMillis(enqueued)
	j.VisibleAfter = fromMillis(visible)
	j.LeaseUntil = fromMillis(lease)
	j.Status = domain.JobStatus(status)
	j.LastError = errMsg
	j.UpdatedAt = fromMillis(updated)
	return &j, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func nullableJSON(d domain.Data) any {
	if len(d) == 0 {
		return nil
	}
	return string(d)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
