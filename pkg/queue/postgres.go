package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/codeready-toolchain/askrelay/pkg/models"
)

const (
	taskQueueTable = "task_queue"
	jobQueued      = "queued"
	jobClaimed     = "claimed"
)

// PostgresQueue stores jobs in the task_queue table. Workers in any process
// claim with FOR UPDATE SKIP LOCKED, so a job is claimed at most once.
type PostgresQueue struct {
	db *sql.DB
}

// NewPostgresQueue creates a queue on db.
// The db parameter should be the *sql.DB from database.Client.DB().
func NewPostgresQueue(db *sql.DB) *PostgresQueue {
	return &PostgresQueue{db: db}
}

func (q *PostgresQueue) Enqueue(ctx context.Context, job *Job) error {
	payload := job.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	err := q.db.QueryRowContext(ctx,
		`INSERT INTO task_queue (id, session_id, kind, payload) VALUES ($1, $2, $3, $4) RETURNING enqueued_at`,
		job.ID, job.SessionID, string(job.Kind), []byte(payload),
	).Scan(&job.EnqueuedAt)
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// claimSelect picks the oldest queued job and locks it, skipping rows other
// workers already hold.
func claimSelect() (string, []any) {
	return entsql.Dialect(dialect.Postgres).
		Select("id", "session_id", "kind", "payload", "enqueued_at").
		From(entsql.Table(taskQueueTable)).
		Where(entsql.EQ("status", jobQueued)).
		OrderBy("enqueued_at", "id").
		Limit(1).
		ForUpdate(entsql.WithLockAction(entsql.SkipLocked)).
		Query()
}

// claimUpdate marks jobID as claimed by workerID.
func claimUpdate(jobID, workerID string) (string, []any) {
	return entsql.Dialect(dialect.Postgres).
		Update(taskQueueTable).
		Set("status", jobClaimed).
		Set("claimed_by", workerID).
		Set("claimed_at", entsql.Expr("now()")).
		Set("heartbeat_at", entsql.Expr("now()")).
		Where(entsql.EQ("id", jobID)).
		Returning("claimed_at").
		Query()
}

func (q *PostgresQueue) Claim(ctx context.Context, workerID string) (*Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var job Job
	var kind string
	var payload []byte
	query, args := claimSelect()
	err = tx.QueryRowContext(ctx, query, args...).
		Scan(&job.ID, &job.SessionID, &kind, &payload, &job.EnqueuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoJobsAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query queued job: %w", err)
	}
	job.Kind = models.TaskKind(kind)
	job.Payload = payload

	query, args = claimUpdate(job.ID, workerID)
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&job.ClaimedAt); err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	job.ClaimedBy = workerID
	job.HeartbeatAt = job.ClaimedAt

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return &job, nil
}

func (q *PostgresQueue) Heartbeat(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE task_queue SET heartbeat_at = now() WHERE id = $1 AND status = 'claimed'`, jobID)
	if err != nil {
		return fmt.Errorf("failed to heartbeat job %s: %w", jobID, err)
	}
	return nil
}

func (q *PostgresQueue) Complete(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE task_queue SET status = 'done', completed_at = now() WHERE id = $1 AND status <> 'done'`, jobID)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", jobID, err)
	}
	return nil
}

const claimedColumns = `id, session_id, kind, payload, enqueued_at, claimed_by, claimed_at, heartbeat_at`

func (q *PostgresQueue) StaleClaims(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	return q.queryClaims(ctx,
		`SELECT `+claimedColumns+` FROM task_queue WHERE status = 'claimed' AND heartbeat_at < $1 ORDER BY heartbeat_at`,
		cutoff)
}

func (q *PostgresQueue) ClaimsByPrefix(ctx context.Context, prefix string) ([]*Job, error) {
	return q.queryClaims(ctx,
		`SELECT `+claimedColumns+` FROM task_queue WHERE status = 'claimed' AND claimed_by LIKE $1 ESCAPE '\' ORDER BY claimed_at`,
		escapeLike(prefix)+"%")
}

func (q *PostgresQueue) queryClaims(ctx context.Context, query string, arg any) ([]*Job, error) {
	rows, err := q.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query claimed jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var job Job
		var kind string
		var payload []byte
		var claimedBy sql.NullString
		var claimedAt, heartbeatAt sql.NullTime
		if err := rows.Scan(&job.ID, &job.SessionID, &kind, &payload, &job.EnqueuedAt, &claimedBy, &claimedAt, &heartbeatAt); err != nil {
			return nil, fmt.Errorf("failed to scan claimed job: %w", err)
		}
		job.Kind = models.TaskKind(kind)
		job.Payload = payload
		job.ClaimedBy = claimedBy.String
		job.ClaimedAt = claimedAt.Time
		job.HeartbeatAt = heartbeatAt.Time
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

func (q *PostgresQueue) Depth(ctx context.Context) (int, int, error) {
	var queued, claimed int
	err := q.db.QueryRowContext(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'queued'),
			count(*) FILTER (WHERE status = 'claimed')
		FROM task_queue`,
	).Scan(&queued, &claimed)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query queue depth: %w", err)
	}
	return queued, claimed, nil
}

func (q *PostgresQueue) PurgeCompleted(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM task_queue WHERE status = 'done' AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge completed jobs: %w", err)
	}
	return res.RowsAffected()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
