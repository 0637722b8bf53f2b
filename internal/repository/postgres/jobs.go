package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/arklim/social-platform-guildsync/internal/core/domain"
	"github.com/arklim/social-platform-guildsync/internal/core/port"
	"github.com/arklim/social-platform-guildsync/internal/repository"
)

// claimDueSQL flips due pending jobs to executing and returns them in one
// statement. SKIP LOCKED keeps concurrent workers from claiming the same row.
const claimDueSQL = `UPDATE guildsync.sync_jobs
SET status = 'executing', updated_at = $3
WHERE id IN (
	SELECT id FROM guildsync.sync_jobs
	WHERE group_key = $1 AND status = 'pending' AND not_before <= $3
	ORDER BY not_before, created_at
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
RETURNING id, kind, user_id, group_key, payload, not_before, attempts, status, last_error, created_at, updated_at`

// JobRepository implements port.JobRepository using PostgreSQL.
type JobRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewJobRepository constructs a new sync job repository.
func NewJobRepository(exec pgExecutor) *JobRepository {
	return &JobRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// WithTx returns a repository instance executing within the provided transaction.
func (r *JobRepository) WithTx(tx pgx.Tx) *JobRepository {
	if tx == nil {
		return r
	}
	return &JobRepository{
		exec:    tx,
		builder: r.builder,
	}
}

// Create persists a new job.
func (r *JobRepository) Create(ctx context.Context, job domain.Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}

	stmt, args, err := r.builder.Insert("guildsync.sync_jobs").
		Columns(
			"id",
			"kind",
			"user_id",
			"group_key",
			"payload",
			"not_before",
			"attempts",
			"status",
			"last_error",
			"created_at",
			"updated_at",
		).
		Values(
			job.ID,
			string(job.Kind),
			job.UserID,
			job.GroupKey,
			payload,
			job.NotBefore,
			job.Attempts,
			string(job.Status),
			job.LastError,
			job.CreatedAt,
			job.UpdatedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert job sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	return nil
}

// ClaimDue atomically claims up to limit due pending jobs in the group.
func (r *JobRepository) ClaimDue(ctx context.Context, group string, limit int, now time.Time) ([]domain.Job, error) {
	rows, err := r.exec.Query(ctx, claimDueSQL, group, limit, now)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed jobs: %w", err)
	}

	return jobs, nil
}

// MarkSucceeded finalizes an executing job as succeeded.
func (r *JobRepository) MarkSucceeded(ctx context.Context, jobID string, at time.Time) error {
	return r.finalize(ctx, jobID, domain.JobStatusSucceeded, nil, at)
}

// MarkFailed finalizes a job as terminally failed with the given reason.
func (r *JobRepository) MarkFailed(ctx context.Context, jobID string, reason string, at time.Time) error {
	return r.finalize(ctx, jobID, domain.JobStatusFailed, &reason, at)
}

func (r *JobRepository) finalize(ctx context.Context, jobID string, status domain.JobStatus, reason *string, at time.Time) error {
	stmt, args, err := r.builder.Update("guildsync.sync_jobs").
		Set("status", string(status)).
		Set("last_error", reason).
		Set("updated_at", at).
		Where(squirrel.Eq{"id": jobID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build finalize job sql: %w", err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}

	return nil
}

// Reschedule returns an executing job to the pending state for a later retry.
func (r *JobRepository) Reschedule(ctx context.Context, jobID string, notBefore time.Time, attempts int, reason string, at time.Time) error {
	stmt, args, err := r.builder.Update("guildsync.sync_jobs").
		Set("status", string(domain.JobStatusPending)).
		Set("not_before", notBefore).
		Set("attempts", attempts).
		Set("last_error", reason).
		Set("updated_at", at).
		Where(squirrel.Eq{"id": jobID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build reschedule job sql: %w", err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}

	return nil
}

// DeletePending removes a job that has not started executing yet.
func (r *JobRepository) DeletePending(ctx context.Context, jobID string) error {
	stmt, args, err := r.builder.Delete("guildsync.sync_jobs").
		Where(squirrel.Eq{"id": jobID, "status": string(domain.JobStatusPending)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete pending job sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("delete pending job: %w", err)
	}

	return nil
}

// HighestNotBefore reports the latest scheduled time among pending jobs.
func (r *JobRepository) HighestNotBefore(ctx context.Context, group string) (time.Time, bool, error) {
	stmt, args, err := r.builder.Select("MAX(not_before)").
		From("guildsync.sync_jobs").
		Where(squirrel.Eq{"group_key": group, "status": string(domain.JobStatusPending)}).
		ToSql()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("build highest not_before sql: %w", err)
	}

	var latest sql.NullTime
	if err := r.exec.QueryRow(ctx, stmt, args...).Scan(&latest); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("scan highest not_before: %w", err)
	}

	if !latest.Valid {
		return time.Time{}, false, nil
	}

	return latest.Time, true, nil
}

// CountPending counts the pending jobs in the group.
func (r *JobRepository) CountPending(ctx context.Context, group string) (int, error) {
	stmt, args, err := r.builder.Select("COUNT(*)").
		From("guildsync.sync_jobs").
		Where(squirrel.Eq{"group_key": group, "status": string(domain.JobStatusPending)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count pending sql: %w", err)
	}

	var count int
	if err := r.exec.QueryRow(ctx, stmt, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("scan pending count: %w", err)
	}

	return count, nil
}

func scanJob(rows pgx.Rows) (domain.Job, error) {
	var (
		job       domain.Job
		kind      string
		status    string
		payload   []byte
		lastError sql.NullString
	)

	if err := rows.Scan(
		&job.ID,
		&kind,
		&job.UserID,
		&job.GroupKey,
		&payload,
		&job.NotBefore,
		&job.Attempts,
		&status,
		&lastError,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return domain.Job{}, fmt.Errorf("scan job: %w", err)
	}

	job.Kind = domain.JobKind(kind)
	job.Status = domain.JobStatus(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return domain.Job{}, fmt.Errorf("unmarshal job payload: %w", err)
		}
	}
	if lastError.Valid {
		value := lastError.String
		job.LastError = &value
	}

	return job, nil
}

var _ port.JobRepository = (*JobRepository)(nil)
