package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/target/outbound-dispatch/internal/data/pgxutil"
	"github.com/target/outbound-dispatch/internal/domain/model"
	apperrors "github.com/target/outbound-dispatch/internal/errors"
)

const insertJobSQL = `
  INSERT INTO jobs (
    id, campaign_id, type, status, priority, schedule, payload, log,
    result_ref, error_ref, tags, queue_ref, run_at, channel, cancel_requested,
    created_at, updated_at
  ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)`

// Create persists a new job. An empty ID is assigned a UUID.
func (r *JobRepo) Create(ctx context.Context, job *model.Job) (string, error) {
	if job == nil {
		return "", errors.New("job is required")
	}
	if !job.Type.Valid() {
		return "", apperrors.ValidationField("type", "invalid job type")
	}
	if !job.Status.Valid() {
		return "", apperrors.ValidationField("status", "invalid job status")
	}

	id := job.ID
	if id == "" {
		id = uuid.NewString()
	}
	row, err := encodeJob(job)
	if err != nil {
		return "", err
	}
	now := r.timeProvider.Now().UTC()

	if _, err := r.DB.ExecContext(ctx, insertJobSQL,
		id, job.CampaignID, job.Type, job.Status, job.Priority,
		row.schedule, row.payload, row.log, row.resultRef, row.errorRef, row.tags,
		job.QueueRef, row.runAt, row.channel, job.Schedule.CancelRequested, now,
	); err != nil {
		return "", apperrors.MapDBError(err)
	}
	return id, nil
}

// Get returns the job with the given id.
func (r *JobRepo) Get(ctx context.Context, id string) (*model.Job, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperrors.ValidationField("id", "job id is required")
	}
	if uuid.Validate(id) != nil {
		return nil, apperrors.NotFoundf("job %s not found", id)
	}

	job, err := scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFoundf("job %s not found", id)
		}
		return nil, apperrors.MapDBError(err)
	}
	return job, nil
}

const updateJobSQL = `
  UPDATE jobs SET
    status = $2,
    priority = $3,
    schedule = $4,
    payload = $5,
    result_ref = $6,
    error_ref = $7,
    queue_ref = $8,
    run_at = $9,
    channel = $10,
    cancel_requested = $11,
    updated_at = $12
  WHERE id = $1
  RETURNING ` + jobColumns

// Update applies a patch under a row lock and returns the stored result.
func (r *JobRepo) Update(ctx context.Context, id string, patch model.JobPatch) (*model.Job, error) {
	if uuid.Validate(id) != nil {
		return nil, apperrors.NotFoundf("job %s not found", id)
	}

	var updated *model.Job
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			current, err := scanJob(tx.QueryRowContext(ctx,
				`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return apperrors.NotFoundf("job %s not found", id)
				}
				return err
			}

			patch.Apply(current)
			if !current.Status.Valid() {
				return apperrors.ValidationField("status", "invalid job status")
			}
			row, err := encodeJob(current)
			if err != nil {
				return err
			}

			updated, err = scanJob(tx.QueryRowContext(ctx, updateJobSQL,
				id, current.Status, current.Priority, row.schedule, row.payload,
				row.resultRef, row.errorRef, current.QueueRef, row.runAt, row.channel,
				current.Schedule.CancelRequested, r.timeProvider.Now().UTC(),
			))
			return err
		},
	})
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return updated, nil
}

// AppendLog appends one entry to the job's log array.
func (r *JobRepo) AppendLog(ctx context.Context, id string, entry model.LogEntry) error {
	if uuid.Validate(id) != nil {
		return apperrors.NotFoundf("job %s not found", id)
	}
	raw, err := json.Marshal([]model.LogEntry{entry})
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}

	res, err := r.DB.ExecContext(ctx,
		`UPDATE jobs SET log = log || $2::jsonb, updated_at = $3 WHERE id = $1`,
		id, raw, r.timeProvider.Now().UTC())
	if err != nil {
		return apperrors.MapDBError(err)
	}
	return requireAffected(res, "job", id)
}

// Delete removes a job that no longer references a queue entry.
func (r *JobRepo) Delete(ctx context.Context, id string) error {
	if uuid.Validate(id) != nil {
		return apperrors.NotFoundf("job %s not found", id)
	}

	res, err := r.DB.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1 AND queue_ref IS NULL`, id)
	if err != nil {
		return apperrors.MapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var queueRef sql.NullString
	if err := r.DB.QueryRowContext(ctx, `SELECT queue_ref FROM jobs WHERE id = $1`, id).Scan(&queueRef); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperrors.NotFoundf("job %s not found", id)
		}
		return apperrors.MapDBError(err)
	}
	return apperrors.Conflictf("job %s still references queue entry %s", id, queueRef.String)
}

func requireAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return apperrors.NotFoundf("%s %s not found", kind, id)
	}
	return nil
}
