package data

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/outbound-dispatch/internal/core"
	"github.com/target/outbound-dispatch/internal/domain/model"
)

// RepoConfig holds configuration options for the Postgres repositories.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider core.TimeProvider
}

// JobRepo is the Postgres-backed job store.
type JobRepo struct {
	DB           *sql.DB
	timeProvider core.TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &JobRepo{
		DB:           db,
		timeProvider: core.OrRealTime(cfg.TimeProvider),
		logger:       logger.With("component", "job_repo"),
	}
}

const jobColumns = `
  id,
  campaign_id,
  type,
  status,
  priority,
  schedule,
  payload,
  log,
  result_ref,
  error_ref,
  tags,
  queue_ref,
  created_at,
  updated_at
`

// rowScanner is satisfied by *sql.Row, *sql.Rows and pgx.CollectableRow.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var job model.Job
	var schedule, payload, logRaw, resultRaw, errorRaw, tagsRaw []byte
	if err := row.Scan(
		&job.ID,
		&job.CampaignID,
		&job.Type,
		&job.Status,
		&job.Priority,
		&schedule,
		&payload,
		&logRaw,
		&resultRaw,
		&errorRaw,
		&tagsRaw,
		&job.QueueRef,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(schedule, &job.Schedule); err != nil {
		return nil, fmt.Errorf("decode job schedule: %w", err)
	}
	p, err := model.DecodePayload(job.Type, payload)
	if err != nil {
		return nil, err
	}
	job.Payload = p
	if err := unmarshalOptional(logRaw, &job.Log); err != nil {
		return nil, fmt.Errorf("decode job log: %w", err)
	}
	if job.Log == nil {
		job.Log = []model.LogEntry{}
	}
	if len(resultRaw) > 0 {
		job.ResultRef = &model.CallDescriptor{}
		if err := json.Unmarshal(resultRaw, job.ResultRef); err != nil {
			return nil, fmt.Errorf("decode job result_ref: %w", err)
		}
	}
	if len(errorRaw) > 0 {
		job.ErrorRef = &model.ErrorRef{}
		if err := json.Unmarshal(errorRaw, job.ErrorRef); err != nil {
			return nil, fmt.Errorf("decode job error_ref: %w", err)
		}
	}
	if err := unmarshalOptional(tagsRaw, &job.Tags); err != nil {
		return nil, fmt.Errorf("decode job tags: %w", err)
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return &job, nil
}

func unmarshalOptional(raw []byte, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// jobRow is the encoded column set written by inserts and updates.
type jobRow struct {
	schedule, payload, log []byte
	resultRef, errorRef    []byte
	tags                   []byte
	runAt                  *time.Time
	channel                string
}

func encodeJob(j *model.Job) (*jobRow, error) {
	var (
		row jobRow
		err error
	)
	if row.schedule, err = json.Marshal(j.Schedule); err != nil {
		return nil, fmt.Errorf("encode job schedule: %w", err)
	}
	raw, err := model.EncodePayload(j.Payload)
	if err != nil {
		return nil, err
	}
	row.payload = raw
	logEntries := j.Log
	if logEntries == nil {
		logEntries = []model.LogEntry{}
	}
	if row.log, err = json.Marshal(logEntries); err != nil {
		return nil, fmt.Errorf("encode job log: %w", err)
	}
	if row.resultRef, err = marshalOptional(j.ResultRef); err != nil {
		return nil, fmt.Errorf("encode job result_ref: %w", err)
	}
	if row.errorRef, err = marshalOptional(j.ErrorRef); err != nil {
		return nil, fmt.Errorf("encode job error_ref: %w", err)
	}
	if len(j.Tags) > 0 {
		if row.tags, err = json.Marshal(j.Tags); err != nil {
			return nil, fmt.Errorf("encode job tags: %w", err)
		}
	}
	if j.Schedule.RunAt != nil {
		t := j.Schedule.RunAt.UTC()
		row.runAt = &t
	}
	row.channel = j.Channel()
	return &row, nil
}

func marshalOptional[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
