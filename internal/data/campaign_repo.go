package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/target/outbound-dispatch/internal/core"
	"github.com/target/outbound-dispatch/internal/data/pgxutil"
	"github.com/target/outbound-dispatch/internal/domain/model"
	apperrors "github.com/target/outbound-dispatch/internal/errors"
)

// CampaignRepo is the Postgres-backed campaign store.
type CampaignRepo struct {
	DB           *sql.DB
	timeProvider core.TimeProvider
	logger       *slog.Logger
}

// NewCampaignRepo creates a new CampaignRepo.
func NewCampaignRepo(db *sql.DB, cfg RepoConfig) *CampaignRepo {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CampaignRepo{
		DB:           db,
		timeProvider: core.OrRealTime(cfg.TimeProvider),
		logger:       logger.With("component", "campaign_repo"),
	}
}

const campaignColumns = `id, name, agent_id, start_at, end_at, cps, receivers, communication_channels, status, created_at, updated_at`

// Create persists a campaign and returns its id.
func (r *CampaignRepo) Create(ctx context.Context, c *model.Campaign) (string, error) {
	if c == nil {
		return "", errors.New("campaign is required")
	}
	id := c.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := c.Status
	if status == "" {
		status = model.CampaignStatusActive
	}
	if !status.Valid() {
		return "", apperrors.ValidationField("status", "invalid campaign status")
	}
	receivers, err := json.Marshal(c.Receivers)
	if err != nil {
		return "", fmt.Errorf("encode receivers: %w", err)
	}
	channels := c.CommunicationChannels
	if channels == nil {
		channels = []string{}
	}
	now := r.timeProvider.Now().UTC()

	if _, err := r.DB.ExecContext(ctx, `
		INSERT INTO campaigns (`+campaignColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		id, c.Name, c.AgentID, c.Schedule.StartAt.UTC(), c.Schedule.EndAt, c.CPS,
		receivers, channels, status, now,
	); err != nil {
		return "", apperrors.MapDBError(err)
	}
	return id, nil
}

// Get returns the campaign with the given id.
func (r *CampaignRepo) Get(ctx context.Context, id string) (*model.Campaign, error) {
	if uuid.Validate(id) != nil {
		return nil, apperrors.NotFoundf("campaign %s not found", id)
	}

	var out *model.Campaign
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		var (
			c         model.Campaign
			receivers []byte
		)
		scanErr := conn.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id).Scan(
			&c.ID, &c.Name, &c.AgentID, &c.Schedule.StartAt, &c.Schedule.EndAt, &c.CPS,
			&receivers, &c.CommunicationChannels, &c.Status, &c.CreatedAt, &c.UpdatedAt,
		)
		if scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return apperrors.NotFoundf("campaign %s not found", id)
			}
			return scanErr
		}
		if err := json.Unmarshal(receivers, &c.Receivers); err != nil {
			return fmt.Errorf("decode receivers: %w", err)
		}
		c.Schedule.StartAt = c.Schedule.StartAt.UTC()
		out = &c
		return nil
	})
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return out, nil
}

// UpdateStatus sets the campaign lifecycle status.
func (r *CampaignRepo) UpdateStatus(ctx context.Context, id string, status model.CampaignStatus) error {
	if !status.Valid() {
		return apperrors.ValidationField("status", "invalid campaign status")
	}
	if uuid.Validate(id) != nil {
		return apperrors.NotFoundf("campaign %s not found", id)
	}
	res, err := r.DB.ExecContext(ctx,
		`UPDATE campaigns SET status = $2, updated_at = $3 WHERE id = $1`,
		id, status, r.timeProvider.Now().UTC())
	if err != nil {
		return apperrors.MapDBError(err)
	}
	return requireAffected(res, "campaign", id)
}
