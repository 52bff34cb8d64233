package data

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/target/outbound-dispatch/internal/data/pgxutil"
	"github.com/target/outbound-dispatch/internal/domain/model"
	apperrors "github.com/target/outbound-dispatch/internal/errors"
)

type jobFilterQueryBuilder struct {
	where  []string
	args   []any
	argIdx int
}

func newJobFilterQueryBuilder() *jobFilterQueryBuilder {
	return &jobFilterQueryBuilder{argIdx: 1}
}

func (b *jobFilterQueryBuilder) arg(v any) string {
	b.args = append(b.args, v)
	p := fmt.Sprintf("$%d", b.argIdx)
	b.argIdx++
	return p
}

// addFilter adds "column op $n" when value is non-nil.
func (b *jobFilterQueryBuilder) addFilter(column, op string, value any) {
	if value == nil {
		return
	}
	b.where = append(b.where, fmt.Sprintf("%s %s %s", column, op, b.arg(value)))
}

func (b *jobFilterQueryBuilder) addCondition(cond string) {
	b.where = append(b.where, cond)
}

func (b *jobFilterQueryBuilder) whereClause() string {
	if len(b.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.where, " AND ")
}

func nonEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func buildJobFilter(f model.JobFilter) *jobFilterQueryBuilder {
	b := newJobFilterQueryBuilder()
	if len(f.IDs) > 0 {
		b.addCondition("id::text = ANY(" + b.arg(f.IDs) + ")")
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		b.addCondition("status = ANY(" + b.arg(statuses) + ")")
	}
	b.addFilter("channel", "=", nonEmpty(f.Channel))
	if f.RunAt != nil {
		b.addFilter("run_at", "=", f.RunAt.UTC())
	}
	if f.RunAtFrom != nil {
		b.addFilter("run_at", ">=", f.RunAtFrom.UTC())
	}
	if f.RunAtTo != nil {
		b.addFilter("run_at", "<=", f.RunAtTo.UTC())
	}
	if f.CancelRequested != nil {
		b.addFilter("cancel_requested", "=", *f.CancelRequested)
	}
	if f.HasQueueRef != nil {
		if *f.HasQueueRef {
			b.addCondition("queue_ref IS NOT NULL")
		} else {
			b.addCondition("queue_ref IS NULL")
		}
	}
	b.addFilter("queue_ref", "=", nonEmpty(f.QueueRef))
	if f.CampaignID != "" {
		b.addFilter("campaign_id::text", "=", f.CampaignID)
	}
	if f.ExcludeID != "" {
		b.addFilter("id::text", "<>", f.ExcludeID)
	}
	if f.UpdatedBefore != nil {
		b.addFilter("updated_at", "<", f.UpdatedBefore.UTC())
	}
	return b
}

func orderClause(s model.JobSort) (string, error) {
	col := string(s.Field)
	switch s.Field {
	case "":
		col = string(model.SortByCreatedAt)
	case model.SortByRunAt, model.SortByCreatedAt, model.SortByPriority:
	default:
		return "", apperrors.ValidationField("sort", fmt.Sprintf("unsupported sort field %q", s.Field))
	}
	dir := "ASC"
	if s.Desc {
		dir = "DESC"
	}
	return fmt.Sprintf(" ORDER BY %s %s NULLS LAST, id %s", col, dir, dir), nil
}

// Find returns jobs matching the filter in the requested order.
func (r *JobRepo) Find(
	ctx context.Context,
	filter model.JobFilter,
	sort model.JobSort,
	page model.Page,
) ([]*model.Job, error) {
	order, err := orderClause(sort)
	if err != nil {
		return nil, err
	}
	page = page.Normalize()
	b := buildJobFilter(filter)
	query := `SELECT ` + jobColumns + ` FROM jobs` + b.whereClause() + order +
		fmt.Sprintf(" LIMIT %s OFFSET %s", b.arg(page.Limit), b.arg(page.Offset))

	var result []*model.Job
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qErr := conn.Query(ctx, query, b.args...)
		if qErr != nil {
			return fmt.Errorf("query jobs: %w", qErr)
		}
		vals, cErr := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.Job, error) {
			return scanJob(row)
		})
		if cErr != nil {
			return fmt.Errorf("collect jobs: %w", cErr)
		}
		result = vals
		return nil
	}); err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return result, nil
}
