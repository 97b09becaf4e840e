package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zhejian/linkshortener/internal/model"
	"go.opentelemetry.io/otel/attribute"
)

// ClickRepository stores click events. Events are append-only.
type ClickRepository struct {
	db *pgxpool.Pool
}

// NewClickRepository creates a new click event repository
func NewClickRepository(db *pgxpool.Pool) *ClickRepository {
	return &ClickRepository{db: db}
}

// Insert writes one click event. An empty country is stored as NULL.
func (r *ClickRepository) Insert(ctx context.Context, event *model.ClickEvent) error {
	ctx, span := startSpan(ctx, "INSERT", "click_events", attribute.String("link_id", event.LinkID.String()))
	defer span.End()

	query := `
		INSERT INTO click_events (id, link_id, clicked_at, ip_address, user_agent, referer, country, device_type, browser)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)
	`
	_, err := r.db.Exec(ctx, query,
		event.ID,
		event.LinkID,
		event.ClickedAt,
		event.IPAddress,
		event.UserAgent,
		event.Referer,
		event.Country,
		event.DeviceType,
		event.Browser,
	)
	if err != nil {
		recordError(span, err)
		return err
	}
	return nil
}

// ListByLink returns all events of a link, most recent first
func (r *ClickRepository) ListByLink(ctx context.Context, linkID uuid.UUID) ([]*model.ClickEvent, error) {
	ctx, span := startSpan(ctx, "SELECT", "click_events", attribute.String("link_id", linkID.String()))
	defer span.End()

	query := `
		SELECT id, link_id, clicked_at, ip_address, user_agent, referer, COALESCE(country, ''), device_type, browser
		FROM click_events
		WHERE link_id = $1
		ORDER BY clicked_at DESC
	`
	rows, err := r.db.Query(ctx, query, linkID)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	defer rows.Close()

	events := make([]*model.ClickEvent, 0)
	for rows.Next() {
		var e model.ClickEvent
		if err := rows.Scan(
			&e.ID,
			&e.LinkID,
			&e.ClickedAt,
			&e.IPAddress,
			&e.UserAgent,
			&e.Referer,
			&e.Country,
			&e.DeviceType,
			&e.Browser,
		); err != nil {
			recordError(span, err)
			return nil, err
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		recordError(span, err)
		return nil, err
	}
	return events, nil
}

// CountByLink returns how many events were recorded for a link
func (r *ClickRepository) CountByLink(ctx context.Context, linkID uuid.UUID) (int64, error) {
	ctx, span := startSpan(ctx, "SELECT", "click_events", attribute.String("link_id", linkID.String()))
	defer span.End()

	var count int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM click_events WHERE link_id = $1`, linkID).Scan(&count); err != nil {
		recordError(span, err)
		return 0, err
	}
	return count, nil
}
