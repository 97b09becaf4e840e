package repository

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/zhejian/linkshortener/internal/model"
	"github.com/zhejian/linkshortener/internal/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNotFound      = errors.New("link not found")
	ErrCodeConflict  = errors.New("short code already exists")
	ErrAliasConflict = errors.New("custom alias already exists")
)

const (
	uniqueViolation     = "23505"
	aliasUniqueIndex    = "links_custom_alias_key"
	linkColumns         = "id, owner_id, original_url, short_code, custom_alias, password_hash, expires_at, created_at, is_active, click_count"
	tracerInstrumentKey = "github.com/zhejian/linkshortener/internal/repository"
)

var (
	tracer = observability.Tracer(tracerInstrumentKey)
	psql   = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
)

// LinkRepository handles database operations for links
type LinkRepository struct {
	db *pgxpool.Pool
}

// NewLinkRepository creates a new link repository
func NewLinkRepository(db *pgxpool.Pool) *LinkRepository {
	return &LinkRepository{db: db}
}

// startSpan opens a client span describing one SQL statement.
func startSpan(ctx context.Context, operation, table string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	base := []attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", operation),
		attribute.String("db.sql.table", table),
	}
	return tracer.Start(ctx, "db."+table+"."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(base, attrs...)...),
	)
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Create inserts a new link. Unique violations are mapped to
// ErrCodeConflict or ErrAliasConflict depending on the column.
func (r *LinkRepository) Create(ctx context.Context, link *model.Link) error {
	ctx, span := startSpan(ctx, "INSERT", "links", attribute.String("short_code", link.ShortCode))
	defer span.End()

	query := `
		INSERT INTO links (id, owner_id, original_url, short_code, custom_alias, password_hash, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, click_count
	`
	err := r.db.QueryRow(ctx, query,
		link.ID,
		link.OwnerID,
		link.OriginalURL,
		link.ShortCode,
		link.CustomAlias,
		link.PasswordHash,
		link.ExpiresAt,
		link.IsActive,
	).Scan(&link.CreatedAt, &link.ClickCount)
	if err != nil {
		recordError(span, err)
		return mapWriteError(err)
	}
	return nil
}

// GetByID retrieves a link by its identifier
func (r *LinkRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Link, error) {
	ctx, span := startSpan(ctx, "SELECT", "links", attribute.String("link_id", id.String()))
	defer span.End()

	row := r.db.QueryRow(ctx, `SELECT `+linkColumns+` FROM links WHERE id = $1`, id)
	link, err := scanLink(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		recordError(span, err)
	}
	return link, err
}

// GetByCode retrieves a link by its short code
func (r *LinkRepository) GetByCode(ctx context.Context, code string) (*model.Link, error) {
	return r.getBy(ctx, "short_code", code)
}

// GetByAlias retrieves a link by its custom alias
func (r *LinkRepository) GetByAlias(ctx context.Context, alias string) (*model.Link, error) {
	return r.getBy(ctx, "custom_alias", alias)
}

// FindByCodeOrAlias looks the value up as a short code first, then as a custom alias.
func (r *LinkRepository) FindByCodeOrAlias(ctx context.Context, value string) (*model.Link, error) {
	link, err := r.GetByCode(ctx, value)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return link, err
	}
	return r.GetByAlias(ctx, value)
}

func (r *LinkRepository) getBy(ctx context.Context, column, value string) (*model.Link, error) {
	if value == "" {
		return nil, fmt.Errorf("%s must not be empty", column)
	}

	ctx, span := startSpan(ctx, "SELECT", "links", attribute.String(column, value))
	defer span.End()

	// column is one of two constants chosen by the exported callers
	row := r.db.QueryRow(ctx, `SELECT `+linkColumns+` FROM links WHERE `+column+` = $1`, value)
	link, err := scanLink(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		recordError(span, err)
	}
	return link, err
}

// CodeTaken reports whether value is already used as a short code or a custom alias.
func (r *LinkRepository) CodeTaken(ctx context.Context, value string) (bool, error) {
	ctx, span := startSpan(ctx, "SELECT", "links", attribute.String("code", value))
	defer span.End()

	var taken bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM links WHERE short_code = $1 OR custom_alias = $1)`,
		value,
	).Scan(&taken)
	if err != nil {
		recordError(span, err)
		return false, err
	}
	return taken, nil
}

// ListByOwner returns the owner's links, newest first
func (r *LinkRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*model.Link, error) {
	ctx, span := startSpan(ctx, "SELECT", "links", attribute.String("owner_id", ownerID.String()))
	defer span.End()

	query, args, err := psql.Select(linkColumns).
		From("links").
		Where(sq.Eq{"owner_id": ownerID}).
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	defer rows.Close()

	links := make([]*model.Link, 0)
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			recordError(span, err)
			return nil, err
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		recordError(span, err)
		return nil, err
	}
	return links, nil
}

// Update writes the mutable fields of a link. The click counter is never
// written here; see IncrementClickCount.
func (r *LinkRepository) Update(ctx context.Context, link *model.Link) error {
	ctx, span := startSpan(ctx, "UPDATE", "links", attribute.String("link_id", link.ID.String()))
	defer span.End()

	query, args, err := psql.Update("links").
		Set("original_url", link.OriginalURL).
		Set("custom_alias", link.CustomAlias).
		Set("password_hash", link.PasswordHash).
		Set("expires_at", link.ExpiresAt).
		Set("is_active", link.IsActive).
		Where(sq.Eq{"id": link.ID}).
		Suffix("RETURNING click_count").
		ToSql()
	if err != nil {
		return err
	}

	if err := r.db.QueryRow(ctx, query, args...).Scan(&link.ClickCount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		recordError(span, err)
		return mapWriteError(err)
	}
	return nil
}

// Delete removes a link; its click events go with it (ON DELETE CASCADE).
func (r *LinkRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := startSpan(ctx, "DELETE", "links", attribute.String("link_id", id.String()))
	defer span.End()

	result, err := r.db.Exec(ctx, `DELETE FROM links WHERE id = $1`, id)
	if err != nil {
		recordError(span, err)
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementClickCount adds one click in a single statement so concurrent
// redirects of the same link never lose an update.
func (r *LinkRepository) IncrementClickCount(ctx context.Context, id uuid.UUID) error {
	ctx, span := startSpan(ctx, "UPDATE", "links", attribute.String("link_id", id.String()))
	defer span.End()

	result, err := r.db.Exec(ctx, `UPDATE links SET click_count = click_count + 1 WHERE id = $1`, id)
	if err != nil {
		recordError(span, err)
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanLink(row pgx.Row) (*model.Link, error) {
	var link model.Link
	err := row.Scan(
		&link.ID,
		&link.OwnerID,
		&link.OriginalURL,
		&link.ShortCode,
		&link.CustomAlias,
		&link.PasswordHash,
		&link.ExpiresAt,
		&link.CreatedAt,
		&link.IsActive,
		&link.ClickCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &link, nil
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		if pgErr.ConstraintName == aliasUniqueIndex {
			return ErrAliasConflict
		}
		return ErrCodeConflict
	}
	return err
}
