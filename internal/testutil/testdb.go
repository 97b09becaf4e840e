package testutil

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/zhejian/linkshortener/migrations"
)

// TestDB holds test database resources
type TestDB struct {
	Pool       *pgxpool.Pool
	ConnString string
	container  *postgres.PostgresContainer
}

// SetupTestDB creates a new test database with migrations applied
func SetupTestDB(ctx context.Context) (*TestDB, error) {
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test_db"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, err
	}

	connString, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		if terr := container.Terminate(ctx); terr != nil {
			err = terr
		}
		return nil, err
	}

	if err := migrations.Up(connString); err != nil {
		if terr := container.Terminate(ctx); terr != nil {
			err = terr
		}
		return nil, err
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		if terr := container.Terminate(ctx); terr != nil {
			err = terr
		}
		return nil, err
	}

	return &TestDB{Pool: pool, ConnString: connString, container: container}, nil
}

// Cleanup removes every link and, through the cascade, every click event.
func (t *TestDB) Cleanup(ctx context.Context) {
	if t == nil || t.Pool == nil {
		return
	}
	_, _ = t.Pool.Exec(ctx, "TRUNCATE TABLE links CASCADE")
}

// CountLinks returns the number of stored links.
func (t *TestDB) CountLinks(ctx context.Context) (int, error) {
	var n int
	err := t.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM links").Scan(&n)
	return n, err
}

// LinkCounters returns the stored click counter of the link with the given
// short code and the number of click events recorded for it.
func (t *TestDB) LinkCounters(ctx context.Context, shortCode string) (clickCount, events int64, err error) {
	err = t.Pool.QueryRow(ctx, `
		SELECT l.click_count, COUNT(e.id)
		FROM links l LEFT JOIN click_events e ON e.link_id = l.id
		WHERE l.short_code = $1
		GROUP BY l.id`, shortCode).Scan(&clickCount, &events)
	return clickCount, events, err
}

// Container returns the underlying postgres container for direct access.
func (t *TestDB) Container() *postgres.PostgresContainer {
	return t.container
}

// Teardown closes the pool and terminates the container.
func (t *TestDB) Teardown(ctx context.Context) {
	if t.Pool != nil {
		t.Pool.Close()
	}
	if t.container != nil {
		_ = t.container.Terminate(ctx)
	}
}
