package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhejian/linkshortener/internal/model"
)

func TestClickRepository(t *testing.T) {
	links := NewLinkRepository(testDB.Pool)
	repo := NewClickRepository(testDB.Pool)
	ctx := context.Background()

	testDB.Cleanup(ctx)
	link := newLink("clk001")
	require.NoError(t, links.Create(ctx, link))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, country := range []string{"US", "", "FR"} {
		require.NoError(t, repo.Insert(ctx, &model.ClickEvent{
			ID:         uuid.New(),
			LinkID:     link.ID,
			ClickedAt:  base.Add(time.Duration(i) * time.Hour),
			IPAddress:  "203.0.113.7",
			UserAgent:  "Mozilla/5.0",
			Country:    country,
			DeviceType: model.DeviceDesktop,
			Browser:    "Other",
		}))
	}

	t.Run("list returns most recent first", func(t *testing.T) {
		events, err := repo.ListByLink(ctx, link.ID)
		require.NoError(t, err)
		require.Len(t, events, 3)

		assert.Equal(t, "FR", events[0].Country)
		assert.Equal(t, "", events[1].Country, "empty country is stored as NULL and read back empty")
		assert.Equal(t, "US", events[2].Country)
		assert.True(t, events[0].ClickedAt.After(events[1].ClickedAt))
	})

	t.Run("count", func(t *testing.T) {
		count, err := repo.CountByLink(ctx, link.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), count)

		none, err := repo.CountByLink(ctx, uuid.New())
		require.NoError(t, err)
		assert.Equal(t, int64(0), none)
	})

	t.Run("insert for unknown link fails", func(t *testing.T) {
		err := repo.Insert(ctx, &model.ClickEvent{
			ID: uuid.New(), LinkID: uuid.New(), ClickedAt: time.Now(),
			DeviceType: model.DeviceMobile, Browser: "Safari",
		})
		assert.Error(t, err)
	})
}
