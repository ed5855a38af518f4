package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copypaste/relay-server-go/internal/database"
	"github.com/copypaste/relay-server-go/internal/model"
)

func TestUsageRepository(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewUsageRepository(db.DB)
	ctx := context.Background()
	require.NoError(t, repo.EnsureSchema(ctx))
	_, err := db.ExecContext(ctx, `TRUNCATE usage_events`)
	require.NoError(t, err)

	scan := string(model.TokenKindScan)
	now := time.Now()

	t.Run("creates events", func(t *testing.T) {
		ev, err := repo.Create(ctx, model.CreateUsageEventParams{
			Type:      model.UsageSecondaryJoined,
			TokenKind: &scan,
			CreatedAt: now,
		})
		require.NoError(t, err)
		assert.NotZero(t, ev.ID)
		assert.Equal(t, model.UsageSecondaryJoined, ev.Type)
		require.NotNil(t, ev.TokenKind)
		assert.Equal(t, scan, *ev.TokenKind)
	})

	t.Run("finds latest by type", func(t *testing.T) {
		ev, err := repo.FindLatest(ctx, model.UsageSecondaryJoined)
		require.NoError(t, err)
		require.NotNil(t, ev)
		assert.Equal(t, model.UsageSecondaryJoined, ev.Type)
	})

	t.Run("returns nil when no event exists", func(t *testing.T) {
		ev, err := repo.FindLatest(ctx, model.UsageReconnect)
		require.NoError(t, err)
		assert.Nil(t, ev)
	})

	t.Run("counts since cutoff", func(t *testing.T) {
		_, err := repo.Create(ctx, model.CreateUsageEventParams{Type: model.UsageConnection, CreatedAt: now})
		require.NoError(t, err)
		_, err = repo.Create(ctx, model.CreateUsageEventParams{Type: model.UsageConnection, CreatedAt: now.Add(-48 * time.Hour)})
		require.NoError(t, err)

		counts, err := repo.CountSince(ctx, now.Add(-time.Hour))
		require.NoError(t, err)
		assert.ElementsMatch(t, []model.UsageCount{
			{Type: model.UsageConnection, Count: 1},
			{Type: model.UsageSecondaryJoined, Count: 1},
		}, counts)
	})

	t.Run("deletes old events", func(t *testing.T) {
		deleted, err := repo.DeleteOlderThan(ctx, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)
	})
}

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := database.Connect(url)
	require.NoError(t, err)
	return db
}
