package storage_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tg-imagebot/internal/config"
	"tg-imagebot/internal/models"
	"tg-imagebot/internal/storage"
)

type backend interface {
	storage.Store
	storage.HistoryStore
}

func newSQLite(t *testing.T) backend {
	t.Helper()

	cfg := &config.Config{}
	cfg.Logger.Level = "ERROR"
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = filepath.Join(t.TempDir(), "imagebot.db")

	b, err := storage.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	return struct {
		*storage.BanRepository
		*storage.HistoryRepository
	}{storage.NewBanRepository(b.DB), storage.NewHistoryRepository(b.DB)}
}

func newRedis(t *testing.T) backend {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return storage.NewRedisStore(client, "test:")
}

func newMemory(*testing.T) backend {
	return storage.NewMemoryStore()
}

var backends = map[string]func(t *testing.T) backend{
	"memory": newMemory,
	"sqlite": newSQLite,
	"redis":  newRedis,
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s backend)) {
	t.Helper()
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func TestBanLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()

		ban, err := s.GetBan(ctx, "42")
		require.NoError(t, err)
		assert.Nil(t, ban)

		require.NoError(t, s.SetBan(ctx, "42", "spam"))
		require.NoError(t, s.SetBan(ctx, "42", "manual"))

		ban, err = s.GetBan(ctx, "42")
		require.NoError(t, err)
		require.NotNil(t, ban)
		assert.Equal(t, "42", ban.UserID)
		assert.Equal(t, "manual", ban.Reason)

		bans, err := s.ListBans(ctx)
		require.NoError(t, err)
		assert.Len(t, bans, 1)

		removed, err := s.ClearBan(ctx, "42")
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = s.ClearBan(ctx, "42")
		require.NoError(t, err)
		assert.False(t, removed)
	})
}

func TestWarnings(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()

		require.NoError(t, s.AppendWarning(ctx, "7", models.WarningRecord{Prompt: "a xyz", BannedWord: "xyz"}))
		require.NoError(t, s.AppendWarning(ctx, "7", models.WarningRecord{Prompt: "b xyz", BannedWord: "xyz"}))
		require.NoError(t, s.AppendWarning(ctx, "8", models.WarningRecord{Prompt: "abc", BannedWord: "abc"}))

		warnings, err := s.GetWarnings(ctx, "7")
		require.NoError(t, err)
		require.Len(t, warnings, 2)
		assert.Equal(t, "a xyz", warnings[0].Prompt)
		assert.Equal(t, "b xyz", warnings[1].Prompt)

		all, err := s.ListAllWarnings(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)
		assert.Len(t, all["8"], 1)

		n, err := s.ClearWarnings(ctx, "7")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		warnings, err = s.GetWarnings(ctx, "7")
		require.NoError(t, err)
		assert.Empty(t, warnings)

		// the counter restarts after a clear
		require.NoError(t, s.CommitViolation(ctx, storage.Violation{
			UserID:           "7",
			ExpectedWarnings: 0,
			Warning:          &models.WarningRecord{Prompt: "c xyz", BannedWord: "xyz"},
		}))
	})
}

func TestCommitViolation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		warn := func(expected int) error {
			return s.CommitViolation(ctx, storage.Violation{
				UserID:           "1",
				ExpectedWarnings: expected,
				Warning:          &models.WarningRecord{Prompt: "xyz", BannedWord: "xyz", WarnedAt: time.Now()},
			})
		}

		require.NoError(t, warn(0))
		assert.ErrorIs(t, warn(0), storage.ErrConflict)
		require.NoError(t, warn(1))

		err := s.CommitViolation(ctx, storage.Violation{
			UserID:           "1",
			ExpectedWarnings: 2,
			Ban:              &models.BanRecord{Reason: "exceeded warning threshold: xyz", BannedAt: time.Now()},
		})
		require.NoError(t, err)

		ban, err := s.GetBan(ctx, "1")
		require.NoError(t, err)
		require.NotNil(t, ban)
		assert.Equal(t, "exceeded warning threshold: xyz", ban.Reason)

		// banned users accept no further violations
		assert.ErrorIs(t, warn(2), storage.ErrConflict)

		err = s.CommitViolation(ctx, storage.Violation{UserID: "1"})
		assert.ErrorIs(t, err, storage.ErrInvalidViolation)
	})
}

func TestCommitViolationConcurrent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()

		const workers = 8
		var wg sync.WaitGroup
		results := make(chan error, workers)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results <- s.CommitViolation(ctx, storage.Violation{
					UserID:           "race",
					ExpectedWarnings: 0,
					Warning:          &models.WarningRecord{Prompt: "xyz", BannedWord: "xyz"},
				})
			}()
		}
		wg.Wait()
		close(results)

		succeeded := 0
		for err := range results {
			if err == nil {
				succeeded++
			}
		}
		assert.Equal(t, 1, succeeded)

		warnings, err := s.GetWarnings(ctx, "race")
		require.NoError(t, err)
		assert.Len(t, warnings, 1)
	})
}

func TestBannedWords(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()

		require.NoError(t, s.AddBannedWord(ctx, "xyz"))
		require.NoError(t, s.AddBannedWord(ctx, "abc"))
		require.NoError(t, s.AddBannedWord(ctx, "xyz"))

		words, err := s.BannedWords(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"abc", "xyz"}, words)

		removed, err := s.RemoveBannedWord(ctx, "abc")
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = s.RemoveBannedWord(ctx, "abc")
		require.NoError(t, err)
		assert.False(t, removed)
	})
}

func TestGenerationHistory(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s backend) {
		ctx := context.Background()
		base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

		for i, id := range []string{"r1", "r2", "r3"} {
			require.NoError(t, s.SaveGeneration(ctx, &models.GenerationRecord{
				RequestID: id,
				UserID:    "5",
				Prompt:    "cat",
				Status:    models.GenerationCompleted,
				CreatedAt: base.Add(time.Duration(i) * time.Minute),
			}))
		}

		records, err := s.RecentGenerations(ctx, "5", 2)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "r3", records[0].RequestID)
		assert.Equal(t, "r2", records[1].RequestID)

		records, err = s.RecentGenerations(ctx, "6", 10)
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}
