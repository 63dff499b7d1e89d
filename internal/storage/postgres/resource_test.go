package postgres_test

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/gamegate/internal/action"
	"github.com/cory-johannsen/gamegate/internal/config"
	pgstore "github.com/cory-johannsen/gamegate/internal/storage/postgres"
	"github.com/cory-johannsen/gamegate/internal/testutil"
)

func testRepository(t *testing.T) *pgstore.ResourceRepository {
	t.Helper()
	if os.Getenv("GAMEGATE_INTEGRATION") == "" {
		t.Skip("GAMEGATE_INTEGRATION not set; skipping integration test")
	}
	pc := testutil.NewPostgresContainer(t)
	pc.ApplyMigrations(t)
	return pgstore.NewResourceRepository(pc.RawPool)
}

func seedTable(t *testing.T, repo *pgstore.ResourceRepository) {
	t.Helper()
	n, err := repo.Seed(context.Background(), []action.Resource{
		{ID: "42", Kind: "table", State: json.RawMessage(`{"pot":0}`)},
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestResourceRepository_LoadSave(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()
	seedTable(t, repo)

	res, err := repo.Load(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Version)
	assert.JSONEq(t, `{"pot":0}`, string(res.State))

	next := res
	next.Version = 2
	next.State = json.RawMessage(`{"pot":100}`)
	next.UpdatedAt = time.Now().UTC()
	require.NoError(t, repo.Save(ctx, next, 1))

	got, err := repo.Load(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.JSONEq(t, `{"pot":100}`, string(got.State))
}

func TestResourceRepository_StaleSaveConflicts(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()
	seedTable(t, repo)

	stale := action.Resource{ID: "42", Kind: "table", Version: 2, State: json.RawMessage(`{"pot":1}`), UpdatedAt: time.Now()}
	require.NoError(t, repo.Save(ctx, stale, 1))
	err := repo.Save(ctx, stale, 1)
	assert.ErrorIs(t, err, action.ErrVersionConflict)

	got, err := repo.Load(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func TestResourceRepository_ConcurrentSavesOneWins(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()
	seedTable(t, repo)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = repo.Save(ctx, action.Resource{ID: "42", Version: 2, State: json.RawMessage(`{}`), UpdatedAt: time.Now()}, 1)
		}(i)
	}
	wg.Wait()
	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, action.ErrVersionConflict)
		}
	}
	assert.Equal(t, 1, ok)
}

func TestResourceRepository_Missing(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()
	_, err := repo.Load(ctx, "nope")
	assert.ErrorIs(t, err, action.ErrResourceNotFound)
	err = repo.Save(ctx, action.Resource{ID: "nope", Version: 2, State: json.RawMessage(`{}`)}, 1)
	assert.ErrorIs(t, err, action.ErrResourceNotFound)
}

func TestResourceRepository_SeedIsIdempotent(t *testing.T) {
	repo := testRepository(t)
	seedTable(t, repo)
	n, err := repo.Seed(context.Background(), []action.Resource{{ID: "42", State: json.RawMessage(`{"pot":9}`)}})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPool_Health(t *testing.T) {
	if os.Getenv("GAMEGATE_INTEGRATION") == "" {
		t.Skip("GAMEGATE_INTEGRATION not set; skipping integration test")
	}
	pc := testutil.NewPostgresContainer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, pc.Pool.Health(ctx))
}

func TestNewPool_GivesUpWhenCanceled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := pgstore.NewPool(ctx, config.DatabaseConfig{
		Host:     "127.0.0.1",
		Port:     1,
		User:     "nobody",
		Name:     "none",
		SSLMode:  "disable",
		MaxConns: 1,
	}, zaptest.NewLogger(t))
	require.Error(t, err)
}
