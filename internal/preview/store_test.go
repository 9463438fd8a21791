package preview

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdock/crewdock/internal/db"
	"github.com/crewdock/crewdock/internal/db/dialect"
)

func setupDeploymentStore(t *testing.T) *SQLStore {
	rawDB, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(rawDB, dialect.SQLite3)
	t.Cleanup(func() { _ = sqlxDB.Close() })

	store, err := NewSQLStore(db.NewPool(sqlxDB, sqlxDB))
	require.NoError(t, err)
	return store
}

func TestSQLStore_UpsertAndGet(t *testing.T) {
	store := setupDeploymentStore(t)
	ctx := context.Background()

	dep := &Deployment{
		TeamID:        "team-1",
		ContainerID:   "ctr-1",
		ContainerName: "crewdock-preview-team-1",
		HostPort:      8042,
		InternalPort:  5173,
		ProxyPort:     41000,
		Status:        StatusRunning,
		ProjectType:   ProjectRepository,
		RepositoryURL: "https://github.com/acme/site.git",
		WorkspacePath: "/data/previews/team-1",
	}
	require.NoError(t, store.Upsert(ctx, dep))
	assert.False(t, dep.CreatedAt.IsZero())
	assert.False(t, dep.UpdatedAt.IsZero())

	got, err := store.Get(ctx, "team-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ctr-1", got.ContainerID)
	assert.Equal(t, "crewdock-preview-team-1", got.ContainerName)
	assert.Equal(t, 8042, got.HostPort)
	assert.Equal(t, 5173, got.InternalPort)
	assert.Equal(t, 41000, got.ProxyPort)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, ProjectRepository, got.ProjectType)
	assert.Equal(t, "https://github.com/acme/site.git", got.RepositoryURL)
	assert.Equal(t, "/data/previews/team-1", got.WorkspacePath)
	assert.Nil(t, got.LastHealthCheck)

	missing, err := store.Get(ctx, "no-such-team")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLStore_UpsertDefaults(t *testing.T) {
	store := setupDeploymentStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &Deployment{TeamID: "team-1"}))

	got, err := store.Get(ctx, "team-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusStopped, got.Status)
	assert.Equal(t, ProjectScaffold, got.ProjectType)
}

func TestSQLStore_UpsertReplacesExisting(t *testing.T) {
	store := setupDeploymentStore(t)
	ctx := context.Background()

	first := &Deployment{TeamID: "team-1", ContainerID: "ctr-old", HostPort: 8001, Status: StatusRunning}
	require.NoError(t, store.Upsert(ctx, first))
	created := first.CreatedAt

	second := &Deployment{
		TeamID:      "team-1",
		ContainerID: "ctr-new",
		HostPort:    8002,
		Status:      StatusRunning,
		CreatedAt:   created,
	}
	require.NoError(t, store.Upsert(ctx, second))

	got, err := store.Get(ctx, "team-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ctr-new", got.ContainerID)
	assert.Equal(t, 8002, got.HostPort)
	assert.Equal(t, created.Unix(), got.CreatedAt.Unix())

	all, err := store.ListByStatus(ctx, StatusRunning)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSQLStore_ListByStatus(t *testing.T) {
	store := setupDeploymentStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &Deployment{TeamID: "team-b", Status: StatusRunning}))
	require.NoError(t, store.Upsert(ctx, &Deployment{TeamID: "team-a", Status: StatusRunning}))
	require.NoError(t, store.Upsert(ctx, &Deployment{TeamID: "team-c", Status: StatusStopped}))

	running, err := store.ListByStatus(ctx, StatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 2)
	assert.Equal(t, "team-a", running[0].TeamID)
	assert.Equal(t, "team-b", running[1].TeamID)

	stopped, err := store.ListByStatus(ctx, StatusStopped)
	require.NoError(t, err)
	require.Len(t, stopped, 1)
	assert.Equal(t, "team-c", stopped[0].TeamID)

	errored, err := store.ListByStatus(ctx, StatusError)
	require.NoError(t, err)
	assert.Empty(t, errored)
}

func TestSQLStore_SetStatus(t *testing.T) {
	store := setupDeploymentStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &Deployment{TeamID: "team-1", Status: StatusRunning}))
	require.NoError(t, store.SetStatus(ctx, "team-1", StatusStopped, "Container not found or inaccessible"))

	got, err := store.Get(ctx, "team-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusStopped, got.Status)
	assert.Equal(t, "Container not found or inaccessible", got.ErrorMessage)

	err = store.SetStatus(ctx, "no-such-team", StatusStopped, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLStore_TouchHealth(t *testing.T) {
	store := setupDeploymentStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &Deployment{TeamID: "team-1", Status: StatusRunning}))

	at := time.Now()
	require.NoError(t, store.TouchHealth(ctx, "team-1", at))

	got, err := store.Get(ctx, "team-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.LastHealthCheck)
	assert.WithinDuration(t, at, *got.LastHealthCheck, 2*time.Second)

	err = store.TouchHealth(ctx, "no-such-team", at)
	require.Error(t, err)
}

func TestSQLStore_Delete(t *testing.T) {
	store := setupDeploymentStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &Deployment{TeamID: "team-1"}))
	require.NoError(t, store.Delete(ctx, "team-1"))

	got, err := store.Get(ctx, "team-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Deleting an absent record is not an error.
	require.NoError(t, store.Delete(ctx, "team-1"))
}
