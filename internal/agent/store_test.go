package agent

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdock/crewdock/internal/db"
	"github.com/crewdock/crewdock/internal/db/dialect"
)

func setupStore(t *testing.T) *SQLStore {
	rawDB, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(rawDB, dialect.SQLite3)
	t.Cleanup(func() { _ = sqlxDB.Close() })

	store, err := NewSQLStore(db.NewPool(sqlxDB, sqlxDB))
	require.NoError(t, err)
	return store
}

func TestSQLStore_CreateAndGet(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	rec := &Record{
		UserID:    "user-1",
		TeamID:    "team-1",
		Isolation: IsolationTmux,
	}
	require.NoError(t, store.CreateAgent(ctx, rec))
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, StatusProvisioning, rec.Status)
	assert.Equal(t, StateOffline, rec.AgentState)
	assert.Equal(t, LocationLocal, rec.Location)

	got, err := store.GetAgent(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "team-1", got.TeamID)
	assert.Equal(t, IsolationTmux, got.Isolation)
	assert.NotNil(t, got.MessageQueue)
	assert.Empty(t, got.MessageQueue)
	assert.Nil(t, got.LastHeartbeat)

	missing, err := store.GetAgent(ctx, "no-such-agent")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLStore_UpdateAgent(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	rec := &Record{TeamID: "team-1"}
	require.NoError(t, store.CreateAgent(ctx, rec))

	now := time.Now().UTC()
	rec.AgentState = StateWorking
	rec.Status = StatusRunning
	rec.CurrentTaskID = "task-1"
	rec.SessionHandle = "crewdock-agent-" + rec.ID
	rec.LastHeartbeat = &now
	rec.MessageQueue = []QueuedMessage{
		{ID: "m1", Message: "build X", SubmittedBy: "user-1", QueuedAt: now},
	}
	require.NoError(t, store.UpdateAgent(ctx, rec))

	got, err := store.GetAgent(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StateWorking, got.AgentState)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, "task-1", got.CurrentTaskID)
	assert.Equal(t, "crewdock-agent-"+rec.ID, got.SessionHandle)
	require.NotNil(t, got.LastHeartbeat)
	assert.WithinDuration(t, now, *got.LastHeartbeat, time.Second)
	require.Len(t, got.MessageQueue, 1)
	assert.Equal(t, "build X", got.MessageQueue[0].Message)
	assert.Equal(t, "user-1", got.MessageQueue[0].SubmittedBy)

	t.Run("unknown agent", func(t *testing.T) {
		bogus := &Record{ID: "nope", MessageQueue: []QueuedMessage{}}
		assert.Error(t, store.UpdateAgent(ctx, bogus))
	})
}

func TestSQLStore_CompareAndSwapState(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	rec := &Record{AgentState: StateAvailable, Status: StatusRunning}
	require.NoError(t, store.CreateAgent(ctx, rec))

	t.Run("applies when state matches", func(t *testing.T) {
		updated, err := store.CompareAndSwapState(ctx, rec.ID, StateAvailable, func(r *Record) error {
			r.AgentState = StateWorking
			r.CurrentTaskID = "task-9"
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, StateWorking, updated.AgentState)
		assert.Equal(t, "task-9", updated.CurrentTaskID)

		got, err := store.GetAgent(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, StateWorking, got.AgentState)
	})

	t.Run("rejects when state moved on", func(t *testing.T) {
		_, err := store.CompareAndSwapState(ctx, rec.ID, StateAvailable, func(r *Record) error {
			r.AgentState = StateError
			return nil
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrStateConflict))
	})

	t.Run("unknown agent", func(t *testing.T) {
		_, err := store.CompareAndSwapState(ctx, "missing", StateAvailable, func(r *Record) error {
			return nil
		})
		assert.Error(t, err)
	})
}

func TestSQLStore_TouchHeartbeat(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	rec := &Record{}
	require.NoError(t, store.CreateAgent(ctx, rec))

	at := time.Now().UTC()
	require.NoError(t, store.TouchHeartbeat(ctx, rec.ID, at))

	got, err := store.GetAgent(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastHeartbeat)
	assert.WithinDuration(t, at, *got.LastHeartbeat, time.Second)

	assert.Error(t, store.TouchHeartbeat(ctx, "missing", at))
}

func TestSQLStore_Listing(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	a1 := &Record{TeamID: "team-1", AgentState: StateAvailable}
	a2 := &Record{TeamID: "team-1", AgentState: StateWorking}
	a3 := &Record{TeamID: "team-2", AgentState: StateAvailable}
	for _, rec := range []*Record{a1, a2, a3} {
		require.NoError(t, store.CreateAgent(ctx, rec))
	}

	all, err := store.ListAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	team1, err := store.ListAgentsByTeam(ctx, "team-1")
	require.NoError(t, err)
	assert.Len(t, team1, 2)

	available, err := store.ListAgentsByState(ctx, StateAvailable)
	require.NoError(t, err)
	assert.Len(t, available, 2)
}

func TestSQLStore_Notes(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	rec := &Record{}
	require.NoError(t, store.CreateAgent(ctx, rec))

	id1, err := store.AppendNote(ctx, rec.ID, "first note")
	require.NoError(t, err)
	id2, err := store.AppendNote(ctx, rec.ID, "second note")
	require.NoError(t, err)
	assert.Greater(t, id2, id1)

	notes, err := store.ListNotes(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, "first note", notes[0].Note)
	assert.Equal(t, "second note", notes[1].Note)
	assert.Equal(t, rec.ID, notes[0].AgentID)
}

func TestSQLStore_DeleteAgent(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	rec := &Record{}
	require.NoError(t, store.CreateAgent(ctx, rec))
	_, err := store.AppendNote(ctx, rec.ID, "to be removed")
	require.NoError(t, err)

	require.NoError(t, store.DeleteAgent(ctx, rec.ID))

	got, err := store.GetAgent(ctx, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	notes, err := store.ListNotes(ctx, rec.ID)
	require.NoError(t, err)
	assert.Empty(t, notes)
}
