package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crewdock/crewdock/internal/db"
	"github.com/crewdock/crewdock/internal/db/dialect"
)

// Store is the persistence interface for agent records.
type Store interface {
	CreateAgent(ctx context.Context, rec *Record) error
	GetAgent(ctx context.Context, id string) (*Record, error)
	ListAgents(ctx context.Context) ([]*Record, error)
	ListAgentsByTeam(ctx context.Context, teamID string) ([]*Record, error)
	ListAgentsByState(ctx context.Context, state State) ([]*Record, error)
	UpdateAgent(ctx context.Context, rec *Record) error

	// CompareAndSwapState loads the agent, verifies its state equals
	// expected, applies the mutation, and persists the result guarded by
	// the same state check. Returns ErrStateConflict when the agent moved
	// on concurrently.
	CompareAndSwapState(ctx context.Context, agentID string, expected State, apply func(*Record) error) (*Record, error)

	// TouchHeartbeat updates last_heartbeat without rewriting the record.
	TouchHeartbeat(ctx context.Context, agentID string, at time.Time) error

	DeleteAgent(ctx context.Context, id string) error

	AppendNote(ctx context.Context, agentID, note string) (int64, error)
	ListNotes(ctx context.Context, agentID string) ([]Note, error)
}

// SQLStore implements Store on the shared database pool.
type SQLStore struct {
	db *db.Pool
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates the agent store and initializes its schema.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{db: pool}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("agent schema init: %w", err)
	}
	return s, nil
}

const createAgentsSQL = `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		team_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'provisioning',
		agent_state TEXT NOT NULL DEFAULT 'offline',
		location TEXT NOT NULL DEFAULT 'local',
		isolation TEXT NOT NULL DEFAULT 'none',
		session_handle TEXT NOT NULL DEFAULT '',
		current_task_id TEXT NOT NULL DEFAULT '',
		message_queue TEXT NOT NULL DEFAULT '[]',
		last_heartbeat TIMESTAMP,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_agents_team_id ON agents(team_id);
	CREATE INDEX IF NOT EXISTS idx_agents_agent_state ON agents(agent_state);
`

func (s *SQLStore) initSchema() error {
	if _, err := s.db.Writer().Exec(createAgentsSQL); err != nil {
		return err
	}

	notesID := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect.IsPostgres(s.db.Writer().DriverName()) {
		notesID = "BIGSERIAL PRIMARY KEY"
	}
	notesSQL := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS agent_notes (
		id %s,
		agent_id TEXT NOT NULL,
		note TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_agent_notes_agent_id ON agent_notes(agent_id);
	`, notesID)
	_, err := s.db.Writer().Exec(notesSQL)
	return err
}

// hydrateQueue unmarshals the persisted queue JSON into MessageQueue.
func hydrateQueue(rec *Record) {
	rec.MessageQueue = []QueuedMessage{}
	if rec.MessageQueueJSON != "" {
		if err := json.Unmarshal([]byte(rec.MessageQueueJSON), &rec.MessageQueue); err != nil {
			rec.MessageQueue = []QueuedMessage{}
		}
	}
}

// dehydrateQueue marshals MessageQueue into the JSON column field.
func dehydrateQueue(rec *Record) error {
	if rec.MessageQueue == nil {
		rec.MessageQueue = []QueuedMessage{}
	}
	raw, err := json.Marshal(rec.MessageQueue)
	if err != nil {
		return fmt.Errorf("marshal message queue: %w", err)
	}
	rec.MessageQueueJSON = string(raw)
	return nil
}

// CreateAgent inserts a new agent record.
func (s *SQLStore) CreateAgent(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Status == "" {
		rec.Status = StatusProvisioning
	}
	if rec.AgentState == "" {
		rec.AgentState = StateOffline
	}
	if rec.Location == "" {
		rec.Location = LocationLocal
	}
	if rec.Isolation == "" {
		rec.Isolation = IsolationNone
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if err := dehydrateQueue(rec); err != nil {
		return err
	}

	w := s.db.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO agents (
			id, user_id, team_id, status, agent_state, location, isolation,
			session_handle, current_task_id, message_queue,
			last_heartbeat, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), rec.ID, rec.UserID, rec.TeamID, rec.Status, rec.AgentState, rec.Location, rec.Isolation,
		rec.SessionHandle, rec.CurrentTaskID, rec.MessageQueueJSON,
		rec.LastHeartbeat, rec.LastError, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

// GetAgent fetches an agent by ID. Returns (nil, nil) when it does not exist.
func (s *SQLStore) GetAgent(ctx context.Context, id string) (*Record, error) {
	return s.getAgent(ctx, s.db.Reader(), id)
}

func (s *SQLStore) getAgent(ctx context.Context, q queryer, id string) (*Record, error) {
	var rec Record
	err := q.GetContext(ctx, &rec, q.Rebind(`SELECT * FROM agents WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	hydrateQueue(&rec)
	return &rec, nil
}

// ListAgents returns all agents ordered by creation time.
func (s *SQLStore) ListAgents(ctx context.Context) ([]*Record, error) {
	return s.selectAgents(ctx, `SELECT * FROM agents ORDER BY created_at`)
}

// ListAgentsByTeam returns all agents belonging to a team.
func (s *SQLStore) ListAgentsByTeam(ctx context.Context, teamID string) ([]*Record, error) {
	return s.selectAgents(ctx, `SELECT * FROM agents WHERE team_id = ? ORDER BY created_at`, teamID)
}

// ListAgentsByState returns all agents currently in the given state.
func (s *SQLStore) ListAgentsByState(ctx context.Context, state State) ([]*Record, error) {
	return s.selectAgents(ctx, `SELECT * FROM agents WHERE agent_state = ? ORDER BY created_at`, state)
}

func (s *SQLStore) selectAgents(ctx context.Context, query string, args ...interface{}) ([]*Record, error) {
	r := s.db.Reader()
	var recs []*Record
	if err := r.SelectContext(ctx, &recs, r.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	for _, rec := range recs {
		hydrateQueue(rec)
	}
	return recs, nil
}

// UpdateAgent persists all mutable fields of an agent record.
func (s *SQLStore) UpdateAgent(ctx context.Context, rec *Record) error {
	rec.UpdatedAt = time.Now().UTC()
	if err := dehydrateQueue(rec); err != nil {
		return err
	}

	w := s.db.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE agents SET
			user_id = ?, team_id = ?, status = ?, agent_state = ?,
			location = ?, isolation = ?, session_handle = ?, current_task_id = ?,
			message_queue = ?, last_heartbeat = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`), rec.UserID, rec.TeamID, rec.Status, rec.AgentState,
		rec.Location, rec.Isolation, rec.SessionHandle, rec.CurrentTaskID,
		rec.MessageQueueJSON, rec.LastHeartbeat, rec.LastError, rec.UpdatedAt,
		rec.ID)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update agent: agent %s not found", rec.ID)
	}
	return nil
}

// CompareAndSwapState implements optimistic concurrency on agent_state. The
// in-process manager serializes per-agent work; this guard protects against
// a second orchestrator process touching the same record.
func (s *SQLStore) CompareAndSwapState(ctx context.Context, agentID string, expected State, apply func(*Record) error) (*Record, error) {
	w := s.db.Writer()

	rec, err := s.getAgent(ctx, w, agentID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("agent %s not found", agentID)
	}
	if rec.AgentState != expected {
		return nil, fmt.Errorf("agent %s is %s, expected %s: %w", agentID, rec.AgentState, expected, ErrStateConflict)
	}

	if err := apply(rec); err != nil {
		return nil, err
	}
	rec.UpdatedAt = time.Now().UTC()
	if err := dehydrateQueue(rec); err != nil {
		return nil, err
	}

	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE agents SET
			user_id = ?, team_id = ?, status = ?, agent_state = ?,
			location = ?, isolation = ?, session_handle = ?, current_task_id = ?,
			message_queue = ?, last_heartbeat = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND agent_state = ?
	`), rec.UserID, rec.TeamID, rec.Status, rec.AgentState,
		rec.Location, rec.Isolation, rec.SessionHandle, rec.CurrentTaskID,
		rec.MessageQueueJSON, rec.LastHeartbeat, rec.LastError, rec.UpdatedAt,
		rec.ID, expected)
	if err != nil {
		return nil, fmt.Errorf("cas agent state: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("agent %s moved past %s: %w", agentID, expected, ErrStateConflict)
	}
	return rec, nil
}

// TouchHeartbeat records a heartbeat timestamp.
func (s *SQLStore) TouchHeartbeat(ctx context.Context, agentID string, at time.Time) error {
	w := s.db.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(fmt.Sprintf(
		`UPDATE agents SET last_heartbeat = ?, updated_at = %s WHERE id = ?`,
		dialect.Now(w.DriverName()),
	)), at.UTC(), agentID)
	if err != nil {
		return fmt.Errorf("touch heartbeat: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("touch heartbeat: agent %s not found", agentID)
	}
	return nil
}

// DeleteAgent removes an agent and its notes.
func (s *SQLStore) DeleteAgent(ctx context.Context, id string) error {
	w := s.db.Writer()
	if _, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM agent_notes WHERE agent_id = ?`), id); err != nil {
		return fmt.Errorf("delete agent notes: %w", err)
	}
	if _, err := w.ExecContext(ctx, w.Rebind(`DELETE FROM agents WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}

// AppendNote stores an annotation for an agent and returns the note ID.
func (s *SQLStore) AppendNote(ctx context.Context, agentID, note string) (int64, error) {
	return dialect.InsertReturningID(ctx, s.db.Writer(),
		`INSERT INTO agent_notes (agent_id, note, created_at) VALUES (?, ?, ?)`,
		agentID, note, time.Now().UTC())
}

// ListNotes returns all notes for an agent, oldest first.
func (s *SQLStore) ListNotes(ctx context.Context, agentID string) ([]Note, error) {
	r := s.db.Reader()
	var notes []Note
	err := r.SelectContext(ctx, &notes, r.Rebind(
		`SELECT * FROM agent_notes WHERE agent_id = ? ORDER BY id`), agentID)
	if err != nil {
		return nil, fmt.Errorf("list agent notes: %w", err)
	}
	return notes, nil
}

// queryer is the subset of sqlx.DB used by read helpers, letting CAS read
// through the writer connection.
type queryer interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	Rebind(query string) string
}
