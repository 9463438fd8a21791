package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdock/crewdock/internal/agent"
	"github.com/crewdock/crewdock/internal/agent/runtime"
	"github.com/crewdock/crewdock/internal/agent/state"
	"github.com/crewdock/crewdock/internal/common/cmdrun"
	"github.com/crewdock/crewdock/internal/common/logger"
	"github.com/crewdock/crewdock/internal/common/portalloc"
	"github.com/crewdock/crewdock/internal/container"
	"github.com/crewdock/crewdock/internal/db"
	"github.com/crewdock/crewdock/internal/db/dialect"
	"github.com/crewdock/crewdock/internal/events/bus"
	"github.com/crewdock/crewdock/internal/orchestrator"
	"github.com/crewdock/crewdock/internal/preview"
	"github.com/crewdock/crewdock/internal/preview/proxy"
	"github.com/crewdock/crewdock/internal/repoclone"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

// terminalBackend records everything the session forwards to its backend.
type terminalBackend struct {
	mu      sync.Mutex
	data    []byte
	resizes [][2]uint16
}

func (b *terminalBackend) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *terminalBackend) resize(cols, rows uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resizes = append(b.resizes, [2]uint16{cols, rows})
	return nil
}

func (b *terminalBackend) input() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

func (b *terminalBackend) resizeCalls() [][2]uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][2]uint16(nil), b.resizes...)
}

// stubDriver spawns in-memory sessions so agent endpoints work end to end
// without real processes.
type stubDriver struct {
	mu       sync.Mutex
	log      *logger.Logger
	spawnErr error
	nextID   int
	sessions map[string]*runtime.Session
	backends map[string]*terminalBackend
}

func newStubDriver(log *logger.Logger) *stubDriver {
	return &stubDriver{
		log:      log,
		sessions: make(map[string]*runtime.Session),
		backends: make(map[string]*terminalBackend),
	}
}

func (d *stubDriver) Kind() agent.Isolation { return agent.IsolationNone }

func (d *stubDriver) Spawn(ctx context.Context, opts runtime.SpawnOptions) (*runtime.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.spawnErr != nil {
		return nil, d.spawnErr
	}

	d.nextID++
	handle := fmt.Sprintf("stub-%d", d.nextID)
	session := runtime.NewSession(opts.AgentID, handle,
		runtime.Config{InputWarmup: -time.Second}, d.log)
	backend := &terminalBackend{}
	session.AttachBackend(backend, backend.resize)

	d.sessions[handle] = session
	d.backends[handle] = backend
	return session, nil
}

func (d *stubDriver) SendInput(handle string, data []byte) error {
	d.mu.Lock()
	session, ok := d.sessions[handle]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("no session with handle %s", handle)
	}
	return session.SendInput(data)
}

func (d *stubDriver) Resize(handle string, cols, rows uint16) error {
	d.mu.Lock()
	session, ok := d.sessions[handle]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("no session with handle %s", handle)
	}
	return session.Resize(cols, rows)
}

func (d *stubDriver) Disconnect(ctx context.Context, handle string) error {
	d.mu.Lock()
	session, ok := d.sessions[handle]
	d.mu.Unlock()
	if ok {
		session.Finish(nil)
	}
	return nil
}

func (d *stubDriver) backend(handle string) *terminalBackend {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.backends[handle]
}

// stubEngine is an in-memory container.Engine; containers report running the
// moment they start.
type stubEngine struct {
	mu         sync.Mutex
	nextID     int
	containers map[string]container.Spec
	states     map[string]string
}

func newStubEngine() *stubEngine {
	return &stubEngine{
		containers: make(map[string]container.Spec),
		states:     make(map[string]string),
	}
}

func (e *stubEngine) Ping(ctx context.Context) error { return nil }

func (e *stubEngine) EnsureImage(ctx context.Context, image string) error { return nil }

func (e *stubEngine) CreateContainer(ctx context.Context, spec container.Spec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := fmt.Sprintf("ctr-%d", e.nextID)
	e.containers[id] = spec
	e.states[id] = "created"
	return id, nil
}

func (e *stubEngine) StartContainer(ctx context.Context, containerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[containerID] = "running"
	return nil
}

func (e *stubEngine) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[containerID] = "exited"
	return nil
}

func (e *stubEngine) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.containers[containerID]; !ok {
		return fmt.Errorf("no such container: %s", containerID)
	}
	delete(e.containers, containerID)
	delete(e.states, containerID)
	return nil
}

func (e *stubEngine) InspectContainer(ctx context.Context, containerID string) (*container.Info, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	spec, ok := e.containers[containerID]
	if !ok {
		found := false
		for id, s := range e.containers {
			if s.Name == containerID {
				containerID, spec, found = id, s, true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("no such container: %s", containerID)
		}
	}
	return &container.Info{
		ID:     containerID,
		Name:   spec.Name,
		Image:  spec.Image,
		State:  e.states[containerID],
		Labels: spec.Labels,
	}, nil
}

func (e *stubEngine) ListContainers(ctx context.Context, labels map[string]string) ([]container.Info, error) {
	return nil, nil
}

func (e *stubEngine) ContainerLogs(ctx context.Context, containerID string, follow bool, tail string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (e *stubEngine) ExecContainer(ctx context.Context, containerID string, cmd []string) (*container.ExecResult, error) {
	return &container.ExecResult{}, nil
}

func (e *stubEngine) AttachContainer(ctx context.Context, containerID string) (*container.AttachStream, error) {
	return nil, fmt.Errorf("attach not supported")
}

func (e *stubEngine) ResizeContainer(ctx context.Context, containerID string, cols, rows uint16) error {
	return nil
}

// nullGit satisfies cmdrun.Runner; gateway tests only exercise scaffold
// previews, so git is never actually invoked.
type nullGit struct{}

func (nullGit) Run(ctx context.Context, spec cmdrun.Spec) (cmdrun.Result, error) {
	return cmdrun.Result{}, nil
}

type gatewayFixture struct {
	server       *Server
	svc          *orchestrator.Service
	driver       *stubDriver
	engine       *stubEngine
	alloc        *portalloc.Allocator
	proxies      *proxy.Registry
	agentStore   *agent.SQLStore
	previewStore *preview.SQLStore
}

func setupGateway(t *testing.T) *gatewayFixture {
	gin.SetMode(gin.TestMode)
	log := newTestLogger(t)

	rawDB, err := db.OpenSQLite(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(rawDB, dialect.SQLite3)
	t.Cleanup(func() { _ = sqlxDB.Close() })
	pool := db.NewPool(sqlxDB, sqlxDB)

	agentStore, err := agent.NewSQLStore(pool)
	require.NoError(t, err)
	previewStore, err := preview.NewSQLStore(pool)
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	manager := state.NewManager(agentStore, eventBus, state.Config{
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  time.Hour,
		StartupTimeout:    time.Hour,
		QueueLimit:        10,
	}, log)
	t.Cleanup(manager.Stop)

	driver := newStubDriver(log)
	registry := runtime.NewRegistry()
	registry.Register(agent.LocationLocal, agent.IsolationNone, driver)

	svc := orchestrator.NewService(agentStore, manager, registry, eventBus, log)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)

	alloc, err := portalloc.New(portalloc.Config{RangeStart: 39500, RangeEnd: 39599}, log)
	require.NoError(t, err)

	proxies := proxy.NewRegistry(log)
	t.Cleanup(proxies.StopAll)

	engine := newStubEngine()
	previews := preview.NewOrchestrator(
		preview.Config{
			Image:         "crewdock-preview:test",
			InternalPort:  5173,
			StartTimeout:  2 * time.Second,
			StopTimeout:   time.Second,
			WorkspaceRoot: t.TempDir(),
			PublicBaseURL: "http://localhost:8080",
		},
		previewStore,
		engine,
		alloc,
		proxies,
		repoclone.NewCloner(repoclone.Config{}, nullGit{}, log),
		preview.NewGenerator("", log),
		eventBus,
		log,
	)

	server := New(svc, previews, proxies, alloc, log)
	return &gatewayFixture{
		server:       server,
		svc:          svc,
		driver:       driver,
		engine:       engine,
		alloc:        alloc,
		proxies:      proxies,
		agentStore:   agentStore,
		previewStore: previewStore,
	}
}

func (f *gatewayFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp := httptest.NewRecorder()
	f.server.Router().ServeHTTP(resp, req)
	return resp
}

func decodeJSON(t *testing.T, resp *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), out), "body: %s", resp.Body.String())
}

func spawnBody(teamID string) map[string]any {
	return map[string]any{
		"user_id":   "user-1",
		"team_id":   teamID,
		"location":  "local",
		"isolation": "none",
		"command":   "bash",
	}
}

func (f *gatewayFixture) spawnAgent(t *testing.T, teamID string) map[string]any {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/v1/agents", spawnBody(teamID))
	require.Equal(t, http.StatusCreated, resp.Code, "body: %s", resp.Body.String())
	var rec map[string]any
	decodeJSON(t, resp, &rec)
	return rec
}

func TestGateway_Health(t *testing.T) {
	f := setupGateway(t)

	resp := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"status":"ok"`)
}

func TestGateway_SpawnCreatesAgent(t *testing.T) {
	f := setupGateway(t)

	rec := f.spawnAgent(t, "team-a")
	assert.NotEmpty(t, rec["id"])
	assert.Equal(t, "running", rec["status"])
	assert.Equal(t, "initializing", rec["agent_state"])
	assert.Equal(t, "stub-1", rec["session_handle"])

	resp := f.do(t, http.MethodGet, "/api/v1/agents/"+rec["id"].(string), nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var got map[string]any
	decodeJSON(t, resp, &got)
	assert.Equal(t, rec["id"], got["id"])

	resp = f.do(t, http.MethodGet, "/api/v1/agents?team_id=team-a", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var list struct {
		Count int `json:"count"`
	}
	decodeJSON(t, resp, &list)
	assert.Equal(t, 1, list.Count)

	resp = f.do(t, http.MethodGet, "/api/v1/agents?team_id=team-other", nil)
	decodeJSON(t, resp, &list)
	assert.Equal(t, 0, list.Count)
}

func TestGateway_SpawnRejectsBadRequests(t *testing.T) {
	f := setupGateway(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents", strings.NewReader("{not json"))
	resp := httptest.NewRecorder()
	f.server.Router().ServeHTTP(resp, req)
	require.Equal(t, http.StatusBadRequest, resp.Code)

	resp = f.do(t, http.MethodPost, "/api/v1/agents", map[string]any{"user_id": "user-1"})
	require.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, resp.Body.String(), "BAD_REQUEST")
}

func TestGateway_SpawnFailureMapsToBadGateway(t *testing.T) {
	f := setupGateway(t)
	f.driver.spawnErr = fmt.Errorf("backend exploded")

	resp := f.do(t, http.MethodPost, "/api/v1/agents", spawnBody("team-a"))
	require.Equal(t, http.StatusBadGateway, resp.Code)
	assert.Contains(t, resp.Body.String(), "PROVISION_FAILED")
}

func TestGateway_GetAgentNotFound(t *testing.T) {
	f := setupGateway(t)

	resp := f.do(t, http.MethodGet, "/api/v1/agents/ghost", nil)
	require.Equal(t, http.StatusNotFound, resp.Code)
	assert.Contains(t, resp.Body.String(), "NOT_FOUND")
}

func TestGateway_MessageLifecycle(t *testing.T) {
	f := setupGateway(t)

	rec := f.spawnAgent(t, "team-msg")
	agentID := rec["id"].(string)
	handle := rec["session_handle"].(string)

	resp := f.do(t, http.MethodPost, "/api/v1/agents/"+agentID+"/ready", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var ready map[string]any
	decodeJSON(t, resp, &ready)
	assert.Equal(t, "available", ready["agent_state"])

	resp = f.do(t, http.MethodPost, "/api/v1/agents/"+agentID+"/messages",
		map[string]any{"message": "build X", "submitted_by": "user-1"})
	require.Equal(t, http.StatusOK, resp.Code)
	var first struct {
		Queued bool   `json:"queued"`
		TaskID string `json:"taskId"`
	}
	decodeJSON(t, resp, &first)
	assert.False(t, first.Queued)
	assert.NotEmpty(t, first.TaskID)

	backend := f.driver.backend(handle)
	require.Eventually(t, func() bool {
		return strings.Contains(backend.input(), "build X\n")
	}, 2*time.Second, 10*time.Millisecond)

	resp = f.do(t, http.MethodPost, "/api/v1/agents/"+agentID+"/messages",
		map[string]any{"message": "build Y", "submitted_by": "user-1"})
	require.Equal(t, http.StatusOK, resp.Code)
	var second struct {
		Queued        bool `json:"queued"`
		QueuePosition int  `json:"queuePosition"`
	}
	decodeJSON(t, resp, &second)
	assert.True(t, second.Queued)
	assert.Equal(t, 1, second.QueuePosition)

	resp = f.do(t, http.MethodGet, "/api/v1/agents/"+agentID, nil)
	var got map[string]any
	decodeJSON(t, resp, &got)
	assert.Equal(t, "working", got["agent_state"])

	// Completing the task drains the queued message.
	resp = f.do(t, http.MethodPost, "/api/v1/agents/"+agentID+"/complete", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	require.Eventually(t, func() bool {
		return strings.Contains(backend.input(), "build Y\n")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_MessageRejections(t *testing.T) {
	f := setupGateway(t)

	resp := f.do(t, http.MethodPost, "/api/v1/agents/ghost/messages",
		map[string]any{"message": "hello"})
	require.Equal(t, http.StatusNotFound, resp.Code)

	rec := f.spawnAgent(t, "team-rej")
	agentID := rec["id"].(string)

	resp = f.do(t, http.MethodPost, "/api/v1/agents/"+agentID+"/messages",
		map[string]any{"message": "   "})
	require.Equal(t, http.StatusBadRequest, resp.Code)

	// A stopped agent is offline and must reject with a conflict.
	require.NoError(t, f.svc.StopAgent(context.Background(), agentID))
	resp = f.do(t, http.MethodPost, "/api/v1/agents/"+agentID+"/messages",
		map[string]any{"message": "hello"})
	require.Equal(t, http.StatusConflict, resp.Code)
	assert.Contains(t, resp.Body.String(), "AGENT_UNAVAILABLE")
}

func TestGateway_ResizeAndOutput(t *testing.T) {
	f := setupGateway(t)

	rec := f.spawnAgent(t, "team-io")
	agentID := rec["id"].(string)
	handle := rec["session_handle"].(string)

	resp := f.do(t, http.MethodPost, "/api/v1/agents/"+agentID+"/resize",
		map[string]any{"cols": 120, "rows": 40})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, f.driver.backend(handle).resizeCalls(), [2]uint16{120, 40})

	resp = f.do(t, http.MethodPost, "/api/v1/agents/"+agentID+"/resize",
		map[string]any{"cols": 0, "rows": 40})
	require.Equal(t, http.StatusBadRequest, resp.Code)

	session, ok := f.svc.AttachOutput(agentID)
	require.True(t, ok)
	session.HandleOutput([]byte("hello from agent"))

	resp = f.do(t, http.MethodGet, "/api/v1/agents/"+agentID+"/output", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var out struct {
		AgentID string `json:"agent_id"`
		Output  string `json:"output"`
	}
	decodeJSON(t, resp, &out)
	assert.Equal(t, agentID, out.AgentID)
	assert.Contains(t, out.Output, "hello from agent")

	resp = f.do(t, http.MethodGet, "/api/v1/agents/ghost/output", nil)
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestGateway_AgentNotes(t *testing.T) {
	f := setupGateway(t)

	rec := f.spawnAgent(t, "team-notes")
	agentID := rec["id"].(string)

	resp := f.do(t, http.MethodGet, "/api/v1/agents/"+agentID+"/notes", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var empty struct {
		Count int `json:"count"`
	}
	decodeJSON(t, resp, &empty)
	assert.Equal(t, 0, empty.Count)

	_, err := f.agentStore.AppendNote(context.Background(), agentID, "heartbeat lost")
	require.NoError(t, err)

	resp = f.do(t, http.MethodGet, "/api/v1/agents/"+agentID+"/notes", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var got struct {
		AgentID string       `json:"agent_id"`
		Notes   []agent.Note `json:"notes"`
		Count   int          `json:"count"`
	}
	decodeJSON(t, resp, &got)
	assert.Equal(t, agentID, got.AgentID)
	require.Equal(t, 1, got.Count)
	assert.Equal(t, "heartbeat lost", got.Notes[0].Note)

	resp = f.do(t, http.MethodGet, "/api/v1/agents/ghost/notes", nil)
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestGateway_HeartbeatEndpoint(t *testing.T) {
	f := setupGateway(t)

	rec := f.spawnAgent(t, "team-hb")
	agentID := rec["id"].(string)

	resp := f.do(t, http.MethodPost, "/api/v1/agents/"+agentID+"/heartbeat", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	got, err := f.svc.GetAgent(context.Background(), agentID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastHeartbeat)
}

func TestGateway_DeleteAgent(t *testing.T) {
	f := setupGateway(t)

	rec := f.spawnAgent(t, "team-del")
	agentID := rec["id"].(string)

	resp := f.do(t, http.MethodDelete, "/api/v1/agents/"+agentID, nil)
	require.Equal(t, http.StatusNoContent, resp.Code)

	resp = f.do(t, http.MethodGet, "/api/v1/agents/"+agentID, nil)
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestGateway_PurgeTeamAgents(t *testing.T) {
	f := setupGateway(t)

	f.spawnAgent(t, "team-purge")
	f.spawnAgent(t, "team-purge")
	keeper := f.spawnAgent(t, "team-keep")

	resp := f.do(t, http.MethodDelete, "/api/v1/teams/team-purge/agents", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var purged struct {
		TeamID  string `json:"team_id"`
		Removed int    `json:"removed"`
	}
	decodeJSON(t, resp, &purged)
	assert.Equal(t, "team-purge", purged.TeamID)
	assert.Equal(t, 2, purged.Removed)

	var list struct {
		Count int `json:"count"`
	}
	resp = f.do(t, http.MethodGet, "/api/v1/agents?team_id=team-purge", nil)
	decodeJSON(t, resp, &list)
	assert.Equal(t, 0, list.Count)

	resp = f.do(t, http.MethodGet, "/api/v1/agents/"+keeper["id"].(string), nil)
	require.Equal(t, http.StatusOK, resp.Code)
}

func TestGateway_PreviewLifecycle(t *testing.T) {
	f := setupGateway(t)

	resp := f.do(t, http.MethodPost, "/api/v1/teams/team-p/preview/start", nil)
	require.Equal(t, http.StatusOK, resp.Code, "body: %s", resp.Body.String())
	var info preview.PreviewInfo
	decodeJSON(t, resp, &info)
	assert.Equal(t, "team-p", info.TeamID)
	assert.GreaterOrEqual(t, info.Port, 39500)
	assert.Equal(t, "http://localhost:8080/preview/team-p/", info.URL)

	resp = f.do(t, http.MethodGet, "/api/v1/teams/team-p/preview", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var status preview.StatusInfo
	decodeJSON(t, resp, &status)
	require.NotNil(t, status.Deployment)
	assert.Equal(t, preview.StatusRunning, status.Deployment.Status)
	assert.True(t, status.ProxyAlive)
	assert.NotEmpty(t, status.URL)

	resp = f.do(t, http.MethodPost, "/api/v1/teams/team-p/preview/stop", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"stopped"`)

	resp = f.do(t, http.MethodGet, "/api/v1/teams/team-p/preview", nil)
	decodeJSON(t, resp, &status)
	assert.Equal(t, preview.StatusStopped, status.Deployment.Status)
	assert.False(t, status.ProxyAlive)

	resp = f.do(t, http.MethodPost, "/api/v1/teams/team-p/preview/restart", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	decodeJSON(t, resp, &info)
	assert.Equal(t, "team-p", info.TeamID)
}

func TestGateway_PreviewStatusNotFound(t *testing.T) {
	f := setupGateway(t)

	resp := f.do(t, http.MethodGet, "/api/v1/teams/ghost/preview", nil)
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestGateway_PreviewPassthrough(t *testing.T) {
	f := setupGateway(t)

	resp := f.do(t, http.MethodPost, "/api/v1/teams/team-x/preview/start", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	dep, err := f.previewStore.Get(context.Background(), "team-x")
	require.NoError(t, err)
	require.NotNil(t, dep)

	// Stand in for the dev server on the allocated host port.
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", dep.HostPort))
	require.NoError(t, err)
	upstream := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "dev server saw %s", r.URL.Path)
	})}
	go func() { _ = upstream.Serve(ln) }()
	t.Cleanup(func() { _ = upstream.Close() })

	resp = f.do(t, http.MethodGet, "/preview/team-x/assets/app.js", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "dev server saw /assets/app.js", resp.Body.String())

	resp = f.do(t, http.MethodGet, "/preview/team-x/", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "dev server saw /", resp.Body.String())

	resp = f.do(t, http.MethodGet, "/preview/ghost/index.html", nil)
	require.Equal(t, http.StatusNotFound, resp.Code)
}

func TestGateway_PortStats(t *testing.T) {
	f := setupGateway(t)

	resp := f.do(t, http.MethodGet, "/api/v1/system/ports", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var stats portalloc.Stats
	decodeJSON(t, resp, &stats)
	assert.Equal(t, 0, stats.Allocated)

	f.do(t, http.MethodPost, "/api/v1/teams/team-s/preview/start", nil)

	resp = f.do(t, http.MethodGet, "/api/v1/system/ports", nil)
	decodeJSON(t, resp, &stats)
	assert.Equal(t, 1, stats.Allocated)
}
