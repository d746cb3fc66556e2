package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agent_runtime/internal/service/queue"
	"agent_runtime/pkg/contextmgr"
	"agent_runtime/pkg/events"
	"agent_runtime/pkg/llm"
	"agent_runtime/pkg/logging"
	"agent_runtime/pkg/mcp"
	"agent_runtime/pkg/orchestrator"
	"agent_runtime/pkg/pending"
	"agent_runtime/pkg/store"
	"agent_runtime/pkg/tools"
	"agent_runtime/pkg/tools/builtin"
	"agent_runtime/pkg/tools/memory"
	"agent_runtime/pkg/tools/operator"
)

// Context strategies.
const (
	StrategyAmortized   = "amortized"
	StrategySummarizing = "summarizing"
)

const defaultQueueSize = 4

// Config controls how sessions are built.
type Config struct {
	// WorkspaceRoot holds one directory per session.
	WorkspaceRoot string

	// Agent is the loop configuration. WorkDir is set per session.
	Agent orchestrator.Config

	// ContextStrategy is "amortized" or "summarizing".
	ContextStrategy string
	Context         contextmgr.Config

	// Interactive sessions finish with return_control_to_user instead of complete.
	Interactive bool

	Permissions     tools.Permissions
	BashTimeout     int
	OperatorTimeout time.Duration

	// QueueSize bounds the jobs waiting behind a run.
	QueueSize int

	MCPServers []mcp.ServerConfig
}

// Manager owns the live sessions.
type Manager struct {
	cfg      Config
	client   llm.ModelClient
	store    *store.Store
	handlers []events.Handler
	log      *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore persists sessions and events.
func WithStore(st *store.Store) Option {
	return func(m *Manager) { m.store = st }
}

// WithEventHandler adds a handler every session's events are forwarded to.
func WithEventHandler(h events.Handler) Option {
	return func(m *Manager) { m.handlers = append(m.handlers, h) }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager creates a manager. Sessions live until Close or Shutdown; ctx
// bounds their workers.
func NewManager(ctx context.Context, cfg Config, client llm.ModelClient, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		client:   client,
		log:      logging.FromContext(ctx),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.QueueSize <= 0 {
		m.cfg.QueueSize = defaultQueueSize
	}
	if m.cfg.Context.TokenBudget <= 0 {
		m.cfg.Context = contextmgr.DefaultConfig()
	}
	m.ctx, m.cancel = context.WithCancel(m.log.WithContext(ctx))
	return m
}

// Create starts a new session with a fresh workspace.
func (m *Manager) Create(ctx context.Context, deviceID string) (*Session, error) {
	id := uuid.NewString()
	dir, err := filepath.Abs(filepath.Join(m.cfg.WorkspaceRoot, id))
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, uploadDir), 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	created := time.Now().UTC()
	if m.store != nil {
		rec := store.Session{ID: id, WorkspaceDir: dir, DeviceID: deviceID, CreatedAt: created}
		if err := m.store.CreateSession(ctx, rec); err != nil {
			return nil, err
		}
	}

	s, err := m.build(id, dir)
	if err != nil {
		return nil, err
	}
	s.CreatedAt = created

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	s.log.Info("session created", "workspace", dir, "device_id", deviceID)
	return s, nil
}

func (m *Manager) build(id, dir string) (*Session, error) {
	log := m.log.With("session", id)
	ctx := log.WithContext(m.ctx)

	sink := events.NewSink(id)
	table := pending.NewTable()

	ws := tools.NewToolContext(dir).WithPermissions(m.cfg.Permissions)
	if m.cfg.BashTimeout > 0 {
		ws = ws.WithBashTimeout(m.cfg.BashTimeout)
	}

	registry := tools.NewRegistry()
	builtin.RegisterAll(registry, ws)
	registry.MustRegister(memory.NewSimpleMemoryTool())
	registry.MustRegister(memory.NewCompactifyTool(
		contextmgr.NewLLMSummarizing(m.cfg.Context, m.client)))
	if m.cfg.Permissions.AllowOperator {
		op := operator.NewCommandTool(ws, sink, table)
		if m.cfg.OperatorTimeout > 0 {
			op = op.WithTimeout(m.cfg.OperatorTimeout)
		}
		registry.MustRegister(op)
	}

	servers := mcp.ConnectAll(ctx, m.cfg.MCPServers)
	for _, srv := range servers {
		if err := srv.RegisterTools(registry); err != nil {
			log.Warn("skipping mcp tools", "mcp_server", srv.Name(), "error", err)
		}
	}

	manager, err := tools.NewInteractiveManager(registry, m.cfg.Interactive)
	if err != nil {
		return nil, err
	}

	agentCfg := m.cfg.Agent
	agentCfg.WorkDir = dir
	loop := orchestrator.NewAgentLoop(m.client, manager,
		orchestrator.WithConfig(agentCfg),
		orchestrator.WithContextManager(m.contextManager()),
		orchestrator.WithEmitter(sink),
	)

	handlers := make([]events.Handler, 0, len(m.handlers)+1)
	if m.store != nil {
		handlers = append(handlers, m.store)
	}
	handlers = append(handlers, m.handlers...)

	s := &Session{
		ID:           id,
		WorkspaceDir: dir,
		loop:         loop,
		workspace:    ws,
		sink:         sink,
		forwarder:    events.NewForwarder(sink, handlers...),
		pending:      table,
		servers:      servers,
		log:          log,
	}
	s.queue = queue.New(m.cfg.QueueSize, s.handle)

	s.forwarder.Start(ctx)
	s.queue.Start(ctx, 1)

	log.Debug("session tools registered", "tools", registry.Names())
	return s, nil
}

func (m *Manager) contextManager() contextmgr.ContextManager {
	if m.cfg.ContextStrategy == StrategySummarizing {
		return contextmgr.NewLLMSummarizing(m.cfg.Context, m.client)
	}
	return contextmgr.NewAmortizedForgetting(m.cfg.Context)
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// List returns the live sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Submit queues a new instruction. It fails with ErrBusy while the agent is
// working; use Edit to replace the running request.
func (m *Manager) Submit(id, instruction string, files []string, resume bool) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if s.Busy() {
		return ErrBusy
	}
	kind := queue.KindQuery
	if resume && s.canResume() {
		kind = queue.KindResume
	}
	return s.queue.Enqueue(queue.Job{Kind: kind, Instruction: instruction, Files: files})
}

// Resume continues the request a failed run left unanswered.
func (m *Manager) Resume(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if s.Busy() {
		return ErrBusy
	}
	if !s.canResume() {
		return ErrNothingToResume
	}
	return s.queue.Enqueue(queue.Job{Kind: queue.KindResume})
}

// Cancel interrupts the active run at its next checkpoint. It is a no-op
// when the agent is idle.
func (m *Manager) Cancel(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if s.Busy() {
		s.loop.Cancel()
		s.log.Info("cancel requested")
	}
	return nil
}

// Edit replaces the most recent request with instruction. An active run is
// cancelled; the edit runs on the worker once it has stopped.
func (m *Manager) Edit(id, instruction string, files []string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if s.Busy() {
		s.loop.Cancel()
	}
	return s.queue.Enqueue(queue.Job{Kind: queue.KindEdit, Instruction: instruction, Files: files})
}

// Reset clears the conversation of an idle session.
func (m *Manager) Reset(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if s.Busy() {
		return ErrBusy
	}
	if err := s.loop.Reset(); err != nil {
		if errors.Is(err, orchestrator.ErrRunInProgress) {
			return ErrBusy
		}
		return err
	}
	s.sink.Emit(events.System("Conversation reset."))
	return nil
}

// ResolveOperator delivers the operator's answer to a pending command.
func (m *Manager) ResolveOperator(id, commandID string, result pending.Result) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.pending.Resolve(commandID, result)
}

// Events returns the stored event stream of a session.
func (m *Manager) Events(ctx context.Context, id string) ([]events.Event, error) {
	if m.store == nil {
		return nil, ErrNoStore
	}
	if _, err := m.store.GetSession(ctx, id); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return m.store.SessionEvents(ctx, id)
}

// Close stops a session. Its workspace and stored events are kept.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.close(ctx)
	s.log.Info("session closed")
	return nil
}

// Shutdown closes every session and stops the workers.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.close(ctx)
		}(s)
	}
	wg.Wait()
	m.cancel()
}
