// Package sessions manages long-lived per-conversation sessions: ordered
// event logs with condition-variable delivery, pending-tool tables,
// auto-confirm counters, and idle expiry.
package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gptme/gptme/internal/costs"
	"github.com/gptme/gptme/pkg/models"
)

// DefaultIdleTimeout is how long a session with no clients may sit idle
// before the sweeper removes it.
const DefaultIdleTimeout = 60 * time.Minute

// Session is one client-visible attachment to a conversation. Events are
// retained for replay until the session expires.
type Session struct {
	ID             string
	ConversationID string

	Costs *costs.SessionCosts

	mu           sync.Mutex
	cond         *sync.Cond
	events       []models.Event
	pendingTools map[string]*models.ToolExecution
	autoConfirm  int
	clients      int
	interrupted  bool
	lastActivity time.Time
	closed       bool
}

func newSession(conversationID string) *Session {
	s := &Session{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Costs:          costs.NewSessionCosts(),
		pendingTools:   make(map[string]*models.ToolExecution),
		lastActivity:   time.Now(),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Publish appends an event and wakes all waiting readers.
func (s *Session) Publish(event models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	s.lastActivity = time.Now()
	s.cond.Broadcast()
}

// Events returns events after the given index. It blocks until at least one
// new event exists, the context ends, or the session closes. The returned
// index is the new high-water mark for the caller.
func (s *Session) Events(ctx context.Context, after int) ([]models.Event, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Wake the cond loop when the caller goes away.
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	for len(s.events) <= after && !s.closed && ctx.Err() == nil {
		s.cond.Wait()
	}
	if ctx.Err() != nil || s.closed {
		return nil, after
	}
	out := make([]models.Event, len(s.events)-after)
	copy(out, s.events[after:])
	return out, len(s.events)
}

// Replay returns all retained events without blocking.
func (s *Session) Replay() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Event, len(s.events))
	copy(out, s.events)
	return out
}

// AddClient registers an attached SSE reader.
func (s *Session) AddClient() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients++
	s.lastActivity = time.Now()
}

// RemoveClient unregisters a reader.
func (s *Session) RemoveClient() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients > 0 {
		s.clients--
	}
	s.lastActivity = time.Now()
}

// AddPendingTool records a tool awaiting confirmation.
func (s *Session) AddPendingTool(exec *models.ToolExecution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingTools[exec.ID] = exec
}

// PendingTool looks up a pending tool by id.
func (s *Session) PendingTool(id string) (*models.ToolExecution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.pendingTools[id]
	return exec, ok
}

// PendingTools returns all tools awaiting confirmation.
func (s *Session) PendingTools() []*models.ToolExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.ToolExecution, 0, len(s.pendingTools))
	for _, exec := range s.pendingTools {
		out = append(out, exec)
	}
	return out
}

// RemovePendingTool clears one entry.
func (s *Session) RemovePendingTool(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingTools, id)
}

// ClearPendingTools drops all pending tools (interrupt path).
func (s *Session) ClearPendingTools() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingTools = make(map[string]*models.ToolExecution)
}

// SetAutoConfirm arms automatic confirmation for the next count tools.
// A negative count means unlimited.
func (s *Session) SetAutoConfirm(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoConfirm = count
}

// TakeAutoConfirm consumes one auto-confirmation if armed.
func (s *Session) TakeAutoConfirm() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.autoConfirm == 0 {
		return false
	}
	if s.autoConfirm > 0 {
		s.autoConfirm--
	}
	return true
}

// Interrupt flags the session interrupted, clears pending tools, and
// publishes the interrupted event.
func (s *Session) Interrupt() {
	s.mu.Lock()
	s.interrupted = true
	s.pendingTools = make(map[string]*models.ToolExecution)
	s.events = append(s.events, models.Event{Type: models.EventInterrupted})
	s.lastActivity = time.Now()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Interrupted reports and clears the interrupt flag when reset is set.
func (s *Session) Interrupted(reset bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.interrupted
	if reset {
		s.interrupted = false
	}
	return was
}

func (s *Session) idle(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients == 0 && now.Sub(s.lastActivity) > timeout
}

func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Manager owns all sessions in the process and serializes generation per
// conversation.
type Manager struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	byConv      map[string]map[string]*Session
	generating  map[string]bool
	idleTimeout time.Duration
	logger      *slog.Logger

	// OnConversationIdle runs after the last session of a conversation is
	// swept; the server wires SESSION_END hooks through it.
	OnConversationIdle func(conversationID string)
}

// NewManager creates a session manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		byConv:      make(map[string]map[string]*Session),
		generating:  make(map[string]bool),
		idleTimeout: DefaultIdleTimeout,
		logger:      logger.With("component", "sessions"),
	}
}

// Create makes a new session for a conversation.
func (m *Manager) Create(conversationID string) *Session {
	s := newSession(conversationID)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	if m.byConv[conversationID] == nil {
		m.byConv[conversationID] = make(map[string]*Session)
	}
	m.byConv[conversationID][s.ID] = s
	return s
}

// Get returns a session by id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// GetOrCreate returns the named session, or a fresh one when the id is
// unknown or empty (implicit creation on first subscribe).
func (m *Manager) GetOrCreate(conversationID, sessionID string) *Session {
	if sessionID != "" {
		if s, ok := m.Get(sessionID); ok && s.ConversationID == conversationID {
			return s
		}
	}
	return m.Create(conversationID)
}

// ForConversation returns all live sessions of a conversation.
func (m *Manager) ForConversation(conversationID string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.byConv[conversationID]))
	for _, s := range m.byConv[conversationID] {
		out = append(out, s)
	}
	return out
}

// Broadcast publishes an event to every session of a conversation.
func (m *Manager) Broadcast(conversationID string, event models.Event) {
	for _, s := range m.ForConversation(conversationID) {
		s.Publish(event)
	}
}

// StartGenerating acquires the per-conversation generation slot. It returns
// false when another step worker is already running; callers map that to
// HTTP 409.
func (m *Manager) StartGenerating(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generating[conversationID] {
		return false
	}
	m.generating[conversationID] = true
	return true
}

// StopGenerating releases the generation slot.
func (m *Manager) StopGenerating(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.generating, conversationID)
}

// Generating reports whether a step worker is active on the conversation.
func (m *Manager) Generating(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generating[conversationID]
}

// Remove deletes all sessions of a conversation (conversation deletion).
func (m *Manager) Remove(conversationID string) {
	m.mu.Lock()
	sessions := m.byConv[conversationID]
	delete(m.byConv, conversationID)
	for id := range sessions {
		delete(m.sessions, id)
	}
	delete(m.generating, conversationID)
	m.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

// Sweep removes idle sessions. Sessions survive while generating or while
// any client is attached.
func (m *Manager) Sweep(now time.Time) {
	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if m.generating[s.ConversationID] {
			continue
		}
		if s.idle(now, m.idleTimeout) {
			expired = append(expired, s)
			delete(m.sessions, id)
			delete(m.byConv[s.ConversationID], id)
		}
	}
	var idleConvs []string
	for _, s := range expired {
		if len(m.byConv[s.ConversationID]) == 0 {
			delete(m.byConv, s.ConversationID)
			idleConvs = append(idleConvs, s.ConversationID)
		}
	}
	onIdle := m.OnConversationIdle
	m.mu.Unlock()

	for _, s := range expired {
		s.close()
		m.logger.Debug("swept idle session", "session_id", s.ID, "conversation_id", s.ConversationID)
	}
	if onIdle != nil {
		for _, conv := range idleConvs {
			onIdle(conv)
		}
	}
}

// RunSweeper sweeps periodically until ctx ends.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}
