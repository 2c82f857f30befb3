// ABOUTME: Session registry with one serialized event loop per chat
// ABOUTME: All mutations to a session's state flow through its queue in arrival order

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTurnInFlight is returned when a turn is requested while one is running.
var ErrTurnInFlight = errors.New("turn already in flight")

// Task is one unit of work executed on a session's loop goroutine.
type Task func(*Session)

// Session is the per-chat state. Writes happen on the session's loop; the
// mutex makes reads from turn goroutines and /status safe.
type Session struct {
	ChatID string

	mu           sync.Mutex
	id           string
	workDir      string
	yolo         bool
	approved     map[string]struct{}
	linked       string
	turnCancel   context.CancelFunc
	lastActivity time.Time

	queue chan Task
}

// ID returns the current agent-session id.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// WorkDir returns the session's working directory.
func (s *Session) WorkDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workDir
}

// Yolo reports whether tool calls auto-approve.
func (s *Session) Yolo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.yolo
}

// ToggleYolo flips yolo mode and returns the new value.
func (s *Session) ToggleYolo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.yolo = !s.yolo
	return s.yolo
}

// IsApproved reports whether a tool was approved for the session.
func (s *Session) IsApproved(tool string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.approved[tool]
	return ok
}

// ApproveForSession remembers a tool so later calls skip the approval card.
func (s *Session) ApproveForSession(tool string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approved[tool] = struct{}{}
}

// ApprovedTools returns a copy of the session-approved set.
func (s *Session) ApprovedTools() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{}, len(s.approved))
	for tool := range s.approved {
		out[tool] = struct{}{}
	}
	return out
}

// Attach links the session to a continuity record: the agent session id and
// working directory come from the record from now on.
func (s *Session) Attach(sessionID, workDir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = sessionID
	s.linked = sessionID
	if workDir != "" {
		s.workDir = workDir
	}
}

// Linked returns the attached continuity record id, if any.
func (s *Session) Linked() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.linked
}

// Reset clears conversation context by rotating the agent session id. The
// working directory, linkage, and yolo setting survive; session-level tool
// approvals do not.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = uuid.New().String()
	s.approved = make(map[string]struct{})
}

// BeginTurn marks a turn as running and returns its cancellable context.
// Fails with ErrTurnInFlight if one is already running.
func (s *Session) BeginTurn(parent context.Context) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnCancel != nil {
		return nil, ErrTurnInFlight
	}
	ctx, cancel := context.WithCancel(parent)
	s.turnCancel = cancel
	s.lastActivity = time.Now()
	return ctx, nil
}

// EndTurn clears the running-turn marker.
func (s *Session) EndTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	s.lastActivity = time.Now()
}

// Interrupt cancels the in-flight turn, if any, and reports whether there
// was one. Accumulated context is preserved; interrupt is not reset.
func (s *Session) Interrupt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnCancel == nil {
		return false
	}
	s.turnCancel()
	return true
}

// TurnActive reports whether a turn is in flight.
func (s *Session) TurnActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnCancel != nil
}

// Registry owns every session and its loop goroutine.
type Registry struct {
	logger      *slog.Logger
	defaultYolo bool
	baseWorkDir string
	queueSize   int

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

// NewRegistry creates an empty registry. defaultYolo seeds new sessions'
// auto-approval mode; baseWorkDir seeds their working directory.
func NewRegistry(logger *slog.Logger, defaultYolo bool, baseWorkDir string) *Registry {
	return &Registry{
		logger:      logger.With("component", "session"),
		defaultYolo: defaultYolo,
		baseWorkDir: baseWorkDir,
		queueSize:   64,
		sessions:    make(map[string]*Session),
	}
}

// GetOrCreate returns the session for a chat, creating it (and starting its
// loop) on first sight.
func (r *Registry) GetOrCreate(chatID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[chatID]; ok {
		return s
	}
	s := &Session{
		ChatID:   chatID,
		id:       uuid.New().String(),
		workDir:  r.baseWorkDir,
		yolo:     r.defaultYolo,
		approved: make(map[string]struct{}),
		queue:    make(chan Task, r.queueSize),
	}
	r.sessions[chatID] = s
	r.wg.Add(1)
	go r.loop(s)
	r.logger.Info("session created", "chat_id", chatID, "session_id", s.id)
	return s
}

// Get returns an existing session without creating one.
func (r *Registry) Get(chatID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[chatID]
	return s, ok
}

// Dispatch enqueues a task onto the chat's serialized loop, creating the
// session if needed. Tasks for one chat run strictly in dispatch order.
func (r *Registry) Dispatch(chatID string, task Task) {
	s := r.GetOrCreate(chatID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case s.queue <- task:
	default:
		// A full queue means the chat is flooding faster than its loop
		// drains; dropping is better than blocking the event connection.
		r.logger.Warn("session queue full, dropping event", "chat_id", chatID)
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) loop(s *Session) {
	defer r.wg.Done()
	for task := range s.queue {
		task(s)
	}
}

// Close stops every loop after draining queued tasks and waits for them.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Interrupt()
		close(s.queue)
	}
	r.wg.Wait()
}
