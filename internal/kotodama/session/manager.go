// Package session manages one messaging-network session per user.
//
// A Session moves through uninitialized → awaiting_link → linked → ready and
// ends in disconnected, from which the next Ensure starts over. Each session
// has a dispatcher goroutine: engine signals are queued on a channel and
// handled there in order, so one user's events never interleave while other
// users proceed concurrently.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// DefaultBuffer is the per-session signal queue length.
const DefaultBuffer = 64

// Options configures a Manager.
type Options struct {
	NewEngine EngineFactory
	// OnCreate runs once per session, before its first engine starts.
	OnCreate func(s *Session)
	// Render turns a credential code into a data URI. Defaults to
	// RenderCredential.
	Render func(code string) (string, error)
	Buffer int
}

// Manager is the registry of sessions. It is safe for concurrent use.
type Manager struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewManager returns an empty Manager.
func NewManager(opts Options) *Manager {
	if opts.Render == nil {
		opts.Render = RenderCredential
	}
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// Get returns the user's session, or nil.
func (m *Manager) Get(userID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[userID]
}

func (m *Manager) getOrCreate(userID string) *Session {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if !ok {
		s = newSession(userID, m.opts.Buffer, m.opts.Render)
		m.sessions[userID] = s
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			s.dispatch(m.ctx, m.ctx.Done())
		}()
	}
	m.mu.Unlock()

	s.wire(m.opts.OnCreate)
	return s
}

// Ensure returns the user's session, starting its engine if none is running.
// A failed start is returned and retried by the next call.
func (m *Manager) Ensure(ctx context.Context, userID string) (*Session, error) {
	if m.opts.NewEngine == nil {
		return nil, errors.New("session: no engine factory")
	}
	s := m.getOrCreate(userID)
	if err := s.ensure(ctx, m.ctx, m.opts.NewEngine, m.ctx.Done()); err != nil {
		return s, err
	}
	return s, nil
}

// Subscribe registers h on the user's session, creating it if needed.
func (m *Manager) Subscribe(userID string, kind EventKind, h Handler) {
	m.getOrCreate(userID).On(kind, h)
}

// IsReady reports whether the user's account is connected.
func (m *Manager) IsReady(userID string) bool {
	s := m.Get(userID)
	return s != nil && s.IsReady()
}

// State returns the user's session state; unknown users are uninitialized.
func (m *Manager) State(userID string) State {
	if s := m.Get(userID); s != nil {
		return s.State()
	}
	return StateUninitialized
}

// SendMessage sends text to a conversation of the user's account.
func (m *Manager) SendMessage(ctx context.Context, userID, conversationID, text string) error {
	s := m.Get(userID)
	if s == nil {
		return ErrNotStarted
	}
	return s.send(ctx, conversationID, text)
}

// Disconnect stops the user's engine. With unlink, the linked device is
// removed first so the next Ensure asks for a new credential. Handlers stay
// registered.
func (m *Manager) Disconnect(ctx context.Context, userID string, unlink bool) error {
	s := m.Get(userID)
	if s == nil {
		return ErrNotStarted
	}
	eng, gen := s.release()
	if eng == nil {
		return ErrNotStarted
	}
	var errs []error
	if u, ok := eng.(Unlinker); ok && unlink {
		errs = append(errs, u.Unlink(ctx))
	}
	errs = append(errs, eng.Stop(ctx))
	s.deliver(m.ctx, gen, Event{Kind: EventDisconnected, Reason: disconnectReason(unlink)})
	return errors.Join(errs...)
}

func disconnectReason(unlink bool) string {
	if unlink {
		return "LOGOUT"
	}
	return "MANUAL"
}

// deliver queues an event for generation gen.
func (s *Session) deliver(ctx context.Context, gen uint64, ev Event) {
	select {
	case s.signals <- signal{gen: gen, ev: ev}:
	case <-ctx.Done():
	}
}

// StopAll stops every engine concurrently, then ends the dispatchers.
// Failures are logged.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		eng, _ := s.release()
		if eng == nil {
			continue
		}
		wg.Add(1)
		go func(userID string, eng Engine) {
			defer wg.Done()
			if err := eng.Stop(ctx); err != nil {
				slog.Warn("session: stop failed", "user_id", userID, "err", err)
			}
		}(s.UserID, eng)
	}
	wg.Wait()

	m.cancel()
	m.wg.Wait()
}
