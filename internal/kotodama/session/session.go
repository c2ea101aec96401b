package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrNotStarted is returned by SendMessage when the user has no ready engine.
var ErrNotStarted = errors.New("session: client not started")

type signal struct {
	gen uint64
	ev  Event
}

type startCall struct {
	done chan struct{}
	err  error
}

// Session is the per-user state machine. It owns the engine exclusively;
// handlers run on a single dispatcher goroutine in arrival order.
type Session struct {
	UserID string

	wireOnce    sync.Once
	eventsWired bool

	mu       sync.Mutex
	state    State
	engine   Engine
	gen      uint64
	sawReady bool
	starting *startCall
	handlers map[EventKind][]Handler

	signals chan signal
	render  func(string) (string, error)
}

func newSession(userID string, buffer int, render func(string) (string, error)) *Session {
	return &Session{
		UserID:   userID,
		state:    StateUninitialized,
		handlers: make(map[EventKind][]Handler),
		signals:  make(chan signal, buffer),
		render:   render,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsReady reports whether the account is connected and usable.
func (s *Session) IsReady() bool {
	return s.State() == StateReady
}

// EventsWired reports whether the creation hook has run for this session.
func (s *Session) EventsWired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventsWired
}

// On registers h for every future event of kind.
func (s *Session) On(kind EventKind, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = append(s.handlers[kind], h)
}

func (s *Session) wire(hook func(*Session)) {
	s.wireOnce.Do(func() {
		if hook != nil {
			hook(s)
		}
		s.mu.Lock()
		s.eventsWired = true
		s.mu.Unlock()
	})
}

// emitter returns the emit func handed to the engine of generation gen.
func (s *Session) emitter(gen uint64, done <-chan struct{}) func(Event) {
	return func(ev Event) {
		select {
		case s.signals <- signal{gen: gen, ev: ev}:
		case <-done:
		}
	}
}

// ensure starts an engine unless one is running or starting. Concurrent
// callers share one start and all observe its outcome.
func (s *Session) ensure(ctx, base context.Context, factory EngineFactory, done <-chan struct{}) error {
	s.mu.Lock()
	if s.engine != nil {
		s.mu.Unlock()
		return nil
	}
	call := s.starting
	if call == nil {
		call = &startCall{done: make(chan struct{})}
		s.starting = call
		s.gen++
		prev := s.state
		s.state = StateAwaitingLink
		s.sawReady = false
		go s.start(base, factory, s.gen, prev, call, done)
	}
	s.mu.Unlock()

	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) start(ctx context.Context, factory EngineFactory, gen uint64, prev State, call *startCall, done <-chan struct{}) {
	eng, err := factory(s.UserID, s.emitter(gen, done))
	if err == nil {
		err = eng.Start(ctx)
	}

	s.mu.Lock()
	s.starting = nil
	keep := err == nil && s.gen == gen && s.state != StateDisconnected
	switch {
	case err != nil:
		if s.gen == gen {
			s.state = prev
			s.gen++
		}
	case keep:
		s.engine = eng
	}
	s.mu.Unlock()

	if eng != nil && !keep {
		go func() {
			if stopErr := eng.Stop(context.Background()); stopErr != nil {
				slog.Warn("session: stop discarded engine", "user_id", s.UserID, "err", stopErr)
			}
		}()
	}
	call.err = err
	close(call.done)
}

// release detaches the current engine and invalidates its signals. It
// returns the new generation.
func (s *Session) release() (Engine, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	eng := s.engine
	s.engine = nil
	s.gen++
	s.sawReady = false
	if s.state != StateUninitialized {
		s.state = StateDisconnected
	}
	return eng, s.gen
}

func (s *Session) send(ctx context.Context, conversationID, text string) error {
	s.mu.Lock()
	eng, ready := s.engine, s.sawReady
	s.mu.Unlock()
	if eng == nil || !ready {
		return ErrNotStarted
	}
	return eng.Send(ctx, conversationID, text)
}

// apply performs the state transition for a signal and reports whether it
// is current. Must run on the dispatcher goroutine.
func (s *Session) apply(sig signal) (Event, []Handler, Engine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sig.gen != s.gen {
		return sig.ev, nil, nil, false
	}
	var released Engine
	switch sig.ev.Kind {
	case EventCredential:
		s.state = StateAwaitingLink
	case EventAuthenticated:
		s.state = StateLinked
	case EventReady:
		s.state = StateReady
		s.sawReady = true
	case EventDisconnected:
		s.state = StateDisconnected
		s.sawReady = false
		released = s.engine
		s.engine = nil
		s.gen++
	}
	hs := append([]Handler(nil), s.handlers[sig.ev.Kind]...)
	return sig.ev, hs, released, true
}

// dispatch is the session's event loop.
func (s *Session) dispatch(ctx context.Context, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case sig := <-s.signals:
			ev, hs, released, ok := s.apply(sig)
			if !ok {
				continue
			}
			if released != nil {
				go func() {
					if err := released.Stop(context.Background()); err != nil {
						slog.Warn("session: stop disconnected engine", "user_id", s.UserID, "err", err)
					}
				}()
			}
			if ev.Kind == EventCredential && ev.DataURL == "" {
				url, err := s.render(ev.Code)
				if err != nil {
					slog.Error("session: credential render failed", "user_id", s.UserID, "err", err)
					continue
				}
				ev.DataURL = url
			}
			for _, h := range hs {
				s.invoke(ctx, h, ev)
			}
		}
	}
}

// invoke runs one handler, containing panics so a bad handler cannot stop
// the dispatcher.
func (s *Session) invoke(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("session: handler panicked", "user_id", s.UserID, "kind", ev.Kind, "panic", r)
		}
	}()
	h(ctx, ev)
}
