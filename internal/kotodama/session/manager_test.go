package session_test

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bdobrica/Kotodama/internal/kotodama/session"
)

type sent struct{ conv, text string }

type fakeEngine struct {
	emit func(session.Event)

	startErr   error
	startDelay time.Duration

	mu       sync.Mutex
	sent     []sent
	stopped  int
	unlinked bool
}

func (f *fakeEngine) Start(ctx context.Context) error {
	if f.startDelay > 0 {
		time.Sleep(f.startDelay)
	}
	return f.startErr
}

func (f *fakeEngine) Send(ctx context.Context, conv, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{conv, text})
	return nil
}

func (f *fakeEngine) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func (f *fakeEngine) Unlink(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unlinked = true
	return nil
}

func (f *fakeEngine) Stopped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// factory hands out fakeEngines and remembers them.
type factory struct {
	mu         sync.Mutex
	engines    []*fakeEngine
	startErr   error
	startDelay time.Duration
}

func (f *factory) New(userID string, emit func(session.Event)) (session.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := &fakeEngine{emit: emit, startErr: f.startErr, startDelay: f.startDelay}
	f.engines = append(f.engines, e)
	return e, nil
}

func (f *factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

func (f *factory) Last() *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engines[len(f.engines)-1]
}

func fakeRender(code string) (string, error) { return "data:test," + code, nil }

func newManager(t *testing.T, f *factory, hook func(*session.Session)) *session.Manager {
	t.Helper()
	m := session.NewManager(session.Options{NewEngine: f.New, OnCreate: hook, Render: fakeRender})
	t.Cleanup(func() { m.StopAll(context.Background()) })
	return m
}

func recv(t *testing.T, ch <-chan session.Event) session.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return session.Event{}
	}
}

func record(m *session.Manager, userID string, kinds ...session.EventKind) <-chan session.Event {
	ch := make(chan session.Event, 32)
	for _, k := range kinds {
		m.Subscribe(userID, k, func(ctx context.Context, ev session.Event) { ch <- ev })
	}
	return ch
}

var allKinds = []session.EventKind{
	session.EventCredential, session.EventAuthenticated, session.EventReady,
	session.EventDisconnected, session.EventMessage,
}

func TestEnsure_ConcurrentCallersShareOneStart(t *testing.T) {
	f := &factory{startDelay: 30 * time.Millisecond}
	m := newManager(t, f, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Ensure(context.Background(), "u1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Ensure: %v", err)
		}
	}
	if f.Count() != 1 {
		t.Fatalf("expected 1 engine, got %d", f.Count())
	}
	if got := m.State("u1"); got != session.StateAwaitingLink {
		t.Errorf("expected awaiting_link, got %s", got)
	}
}

func TestEnsure_StartFailureIsRetryable(t *testing.T) {
	f := &factory{startErr: errors.New("dial failed")}
	m := newManager(t, f, nil)

	if _, err := m.Ensure(context.Background(), "u1"); err == nil || !strings.Contains(err.Error(), "dial failed") {
		t.Fatalf("expected start error, got %v", err)
	}
	if got := m.State("u1"); got != session.StateUninitialized {
		t.Errorf("failed start should restore state, got %s", got)
	}

	f.mu.Lock()
	f.startErr = nil
	f.mu.Unlock()
	if _, err := m.Ensure(context.Background(), "u1"); err != nil {
		t.Fatalf("retry Ensure: %v", err)
	}
	if f.Count() != 2 {
		t.Errorf("expected a second engine, got %d", f.Count())
	}
}

func TestEnsure_CallerContextCancelled(t *testing.T) {
	f := &factory{startDelay: 200 * time.Millisecond}
	m := newManager(t, f, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := m.Ensure(ctx, "u1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	// The start carries on and a later caller sees it succeed.
	if _, err := m.Ensure(context.Background(), "u1"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if f.Count() != 1 {
		t.Errorf("expected one engine, got %d", f.Count())
	}
}

func TestLifecycle(t *testing.T) {
	f := &factory{}
	m := newManager(t, f, nil)
	events := record(m, "u1", allKinds...)

	if _, err := m.Ensure(context.Background(), "u1"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	eng := f.Last()

	eng.emit(session.Event{Kind: session.EventCredential, Code: "2@abc"})
	ev := recv(t, events)
	if ev.Kind != session.EventCredential || ev.DataURL != "data:test,2@abc" {
		t.Fatalf("unexpected credential event %+v", ev)
	}

	if err := m.SendMessage(context.Background(), "u1", "c", "hi"); !errors.Is(err, session.ErrNotStarted) {
		t.Errorf("send before ready: expected ErrNotStarted, got %v", err)
	}

	eng.emit(session.Event{Kind: session.EventAuthenticated})
	recv(t, events)
	if got := m.State("u1"); got != session.StateLinked {
		t.Errorf("expected linked, got %s", got)
	}

	eng.emit(session.Event{Kind: session.EventReady})
	recv(t, events)
	if !m.IsReady("u1") {
		t.Fatal("expected ready")
	}

	if err := m.SendMessage(context.Background(), "u1", "123@s.whatsapp.net", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	eng.mu.Lock()
	if len(eng.sent) != 1 || eng.sent[0].text != "hello" {
		t.Errorf("unexpected sends %+v", eng.sent)
	}
	eng.mu.Unlock()

	eng.emit(session.Event{Kind: session.EventDisconnected, Reason: "LOGOUT"})
	ev = recv(t, events)
	if ev.Reason != "LOGOUT" {
		t.Errorf("expected reason LOGOUT, got %q", ev.Reason)
	}
	if got := m.State("u1"); got != session.StateDisconnected {
		t.Errorf("expected disconnected, got %s", got)
	}
	deadline := time.Now().Add(time.Second)
	for eng.Stopped() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if eng.Stopped() == 0 {
		t.Error("disconnected engine should be stopped")
	}
	if err := m.SendMessage(context.Background(), "u1", "c", "x"); !errors.Is(err, session.ErrNotStarted) {
		t.Errorf("send after disconnect: expected ErrNotStarted, got %v", err)
	}

	// Signals from the released engine are ignored.
	eng.emit(session.Event{Kind: session.EventReady})

	if _, err := m.Ensure(context.Background(), "u1"); err != nil {
		t.Fatalf("re-Ensure: %v", err)
	}
	if f.Count() != 2 {
		t.Fatalf("expected a fresh engine after disconnect, got %d", f.Count())
	}
	if got := m.State("u1"); got != session.StateAwaitingLink {
		t.Errorf("expected awaiting_link after relink, got %s", got)
	}
	select {
	case ev := <-events:
		t.Errorf("stale event delivered: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOnCreate_RunsOncePerUser(t *testing.T) {
	f := &factory{}
	var calls atomic.Int32
	m := newManager(t, f, func(s *session.Session) { calls.Add(1) })

	for i := 0; i < 3; i++ {
		s, err := m.Ensure(context.Background(), "u1")
		if err != nil {
			t.Fatalf("Ensure: %v", err)
		}
		if !s.EventsWired() {
			t.Error("session should be wired after Ensure")
		}
	}
	f.Last().emit(session.Event{Kind: session.EventDisconnected})
	time.Sleep(20 * time.Millisecond)
	if _, err := m.Ensure(context.Background(), "u1"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if _, err := m.Ensure(context.Background(), "u2"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("expected hook once per user (2), got %d", got)
	}
}

func TestHandlers_ArrivalOrder(t *testing.T) {
	f := &factory{}
	m := newManager(t, f, nil)
	events := record(m, "u1", session.EventMessage)
	if _, err := m.Ensure(context.Background(), "u1"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	eng := f.Last()
	for _, text := range []string{"a", "b", "c", "d"} {
		eng.emit(session.Event{Kind: session.EventMessage, Message: &session.InboundMessage{Text: text}})
	}
	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, recv(t, events).Message.Text)
	}
	if strings.Join(got, "") != "abcd" {
		t.Errorf("expected arrival order abcd, got %v", got)
	}
}

func TestHandlers_PanicIsContained(t *testing.T) {
	f := &factory{}
	m := newManager(t, f, nil)
	m.Subscribe("u1", session.EventMessage, func(ctx context.Context, ev session.Event) { panic("bad handler") })
	events := record(m, "u1", session.EventMessage)
	if _, err := m.Ensure(context.Background(), "u1"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	f.Last().emit(session.Event{Kind: session.EventMessage, Message: &session.InboundMessage{Text: "x"}})
	recv(t, events)
	f.Last().emit(session.Event{Kind: session.EventMessage, Message: &session.InboundMessage{Text: "y"}})
	if ev := recv(t, events); ev.Message.Text != "y" {
		t.Errorf("dispatcher stopped after panic")
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	f := &factory{}
	m := newManager(t, f, nil)
	if _, err := m.Ensure(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Ensure(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}
	if f.Count() != 2 {
		t.Fatalf("expected one engine per user, got %d", f.Count())
	}
	if m.IsReady("bob") || m.State("carol") != session.StateUninitialized {
		t.Error("unexpected state for other users")
	}
	if err := m.SendMessage(context.Background(), "carol", "c", "x"); !errors.Is(err, session.ErrNotStarted) {
		t.Errorf("expected ErrNotStarted for unknown user, got %v", err)
	}
}

func TestDisconnect(t *testing.T) {
	f := &factory{}
	m := newManager(t, f, nil)
	events := record(m, "u1", session.EventDisconnected)

	if err := m.Disconnect(context.Background(), "u1", false); !errors.Is(err, session.ErrNotStarted) {
		t.Errorf("expected ErrNotStarted for unknown session, got %v", err)
	}

	if _, err := m.Ensure(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	eng := f.Last()
	if err := m.Disconnect(context.Background(), "u1", true); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if !eng.unlinked || eng.Stopped() != 1 {
		t.Errorf("expected unlink and stop, got unlinked=%v stopped=%d", eng.unlinked, eng.Stopped())
	}
	if ev := recv(t, events); ev.Reason != "LOGOUT" {
		t.Errorf("expected LOGOUT reason, got %q", ev.Reason)
	}
	if got := m.State("u1"); got != session.StateDisconnected {
		t.Errorf("expected disconnected, got %s", got)
	}

	// Wiring survives: a relink still reaches the same handlers.
	if _, err := m.Ensure(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	f.Last().emit(session.Event{Kind: session.EventDisconnected, Reason: "again"})
	if ev := recv(t, events); ev.Reason != "again" {
		t.Errorf("expected handler to survive disconnect, got %+v", ev)
	}
}

func TestStopAll(t *testing.T) {
	f := &factory{}
	m := session.NewManager(session.Options{NewEngine: f.New, Render: fakeRender})
	for _, u := range []string{"a", "b", "c"} {
		if _, err := m.Ensure(context.Background(), u); err != nil {
			t.Fatal(err)
		}
	}
	m.StopAll(context.Background())
	for i, e := range f.engines {
		if e.Stopped() != 1 {
			t.Errorf("engine %d stopped %d times", i, e.Stopped())
		}
	}
}

func TestRenderCredential(t *testing.T) {
	url, err := session.RenderCredential("2@ABCDEF,xyz,123==")
	if err != nil {
		t.Fatalf("RenderCredential: %v", err)
	}
	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(url, prefix) {
		t.Fatalf("unexpected prefix: %.40s", url)
	}
	png, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(url, prefix))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(png) < 8 || string(png[1:4]) != "PNG" {
		t.Errorf("payload is not a PNG")
	}
	if _, err := session.RenderCredential(""); err == nil {
		t.Error("expected error for empty code")
	}
}
