package control_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bdobrica/Kotodama/internal/kotodama/ai"
	"github.com/bdobrica/Kotodama/internal/kotodama/auth"
	"github.com/bdobrica/Kotodama/internal/kotodama/control"
	"github.com/bdobrica/Kotodama/internal/kotodama/hub"
)

// --- helpers ---------------------------------------------------------------

type tokenVerifier map[string]string

func (v tokenVerifier) Verify(_ context.Context, token string) (string, error) {
	if id, ok := v[token]; ok {
		return id, nil
	}
	return "", auth.ErrUnauthorized
}

type recorder struct {
	mu           sync.Mutex
	enabled      []bool
	updates      []ai.Update
	disconnects  []bool
	unsubscribed chan string
}

func newTestServer(t *testing.T) (*httptest.Server, *recorder, *hub.Hub) {
	t.Helper()
	rec := &recorder{unsubscribed: make(chan string, 4)}
	h := hub.New()
	ts := httptest.NewServer(newControl(rec, h).TestHandler())
	t.Cleanup(ts.Close)
	return ts, rec, h
}

func newControl(rec *recorder, h *hub.Hub) *control.Server {
	return control.New(control.Config{AllowedOrigin: "https://app.example.com", Heartbeat: time.Hour}, control.Handlers{
		Version:  "v-test",
		Verifier: tokenVerifier{"good": "user-1"},
		Subscribe: func(ctx context.Context, userID string, sink hub.Sink) string {
			id := h.AddSubscriber(userID, sink)
			h.Publish(userID, hub.TypeStatus, map[string]bool{"connected": false})
			return id
		},
		Unsubscribe: func(userID, id string) {
			h.RemoveSubscriber(userID, id)
			rec.unsubscribed <- id
		},
		Status: func(ctx context.Context, userID string) control.StatusResponse {
			return control.StatusResponse{Connected: true, AIEnabled: false, HasAPIKey: userID == "user-1"}
		},
		SetAIEnabled: func(ctx context.Context, userID string, enabled bool) (bool, error) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.enabled = append(rec.enabled, enabled)
			return enabled, nil
		},
		AIConfig: func(userID string) ai.View {
			return ai.View{HasAPIKey: true, Prompt: "persona"}
		},
		SetAIConfig: func(ctx context.Context, userID string, upd ai.Update) (ai.View, error) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.updates = append(rec.updates, upd)
			return ai.View{HasAPIKey: upd.APIKey != nil && *upd.APIKey != "", Prompt: "persona"}, nil
		},
		Metrics: func(userID string) control.MetricsResponse {
			return control.MetricsResponse{APICallsGemini: 2, APICallsGroq: 1, APICalls: 3, Attempts: 4, Successes: 3, SuccessRate: 0.75}
		},
		Disconnect: func(ctx context.Context, userID string, logout bool) error {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.disconnects = append(rec.disconnects, logout)
			return nil
		},
	})
}

func do(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m
}

// --- auth ------------------------------------------------------------------

func TestHealth_NoAuth(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp := do(t, http.MethodGet, ts.URL+"/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if m := decode(t, resp); m["version"] != "v-test" || m["status"] != "ok" {
		t.Errorf("unexpected body %v", m)
	}
}

func TestAuth_Rejects(t *testing.T) {
	ts, _, _ := newTestServer(t)
	for _, token := range []string{"", "wrong"} {
		resp := do(t, http.MethodGet, ts.URL+"/status", token, "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("token %q: expected 401, got %d", token, resp.StatusCode)
			continue
		}
		if m := decode(t, resp); m["error"] != "unauthorized" {
			t.Errorf("token %q: expected unauthorized error, got %v", token, m)
		}
	}
}

func TestAuth_QueryToken(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp := do(t, http.MethodGet, ts.URL+"/status?token=good", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	m := decode(t, resp)
	if m["connected"] != true || m["aiEnabled"] != false || m["hasApiKey"] != true {
		t.Errorf("unexpected status %v", m)
	}
}

// --- controls --------------------------------------------------------------

func TestSetAI_Truthiness(t *testing.T) {
	cases := []struct {
		body string
		want bool
	}{
		{`{"enabled":true}`, true},
		{`{"enabled":false}`, false},
		{`{"enabled":"yes"}`, true},
		{`{"enabled":""}`, false},
		{`{"enabled":1}`, true},
		{`{"enabled":0}`, false},
		{`{"enabled":null}`, false},
		{`{}`, false},
		{``, false},
	}
	ts, rec, _ := newTestServer(t)
	for _, tc := range cases {
		resp := do(t, http.MethodPost, ts.URL+"/controls/ai", "good", tc.body)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%q: expected 200, got %d", tc.body, resp.StatusCode)
			continue
		}
		m := decode(t, resp)
		if m["ok"] != true || m["enabled"] != tc.want {
			t.Errorf("%q: expected enabled=%v, got %v", tc.body, tc.want, m)
		}
	}
	if len(rec.enabled) != len(cases) {
		t.Errorf("expected %d calls, got %d", len(cases), len(rec.enabled))
	}
}

func TestSetAI_BadJSON(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp := do(t, http.MethodPost, ts.URL+"/controls/ai", "good", `{"enabled":`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestAIConfig(t *testing.T) {
	ts, rec, _ := newTestServer(t)

	resp := do(t, http.MethodGet, ts.URL+"/controls/ai-config", "good", "")
	if m := decode(t, resp); m["hasApiKey"] != true || m["prompt"] != "persona" || m["hasGroqKey"] != false {
		t.Errorf("unexpected view %v", m)
	}

	resp = do(t, http.MethodPost, ts.URL+"/controls/ai-config", "good", `{"apiKey":"AIza-1","prompt":42}`)
	m := decode(t, resp)
	if m["ok"] != true || m["hasApiKey"] != true {
		t.Errorf("unexpected response %v", m)
	}
	upd := rec.updates[0]
	if upd.APIKey == nil || *upd.APIKey != "AIza-1" {
		t.Errorf("expected apiKey passed through, got %v", upd.APIKey)
	}
	if upd.Prompt != nil {
		t.Errorf("expected non-string prompt ignored, got %q", *upd.Prompt)
	}
	if upd.GroqAPIKey != nil {
		t.Error("expected absent groq key left untouched")
	}
	if strings.Contains(m["prompt"].(string), "AIza") {
		t.Error("response leaked key material")
	}
}

func TestMetrics(t *testing.T) {
	ts, _, _ := newTestServer(t)
	m := decode(t, do(t, http.MethodGet, ts.URL+"/metrics", "good", ""))
	for _, key := range []string{"apiCallsGemini", "apiCallsGroq", "apiCalls", "timeSavedSec", "estCost", "successRate", "attempts", "successes", "outTokensGemini", "outTokensGroq"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing %q", key)
		}
	}
	if m["successRate"] != 0.75 {
		t.Errorf("expected 0.75, got %v", m["successRate"])
	}
}

func TestDisconnect(t *testing.T) {
	ts, rec, _ := newTestServer(t)
	do(t, http.MethodPost, ts.URL+"/session/disconnect", "good", "")
	resp := do(t, http.MethodPost, ts.URL+"/session/disconnect", "good", `{"logout":true}`)
	if m := decode(t, resp); m["ok"] != true {
		t.Errorf("unexpected response %v", m)
	}
	if len(rec.disconnects) != 2 || rec.disconnects[0] || !rec.disconnects[1] {
		t.Errorf("expected [false true], got %v", rec.disconnects)
	}
}

func TestCORS_Preflight(t *testing.T) {
	ts, _, _ := newTestServer(t)
	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/controls/ai", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("expected allowed origin, got %q", got)
	}
}

// --- push streams ----------------------------------------------------------

func TestEvents_SSE(t *testing.T) {
	ts, rec, h := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events?token=good", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, hub.Event) {
		t.Helper()
		var typ string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				typ = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				var ev hub.Event
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
					t.Fatalf("bad data line %q: %v", line, err)
				}
				return typ, ev
			}
		}
	}

	if typ, ev := readEvent(); typ != hub.TypeConnected || ev.UserID != "user-1" {
		t.Fatalf("expected connected for user-1, got %s %+v", typ, ev)
	}
	if typ, _ := readEvent(); typ != hub.TypeStatus {
		t.Fatalf("expected status, got %s", typ)
	}

	h.Publish("user-1", hub.TypeQR, map[string]string{"dataUrl": "data:image/png;base64,AAA"})
	typ, ev := readEvent()
	if typ != hub.TypeQR {
		t.Fatalf("expected qr, got %s", typ)
	}
	if p, _ := ev.Payload.(map[string]any); p["dataUrl"] != "data:image/png;base64,AAA" {
		t.Errorf("unexpected payload %v", ev.Payload)
	}

	cancel()
	select {
	case <-rec.unsubscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber not removed after client disconnect")
	}
	if n := h.Count("user-1"); n != 0 {
		t.Errorf("expected 0 subscribers, got %d", n)
	}
}

func TestStop_EndsOpenStreams(t *testing.T) {
	rec := &recorder{unsubscribed: make(chan string, 4)}
	h := hub.New()
	srv := newControl(rec, h)
	ts := httptest.NewServer(srv.TestHandler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/events?token=good")
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events/ws?token=good"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	drained := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, resp.Body)
		drained <- err
	}()

	start := time.Now()
	srv.Stop()
	if d := time.Since(start); d > 2*time.Second {
		t.Errorf("expected Stop to return promptly, took %s", d)
	}
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("sse stream still open after Stop")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				t.Fatal("websocket still open after Stop")
			}
			break
		}
	}
	for i := 0; i < 2; i++ {
		select {
		case <-rec.unsubscribed:
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber not removed after Stop")
		}
	}
}

func TestEvents_WebSocket(t *testing.T) {
	ts, rec, h := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events/ws?token=good"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	var ev hub.Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ev); err != nil || ev.Type != hub.TypeConnected {
		t.Fatalf("expected connected, got %+v, %v", ev, err)
	}
	if err := conn.ReadJSON(&ev); err != nil || ev.Type != hub.TypeStatus {
		t.Fatalf("expected status, got %+v, %v", ev, err)
	}

	h.Publish("user-1", hub.TypeAIStatus, map[string]bool{"enabled": true})
	if err := conn.ReadJSON(&ev); err != nil || ev.Type != hub.TypeAIStatus {
		t.Fatalf("expected ai_status, got %+v, %v", ev, err)
	}

	conn.Close()
	select {
	case <-rec.unsubscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber not removed after socket close")
	}
}

func TestEvents_WebSocketRequiresAuth(t *testing.T) {
	ts, _, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", resp)
	}
}
