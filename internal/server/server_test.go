package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voyagen/loopcaster/internal/config"
	"github.com/voyagen/loopcaster/internal/events"
	"github.com/voyagen/loopcaster/internal/models"
	"github.com/voyagen/loopcaster/internal/relay"
	"github.com/voyagen/loopcaster/internal/service"
	"github.com/voyagen/loopcaster/internal/store"
)

type stubFetcher struct{ dir string }

func (f stubFetcher) Acquire(_ context.Context, _, destName string) (string, error) {
	path := filepath.Join(f.dir, destName)
	return path, os.WriteFile(path, []byte("video"), 0o644)
}

type stubRelay struct {
	st       store.Store
	mu       sync.Mutex
	startErr error
}

func (r *stubRelay) Start(context.Context, int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startErr
}

func (r *stubRelay) Stop(ctx context.Context, id int64) error {
	return r.st.UpdateChannel(ctx, id, store.ChannelUpdate{IsActive: store.Bool(false)})
}

func (r *stubRelay) RecentLog(int64) []string { return []string{"[12:00:00] starting relay"} }
func (r *stubRelay) Forget(int64)             {}

type testEnv struct {
	ts       *httptest.Server
	relay    *stubRelay
	channels *service.Channels
}

func newTestEnv(t *testing.T, hub *events.Hub) *testEnv {
	t.Helper()
	st, err := store.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(st.Close)

	rl := &stubRelay{st: st}
	deps := service.Deps{Store: st, Relay: rl, Fetcher: stubFetcher{dir: t.TempDir()}}
	if hub != nil {
		deps.Publisher = hub
	}
	channels := service.NewChannels(deps)
	t.Cleanup(channels.Wait)

	srv := New(channels, hub, config.Defaults(), nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, relay: rl, channels: channels}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func (e *testEnv) expect(t *testing.T, method, path, body string, want int) []byte {
	t.Helper()
	resp, data := e.do(t, method, path, body)
	if resp.StatusCode != want {
		t.Fatalf("%s %s = %d, want %d: %s", method, path, resp.StatusCode, want, data)
	}
	return data
}

func (e *testEnv) createChannel(t *testing.T) models.Channel {
	t.Helper()
	data := e.expect(t, http.MethodPost, "/api/channels",
		`{"name":"Lobby","rtmp_url":"rtmp://live.example.com/app","rtmp_key":"abcd-1234"}`, http.StatusCreated)
	var ch models.Channel
	if err := json.Unmarshal(data, &ch); err != nil {
		t.Fatal(err)
	}
	return ch
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	data := env.expect(t, http.MethodGet, "/api/health", "", http.StatusOK)
	if !bytes.Contains(data, []byte(`"ok"`)) {
		t.Fatalf("body = %s", data)
	}
}

func TestChannelCRUD(t *testing.T) {
	env := newTestEnv(t, nil)
	ch := env.createChannel(t)
	if ch.ID == 0 || ch.DownloadStatus != models.DownloadIdle || !ch.LoopingEnabled {
		t.Fatalf("created = %+v", ch)
	}

	var list []models.Channel
	if err := json.Unmarshal(env.expect(t, http.MethodGet, "/api/channels", "", http.StatusOK), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("list = %d channels", len(list))
	}

	path := fmt.Sprintf("/api/channels/%d", ch.ID)
	env.expect(t, http.MethodGet, path, "", http.StatusOK)

	var updated models.Channel
	data := env.expect(t, http.MethodPatch, path, `{"name":"Lobby 2","schedule_start_time":"08:00","schedule_stop_time":"18:00"}`, http.StatusOK)
	if err := json.Unmarshal(data, &updated); err != nil {
		t.Fatal(err)
	}
	if updated.Name != "Lobby 2" || !updated.HasSchedule() {
		t.Fatalf("updated = %+v", updated)
	}
	data = env.expect(t, http.MethodPut, path, `{"looping_enabled":false}`, http.StatusOK)
	if err := json.Unmarshal(data, &updated); err != nil {
		t.Fatal(err)
	}
	if updated.LoopingEnabled || updated.Name != "Lobby 2" {
		t.Fatalf("after PUT = %+v", updated)
	}

	env.expect(t, http.MethodDelete, path, "", http.StatusOK)
	env.expect(t, http.MethodGet, path, "", http.StatusNotFound)
	env.expect(t, http.MethodDelete, path, "", http.StatusNotFound)
}

func TestBadRequests(t *testing.T) {
	env := newTestEnv(t, nil)
	ch := env.createChannel(t)
	path := fmt.Sprintf("/api/channels/%d", ch.ID)

	tests := []struct {
		name, method, path, body string
		want                     int
	}{
		{"missing fields", http.MethodPost, "/api/channels", `{"name":"x"}`, http.StatusBadRequest},
		{"bad scheme", http.MethodPost, "/api/channels", `{"name":"x","rtmp_url":"http://h/app","rtmp_key":"k"}`, http.StatusBadRequest},
		{"malformed json", http.MethodPost, "/api/channels", `{"name":`, http.StatusBadRequest},
		{"non-numeric id", http.MethodGet, "/api/channels/abc", "", http.StatusBadRequest},
		{"partial schedule", http.MethodPatch, path, `{"schedule_start_time":"08:00"}`, http.StatusBadRequest},
		{"bad clock", http.MethodPatch, path, `{"schedule_start_time":"08:00","schedule_stop_time":"25:00"}`, http.StatusBadRequest},
		{"import without url", http.MethodPost, path + "/import-video", `{}`, http.StatusBadRequest},
		{"unknown channel", http.MethodPost, "/api/channels/999/start", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.name == "unknown channel" {
				env.relay.mu.Lock()
				env.relay.startErr = store.ErrNotFound
				env.relay.mu.Unlock()
				defer func() {
					env.relay.mu.Lock()
					env.relay.startErr = nil
					env.relay.mu.Unlock()
				}()
			}
			data := env.expect(t, tt.method, tt.path, tt.body, tt.want)
			var apiErr APIError
			if err := json.Unmarshal(data, &apiErr); err != nil {
				t.Fatalf("decode error envelope: %v (%s)", err, data)
			}
			if apiErr.Status != tt.want || apiErr.Detail == "" {
				t.Fatalf("envelope = %+v", apiErr)
			}
		})
	}
}

func TestImportVideo(t *testing.T) {
	env := newTestEnv(t, nil)
	ch := env.createChannel(t)
	path := fmt.Sprintf("/api/channels/%d", ch.ID)

	data := env.expect(t, http.MethodPost, path+"/import-video", `{"url":"https://drive.google.com/file/d/abc/view"}`, http.StatusAccepted)
	var body map[string]string
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(body["filename"], fmt.Sprintf("video_%d_", ch.ID)) || body["message"] == "" {
		t.Fatalf("body = %v", body)
	}

	env.channels.Wait()
	var got models.Channel
	if err := json.Unmarshal(env.expect(t, http.MethodGet, path, "", http.StatusOK), &got); err != nil {
		t.Fatal(err)
	}
	if got.DownloadStatus != models.DownloadReady || !strings.HasSuffix(got.SourcePath(), body["filename"]) {
		t.Fatalf("channel = %+v", got)
	}
}

func TestStartStopAndLogs(t *testing.T) {
	env := newTestEnv(t, nil)
	ch := env.createChannel(t)
	path := fmt.Sprintf("/api/channels/%d", ch.ID)

	env.expect(t, http.MethodPost, path+"/start", "", http.StatusOK)

	for _, err := range []error{relay.ErrNotReady, relay.ErrAlreadyRunning} {
		env.relay.mu.Lock()
		env.relay.startErr = err
		env.relay.mu.Unlock()
		env.expect(t, http.MethodPost, path+"/start", "", http.StatusConflict)
	}

	env.expect(t, http.MethodPost, path+"/stop", "", http.StatusOK)
	env.expect(t, http.MethodPost, "/api/channels/999/stop", "", http.StatusNotFound)

	var lines []string
	if err := json.Unmarshal(env.expect(t, http.MethodGet, path+"/logs", "", http.StatusOK), &lines); err != nil {
		t.Fatal(err)
	}
	if len(lines) != 1 {
		t.Fatalf("logs = %v", lines)
	}
	env.expect(t, http.MethodGet, "/api/channels/999/logs", "", http.StatusNotFound)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, _ := env.do(t, http.MethodOptions, "/api/channels", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("headers = %v", resp.Header)
	}
}

func TestDocs(t *testing.T) {
	env := newTestEnv(t, nil)
	if data := env.expect(t, http.MethodGet, "/api/docs/openapi.yaml", "", http.StatusOK); !bytes.Contains(data, []byte("openapi:")) {
		t.Fatalf("openapi = %.80s", data)
	}
	if data := env.expect(t, http.MethodGet, "/api/docs", "", http.StatusOK); !bytes.Contains(data, []byte("swagger-ui")) {
		t.Fatalf("ui = %.80s", data)
	}
}

func TestEventsDisabledWithoutHub(t *testing.T) {
	env := newTestEnv(t, nil)
	env.expect(t, http.MethodGet, "/api/events", "", http.StatusServiceUnavailable)
}

func TestEventsStream(t *testing.T) {
	hub := events.NewHub()
	env := newTestEnv(t, hub)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ch := env.createChannel(t)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != events.ChannelCreated || ev.ChannelID != ch.ID {
		t.Fatalf("event = %+v", ev)
	}

	hub.Close()
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("after hub close: err = %v", err)
	}
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, _ := env.do(t, http.MethodGet, "/api/health", "")
	if resp.Header.Get(requestIDHeader) == "" {
		t.Fatal("no request id generated")
	}

	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/api/health", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(requestIDHeader, "trace-42")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get(requestIDHeader); got != "trace-42" {
		t.Fatalf("request id = %q", got)
	}
}
