package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/leibniz-psychology/bawwab/internal/broker"
	"github.com/leibniz-psychology/bawwab/internal/config"
	"github.com/leibniz-psychology/bawwab/internal/logstore"
	"github.com/leibniz-psychology/bawwab/internal/protocol"
	"github.com/leibniz-psychology/bawwab/internal/remote"
	"github.com/leibniz-psychology/bawwab/internal/remote/remotetest"
	"github.com/leibniz-psychology/bawwab/internal/store"
)

type testEnv struct {
	ts     *httptest.Server
	store  *store.Store
	dialer *remotetest.Dialer
	files  *remotetest.Files
	conns  *remote.Manager
	broker *broker.Broker
	logs   *logstore.LogStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	hexKey, _ := store.GenerateKey()
	key, _ := store.ParseKey(hexKey)
	st := store.New(zerolog.Nop(), db, key)
	for _, name := range []string{"alice", "bob"} {
		if err := st.CreateUser(ctx, store.NewUser{Name: name, Password: "pw-" + name, SSHPassword: "ssh-" + name}); err != nil {
			t.Fatalf("create user: %v", err)
		}
	}

	files := remotetest.NewFiles()
	dialer := &remotetest.Dialer{
		Files:     files,
		Passwords: map[string]string{"alice": "ssh-alice", "bob": "ssh-bob"},
	}
	conns := remote.NewManager(zerolog.Nop(), dialer, st, remote.Options{
		BannerTimeout: 5 * time.Millisecond,
		FileBackoff:   time.Millisecond,
	})
	logs, err := logstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("log store: %v", err)
	}
	b := broker.New(zerolog.Nop(), conns, logs, broker.Options{})

	cfg := config.Default()
	cfg.RateLimitRequests = 3
	srv := New(cfg, zerolog.Nop(), Deps{Store: st, Conns: conns, Broker: b, Logs: logs})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		b.Close()
		ts.Close()
		conns.Close()
		_ = logs.Close()
	})

	return &testEnv{ts: ts, store: st, dialer: dialer, files: files, conns: conns, broker: b, logs: logs}
}

// client is a logged-in browser.
type client struct {
	t    *testing.T
	env  *testEnv
	http *http.Client
	csrf string
}

func (e *testEnv) login(t *testing.T, user string) *client {
	t.Helper()
	jar, _ := cookiejar.New(nil)
	c := &client{t: t, env: e, http: &http.Client{Jar: jar}}

	resp := c.do(http.MethodPost, "/login", protocol.LoginRequest{User: user, Password: "pw-" + user})
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login %s: %d", user, resp.StatusCode)
	}
	var lr protocol.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	c.csrf = lr.CSRFToken
	return c
}

func (c *client) do(method, path string, body any) *http.Response {
	c.t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, _ := json.Marshal(b)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.env.ts.URL+path, rd)
	if err != nil {
		c.t.Fatal(err)
	}
	if c.csrf != "" {
		req.Header.Set("X-CSRF-Token", c.csrf)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// status performs a request and returns HTTP code and status string.
func (c *client) status(method, path string, body any) (int, string) {
	c.t.Helper()
	resp := c.do(method, path, body)
	defer func() { _ = resp.Body.Close() }()
	var r protocol.Response
	_ = json.NewDecoder(resp.Body).Decode(&r)
	return resp.StatusCode, r.Status
}

func (c *client) notify() *websocket.Conn {
	c.t.Helper()
	u := "ws" + strings.TrimPrefix(c.env.ts.URL, "http") + "/api/process/notify"
	header := http.Header{}
	for _, ck := range c.http.Jar.Cookies(mustURL(c.t, c.env.ts.URL)) {
		header.Add("Cookie", ck.String())
	}
	ws, _, err := websocket.DefaultDialer.Dial(u, header)
	if err != nil {
		c.t.Fatalf("dial notify: %v", err)
	}
	c.t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func readEvent(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var ev map[string]any
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("decode event %s: %v", raw, err)
	}
	return ev
}

func decodeJSON(resp *http.Response, v any) error {
	defer func() { _ = resp.Body.Close() }()
	return json.NewDecoder(resp.Body).Decode(v)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name       string
		req        protocol.LoginRequest
		wantCode   int
		wantStatus string
	}{
		{"wrong password", protocol.LoginRequest{User: "alice", Password: "nope"}, http.StatusUnauthorized, protocol.StatusUnauthenticated},
		{"unknown user", protocol.LoginRequest{User: "mallory", Password: "pw"}, http.StatusUnauthorized, protocol.StatusUnauthenticated},
		{"success", protocol.LoginRequest{User: "alice", Password: "pw-alice"}, http.StatusOK, protocol.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &client{t: t, env: env, http: http.DefaultClient}
			code, status := c.status(http.MethodPost, "/login", tt.req)
			if code != tt.wantCode || status != tt.wantStatus {
				t.Errorf("got %d %q, want %d %q", code, status, tt.wantCode, tt.wantStatus)
			}
		})
	}
}

func TestLogin_RateLimited(t *testing.T) {
	env := newTestEnv(t)
	c := &client{t: t, env: env, http: http.DefaultClient}
	bad := protocol.LoginRequest{User: "alice", Password: "nope"}

	for i := 0; i < 3; i++ {
		c.status(http.MethodPost, "/login", bad)
	}
	code, status := c.status(http.MethodPost, "/login", protocol.LoginRequest{User: "alice", Password: "pw-alice"})
	if code != http.StatusTooManyRequests || status != protocol.StatusRateLimited {
		t.Errorf("got %d %q", code, status)
	}
}

func TestRequireAuth(t *testing.T) {
	env := newTestEnv(t)
	anon := &client{t: t, env: env, http: http.DefaultClient}

	code, status := anon.status(http.MethodGet, "/api/status", nil)
	if code != http.StatusUnauthorized || status != protocol.StatusUnauthenticated {
		t.Errorf("got %d %q", code, status)
	}

	alice := env.login(t, "alice")
	alice.csrf = "forged"
	code, status = alice.status(http.MethodPost, "/api/process", protocol.StartRequest{Token: "t", Command: []string{"echo"}})
	if code != http.StatusForbidden || status != protocol.StatusForbidden {
		t.Errorf("missing CSRF: got %d %q", code, status)
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "alice")

	if code, _ := alice.status(http.MethodPost, "/logout", nil); code != http.StatusOK {
		t.Fatalf("logout: %d", code)
	}
	if code, _ := alice.status(http.MethodGet, "/api/status", nil); code != http.StatusUnauthorized {
		t.Errorf("session still valid after logout: %d", code)
	}
}

func TestProcess_EchoEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "alice")
	ws := alice.notify()
	waitFor(t, func() bool { return env.broker.Stats().Sockets == 1 })

	code, status := alice.status(http.MethodPost, "/api/process", map[string]any{
		"token":     "abc",
		"command":   []string{"echo", "hi"},
		"extraData": map[string]any{"workspace": "w1"},
	})
	if code != http.StatusOK || status != protocol.StatusOK {
		t.Fatalf("start: %d %q", code, status)
	}

	started := readEvent(t, ws)
	if started["notify"] != "started" || started["token"] != "abc" {
		t.Errorf("unexpected first event %v", started)
	}
	if extra, _ := started["extraData"].(map[string]any); extra["workspace"] != "w1" {
		t.Errorf("extra data not echoed: %v", started)
	}
	data := readEvent(t, ws)
	if data["notify"] != "data" || data["kind"] != "stdout" || data["data"] != "hi\n" {
		t.Errorf("unexpected data event %v", data)
	}
	exited := readEvent(t, ws)
	if exited["notify"] != "exited" || exited["status"] != float64(0) || exited["signal"] != nil {
		t.Errorf("unexpected exit event %v", exited)
	}

	j, err := env.broker.Get("alice", "abc")
	if err != nil {
		t.Fatalf("job not tracked: %v", err)
	}
	<-j.Done()
	env.broker.Reap()
	if _, err := env.broker.Get("alice", "abc"); err == nil {
		t.Error("job still tracked after reaping")
	}
}

func TestProcess_ReplayOnReconnect(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "alice")

	if code, _ := alice.status(http.MethodPost, "/api/process", protocol.StartRequest{Token: "long", Command: []string{"sleep", "100"}}); code != http.StatusOK {
		t.Fatalf("start: %d", code)
	}

	ws := alice.notify()
	ev := readEvent(t, ws)
	if ev["notify"] != "started" || ev["token"] != "long" {
		t.Errorf("replay missing started event: %v", ev)
	}

	if code, status := alice.status(http.MethodDelete, "/api/process/long", nil); code != http.StatusOK {
		t.Fatalf("stop: %d %q", code, status)
	}
	ev = readEvent(t, ws)
	if ev["notify"] != "exited" || ev["signal"] != "TERM" {
		t.Errorf("unexpected exit event %v", ev)
	}
}

func TestProcess_Errors(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "alice")
	if code, _ := alice.status(http.MethodPost, "/api/process", protocol.StartRequest{Token: "dup", Command: []string{"sleep", "1"}}); code != http.StatusOK {
		t.Fatalf("seed job: %d", code)
	}

	tests := []struct {
		name       string
		body       any
		wantCode   int
		wantStatus string
	}{
		{"both command and action", protocol.StartRequest{Token: "a", Command: []string{"ls"}, Action: "x"}, http.StatusBadRequest, protocol.StatusMakeUpYourMind},
		{"neither", protocol.StartRequest{Token: "a"}, http.StatusForbidden, protocol.StatusForbidden},
		{"missing token", protocol.StartRequest{Command: []string{"ls"}}, http.StatusBadRequest, protocol.StatusMissingToken},
		{"token in use", protocol.StartRequest{Token: "dup", Command: []string{"ls"}}, http.StatusBadRequest, protocol.StatusProcessExists},
		{"unknown action", protocol.StartRequest{Token: "a", Action: "nope"}, http.StatusNotFound, protocol.StatusTokenNotFound},
		{"malformed body", "{", http.StatusBadRequest, protocol.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, status := alice.status(http.MethodPost, "/api/process", tt.body)
			if code != tt.wantCode || status != tt.wantStatus {
				t.Errorf("got %d %q, want %d %q", code, status, tt.wantCode, tt.wantStatus)
			}
		})
	}

	code, status := alice.status(http.MethodDelete, "/api/process/unknown", nil)
	if code != http.StatusNotFound || status != protocol.StatusNotFound {
		t.Errorf("stop unknown: %d %q", code, status)
	}
}

func TestProcess_BackendRejections(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(*testEnv)
		req        protocol.StartRequest
		wantCode   int
		wantStatus string
	}{
		{
			name:       "credentials rejected",
			setup:      func(e *testEnv) { e.dialer.Passwords["alice"] = "changed" },
			req:        protocol.StartRequest{Token: "t", Command: []string{"ls"}},
			wantCode:   http.StatusForbidden,
			wantStatus: protocol.StatusLockedOut,
		},
		{
			name:       "agreement required",
			setup:      func(e *testEnv) { e.dialer.RequireAgreement = true },
			req:        protocol.StartRequest{Token: "t", Command: []string{"ls"}},
			wantCode:   http.StatusForbidden,
			wantStatus: protocol.StatusTermsOfService,
		},
		{
			name:       "agreement accepted",
			setup:      func(e *testEnv) { e.dialer.RequireAgreement = true },
			req:        protocol.StartRequest{Token: "t", Command: []string{"ls"}, AcceptAgreement: true},
			wantCode:   http.StatusOK,
			wantStatus: protocol.StatusOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			tt.setup(env)
			alice := env.login(t, "alice")
			code, status := alice.status(http.MethodPost, "/api/process", tt.req)
			if code != tt.wantCode || status != tt.wantStatus {
				t.Errorf("got %d %q, want %d %q", code, status, tt.wantCode, tt.wantStatus)
			}
			if tt.wantCode != http.StatusOK {
				if _, err := env.broker.Get("alice", "t"); err == nil {
					t.Error("rejected job is tracked")
				}
			}
		})
	}
}

func TestProcess_Action(t *testing.T) {
	env := newTestEnv(t)
	action, err := env.store.CreateAction(context.Background(), store.NewAction{
		User:      "alice",
		Command:   []string{"share", "--with", "{user}"},
		ExtraData: json.RawMessage(`{"kind":"share"}`),
		Uses:      1,
	})
	if err != nil {
		t.Fatalf("create action: %v", err)
	}

	bob := env.login(t, "bob")
	ws := bob.notify()
	waitFor(t, func() bool { return env.broker.Stats().Sockets == 1 })

	code, status := bob.status(http.MethodPost, "/api/process", protocol.StartRequest{Token: "s1", Action: action.Token})
	if code != http.StatusOK {
		t.Fatalf("start action: %d %q", code, status)
	}

	ev := readEvent(t, ws)
	cmd, _ := ev["command"].([]any)
	if len(cmd) != 3 || cmd[2] != "bob" {
		t.Errorf("placeholder not substituted: %v", ev["command"])
	}
	if extra, _ := ev["extraData"].(map[string]any); extra["kind"] != "share" {
		t.Errorf("action extra data missing: %v", ev)
	}
	if last := env.dialer.Last(); last == nil || last.User != "alice" {
		t.Errorf("action did not run on the owner's connection")
	}
	if _, err := env.broker.Get("bob", "s1"); err != nil {
		t.Errorf("job not tracked for the caller: %v", err)
	}

	code, status = bob.status(http.MethodPost, "/api/process", protocol.StartRequest{Token: "s2", Action: action.Token})
	if code != http.StatusGone || status != protocol.StatusExpired {
		t.Errorf("used up action: %d %q", code, status)
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "alice")
	alice.notify()
	waitFor(t, func() bool { return env.broker.Stats().Sockets == 1 })
	alice.status(http.MethodPost, "/api/process", protocol.StartRequest{Token: "x", Command: []string{"sleep", "1"}})

	resp := alice.do(http.MethodGet, "/api/status", nil)
	defer func() { _ = resp.Body.Close() }()
	var st protocol.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Users != 1 || st.Sockets != 1 || st.Processes != 1 || st.Connections != 1 || st.PinnedConnections != 1 {
		t.Errorf("unexpected status %+v", st)
	}
	if st.ReplayBufferMessages < 1 {
		t.Errorf("replay buffer not counted: %+v", st)
	}
}

func TestDisconnect(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "alice")
	alice.status(http.MethodGet, "/api/filesystem/", nil)
	if env.conns.Stats().Connections != 1 {
		t.Fatalf("expected one connection")
	}

	if code, _ := alice.status(http.MethodDelete, "/api/connection", nil); code != http.StatusOK {
		t.Fatalf("disconnect: %d", code)
	}
	if env.conns.Stats().Connections != 0 || !env.dialer.Last().Closed() {
		t.Error("connection still open")
	}
}

func TestLogs(t *testing.T) {
	env := newTestEnv(t)
	alice := env.login(t, "alice")
	alice.status(http.MethodPost, "/api/process", protocol.StartRequest{Token: "e", Command: []string{"echo", "logged"}})
	j, err := env.broker.Get("alice", "e")
	if err != nil {
		t.Fatal(err)
	}
	<-j.Done()
	waitFor(t, func() bool { return env.logs.Active() == 0 })

	resp := alice.do(http.MethodGet, "/api/logs", nil)
	var entries []protocol.LogEntry
	_ = json.NewDecoder(resp.Body).Decode(&entries)
	_ = resp.Body.Close()
	if len(entries) != 1 {
		t.Fatalf("expected one transcript, got %v", entries)
	}

	resp = alice.do(http.MethodGet, "/api/logs/"+entries[0].Name, nil)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), "logged") {
		t.Errorf("transcript misses output:\n%s", body)
	}

	bob := env.login(t, "bob")
	if code, _ := bob.status(http.MethodGet, "/api/logs/"+entries[0].Name, nil); code != http.StatusNotFound {
		t.Errorf("transcript visible to another user: %d", code)
	}
}
