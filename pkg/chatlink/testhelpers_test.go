// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package chatlink

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/meshtastic-mattermost/pkg/link"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// wsSession is one accepted websocket connection. Writes are serialized so
// injected events and challenge replies cannot interleave.
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// fakeMM is a test helper that wraps an httptest.Server simulating the
// Mattermost API plus its websocket endpoint. It records calls and provides
// canned responses.
type fakeMM struct {
	Server *httptest.Server

	mu       sync.Mutex
	calls    []endpointCall
	posts    []*model.Post
	failNext map[string]int
	sessions []*wsSession
	seq      int64

	// Users maps user ID to model.User for GetMe responses.
	Users map[string]*model.User
	// TokenToUser maps bearer tokens to user IDs for GetMe auth.
	TokenToUser map[string]string
	// Channels maps channel ID to model.Channel.
	Channels map[string]*model.Channel
	// FailEndpoints causes specific path prefixes to return 500.
	FailEndpoints map[string]bool
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func newFakeMM() *fakeMM {
	f := &fakeMM{
		failNext:      make(map[string]int),
		Users:         make(map[string]*model.User),
		TokenToUser:   make(map[string]string),
		Channels:      make(map[string]*model.Channel),
		FailEndpoints: make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeMM) Close() {
	f.CloseSessions()
	f.Server.Close()
}

func (f *fakeMM) record(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: method, Path: path, Body: body})
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeMM) CallCount(path string) int {
	n := 0
	for _, c := range f.Calls() {
		if strings.Contains(c.Path, path) {
			n++
		}
	}
	return n
}

// FailNextCalls makes the next n calls whose path contains the given
// fragment return 500, then lets traffic through again.
func (f *fakeMM) FailNextCalls(path string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[path] = n
}

// CreatedPosts returns the posts accepted so far, in order. Failed create
// calls are not included.
func (f *fakeMM) CreatedPosts() []*model.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]*model.Post, len(f.posts))
	copy(cp, f.posts)
	return cp
}

func (f *fakeMM) sessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

// CloseSessions drops every websocket connection, simulating a server-side
// disconnect.
func (f *fakeMM) CloseSessions() {
	f.mu.Lock()
	sessions := f.sessions
	f.sessions = nil
	f.mu.Unlock()
	for _, s := range sessions {
		_ = s.conn.Close()
	}
}

// InjectPosted delivers a posted event carrying the given post to every
// connected websocket client.
func (f *fakeMM) InjectPosted(t *testing.T, post *model.Post) {
	t.Helper()
	raw, err := json.Marshal(post)
	if err != nil {
		t.Fatalf("marshal post: %v", err)
	}
	f.mu.Lock()
	f.seq++
	msg := map[string]any{
		"event":     string(model.WebsocketEventPosted),
		"data":      map[string]any{"post": string(raw)},
		"broadcast": map[string]any{"channel_id": post.ChannelId},
		"seq":       f.seq,
	}
	sessions := append([]*wsSession(nil), f.sessions...)
	f.mu.Unlock()
	if len(sessions) == 0 {
		t.Fatal("no websocket sessions connected")
	}
	for _, s := range sessions {
		if err := s.writeJSON(msg); err != nil {
			t.Fatalf("inject event: %v", err)
		}
	}
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.record(r.Method, r.URL.Path, string(body))

	// Check if this endpoint should fail.
	for prefix := range f.FailEndpoints {
		if strings.Contains(r.URL.Path, prefix) {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "fake error"})
			return
		}
	}
	f.mu.Lock()
	for prefix, n := range f.failNext {
		if n > 0 && strings.Contains(r.URL.Path, prefix) {
			f.failNext[prefix] = n - 1
			f.mu.Unlock()
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "fake transient error"})
			return
		}
	}
	f.mu.Unlock()

	path := r.URL.Path

	switch {
	// GET /api/v4/websocket
	case r.Method == "GET" && path == "/api/v4/websocket":
		f.serveWebSocket(w, r)

	// GET /api/v4/users/me
	case r.Method == "GET" && path == "/api/v4/users/me":
		uid := f.resolveToken(r)
		if uid == "" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "unauthorized"})
			return
		}
		if u, ok := f.Users[uid]; ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// GET /api/v4/channels/{channel_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/channels/") && !strings.Contains(path[len("/api/v4/channels/"):], "/"):
		chID := path[len("/api/v4/channels/"):]
		if ch, ok := f.Channels[chID]; ok {
			_ = json.NewEncoder(w).Encode(ch)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// POST /api/v4/posts
	case r.Method == "POST" && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		post.Id = model.NewId()
		f.mu.Lock()
		f.posts = append(f.posts, &post)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(&post)

	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "not found: " + path})
	}
}

func (f *fakeMM) resolveToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	for tok, uid := range f.TokenToUser {
		if auth == "BEARER "+tok || auth == "Bearer "+tok {
			return uid
		}
	}
	return ""
}

// serveWebSocket upgrades the connection and keeps reading so client pings
// and the auth challenge are serviced.
func (f *fakeMM) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	session := &wsSession{conn: conn}
	f.mu.Lock()
	f.sessions = append(f.sessions, session)
	f.mu.Unlock()
	go func() {
		for {
			var req map[string]any
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if req["action"] == "authentication_challenge" {
				seq, _ := req["seq"].(float64)
				_ = session.writeJSON(map[string]any{"status": "OK", "seq_reply": seq})
			}
		}
	}()
}

func testChatConfig(serverURL string) Config {
	return Config{
		ServerURL:      serverURL,
		Token:          "bot-token",
		ChannelID:      "bridge-channel",
		PostRetryDelay: link.Duration(20 * time.Millisecond),
		Reconnect: link.ReconnectConfig{
			InitialDelay: link.Duration(10 * time.Millisecond),
			MaxDelay:     link.Duration(50 * time.Millisecond),
			StableReset:  link.Duration(time.Hour),
		},
		CommandPrefix: "!mesh",
	}
}

// newTestSetup wires a fake server with a bot user, the bridge channel, and
// a client pointed at it. The client is not started.
func newTestSetup(t *testing.T) (*fakeMM, *Client) {
	t.Helper()
	f := newFakeMM()
	t.Cleanup(f.Close)
	f.TokenToUser["bot-token"] = "bot-user"
	f.Users["bot-user"] = &model.User{Id: "bot-user", Username: "meshbot"}
	f.Channels["bridge-channel"] = &model.Channel{
		Id:   "bridge-channel",
		Name: "mesh-radio",
		Type: model.ChannelTypeOpen,
	}
	c := NewClient(testChatConfig(f.Server.URL), zerolog.Nop())
	return f, c
}

func humanPost(message string) *model.Post {
	return &model.Post{
		Id:        model.NewId(),
		ChannelId: "bridge-channel",
		UserId:    "human-user",
		Message:   message,
	}
}

func waitChatState(t *testing.T, c *Client, want link.State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.Health().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("link never reached %s (now %s)", want, c.Health().State)
}

func waitForCondition(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
