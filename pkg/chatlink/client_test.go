// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package chatlink

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/meshtastic-mattermost/pkg/link"
)

func startClient(t *testing.T, c *Client) {
	t.Helper()
	c.Start()
	t.Cleanup(c.Stop)
	waitChatState(t, c, link.StateConnected)
}

func nextCommand(t *testing.T, commands <-chan Command) Command {
	t.Helper()
	select {
	case cmd := <-commands:
		return cmd
	case <-time.After(3 * time.Second):
		t.Fatal("command never dispatched")
		return Command{}
	}
}

func TestChatConnectPostsOnlineNotice(t *testing.T) {
	t.Parallel()
	f, c := newTestSetup(t)
	startClient(t, c)
	waitForCondition(t, "online notice", func() bool { return len(f.CreatedPosts()) >= 1 })
	first := f.CreatedPosts()[0]
	if first.ChannelId != "bridge-channel" {
		t.Errorf("channel = %q, want bridge-channel", first.ChannelId)
	}
	if !strings.Contains(first.Message, "Meshtastic Bridge Online") {
		t.Errorf("online notice = %q", first.Message)
	}
	if !strings.Contains(first.Message, "`!mesh help`") {
		t.Errorf("online notice does not mention the help command: %q", first.Message)
	}
}

func TestChatCommandDispatch(t *testing.T) {
	t.Parallel()
	f, c := newTestSetup(t)
	commands := make(chan Command, 8)
	c.SetCommandHandler(func(cmd Command) { commands <- cmd })
	startClient(t, c)

	f.InjectPosted(t, humanPost("!mesh send Hello"))
	if cmd := nextCommand(t, commands); cmd.Kind != CommandSend || cmd.Text != "Hello" {
		t.Errorf("cmd = %+v, want send %q", cmd, "Hello")
	}

	f.InjectPosted(t, humanPost("!mesh nodes"))
	if cmd := nextCommand(t, commands); cmd.Kind != CommandNodes {
		t.Errorf("cmd = %+v, want nodes", cmd)
	}
}

func TestChatEchoPrevention(t *testing.T) {
	t.Parallel()
	f, c := newTestSetup(t)
	commands := make(chan Command, 8)
	c.SetCommandHandler(func(cmd Command) { commands <- cmd })
	startClient(t, c)

	own := humanPost("!mesh help")
	own.UserId = "bot-user"
	system := humanPost("!mesh help")
	system.Type = model.PostTypeJoinChannel
	elsewhere := humanPost("!mesh help")
	elsewhere.ChannelId = "other-channel"
	chatter := humanPost("nice weather on the ridge")

	for _, p := range []*model.Post{own, system, elsewhere, chatter} {
		f.InjectPosted(t, p)
	}
	f.InjectPosted(t, humanPost("!mesh info"))

	if cmd := nextCommand(t, commands); cmd.Kind != CommandInfo {
		t.Errorf("cmd = %+v, want the info sentinel", cmd)
	}
	select {
	case cmd := <-commands:
		t.Errorf("filtered post dispatched a command: %+v", cmd)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestChatMalformedCommandGetsUsageReply(t *testing.T) {
	t.Parallel()
	f, c := newTestSetup(t)
	commands := make(chan Command, 8)
	c.SetCommandHandler(func(cmd Command) { commands <- cmd })
	startClient(t, c)
	waitForCondition(t, "online notice", func() bool { return len(f.CreatedPosts()) >= 1 })

	f.InjectPosted(t, humanPost("!mesh frobnicate"))
	waitForCondition(t, "usage reply", func() bool { return len(f.CreatedPosts()) >= 2 })
	reply := f.CreatedPosts()[1]
	if !strings.Contains(reply.Message, "unknown subcommand") {
		t.Errorf("reply = %q, want the parse error", reply.Message)
	}
	if !strings.Contains(reply.Message, "`!mesh help`") {
		t.Errorf("reply does not include the command reference: %q", reply.Message)
	}

	f.InjectPosted(t, humanPost("!mesh send"))
	waitForCondition(t, "second usage reply", func() bool { return len(f.CreatedPosts()) >= 3 })
	if reply := f.CreatedPosts()[2]; !strings.Contains(reply.Message, "send needs a message") {
		t.Errorf("reply = %q, want the send usage error", reply.Message)
	}

	select {
	case cmd := <-commands:
		t.Errorf("malformed command was dispatched: %+v", cmd)
	default:
	}
}

func TestChatPostRetrySucceeds(t *testing.T) {
	t.Parallel()
	f, c := newTestSetup(t)
	startClient(t, c)
	waitForCondition(t, "online notice", func() bool { return len(f.CreatedPosts()) >= 1 })

	f.FailNextCalls("/posts", 1)
	if err := c.PostMarkdown("hello mesh"); err != nil {
		t.Fatalf("post: %v", err)
	}
	posts := f.CreatedPosts()
	if last := posts[len(posts)-1]; last.Message != "hello mesh" {
		t.Errorf("last post = %q, want %q", last.Message, "hello mesh")
	}
	// Online notice, failed attempt, successful retry.
	if got := f.CallCount("/api/v4/posts"); got != 3 {
		t.Errorf("post attempts = %d, want 3", got)
	}
}

func TestChatPostDroppedAfterRetry(t *testing.T) {
	t.Parallel()
	f, c := newTestSetup(t)
	startClient(t, c)
	waitForCondition(t, "online notice", func() bool { return len(f.CreatedPosts()) >= 1 })

	f.FailNextCalls("/posts", 2)
	err := c.PostMarkdown("doomed")
	if !errors.Is(err, ErrSession) {
		t.Fatalf("err = %v, want ErrSession", err)
	}
	for _, p := range f.CreatedPosts() {
		if p.Message == "doomed" {
			t.Error("dropped post reached the server anyway")
		}
	}
}

func TestChatOfflineNoticeOnStop(t *testing.T) {
	t.Parallel()
	f, c := newTestSetup(t)
	startClient(t, c)
	waitForCondition(t, "online notice", func() bool { return len(f.CreatedPosts()) >= 1 })

	c.Stop()
	posts := f.CreatedPosts()
	if last := posts[len(posts)-1]; !strings.Contains(last.Message, "Meshtastic Bridge Offline") {
		t.Errorf("last post = %q, want the offline notice", last.Message)
	}
	c.Stop() // idempotent, no duplicate notice
	if got := len(f.CreatedPosts()); got != len(posts) {
		t.Errorf("second stop added %d posts", got-len(posts))
	}
	if got := c.Health().State; got != link.StateDisconnected {
		t.Errorf("state after stop = %s, want %s", got, link.StateDisconnected)
	}
}

func TestChatNoOfflineNoticeWithoutSession(t *testing.T) {
	t.Parallel()
	f := newFakeMM()
	t.Cleanup(f.Close)
	// No users configured, so GetMe answers 401.
	c := NewClient(testChatConfig(f.Server.URL), zerolog.Nop())
	c.Start()
	waitChatState(t, c, link.StateBackoff)
	if failures := c.Health().ConsecutiveFailures; failures < 1 {
		t.Errorf("consecutive failures = %d, want at least 1", failures)
	}
	c.Stop()
	if got := len(f.CreatedPosts()); got != 0 {
		t.Errorf("%d posts created without a session", got)
	}
}

func TestChatReconnectAfterWSDrop(t *testing.T) {
	t.Parallel()
	f, c := newTestSetup(t)
	commands := make(chan Command, 8)
	c.SetCommandHandler(func(cmd Command) { commands <- cmd })
	startClient(t, c)
	waitForCondition(t, "online notice", func() bool { return len(f.CreatedPosts()) >= 1 })

	f.CloseSessions()
	waitForCondition(t, "reconnect", func() bool { return f.sessionCount() >= 1 })
	waitChatState(t, c, link.StateConnected)

	f.InjectPosted(t, humanPost("!mesh nodes"))
	if cmd := nextCommand(t, commands); cmd.Kind != CommandNodes {
		t.Errorf("cmd = %+v, want nodes", cmd)
	}

	// The online notice is for process startup, not websocket churn.
	count := 0
	for _, p := range f.CreatedPosts() {
		if strings.Contains(p.Message, "Meshtastic Bridge Online") {
			count++
		}
	}
	if count != 1 {
		t.Errorf("online notice posted %d times, want 1", count)
	}
}

func TestHTTPToWS(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"https://chat.example.com", "wss://chat.example.com"},
		{"http://localhost:8065", "ws://localhost:8065"},
		{"wss://already.example.com", "wss://already.example.com"},
	}
	for _, tt := range tests {
		if got := httpToWS(tt.in); got != tt.want {
			t.Errorf("httpToWS(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
