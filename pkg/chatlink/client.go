// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package chatlink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/meshtastic-mattermost/pkg/link"
)

// apiTimeout bounds every REST call so a hung server cannot wedge the
// relay or shutdown.
const apiTimeout = 10 * time.Second

// Config holds the chat link settings.
type Config struct {
	ServerURL      string               `yaml:"server_url"`
	Token          string               `yaml:"token"`
	ChannelID      string               `yaml:"channel_id"`
	PostRetryDelay link.Duration        `yaml:"post_retry_delay"`
	Reconnect      link.ReconnectConfig `yaml:"reconnect"`
	// CommandPrefix comes from the top-level bridge config.
	CommandPrefix string `yaml:"-"`
}

// CommandHandler receives parsed bridge commands on the websocket
// goroutine. Implementations must not block.
type CommandHandler func(cmd Command)

// Client is the bridge's bot session against one Mattermost channel.
type Client struct {
	cfg     Config
	log     zerolog.Logger
	tracker *link.Tracker

	client *model.Client4

	onCommand CommandHandler

	mu        sync.Mutex // guards wsClient and botUserID
	wsClient  *model.WebSocketClient
	botUserID string

	onlineOnce  sync.Once
	offlineOnce sync.Once

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewClient builds a client for the configured server and channel. Handlers
// must be registered before Start.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	client := model.NewAPIv4Client(cfg.ServerURL)
	client.SetToken(cfg.Token)
	client.HTTPClient.Timeout = apiTimeout
	return &Client{
		cfg:      cfg,
		log:      logger.With().Str("component", "chatlink").Logger(),
		tracker:  link.NewTracker(),
		client:   client,
		stopChan: make(chan struct{}),
	}
}

// SetCommandHandler registers the receiver for parsed bridge commands.
func (c *Client) SetCommandHandler(fn CommandHandler) {
	c.onCommand = fn
}

// SetStateHandler registers an observer for link state transitions.
func (c *Client) SetStateHandler(fn func(old, new link.State)) {
	c.tracker.SetOnChange(fn)
}

// Health returns a snapshot of the link's health.
func (c *Client) Health() link.Health {
	return c.tracker.Snapshot()
}

// Start launches the connect/reconnect loop.
func (c *Client) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
}

// Stop closes the link and waits for the loop to exit. If a session was
// established it posts the offline notice first, best effort.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.mu.Lock()
	authenticated := c.botUserID != ""
	c.mu.Unlock()
	if authenticated {
		c.offlineOnce.Do(func() {
			if err := c.createPost(offlineNotice(time.Now())); err != nil {
				c.log.Warn().Err(err).Msg("Failed to post offline notice")
			}
		})
	}
	c.closeWS()
	c.wg.Wait()
	c.tracker.Disconnected()
}

// PostMarkdown posts a message to the bridge channel. A failed post is
// retried once after the configured delay and then dropped; mesh traffic
// must not back up behind a flaky chat server.
func (c *Client) PostMarkdown(text string) error {
	err := c.createPost(text)
	if err == nil {
		return nil
	}
	c.log.Warn().Err(err).Msg("Post failed, retrying once")
	select {
	case <-time.After(time.Duration(c.cfg.PostRetryDelay)):
	case <-c.stopChan:
		return fmt.Errorf("%w: %v", ErrSession, err)
	}
	if err := c.createPost(text); err != nil {
		return fmt.Errorf("%w: post dropped after retry: %v", ErrSession, err)
	}
	return nil
}

func (c *Client) createPost(text string) error {
	ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
	defer cancel()
	_, _, err := c.client.CreatePost(ctx, &model.Post{
		ChannelId: c.cfg.ChannelID,
		Message:   text,
	})
	return err
}

func (c *Client) run() {
	bo := c.cfg.Reconnect.NewBackOff()
	for {
		if c.stopped() {
			return
		}
		c.tracker.Connecting()
		ws, err := c.connect()
		if err == nil {
			c.tracker.Connected()
			c.announceOnline()
			connectedAt := time.Now()
			err = c.listen(ws)
			c.closeWS()
			if time.Since(connectedAt) >= time.Duration(c.cfg.Reconnect.StableReset) {
				bo.Reset()
			}
		}
		if c.stopped() {
			return
		}
		delay := bo.NextBackOff()
		c.tracker.Failed(time.Now().Add(delay))
		c.log.Warn().Err(err).Dur("retry_in", delay).Msg("Chat link down, reconnecting")
		select {
		case <-time.After(delay):
		case <-c.stopChan:
			return
		}
	}
}

// connect verifies the bot session, resolves the bridge channel, and opens
// the websocket. Auth failures are retried like any other failure; an
// expired token can be fixed server-side without restarting the bridge.
func (c *Client) connect() (*model.WebSocketClient, error) {
	ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
	defer cancel()

	me, _, err := c.client.GetMe(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("%w: verify session: %v", ErrSession, err)
	}
	c.mu.Lock()
	c.botUserID = me.Id
	c.mu.Unlock()

	channel, _, err := c.client.GetChannel(ctx, c.cfg.ChannelID, "")
	if err != nil {
		return nil, fmt.Errorf("%w: bridge channel %s: %v", ErrSession, c.cfg.ChannelID, err)
	}

	ws, err := model.NewWebSocketClient4(httpToWS(c.cfg.ServerURL), c.client.AuthToken)
	if err != nil {
		return nil, fmt.Errorf("%w: websocket: %v", ErrSession, err)
	}
	ws.Listen()
	c.mu.Lock()
	c.wsClient = ws
	c.mu.Unlock()

	c.log.Info().
		Str("username", me.Username).
		Str("channel", channel.Name).
		Msg("Connected to Mattermost")
	return ws, nil
}

// listen consumes websocket events until the connection drops or the client
// stops.
func (c *Client) listen(ws *model.WebSocketClient) error {
	for {
		select {
		case <-c.stopChan:
			return nil
		case event, ok := <-ws.EventChannel:
			if !ok {
				return fmt.Errorf("%w: websocket event channel closed", ErrSession)
			}
			if event == nil {
				continue
			}
			c.handleEvent(event)
		}
	}
}

// handleEvent dispatches a Mattermost WebSocket event to the appropriate
// handler.
func (c *Client) handleEvent(evt *model.WebSocketEvent) {
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		c.handlePosted(evt)
	default:
		c.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
	}
}

func (c *Client) handlePosted(evt *model.WebSocketEvent) {
	post, err := c.parsePostedEvent(evt)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to parse posted event")
		return
	}
	if post == nil {
		return
	}
	cmd, ok, err := ParseCommand(c.cfg.CommandPrefix, post.Message)
	if err != nil {
		c.log.Debug().Err(err).Str("post_id", post.Id).Msg("Rejected command")
		c.replyUsage(err)
		return
	}
	if !ok {
		return
	}
	c.log.Info().
		Str("command", cmd.Kind.String()).
		Str("post_id", post.Id).
		Msg("Chat command received")
	if c.onCommand != nil {
		c.onCommand(cmd)
	}
}

// parsePostedEvent extracts and validates a post from a WebSocket event,
// applying the echo prevention layers. Returns (nil, nil) to skip silently,
// (nil, err) to log an error, or (post, nil) to proceed.
func (c *Client) parsePostedEvent(evt *model.WebSocketEvent) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("posted event missing post data")
	}

	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}

	// Only the bridge channel is watched.
	if post.ChannelId != c.cfg.ChannelID {
		return nil, nil
	}

	// Echo prevention: skip the bridge's own posts.
	c.mu.Lock()
	self := c.botUserID
	c.mu.Unlock()
	if post.UserId == self {
		return nil, nil
	}

	// Echo prevention: skip non-default post types (system messages).
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil, nil
	}

	return &post, nil
}

// replyUsage answers a malformed command with the parse error and the
// command reference, best effort.
func (c *Client) replyUsage(parseErr error) {
	text := fmt.Sprintf("❌ %v\n\n%s", parseErr, HelpText(c.cfg.CommandPrefix))
	if err := c.PostMarkdown(text); err != nil {
		c.log.Warn().Err(err).Msg("Failed to post usage reply")
	}
}

// announceOnline posts the online notice on the first successful
// connection. Websocket reconnects do not repeat it.
func (c *Client) announceOnline() {
	c.onlineOnce.Do(func() {
		if err := c.PostMarkdown(onlineNotice(c.cfg.CommandPrefix, time.Now())); err != nil {
			c.log.Warn().Err(err).Msg("Failed to post online notice")
		}
	})
}

func (c *Client) stopped() bool {
	select {
	case <-c.stopChan:
		return true
	default:
		return false
	}
}

func (c *Client) closeWS() {
	c.mu.Lock()
	ws := c.wsClient
	c.wsClient = nil
	c.mu.Unlock()
	if ws != nil {
		ws.Close()
	}
}

func onlineNotice(prefix string, now time.Time) string {
	return fmt.Sprintf("🟢 **Meshtastic Bridge Online**\n"+
		"Connected and monitoring mesh network.\n"+
		"Type `%s help` for available commands.\n"+
		"Started at: %s UTC", prefix, now.UTC().Format("2006-01-02 15:04:05"))
}

func offlineNotice(now time.Time) string {
	return fmt.Sprintf("🔴 **Meshtastic Bridge Offline**\n"+
		"Stopped at: %s UTC", now.UTC().Format("2006-01-02 15:04:05"))
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}
