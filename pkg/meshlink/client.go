// Copyright 2024-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package meshlink

import (
	"fmt"
	"io"
	"sync"
	"time"

	pb "github.com/meshnet-gophers/meshtastic-go/meshtastic"
	"github.com/rs/zerolog"
	"go.bug.st/serial"
	"google.golang.org/protobuf/proto"

	"github.com/aiku/meshtastic-mattermost/pkg/link"
)

const (
	readBufSize      = 4096
	readPollInterval = 250 * time.Millisecond
	wakeSettleDelay  = 100 * time.Millisecond
	// disconnectWriteTimeout bounds the courtesy disconnect frame during
	// shutdown so a wedged device cannot hang Stop.
	disconnectWriteTimeout = time.Second
)

// Config holds the mesh link settings.
type Config struct {
	Device           string               `yaml:"device"`
	BaudRate         int                  `yaml:"baud_rate"`
	HandshakeTimeout link.Duration        `yaml:"handshake_timeout"`
	WriteTimeout     link.Duration        `yaml:"write_timeout"`
	Reconnect        link.ReconnectConfig `yaml:"reconnect"`
}

// devicePort is the subset of the serial port the client uses. serial.Port
// satisfies it; tests substitute an in-memory pipe.
type devicePort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// PortOpener opens the device path.
type PortOpener func(device string, baud int) (devicePort, error)

func openSerial(device string, baud int) (devicePort, error) {
	return serial.Open(device, &serial.Mode{BaudRate: baud})
}

// EventHandler receives decoded inbound events on the read goroutine.
// Implementations must not block.
type EventHandler func(Event)

// StateHandler observes link state transitions.
type StateHandler func(old, new link.State)

// Client owns the serial connection to the radio: exactly one open
// connection at a time, its own reconnect loop, and the translation between
// wire frames and events.
type Client struct {
	cfg      Config
	log      zerolog.Logger
	openPort PortOpener
	tracker  *link.Tracker

	onEvent EventHandler

	mu      sync.Mutex // guards port and localID
	port    devicePort
	localID uint32

	writeMu sync.Mutex // serializes frame writes

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewClient builds a client for the configured device. Handlers must be
// registered before Start.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	return &Client{
		cfg:      cfg,
		log:      logger.With().Str("component", "meshlink").Logger(),
		openPort: openSerial,
		tracker:  link.NewTracker(),
		stopChan: make(chan struct{}),
	}
}

// SetEventHandler registers the receiver for inbound events.
func (c *Client) SetEventHandler(fn EventHandler) {
	c.onEvent = fn
}

// SetStateHandler registers an observer for link state transitions.
func (c *Client) SetStateHandler(fn StateHandler) {
	c.tracker.SetOnChange(fn)
}

// Health returns a snapshot of the link's health.
func (c *Client) Health() link.Health {
	return c.tracker.Snapshot()
}

// LocalNodeID returns the device's own node number, zero before the first
// completed handshake.
func (c *Client) LocalNodeID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localID
}

// Start launches the connect/reconnect loop.
func (c *Client) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
}

// Stop signals the loop to exit, closes the device, and waits for the loop
// to finish. Safe to call more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.closePort(true)
	c.wg.Wait()
	c.tracker.Disconnected()
}

// Send writes a text payload to the mesh. It fails fast while the link is
// down and blocks the caller at most for the configured write timeout.
func (c *Client) Send(text string, dest uint32) error {
	if len(text) > MaxTextBytes {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrPayloadTooLarge, len(text), MaxTextBytes)
	}
	c.mu.Lock()
	port := c.port
	c.mu.Unlock()
	if port == nil || c.tracker.Snapshot().State != link.StateConnected {
		return ErrNotConnected
	}
	raw, err := proto.Marshal(newTextMessage(text, dest))
	if err != nil {
		return fmt.Errorf("marshal text packet: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(port, encodeFrame(raw), time.Duration(c.cfg.WriteTimeout))
}

func (c *Client) run() {
	bo := c.cfg.Reconnect.NewBackOff()
	for {
		if c.stopped() {
			return
		}
		c.tracker.Connecting()
		err := c.connect()
		if err == nil {
			c.tracker.Connected()
			connectedAt := time.Now()
			err = c.readLoop()
			c.closePort(false)
			if time.Since(connectedAt) >= time.Duration(c.cfg.Reconnect.StableReset) {
				bo.Reset()
			}
		}
		if c.stopped() {
			return
		}
		delay := bo.NextBackOff()
		c.tracker.Failed(time.Now().Add(delay))
		c.log.Warn().Err(err).Dur("retry_in", delay).Msg("Mesh link down, reconnecting")
		select {
		case <-time.After(delay):
		case <-c.stopChan:
			return
		}
	}
}

// connect opens the device and completes the want-config handshake. On
// success the node events collected from the configuration dump are emitted
// so the registry is seeded before live traffic.
func (c *Client) connect() error {
	port, err := c.openPort(c.cfg.Device, c.cfg.BaudRate)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrDeviceUnavailable, c.cfg.Device, err)
	}
	if err := port.SetReadTimeout(readPollInterval); err != nil {
		_ = port.Close()
		return fmt.Errorf("%w: set read timeout: %v", ErrDeviceUnavailable, err)
	}
	if _, err := port.Write(wakeSequence); err != nil {
		_ = port.Close()
		return fmt.Errorf("%w: wake device: %v", ErrDeviceUnavailable, err)
	}
	time.Sleep(wakeSettleDelay)

	nonce := nonzeroID()
	raw, err := proto.Marshal(newWantConfig(nonce))
	if err != nil {
		_ = port.Close()
		return fmt.Errorf("marshal want config: %w", err)
	}
	if err := writeFrame(port, encodeFrame(raw), time.Duration(c.cfg.WriteTimeout)); err != nil {
		_ = port.Close()
		return err
	}

	events, localID, err := c.awaitConfig(port, nonce)
	if err != nil {
		_ = port.Close()
		return err
	}

	c.mu.Lock()
	c.port = port
	c.localID = localID
	c.mu.Unlock()

	c.log.Info().
		Str("device", c.cfg.Device).
		Uint32("node_id", localID).
		Int("known_nodes", len(events)).
		Msg("Mesh device connected")

	for _, evt := range events {
		c.emit(evt)
	}
	return nil
}

// awaitConfig drains the configuration dump until the device echoes the
// nonce, collecting the local node number and the known-node list.
func (c *Client) awaitConfig(port devicePort, nonce uint32) ([]Event, uint32, error) {
	deadline := time.Now().Add(time.Duration(c.cfg.HandshakeTimeout))
	acc := &frameAccumulator{}
	buf := make([]byte, readBufSize)
	var events []Event
	var localID uint32

	for {
		if c.stopped() {
			return nil, 0, fmt.Errorf("shutting down")
		}
		if time.Now().After(deadline) {
			return nil, 0, fmt.Errorf("%w: config dump not completed within %s", ErrProtocol, c.cfg.HandshakeTimeout)
		}
		n, err := port.Read(buf)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: handshake read: %v", ErrProtocol, err)
		}
		if n == 0 {
			continue // read timeout tick
		}
		for _, payload := range acc.Push(buf[:n]) {
			var msg pb.FromRadio
			if err := proto.Unmarshal(payload, &msg); err != nil {
				c.log.Debug().Err(err).Msg("Undecodable frame during config dump")
				continue
			}
			switch v := msg.GetPayloadVariant().(type) {
			case *pb.FromRadio_MyInfo:
				localID = v.MyInfo.GetMyNodeNum()
			case *pb.FromRadio_ConfigCompleteId:
				if v.ConfigCompleteId == nonce {
					return events, localID, nil
				}
			default:
				if evt, ok := decodeFromRadio(&msg, time.Now()); ok {
					events = append(events, evt)
				}
			}
		}
	}
}

// readLoop blocks on the open port until a read error or shutdown. The
// short read timeout doubles as the poll interval for the stop signal.
func (c *Client) readLoop() error {
	c.mu.Lock()
	port := c.port
	c.mu.Unlock()
	if port == nil {
		return ErrNotConnected
	}

	acc := &frameAccumulator{}
	buf := make([]byte, readBufSize)
	for {
		if c.stopped() {
			return nil
		}
		n, err := port.Read(buf)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if n == 0 {
			continue
		}
		for _, payload := range acc.Push(buf[:n]) {
			c.handleFrame(payload)
		}
		if skipped := acc.TakeSkipped(); skipped > 0 {
			c.log.Debug().Int("bytes", skipped).Msg("Skipped serial noise between frames")
		}
	}
}

func (c *Client) handleFrame(payload []byte) {
	var msg pb.FromRadio
	if err := proto.Unmarshal(payload, &msg); err != nil {
		c.log.Warn().Err(err).Int("len", len(payload)).Msg("Dropping undecodable frame")
		return
	}
	evt, ok := decodeFromRadio(&msg, time.Now())
	if !ok {
		return
	}
	c.log.Debug().
		Str("kind", evt.Kind.String()).
		Uint32("node_id", evt.NodeID).
		Msg("Mesh event")
	c.emit(evt)
}

func (c *Client) emit(evt Event) {
	if c.onEvent != nil {
		c.onEvent(evt)
	}
}

func (c *Client) stopped() bool {
	select {
	case <-c.stopChan:
		return true
	default:
		return false
	}
}

// closePort takes the port out of service. With notify set it first sends a
// best-effort disconnect frame so the device stops streaming.
func (c *Client) closePort(notify bool) {
	c.mu.Lock()
	port := c.port
	c.port = nil
	c.mu.Unlock()
	if port == nil {
		return
	}
	if notify {
		if raw, err := proto.Marshal(newDisconnect()); err == nil {
			_ = writeFrame(port, encodeFrame(raw), disconnectWriteTimeout)
		}
	}
	_ = port.Close()
}

// writeFrame writes one frame within the deadline. On timeout the port is
// closed, which unwedges the stray writer goroutine and hands recovery to
// the reconnect loop.
func writeFrame(port devicePort, frame []byte, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		_, err := port.Write(frame)
		done <- err
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("write: %w", err)
		}
		return nil
	case <-timer.C:
		_ = port.Close()
		return fmt.Errorf("%w after %s", ErrWriteTimeout, timeout)
	}
}
