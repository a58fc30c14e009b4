// Package realtime implements the client side of the settlement status
// channel: a persistent websocket with heartbeat detection, bounded
// reconnection, and subscription replay.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crosslane-network/settlement_layer/pkg/logger"
)

// ConnState is the connection lifecycle state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StatusUpdate is an inbound settlement status change.
type StatusUpdate struct {
	CommandID       string    `json:"command_id"`
	Status          string    `json:"status"`
	Timestamp       time.Time `json:"timestamp"`
	TransactionHash string    `json:"transaction_hash,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// EventType classifies client events.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventReconnecting EventType = "reconnecting"
	EventClosed       EventType = "closed"
	EventError        EventType = "error"
	EventStatusUpdate EventType = "status_update"
)

// Event is delivered on the client's generic event channel. The channel
// never fails silently: every error and every transition toward reconnecting
// or closed emits an event first.
type Event struct {
	Type   EventType
	Err    error
	Update *StatusUpdate
}

// ClientConfig tunes the realtime client.
type ClientConfig struct {
	URL string
	// HeartbeatInterval is the ping cadence; a missing pong within one
	// interval forces a proactive close.
	HeartbeatInterval time.Duration
	// ReconnectInterval is the fixed delay between reconnect attempts.
	ReconnectInterval time.Duration
	// MaxReconnectAttempts bounds reconnection before a terminal error.
	MaxReconnectAttempts int
	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration
}

type outboundFrame struct {
	Type       string   `json:"type"`
	CommandIDs []string `json:"command_ids,omitempty"`
	AccountID  string   `json:"account_id,omitempty"`
}

type inboundFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Client is a single-connection realtime status subscriber. It keeps the
// subscription set locally and replays it verbatim after every reconnect;
// subscriptions are never assumed to survive the transport.
type Client struct {
	cfg ClientConfig
	log *logger.Logger

	// writeMu serializes every write on the active connection; the
	// transport permits only one concurrent writer.
	writeMu sync.Mutex

	mu         sync.Mutex
	state      ConnState
	conn       *websocket.Conn
	connDone   chan struct{} // closed when the current connection's timers must stop
	commandIDs map[string]struct{}
	accountID  string
	pongSeen   bool

	events chan Event

	updatesMu sync.Mutex
	updates   map[string]chan StatusUpdate
}

// NewClient builds a disconnected client.
func NewClient(cfg ClientConfig, log *logger.Logger) *Client {
	if log == nil {
		log = logger.NewDefault("realtime")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		log:        log,
		state:      StateDisconnected,
		commandIDs: make(map[string]struct{}),
		events:     make(chan Event, 64),
		updates:    make(map[string]chan StatusUpdate),
	}
}

// Events returns the generic event channel.
func (c *Client) Events() <-chan Event { return c.events }

// Updates returns a per-command channel that receives only that command's
// status updates.
func (c *Client) Updates(commandID string) <-chan StatusUpdate {
	c.updatesMu.Lock()
	defer c.updatesMu.Unlock()

	if ch, ok := c.updates[commandID]; ok {
		return ch
	}
	ch := make(chan StatusUpdate, 16)
	c.updates[commandID] = ch
	return ch
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the server and starts the read and heartbeat loops.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateClosed {
		c.mu.Unlock()
		return errors.New("client is closed")
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return err
	}
	return nil
}

// Close disconnects permanently. No reconnection follows an explicit close.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	conn := c.conn
	c.conn = nil
	c.stopTimersLocked()
	c.mu.Unlock()

	c.emit(Event{Type: EventClosed})
	if conn != nil {
		c.writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		return conn.Close()
	}
	return nil
}

// Subscribe adds command ids to the subscription set, sending the frame
// immediately when connected.
func (c *Client) Subscribe(commandIDs ...string) error {
	c.mu.Lock()
	for _, id := range commandIDs {
		c.commandIDs[id] = struct{}{}
	}
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.send(outboundFrame{Type: "subscribe", CommandIDs: commandIDs})
}

// SubscribeAccount subscribes to all updates for an account.
func (c *Client) SubscribeAccount(accountID string) error {
	c.mu.Lock()
	c.accountID = accountID
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.send(outboundFrame{Type: "subscribe", AccountID: accountID})
}

// Unsubscribe removes command ids. In-flight settlement processing is
// unaffected; this only stops the stream.
func (c *Client) Unsubscribe(commandIDs ...string) error {
	c.mu.Lock()
	for _, id := range commandIDs {
		delete(c.commandIDs, id)
	}
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.send(outboundFrame{Type: "unsubscribe", CommandIDs: commandIDs})
}

// --- connection internals ---------------------------------------------------

func (c *Client) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.mu.Lock()
	// Every transition tears down the previous connection's timers and
	// creates fresh ones, so reconnects never leak duplicate tickers.
	c.stopTimersLocked()
	c.conn = conn
	c.connDone = make(chan struct{})
	c.state = StateConnected
	c.pongSeen = true
	done := c.connDone
	c.mu.Unlock()

	go c.readLoop(conn, done)
	go c.heartbeatLoop(conn, done)

	c.emit(Event{Type: EventConnected})
	c.replaySubscriptions()
	return nil
}

// replaySubscriptions resends the full current subscription set.
func (c *Client) replaySubscriptions() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.commandIDs))
	for id := range c.commandIDs {
		ids = append(ids, id)
	}
	accountID := c.accountID
	c.mu.Unlock()

	if len(ids) > 0 {
		if err := c.send(outboundFrame{Type: "subscribe", CommandIDs: ids}); err != nil {
			c.emit(Event{Type: EventError, Err: fmt.Errorf("replay subscriptions: %w", err)})
		}
	}
	if accountID != "" {
		if err := c.send(outboundFrame{Type: "subscribe", AccountID: accountID}); err != nil {
			c.emit(Event{Type: EventError, Err: fmt.Errorf("replay account subscription: %w", err)})
		}
	}
}

func (c *Client) send(frame outboundFrame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return errors.New("not connected")
	}
	return c.writeFrame(conn, frame)
}

func (c *Client) writeFrame(conn *websocket.Conn, frame outboundFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.emit(Event{Type: EventError, Err: fmt.Errorf("malformed frame: %w", err)})
			continue
		}

		switch frame.Type {
		case "pong":
			c.mu.Lock()
			c.pongSeen = true
			c.mu.Unlock()
		case "status_update":
			var update StatusUpdate
			if err := json.Unmarshal(frame.Payload, &update); err != nil {
				c.emit(Event{Type: EventError, Err: fmt.Errorf("malformed status_update: %w", err)})
				continue
			}
			c.dispatch(update)
		}
	}
}

func (c *Client) heartbeatLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			alive := c.pongSeen
			c.pongSeen = false
			c.mu.Unlock()

			if !alive {
				// The server went quiet. Close proactively to reach the
				// reconnect path instead of waiting on a transport timeout.
				c.emit(Event{Type: EventError, Err: errors.New("heartbeat timeout: no pong received")})
				conn.Close()
				return
			}
			if err := c.writeFrame(conn, outboundFrame{Type: "ping"}); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn || c.state == StateClosed {
		// A newer connection exists or the client was closed deliberately.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.stopTimersLocked()
	c.state = StateReconnecting
	c.mu.Unlock()

	conn.Close()
	c.emit(Event{Type: EventError, Err: fmt.Errorf("connection lost: %w", cause)})
	c.emit(Event{Type: EventReconnecting})

	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		time.Sleep(c.cfg.ReconnectInterval)

		c.mu.Lock()
		if c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
		err := c.dial(ctx)
		cancel()
		if err == nil {
			return
		}
		c.log.WithError(err).Warnf("reconnect attempt %d/%d failed", attempt, c.cfg.MaxReconnectAttempts)
	}

	c.mu.Lock()
	c.state = StateClosed
	c.stopTimersLocked()
	c.mu.Unlock()

	c.emit(Event{Type: EventError, Err: errors.New("reconnect attempts exhausted")})
	c.emit(Event{Type: EventClosed})
}

func (c *Client) dispatch(update StatusUpdate) {
	c.emit(Event{Type: EventStatusUpdate, Update: &update})

	c.updatesMu.Lock()
	ch, ok := c.updates[update.CommandID]
	c.updatesMu.Unlock()
	if ok {
		select {
		case ch <- update:
		default:
		}
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

// stopTimersLocked cancels the loops bound to the current connection.
// Callers hold c.mu.
func (c *Client) stopTimersLocked() {
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
}
