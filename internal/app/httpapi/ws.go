package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crosslane-network/settlement_layer/internal/app/metrics"
	"github.com/crosslane-network/settlement_layer/internal/realtime"
	"github.com/crosslane-network/settlement_layer/pkg/logger"
)

// wsFrame is the frame shape in both directions: subscribe, unsubscribe and
// ping inbound; pong and status_update outbound.
type wsFrame struct {
	Type       string                `json:"type"`
	CommandIDs []string              `json:"command_ids,omitempty"`
	AccountID  string                `json:"account_id,omitempty"`
	Payload    *realtime.StatusUpdate `json:"payload,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	mu         sync.Mutex
	sendClosed bool
	commandIDs map[string]struct{}
	accountID  string
}

// enqueue hands a frame to the write pump, dropping it when the client's
// buffer is full or its channel is already closed. Holding mu across the send
// keeps enqueue safe against a concurrent closeSend.
func (c *wsClient) enqueue(raw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- raw:
	default:
	}
}

// closeSend closes the send channel exactly once.
func (c *wsClient) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

// wants reports whether the client subscribed to this update. An account
// subscription receives the full stream for the deployment.
func (c *wsClient) wants(update realtime.StatusUpdate) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accountID != "" {
		return true
	}
	_, ok := c.commandIDs[update.CommandID]
	return ok
}

// Hub fans settlement status updates out to websocket subscribers. It
// implements the Publisher interface the settlement services push through.
type Hub struct {
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool
}

var _ realtime.Publisher = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewDefault("ws-hub")
	}
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// HandleWS upgrades the request and serves the subscription protocol until
// the peer disconnects.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade rejected")
		return
	}

	client := &wsClient{
		conn:       conn,
		send:       make(chan []byte, 32),
		commandIDs: make(map[string]struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	metrics.SetConnectedClients(len(h.clients))
	h.mu.Unlock()

	go h.writePump(client)
	h.readPump(client)
}

// Publish sends the update to every subscribed client. Slow consumers drop
// frames rather than backpressure settlement processing.
func (h *Hub) Publish(update realtime.StatusUpdate) {
	raw, err := json.Marshal(wsFrame{Type: "status_update", Payload: &update})
	if err != nil {
		h.log.WithError(err).Error("encode status update")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.wants(update) {
			client.enqueue(raw)
		}
	}
}

// Close disconnects every client and rejects new connections.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.closeSend()
	}
}

func (h *Hub) readPump(client *wsClient) {
	defer h.drop(client)

	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			h.log.WithError(err).Debug("malformed inbound frame")
			continue
		}

		switch frame.Type {
		case "ping":
			h.reply(client, wsFrame{Type: "pong"})
		case "subscribe":
			client.mu.Lock()
			for _, id := range frame.CommandIDs {
				client.commandIDs[id] = struct{}{}
			}
			if frame.AccountID != "" {
				client.accountID = frame.AccountID
			}
			client.mu.Unlock()
		case "unsubscribe":
			client.mu.Lock()
			for _, id := range frame.CommandIDs {
				delete(client.commandIDs, id)
			}
			if frame.AccountID != "" && frame.AccountID == client.accountID {
				client.accountID = ""
			}
			client.mu.Unlock()
		}
	}
}

func (h *Hub) writePump(client *wsClient) {
	defer client.conn.Close()

	for raw := range client.send {
		client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := client.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			return
		}
	}
	client.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *Hub) reply(client *wsClient, frame wsFrame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	client.enqueue(raw)
}

// drop unregisters the client and stops its write pump.
func (h *Hub) drop(client *wsClient) {
	h.mu.Lock()
	delete(h.clients, client)
	metrics.SetConnectedClients(len(h.clients))
	h.mu.Unlock()

	client.closeSend()
	client.conn.Close()
}
