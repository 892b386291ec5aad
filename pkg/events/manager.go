package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// catchupLimit caps the number of journaled events replayed to a late
// subscriber in one catchup; beyond it the client is told to reload.
const catchupLimit = 200

// ClientFrame is a control frame from a WebSocket client.
// Actions: subscribe, unsubscribe, catchup, ping.
type ClientFrame struct {
	Action      string   `json:"action"`
	Events      []string `json:"events,omitempty"`  // dotted patterns, * wildcards
	Stream      string   `json:"stream,omitempty"`  // catchup stream
	LastEventID string   `json:"last_event_id,omitempty"`
}

// ConnectionManager fans bus events out to WebSocket clients filtered by
// their subscribed dotted-name patterns. One instance per process; it is
// the Listener's sink.
type ConnectionManager struct {
	bus          *Bus
	writeTimeout time.Duration

	// rpc services method envelopes arriving on the same channel as the
	// control frames. A nil return means notification: no reply is sent.
	rpc func(ctx context.Context, clientID string, data []byte) []byte

	mu          sync.RWMutex
	connections map[string]*Connection
}

// Connection is one WebSocket client. patterns is written from the
// connection's read loop and read from Deliver, hence its own lock.
type Connection struct {
	ID   string
	conn *websocket.Conn
	ctx  context.Context

	patternMu sync.RWMutex
	patterns  []string
}

// NewConnectionManager creates the manager.
func NewConnectionManager(bus *Bus, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		bus:          bus,
		writeTimeout: writeTimeout,
		connections:  make(map[string]*Connection),
	}
}

// SetRPCHandler installs the method-envelope handler for frames that carry
// a "method" instead of an "action". Must be called before serving.
func (m *ConnectionManager) SetRPCHandler(fn func(ctx context.Context, clientID string, data []byte) []byte) {
	m.rpc = fn
}

// HandleConnection owns one WebSocket's lifecycle: register, read control
// frames until close, unregister. Blocks until the connection drops.
func (m *ConnectionManager) HandleConnection(ctx context.Context, conn *websocket.Conn) {
	c := &Connection{
		ID:   uuid.New().String(),
		conn: conn,
		ctx:  ctx,
	}

	m.mu.Lock()
	m.connections[c.ID] = c
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.connections, c.ID)
		m.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.ID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("Invalid WebSocket frame", "connection_id", c.ID, "error", err)
			continue
		}
		if frame.Action == "" && m.rpc != nil {
			if reply := m.rpc(ctx, c.ID, data); reply != nil {
				if err := m.sendRaw(c, reply); err != nil {
					slog.Warn("Failed to send RPC reply", "connection_id", c.ID, "error", err)
				}
			}
			continue
		}
		m.handleFrame(ctx, c, &frame)
	}
}

// Deliver is the Listener sink: fan the event out to every connection with
// a matching pattern.
func (m *ConnectionManager) Deliver(evt Event) {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	var blob []byte
	for _, c := range conns {
		if !c.matches(evt.Type) {
			continue
		}
		if blob == nil {
			var err error
			blob, err = json.Marshal(evt)
			if err != nil {
				slog.Warn("Failed to marshal event for delivery", "type", evt.Type, "error", err)
				return
			}
		}
		if err := m.sendRaw(c, blob); err != nil {
			slog.Warn("Failed to deliver event to WebSocket client",
				"connection_id", c.ID, "type", evt.Type, "error", err)
		}
	}
}

// ActiveConnections returns the current WebSocket connection count.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

func (m *ConnectionManager) handleFrame(ctx context.Context, c *Connection, frame *ClientFrame) {
	switch frame.Action {
	case "subscribe":
		if len(frame.Events) == 0 {
			m.sendJSON(c, map[string]string{"type": "error", "message": "events is required for subscribe"})
			return
		}
		c.addPatterns(frame.Events)
		m.sendJSON(c, map[string]any{
			"type":   "subscription.confirmed",
			"events": frame.Events,
		})

	case "unsubscribe":
		c.removePatterns(frame.Events)
		m.sendJSON(c, map[string]any{
			"type":   "subscription.removed",
			"events": frame.Events,
		})

	case "catchup":
		if frame.Stream == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "stream is required for catchup"})
			return
		}
		m.handleCatchup(ctx, c, frame.Stream, frame.LastEventID)

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})

	default:
		m.sendJSON(c, map[string]string{"type": "error", "message": "unknown action"})
	}
}

// handleCatchup replays journaled events the client missed. Overflow beyond
// catchupLimit tells the client to do a full reload instead of paginating.
func (m *ConnectionManager) handleCatchup(ctx context.Context, c *Connection, stream, lastEventID string) {
	evts, last, err := m.bus.Catchup(ctx, stream, lastEventID, catchupLimit+1)
	if err != nil {
		slog.Error("Catchup query failed", "stream", stream, "error", err)
		return
	}
	hasMore := len(evts) > catchupLimit
	if hasMore {
		evts = evts[:catchupLimit]
	}
	for _, evt := range evts {
		blob, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		if err := m.sendRaw(c, blob); err != nil {
			return
		}
	}
	m.sendJSON(c, map[string]any{
		"type":          "catchup.complete",
		"stream":        stream,
		"last_event_id": last,
		"has_more":      hasMore,
	})
}

func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	blob, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message", "connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, blob); err != nil {
		slog.Warn("Failed to send WebSocket message", "connection_id", c.ID, "error", err)
	}
}

func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}

func (c *Connection) matches(eventType string) bool {
	c.patternMu.RLock()
	defer c.patternMu.RUnlock()
	for _, p := range c.patterns {
		if MatchPattern(p, eventType) {
			return true
		}
	}
	return false
}

func (c *Connection) addPatterns(patterns []string) {
	c.patternMu.Lock()
	defer c.patternMu.Unlock()
	for _, p := range patterns {
		dup := false
		for _, have := range c.patterns {
			if have == p {
				dup = true
				break
			}
		}
		if !dup {
			c.patterns = append(c.patterns, p)
		}
	}
}

func (c *Connection) removePatterns(patterns []string) {
	c.patternMu.Lock()
	defer c.patternMu.Unlock()
	if len(patterns) == 0 {
		c.patterns = nil
		return
	}
	keep := c.patterns[:0]
	for _, have := range c.patterns {
		drop := false
		for _, p := range patterns {
			if have == p {
				drop = true
				break
			}
		}
		if !drop {
			keep = append(keep, have)
		}
	}
	c.patterns = keep
}
