package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shuthost/shuthost/internal/eventbus"
	"github.com/shuthost/shuthost/internal/fleet"
	"github.com/shuthost/shuthost/internal/liveness"
	"github.com/shuthost/shuthost/internal/protocol"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second

	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 16 * 1024

	broadcastQueueSize = 1024

	panicRecoveryDelay = 100 * time.Millisecond
)

// Client is a single browser's WebSocket connection. Unlike the agent
// transport this replaces, every Client here is a browser -- the host
// agent speaks the TCP line protocol in internal/hostagent, not
// WebSocket.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	closeOnce sync.Once
	closed    atomic.Bool
}

// SafeSend enqueues data for delivery without panicking on a closed
// channel -- Close() may race with a concurrent send from the broadcast
// loop.
func (c *Client) SafeSend(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close closes the send channel exactly once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

// Hub fans eventbus topics out to connected browsers as JSON frames.
type Hub struct {
	log zerolog.Logger
	bus *eventbus.Bus

	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcasts chan []byte

	mu sync.RWMutex
}

// NewHub creates a Hub that will subscribe to bus once Run starts.
func NewHub(bus *eventbus.Bus, log zerolog.Logger) *Hub {
	return &Hub{
		log:        log.With().Str("component", "hub").Logger(),
		bus:        bus,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcasts: make(chan []byte, broadcastQueueSize),
	}
}

// Run subscribes to the event bus and services registration and
// broadcast until ctx is canceled. It recovers from and restarts after a
// panic in its main loop, matching the rest of the coordinator's
// goroutine-supervision convention.
func (h *Hub) Run(ctx context.Context) {
	sub := h.bus.Subscribe(eventbus.TopicHostStatus, eventbus.TopicLeaseChanged, eventbus.TopicConfigChanged)
	defer sub.Close()

	go h.forwardEvents(ctx, sub)

	for {
		if err := h.runLoop(ctx); err != nil {
			if err == context.Canceled || err == context.DeadlineExceeded {
				h.log.Info().Msg("hub shutting down gracefully")
				return
			}
			h.log.Error().Err(err).Msg("hub loop crashed, restarting")
			time.Sleep(panicRecoveryDelay)
		} else {
			return
		}
	}
}

func (h *Hub) runLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hub panic: %v\n%s", r, debug.Stack())
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				h.mu.Unlock()
				client.Close()
			} else {
				h.mu.Unlock()
			}
		case data := <-h.broadcasts:
			h.doBroadcast(data)
		}
	}
}

func (h *Hub) forwardEvents(ctx context.Context, sub *eventbus.Subscription) {
	eventbus.Drain(ctx, sub, func(evt eventbus.Event) {
		frame := frameFor(evt)
		if frame == nil {
			return
		}
		data, err := json.Marshal(frame)
		if err != nil {
			h.log.Error().Err(err).Msg("marshal ws frame")
			return
		}
		h.queueBroadcast(data)
	})
}

func frameFor(evt eventbus.Event) any {
	switch evt.Topic {
	case eventbus.TopicHostStatus:
		if hs, ok := evt.Payload.(liveness.HostStatusEvent); ok {
			return protocol.NewHostStatusFrame(hs.Host, hs.Online)
		}
	case eventbus.TopicLeaseChanged:
		if lc, ok := evt.Payload.(fleet.LeaseChangedEvent); ok {
			return protocol.NewLeaseChangedFrame(lc.Host, lc.Clients)
		}
	case eventbus.TopicConfigChanged:
		return protocol.ConfigChangedFrame{Kind: "config_changed"}
	}
	return nil
}

func (h *Hub) queueBroadcast(data []byte) {
	select {
	case h.broadcasts <- data:
	default:
		h.log.Warn().Msg("broadcast queue full, dropping frame")
	}
}

func (h *Hub) doBroadcast(data []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.SafeSend(data)
	}
}

// SubscriberCount reports the number of connected browsers, so the
// liveness monitor can choose its idle vs. active probe interval.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades an already-authenticated HTTP request to a WebSocket
// and registers the connection's Client with the hub.
func (h *Hub) ServeWS(conn *websocket.Conn) {
	client := &Client{conn: conn, send: make(chan []byte, 256), hub: h}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug().Err(err).Msg("ws read error")
			}
			return
		}
		// The browser transport is receive-only from the coordinator's
		// perspective; any inbound frame just resets the read deadline.
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
