package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20

	// Outbound frames buffered per peer before sends start failing.
	sendBuffer = 256

	// DefaultPeerPath is where nodes accept inbound peer connections.
	DefaultPeerPath = "/api/v1/peer"

	// AgentIDHeader carries the dialing agent's id on the upgrade request.
	AgentIDHeader = "X-Agent-ID"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Peers are not browsers; origin checks do not apply.
		return true
	},
}

// wsChannel is a Channel backed by a websocket connection
type wsChannel struct {
	peerID  string
	address string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	closed  atomic.Bool
	once    sync.Once
	started sync.Once
	sink    Sink
	logger  *slog.Logger
}

// NewWSChannel wraps an established websocket connection. Inbound frames and the
// final close are reported to sink once the channel is started.
func NewWSChannel(conn *websocket.Conn, peerID string, sink Sink, logger *slog.Logger) Channel {
	if logger == nil {
		logger = slog.Default()
	}
	c := &wsChannel{
		peerID:  peerID,
		address: conn.RemoteAddr().String(),
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		sink:    sink,
		logger:  logger,
	}
	return c
}

// Start launches the read and write pumps
func (c *wsChannel) Start() {
	c.started.Do(func() {
		go c.writePump()
		go c.readPump()
	})
}

func (c *wsChannel) PeerID() string  { return c.peerID }
func (c *wsChannel) Address() string { return c.address }
func (c *wsChannel) Ready() bool     { return !c.closed.Load() }

// Send queues a frame without blocking
func (c *wsChannel) Send(data []byte) error {
	if c.closed.Load() {
		return ErrChannelNotReady
	}
	select {
	case <-c.done:
		return ErrChannelNotReady
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close shuts the connection down. It is safe to call more than once.
func (c *wsChannel) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
		deadline := time.Now().Add(writeWait)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.conn.Close()
	})
	return err
}

// readPump reads frames from the websocket connection
func (c *wsChannel) readPump() {
	defer func() {
		c.Close()
		c.sink.Closed(c.peerID, c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("peer: read failed", "peer", c.peerID, "error", err)
			}
			return
		}
		c.sink.Deliver(c.peerID, message)
	}
}

// writePump writes queued frames and keepalive pings, one envelope per frame
func (c *wsChannel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("peer: write failed", "peer", c.peerID, "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

// WSDialer opens outbound websocket channels
type WSDialer struct {
	// LocalID is announced to the remote side in the upgrade request.
	LocalID string
	Dialer  *websocket.Dialer
	Logger  *slog.Logger
}

// Dial implements Dialer
func (d *WSDialer) Dial(ctx context.Context, peerID, address string, sink Sink) (Channel, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := http.Header{}
	if d.LocalID != "" {
		header.Set(AgentIDHeader, d.LocalID)
	}

	conn, _, err := dialer.DialContext(ctx, DialURL(address), header)
	if err != nil {
		return nil, err
	}
	return NewWSChannel(conn, peerID, sink, d.Logger), nil
}

// HandleUpgrade accepts inbound peer connections and registers them with r
func HandleUpgrade(r *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		agentID := req.URL.Query().Get("agent_id")
		if agentID == "" {
			agentID = req.Header.Get(AgentIDHeader)
		}

		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			r.logger.Warn("peer: websocket upgrade failed", "error", err)
			return
		}

		peerID := agentID
		if peerID == "" {
			peerID = conn.RemoteAddr().String()
		}

		r.accept(NewWSChannel(conn, peerID, r, r.logger), agentID)
		r.logger.Info("peer: inbound connection", "peer", peerID, "remote", conn.RemoteAddr().String())
	}
}

// PeerIDFromAddress derives the registry key for a dialed address (host:port)
func PeerIDFromAddress(address string) string {
	if strings.Contains(address, "://") {
		if u, err := url.Parse(address); err == nil && u.Host != "" {
			return u.Host
		}
	}
	if i := strings.Index(address, "/"); i >= 0 {
		return address[:i]
	}
	return address
}

// DialURL turns a peer address into a websocket URL. Bare host:port addresses
// get the default peer path.
func DialURL(address string) string {
	switch {
	case strings.HasPrefix(address, "ws://"), strings.HasPrefix(address, "wss://"):
		return address
	case strings.HasPrefix(address, "http://"):
		return "ws://" + strings.TrimPrefix(address, "http://")
	case strings.HasPrefix(address, "https://"):
		return "wss://" + strings.TrimPrefix(address, "https://")
	}
	if strings.Contains(address, "/") {
		return "ws://" + address
	}
	return fmt.Sprintf("ws://%s%s", address, DefaultPeerPath)
}

// isClosedErr reports errors that only mean the channel went away
func isClosedErr(err error) bool {
	return errors.Is(err, ErrChannelNotReady) || errors.Is(err, websocket.ErrCloseSent)
}
