// Package signaling implements the relay client that exchanges the initial
// announce/offer/answer/ice-candidate handshake frames over a websocket
// relay (spec §4.1). Once peers are meshed, almost all further traffic
// moves to direct data channels; this client keeps just enough state to
// reconnect, keep the relay session alive, and hand inbound frames to the
// Connection Manager.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/peerpigeon/peerpigeon/internal/config"
	"github.com/peerpigeon/peerpigeon/internal/metrics"
	"github.com/peerpigeon/peerpigeon/pkg/peerid"
	"github.com/peerpigeon/peerpigeon/pkg/wire"
)

// ErrNotConnected is returned by Send when no relay session is open.
var ErrNotConnected = errors.New("signaling: not connected")

// ConnectedPeersFunc reports the peer's current set of live direct
// connections, used for both ping election and the meshed-backoff policy.
type ConnectedPeersFunc func() []peerid.ID

// Config configures a Client.
type Config struct {
	URL            string
	Self           peerid.ID
	Dialer         Dialer
	ConnectedPeers ConnectedPeersFunc
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	OnFrame        func(wire.SignalingFrame)
	OnConnected    func()
	OnDisconnected func()
}

// Client owns one relay session and its reconnect/keepalive lifecycle.
type Client struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	conn      Conn
	connected bool
	writeMu   sync.Mutex

	// pingInFlight/pongTimer track the outstanding keepalive ping (spec §4.1
	// "Failure modes": "pong missing for > T_pongTimeout while a ping was in
	// flight ⇒ force-close, reconnect").
	pingInFlight bool
	pongTimer    *time.Timer

	backoff backoffState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Client. Call Start to begin connecting.
func New(cfg Config) *Client {
	if cfg.Dialer == nil {
		cfg.Dialer = WebsocketDialer{}
	}
	if cfg.ConnectedPeers == nil {
		cfg.ConnectedPeers = func() []peerid.ID { return nil }
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{cfg: cfg, log: log.With("component", "signaling")}
}

// Start begins the connect/reconnect loop in the background. Close stops it.
func (c *Client) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(2)
	go c.runConnectionLoop()
	go c.runKeepalive()
}

// Close tears down the relay session and stops all background goroutines.
// It best-effort sends a goodbye frame before closing the socket (spec
// §4.1 "disconnect()": "send goodbye, close cleanly, cancel timers"; §7
// "Goodbye and cleanup are best-effort sends" — a failed send never blocks
// shutdown).
func (c *Client) Close() error {
	if err := c.goodbye(); err != nil {
		c.log.Debug("goodbye send failed", "error", err)
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	conn := c.conn
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()
	return nil
}

func (c *Client) goodbye() error {
	data, err := marshalData(wire.AnnounceData{PeerID: c.cfg.Self.String()})
	if err != nil {
		return err
	}
	return c.Send(wire.SignalingFrame{
		Type:       wire.TypeGoodbye,
		Data:       data,
		FromPeerID: c.cfg.Self.String(),
		Timestamp:  nowMillis(),
	})
}

// Connected reports whether the relay session is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send writes a frame to the relay. Safe for concurrent use.
func (c *Client) Send(f wire.SignalingFrame) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	b, err := encodeFrame(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(config.SignalingSendTimeout)); err != nil {
		return fmt.Errorf("signaling: set write deadline: %w", err)
	}
	defer conn.SetWriteDeadline(time.Time{})
	if err := conn.WriteMessage(websocketTextMessage, b); err != nil {
		return fmt.Errorf("signaling: write: %w", err)
	}
	return nil
}

// websocketTextMessage mirrors gorilla/websocket.TextMessage without
// importing the package outside transport.go, keeping the wire dependency
// in one place.
const websocketTextMessage = 1

func (c *Client) runConnectionLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		conn, err := c.cfg.Dialer.Dial(c.ctx, c.cfg.URL)
		if err != nil {
			c.log.Warn("dial failed", "error", err, "url", c.cfg.URL)
			if !c.sleepBackoff() {
				return
			}
			continue
		}

		c.log.Info("connected", "url", c.cfg.URL)
		c.mu.Lock()
		c.conn = conn
		c.connected = true
		c.backoff.reset()
		// A fresh session has no ping outstanding; drop any timer left over
		// from the previous one.
		c.pingInFlight = false
		if c.pongTimer != nil {
			c.pongTimer.Stop()
			c.pongTimer = nil
		}
		c.mu.Unlock()

		if err := c.announce(); err != nil {
			c.log.Warn("announce failed", "error", err)
		}
		if c.cfg.OnConnected != nil {
			c.cfg.OnConnected()
		}

		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.connected = false
		c.mu.Unlock()
		if c.cfg.OnDisconnected != nil {
			c.cfg.OnDisconnected()
		}

		select {
		case <-c.ctx.Done():
			return
		default:
		}
		if !c.sleepBackoff() {
			return
		}
	}
}

// sleepBackoff waits out the next reconnect delay, returning false if the
// client was closed while waiting.
func (c *Client) sleepBackoff() bool {
	meshed := len(c.cfg.ConnectedPeers()) > 0
	delay := c.backoff.next(meshed)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.SignalingReconnects.WithLabelValues("reconnect").Inc()
	}
	c.log.Info("reconnecting", "delay", delay)
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (c *Client) announce() error {
	data, err := marshalData(wire.AnnounceData{PeerID: c.cfg.Self.String()})
	if err != nil {
		return err
	}
	return c.Send(wire.SignalingFrame{
		Type:       wire.TypeAnnounce,
		Data:       data,
		FromPeerID: c.cfg.Self.String(),
		Timestamp:  nowMillis(),
	})
}

func (c *Client) readLoop(conn Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.log.Info("relay read ended", "error", err)
			return
		}
		frame, err := decodeFrame(raw)
		if err != nil {
			c.log.Warn("dropping malformed frame", "error", err)
			continue
		}
		if frame.Type == wire.TypePong {
			c.clearPingInFlight()
			continue
		}
		if c.cfg.OnFrame != nil {
			c.cfg.OnFrame(frame)
		}
	}
}

func (c *Client) runKeepalive() {
	defer c.wg.Done()
	ticker := time.NewTicker(config.SignalingPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if !c.Connected() {
				continue
			}
			if !isPingElected(c.cfg.Self, c.cfg.ConnectedPeers()) {
				continue
			}
			data, err := marshalData(wire.PingData{PeerID: c.cfg.Self.String()})
			if err != nil {
				continue
			}
			if err := c.Send(wire.SignalingFrame{
				Type:       wire.TypePing,
				Data:       data,
				FromPeerID: c.cfg.Self.String(),
				Timestamp:  nowMillis(),
			}); err != nil {
				c.log.Warn("ping send failed", "error", err)
				continue
			}
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.SignalingPingsSent.Inc()
			}
			c.armPongTimeout()
		}
	}
}

// armPongTimeout starts the force-close timer for the ping just sent,
// replacing any timer from a prior ping (spec §4.1 "Failure modes").
func (c *Client) armPongTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pongTimer != nil {
		c.pongTimer.Stop()
	}
	c.pingInFlight = true
	c.pongTimer = time.AfterFunc(config.SignalingPongTimeout, c.onPongTimeout)
}

// clearPingInFlight records that a pong arrived for the outstanding ping.
func (c *Client) clearPingInFlight() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingInFlight = false
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
}

// onPongTimeout force-closes the relay session when no pong arrived within
// SignalingPongTimeout of the last ping (spec §4.1 "Failure modes": "pong
// missing for > T_pongTimeout while a ping was in flight ⇒ force-close,
// reconnect"). Closing conn unblocks readLoop's ReadMessage with an error,
// which sends runConnectionLoop back through its reconnect/backoff path.
func (c *Client) onPongTimeout() {
	c.mu.Lock()
	if !c.pingInFlight {
		c.mu.Unlock()
		return
	}
	c.pingInFlight = false
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	c.log.Warn("pong timeout, forcing reconnect")
	_ = conn.Close()
}
