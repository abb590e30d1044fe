package relay

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shugur-Network/gated-relay/internal/logger"
	"github.com/Shugur-Network/gated-relay/internal/metrics"
	"github.com/Shugur-Network/gated-relay/internal/relay/nips"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ConnState is the lifecycle stage of a client connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const (
	pingInterval     = 30 * time.Second
	closeGracePeriod = time.Second
	// CloseTryAgainLater is sent to consumers whose outbound queue overflowed.
	CloseTryAgainLater = 1013
)

// ClientIP returns the origin address used for rate limiting. Proxy headers
// are honored only when trustProxy is set.
func ClientIP(r *http.Request, trustProxy bool) string {
	return extractRealClientIP(r, trustProxy)
}

func extractRealClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		// Try X-Real-IP first (set by Caddy and nginx)
		if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
			return normalizeIP(realIP)
		}
		// X-Forwarded-For is a comma-separated chain, the first entry is the client
		if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
			first, _, _ := strings.Cut(forwardedFor, ",")
			if first = strings.TrimSpace(first); first != "" {
				return normalizeIP(first)
			}
		}
	}
	return normalizeIP(r.RemoteAddr)
}

// normalizeIP converts a network address to a normalized IP string
func normalizeIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		// If splitting fails, assume addr is already an IP
		host = addr
	}

	// Normalize IPv4-mapped IPv6 addresses
	if ip := net.ParseIP(host); ip != nil {
		if ipv4 := ip.To4(); ipv4 != nil {
			return ipv4.String()
		}
		return ip.String()
	}
	return host
}

// Conn is one client WebSocket. The read loop runs on the HTTP handler
// goroutine and a writer pump owns every data write to the socket.
type Conn struct {
	id        string
	origin    string
	host      string
	ws        *websocket.Conn
	srv       *Server
	log       *zap.Logger
	startTime time.Time

	state atomic.Int32
	send  chan []byte

	ctx         context.Context
	cancel      context.CancelFunc
	closeOnce   sync.Once
	closeCode   int
	closeReason string
	writerDone  chan struct{}

	challenge string
	authMu    sync.RWMutex
	authed    string
}

var _ Sink = (*Conn)(nil)

func newConn(parent context.Context, srv *Server, ws *websocket.Conn, origin, host string) *Conn {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	return &Conn{
		id:         id,
		origin:     origin,
		host:       host,
		ws:         ws,
		srv:        srv,
		log:        logger.New("relay").With(zap.String("conn_id", id), zap.String("origin", origin)),
		startTime:  time.Now(),
		send:       make(chan []byte, srv.cfg.SendBufferSize),
		ctx:        ctx,
		cancel:     cancel,
		writerDone: make(chan struct{}),
	}
}

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// Origin returns the client IP the connection is accounted to.
func (c *Conn) Origin() string { return c.origin }

// State returns the current lifecycle stage.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

// AuthedPubkey returns the pubkey proven with AUTH, or "".
func (c *Conn) AuthedPubkey() string {
	c.authMu.RLock()
	defer c.authMu.RUnlock()
	return c.authed
}

func (c *Conn) setAuthed(pubkey string) {
	c.authMu.Lock()
	c.authed = pubkey
	c.authMu.Unlock()
}

// Send queues a frame for the writer pump. A full queue disconnects the
// client rather than blocking the caller.
func (c *Conn) Send(frame []byte) bool {
	if st := c.State(); st == StateClosing || st == StateClosed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.Overflow()
		return false
	}
}

// Overflow disconnects a consumer that cannot keep up.
func (c *Conn) Overflow() {
	metrics.ConnectionsRejected.WithLabelValues("slow_consumer").Inc()
	c.disconnect(CloseTryAgainLater, "slow consumer")
}

func (c *Conn) notice(msg string) {
	c.Send(noticeFrame(msg))
}

func (c *Conn) ok(id string, accepted bool, msg string) {
	c.Send(okFrame(id, accepted, msg))
}

func (c *Conn) closed(subID string, err error) {
	c.Send(closedFrame(subID, Reason(err)))
}

// disconnect moves the connection to CLOSING. The writer pump sends the
// close frame and shuts the socket, which ends the read loop.
func (c *Conn) disconnect(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		c.state.Store(int32(StateClosing))
		c.cancel()
	})
}

// serve runs the connection until the client leaves or the relay closes it.
func (c *Conn) serve() {
	go c.writePump()

	if challenge, err := nips.GenerateAuthChallenge(); err == nil {
		c.challenge = challenge
		c.send <- authFrame(challenge)
	} else {
		c.log.Warn("Failed to generate auth challenge", zap.Error(err))
	}
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))

	c.readLoop()
	c.disconnect(websocket.CloseNormalClosure, "")
	<-c.writerDone
	c.state.Store(int32(StateClosed))

	c.log.Debug("WebSocket connection closed",
		zap.Int("code", c.closeCode),
		zap.String("reason", c.closeReason),
		zap.String("authed_pubkey", c.AuthedPubkey()),
		zap.Duration("connection_duration", time.Since(c.startTime)))
}

func (c *Conn) readLoop() {
	idle := c.srv.cfg.IdleTimeout
	c.ws.SetReadLimit(int64(c.srv.cfg.MaxMessageLength))
	_ = c.ws.SetReadDeadline(time.Now().Add(idle))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case c.ctx.Err() != nil:
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				c.log.Debug("Client closed connection normally")
			default:
				c.log.Debug("WS read error, disconnecting client", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(idle))

		if c.State() != StateOpen {
			continue
		}
		metrics.IncrementMessagesProcessed(len(raw))
		c.srv.handleMessage(c, raw)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.writerDone)
	}()

	write := c.srv.cfg.WriteTimeout
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(write))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("Failed to write message", zap.Error(err))
				c.disconnect(websocket.CloseAbnormalClosure, "write failed")
				return
			}
			metrics.MessagesSent.Inc()
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(write)); err != nil {
				c.log.Debug("Failed to send ping, closing connection", zap.Error(err))
				c.disconnect(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		case <-c.ctx.Done():
			c.writeClose()
			return
		}
	}
}

func (c *Conn) writeClose() {
	// the parent context ends on relay shutdown, before any disconnect call
	c.disconnect(websocket.CloseGoingAway, "relay shutting down")
	if c.closeCode == websocket.CloseAbnormalClosure {
		return
	}
	msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
}
