package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Shugur-Network/gated-relay/internal/config"
	"github.com/Shugur-Network/gated-relay/internal/constants"
	"github.com/Shugur-Network/gated-relay/internal/domain"
	"github.com/Shugur-Network/gated-relay/internal/logger"
	"github.com/Shugur-Network/gated-relay/internal/metrics"
	"github.com/Shugur-Network/gated-relay/internal/relay/nips"
	"github.com/Shugur-Network/gated-relay/internal/workers"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// Services are the shared dependencies of every connection.
type Services struct {
	Limiter    domain.RateLimiter
	Authorizer domain.Authorizer
	Store      domain.EventStore
	Pool       *workers.WorkerPool
	// HTTP serves every non-WebSocket, non-NIP-11 request. Optional.
	HTTP http.Handler
}

// Server accepts relay WebSocket connections and serves NIP-11 on plain
// HTTP requests to the same address.
type Server struct {
	cfg      config.RelayConfig
	metadata nips.RelayDocument

	limiter    domain.RateLimiter
	authorizer domain.Authorizer
	store      domain.EventStore
	pool       *workers.WorkerPool
	matcher    *Matcher
	http       http.Handler

	upgrader websocket.Upgrader
	conns    *xsync.MapOf[string, *Conn]
	log      *zap.Logger
	now      func() time.Time
	started  time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer constructs a Server. metadata is the NIP-11 document served to
// clients that ask for application/nostr+json.
func NewServer(cfg config.RelayConfig, metadata nips.RelayDocument, svc Services) (*Server, error) {
	if svc.Limiter == nil || svc.Authorizer == nil || svc.Store == nil || svc.Pool == nil {
		return nil, errors.New("relay: limiter, authorizer, store and pool are required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		metadata:   metadata,
		limiter:    svc.Limiter,
		authorizer: svc.Authorizer,
		store:      svc.Store,
		pool:       svc.Pool,
		matcher:    NewMatcher(),
		http:       svc.HTTP,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
		conns:   xsync.NewMapOf[string, *Conn](),
		log:     logger.New("relay"),
		now:     time.Now,
		started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Matcher exposes the subscription registry.
func (s *Server) Matcher() *Matcher { return s.matcher }

// ConnectionCount returns the number of open client connections.
func (s *Server) ConnectionCount() int { return s.conns.Size() }

// StartTime returns when the server was created.
func (s *Server) StartTime() time.Time { return s.started }

// SubscribedConnections returns how many connections hold a subscription.
func (s *Server) SubscribedConnections() int { return s.matcher.Connections() }

// ServeHTTP routes WebSocket upgrades to the relay, NIP-11 requests to the
// information document and everything else to the configured HTTP handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metrics.HTTPRequests.Inc()
	start := time.Now()
	defer func() {
		metrics.HTTPRequestDuration.Observe(time.Since(start).Seconds())
	}()

	switch {
	case websocket.IsWebSocketUpgrade(r):
		s.handleWebSocket(w, r)
	case nips.IsMetadataRequest(r):
		nips.ServeRelayMetadata(w, s.metadata)
	case r.Method == http.MethodOptions && r.URL.Path == "/":
		nips.ServeRelayMetadataPreflight(w)
	case r.URL.Path == "/" && r.Method == http.MethodGet:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprintf(w, "%s: connect with a Nostr client.\n", s.metadata.Name)
	case s.http != nil:
		s.http.ServeHTTP(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	origin := extractRealClientIP(r, s.cfg.TrustProxy)

	if limit := s.cfg.Throttling.MaxConnections; limit > 0 && s.conns.Size() >= limit {
		s.reject(w, r, ErrRelayFull)
		return
	}
	if err := s.limiter.TrackConnection(origin); err != nil {
		s.reject(w, r, err)
		return
	}
	defer s.limiter.ReleaseConnection(origin)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("WebSocket upgrade failed", zap.String("origin", origin), zap.Error(err))
		return
	}

	conn := newConn(s.ctx, s, ws, origin, r.Host)
	s.conns.Store(conn.id, conn)
	metrics.IncrementActiveConnections()
	defer func() {
		s.matcher.RemoveConnection(conn.id)
		s.conns.Delete(conn.id)
		metrics.DecrementActiveConnections()
	}()

	conn.log.Debug("WebSocket connection established")
	conn.serve()
}

// reject completes the upgrade so the client can read why, then closes
// with a policy-violation frame.
func (s *Server) reject(w http.ResponseWriter, r *http.Request, err error) {
	metrics.ConnectionsRejected.WithLabelValues("connection_limit").Inc()
	ws, uerr := s.upgrader.Upgrade(w, r, nil)
	if uerr != nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, Reason(err))
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	_ = ws.Close()
}

// relayURL is the URL AUTH events must name.
func (s *Server) relayURL(c *Conn) string {
	if s.cfg.PublicURL != "" {
		return s.cfg.PublicURL
	}
	return "ws://" + c.host
}

// handleMessage dispatches one client frame.
func (s *Server) handleMessage(c *Conn, raw []byte) {
	frame, err := ParseFrame(raw)
	if err != nil {
		c.log.Debug("Malformed frame", zap.Error(err))
		c.notice(Reason(err))
		return
	}

	metrics.CommandsReceived.WithLabelValues(frame.Label).Inc()
	start := time.Now()
	switch frame.Label {
	case LabelEvent:
		s.handleEvent(c, frame.Args)
	case LabelReq:
		s.handleReq(c, frame.Args)
	case LabelClose:
		s.handleClose(c, frame.Args)
	case LabelAuth:
		s.handleAuth(c, frame.Args)
	}
	metrics.CommandProcessingDuration.WithLabelValues(frame.Label).Observe(time.Since(start).Seconds())
}

// Close disconnects every client with a going-away close frame.
func (s *Server) Close() {
	s.cancel()
}

// ListenAndServe serves addr until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down WebSocket server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		s.Close()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("Relay WebSocket server listening", zap.String("address", addr))
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
