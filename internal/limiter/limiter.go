package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Shugur-Network/gated-relay/internal/config"
	"github.com/Shugur-Network/gated-relay/internal/domain"
	"github.com/Shugur-Network/gated-relay/internal/logger"
	"go.uber.org/zap"
)

// DefaultWindow is the sliding window every event counter is measured over.
const DefaultWindow = time.Second

// Limits defines the thresholds enforced by an EventLimiter.
type Limits struct {
	EventsPerOrigin      int           // events admitted per origin inside Window
	EventsPerPubkey      int           // events admitted per author inside Window
	ConnectionsPerOrigin int           // concurrently open connections per origin
	Window               time.Duration // sliding window length
}

// LimitsFromConfig reads the throttling section of the relay config.
func LimitsFromConfig(cfg *config.Config) Limits {
	t := cfg.Relay.Throttling
	return Limits{
		EventsPerOrigin:      t.EventsPerSecondPerIP,
		EventsPerPubkey:      t.EventsPerSecondPerPubkey,
		ConnectionsPerOrigin: t.MaxConnectionsPerIP,
		Window:               DefaultWindow,
	}
}

// window holds the admission timestamps of one key, oldest first.
type window struct {
	hits []time.Time
}

// prune drops hits that fell out of the window ending at now.
func (w *window) prune(now time.Time, span time.Duration) {
	cut := 0
	for cut < len(w.hits) && now.Sub(w.hits[cut]) >= span {
		cut++
	}
	if cut > 0 {
		w.hits = append(w.hits[:0], w.hits[cut:]...)
	}
}

// admit records a hit when fewer than max hits remain inside the window.
func (w *window) admit(now time.Time, span time.Duration, max int) bool {
	w.prune(now, span)
	if len(w.hits) >= max {
		return false
	}
	w.hits = append(w.hits, now)
	return true
}

// EventLimiter implements domain.RateLimiter with sliding-window counters
// keyed by origin and by pubkey, plus a per-origin connection gate.
type EventLimiter struct {
	limits Limits
	now    func() time.Time

	mu      sync.Mutex
	origins map[string]*window
	pubkeys map[string]*window
	conns   map[string]int
}

var _ domain.RateLimiter = (*EventLimiter)(nil)

// Option customizes an EventLimiter.
type Option func(*EventLimiter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *EventLimiter) { l.now = now }
}

// New creates a limiter. Zero limits fall back to the relay defaults.
func New(limits Limits, opts ...Option) *EventLimiter {
	if limits.EventsPerOrigin <= 0 {
		limits.EventsPerOrigin = 10
	}
	if limits.EventsPerPubkey <= 0 {
		limits.EventsPerPubkey = 5
	}
	if limits.ConnectionsPerOrigin <= 0 {
		limits.ConnectionsPerOrigin = 20
	}
	if limits.Window <= 0 {
		limits.Window = DefaultWindow
	}
	l := &EventLimiter{
		limits:  limits,
		now:     time.Now,
		origins: make(map[string]*window),
		pubkeys: make(map[string]*window),
		conns:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limits returns the thresholds in force.
func (l *EventLimiter) Limits() Limits {
	return l.limits
}

func (l *EventLimiter) hit(set map[string]*window, key string, max int) bool {
	w, ok := set[key]
	if !ok {
		w = &window{hits: make([]time.Time, 0, max)}
		set[key] = w
	}
	return w.admit(l.now(), l.limits.Window, max)
}

// CheckEventLimit admits one event from origin.
func (l *EventLimiter) CheckEventLimit(origin string) error {
	l.mu.Lock()
	ok := l.hit(l.origins, origin, l.limits.EventsPerOrigin)
	l.mu.Unlock()

	if !ok {
		logger.Debug("Origin event limit exceeded",
			zap.String("origin", origin),
			zap.Int("limit", l.limits.EventsPerOrigin))
		return domain.ErrOriginRateLimited
	}
	return nil
}

// CheckPubkeyEventLimit admits one event authored by pubkey. Callers must
// only invoke it after the event signature has been verified.
func (l *EventLimiter) CheckPubkeyEventLimit(pubkey string) error {
	l.mu.Lock()
	ok := l.hit(l.pubkeys, pubkey, l.limits.EventsPerPubkey)
	l.mu.Unlock()

	if !ok {
		logger.Debug("Pubkey event limit exceeded",
			zap.String("pubkey", pubkey),
			zap.Int("limit", l.limits.EventsPerPubkey))
		return domain.ErrPubkeyRateLimited
	}
	return nil
}

// CheckEventLimits evaluates the origin limit and then the pubkey limit,
// returning the first failure. A rejected origin does not consume the
// author's budget.
func (l *EventLimiter) CheckEventLimits(origin, pubkey string) error {
	if err := l.CheckEventLimit(origin); err != nil {
		return err
	}
	return l.CheckPubkeyEventLimit(pubkey)
}

// TrackConnection claims a connection slot for origin.
func (l *EventLimiter) TrackConnection(origin string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conns[origin] >= l.limits.ConnectionsPerOrigin {
		logger.Warn("Connection limit exceeded",
			zap.String("origin", origin),
			zap.Int("open", l.conns[origin]),
			zap.Int("limit", l.limits.ConnectionsPerOrigin))
		return domain.ErrTooManyConnections
	}
	l.conns[origin]++
	return nil
}

// ReleaseConnection frees a slot claimed by TrackConnection.
func (l *EventLimiter) ReleaseConnection(origin string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch n := l.conns[origin]; {
	case n > 1:
		l.conns[origin] = n - 1
	default:
		delete(l.conns, origin)
	}
}

// OpenConnections returns the number of tracked connections for origin.
func (l *EventLimiter) OpenConnections(origin string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conns[origin]
}

// ResetOrigin clears the event window of one origin.
// Connection slots mirror live sockets and are never reset.
func (l *EventLimiter) ResetOrigin(origin string) {
	l.mu.Lock()
	delete(l.origins, origin)
	l.mu.Unlock()
}

// ResetPubkey clears the event window of one author.
func (l *EventLimiter) ResetPubkey(pubkey string) {
	l.mu.Lock()
	delete(l.pubkeys, pubkey)
	l.mu.Unlock()
}

// ResetAll clears every event window.
func (l *EventLimiter) ResetAll() {
	l.mu.Lock()
	l.origins = make(map[string]*window)
	l.pubkeys = make(map[string]*window)
	l.mu.Unlock()
	logger.Info("Rate limiter windows reset")
}

// Sweep evicts windows with no hit inside the current window and returns
// how many were removed.
func (l *EventLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for _, set := range []map[string]*window{l.origins, l.pubkeys} {
		for key, w := range set {
			w.prune(now, l.limits.Window)
			if len(w.hits) == 0 {
				delete(set, key)
				removed++
			}
		}
	}
	return removed
}

// Run sweeps idle windows every interval until ctx is done.
func (l *EventLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				logger.Debug("Swept idle rate windows", zap.Int("removed", n))
			}
		}
	}
}

// Stats is a point-in-time view of the limiter state.
type Stats struct {
	Origins     int `json:"origins"`
	Pubkeys     int `json:"pubkeys"`
	Connections int `json:"connections"`
}

// Stats reports how many keys are currently tracked.
func (l *EventLimiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	open := 0
	for _, n := range l.conns {
		open += n
	}
	return Stats{Origins: len(l.origins), Pubkeys: len(l.pubkeys), Connections: open}
}

// String returns a string representation of the rate limiter state
func (l *EventLimiter) String() string {
	s := l.Stats()
	return fmt.Sprintf("EventLimiter{origin=%d/%s pubkey=%d/%s conns=%d (max %d/origin) tracked_origins=%d tracked_pubkeys=%d}",
		l.limits.EventsPerOrigin, l.limits.Window, l.limits.EventsPerPubkey, l.limits.Window,
		s.Connections, l.limits.ConnectionsPerOrigin, s.Origins, s.Pubkeys)
}
