package relay

import (
	"context"
	"sync"

	"github.com/Shugur-Network/gated-relay/internal/metrics"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
)

// maxPendingEvents bounds the live events buffered for a subscription while
// its history query is still running.
const maxPendingEvents = 1024

// Sink receives frames for one connection.
type Sink interface {
	// Send enqueues a frame without blocking. It returns false when the
	// frame could not be queued.
	Send(frame []byte) bool
	// Overflow reports that the consumer cannot keep up.
	Overflow()
}

// subscription is one REQ of one connection. It starts pending: live
// matches are buffered until the history has been delivered and EOSE sent.
type subscription struct {
	id      string
	filters nostr.Filters
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	live    bool
	pending []*nostr.Event
}

// deliver sends evt live or buffers it while history is in flight.
func (s *subscription) deliver(sink Sink, evt *nostr.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return false
	}
	if !s.live {
		if len(s.pending) >= maxPendingEvents {
			sink.Overflow()
			return false
		}
		s.pending = append(s.pending, evt)
		return true
	}
	return sink.Send(eventFrame(s.id, evt))
}

// send queues frame unless the subscription has been closed. close takes
// the same lock, so no frame for this id follows its cancellation.
func (s *subscription) send(sink Sink, frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return false
	}
	return sink.Send(frame)
}

// close cancels the subscription once no send is in progress.
func (s *subscription) close() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
}

type connSubs struct {
	sink Sink
	mu   sync.Mutex
	subs map[string]*subscription
}

// Matcher is the registry of subscriptions across all connections.
type Matcher struct {
	conns *xsync.MapOf[string, *connSubs]
}

// NewMatcher creates an empty registry.
func NewMatcher() *Matcher {
	return &Matcher{conns: xsync.NewMapOf[string, *connSubs]()}
}

// Subscribe registers a pending subscription for connID. A subscription with
// the same id is replaced and its in-flight history query canceled.
func (m *Matcher) Subscribe(parent context.Context, connID string, sink Sink, subID string, filters nostr.Filters, max int) (*subscription, error) {
	cs, _ := m.conns.LoadOrCompute(connID, func() *connSubs {
		return &connSubs{sink: sink, subs: make(map[string]*subscription)}
	})

	cs.mu.Lock()
	defer cs.mu.Unlock()

	old, replacing := cs.subs[subID]
	if !replacing && max > 0 && len(cs.subs) >= max {
		return nil, ErrTooManySubscriptions
	}
	if replacing {
		old.close()
	} else {
		metrics.IncrementActiveSubscriptions()
	}

	ctx, cancel := context.WithCancel(parent)
	sub := &subscription{id: subID, filters: filters, ctx: ctx, cancel: cancel}
	cs.subs[subID] = sub
	return sub, nil
}

// Activate flushes the events buffered during the history query, skipping
// ids already sent, and switches the subscription to live delivery. It does
// nothing if the subscription was closed or replaced meanwhile.
func (m *Matcher) Activate(sub *subscription, sink Sink, sent map[string]struct{}) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.ctx.Err() != nil {
		return
	}
	for _, evt := range sub.pending {
		if _, dup := sent[evt.ID]; dup {
			continue
		}
		sent[evt.ID] = struct{}{}
		if !sink.Send(eventFrame(sub.id, evt)) {
			break
		}
	}
	sub.pending = nil
	sub.live = true
}

// Unsubscribe removes subID from connID. It reports whether it existed.
func (m *Matcher) Unsubscribe(connID, subID string) bool {
	cs, ok := m.conns.Load(connID)
	if !ok {
		return false
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	sub, ok := cs.subs[subID]
	if !ok {
		return false
	}
	sub.close()
	delete(cs.subs, subID)
	metrics.DecrementActiveSubscriptions()
	return true
}

// release drops sub if it is still the registered subscription for its id.
// Used when a history query fails after registration.
func (m *Matcher) release(connID string, sub *subscription) {
	cs, ok := m.conns.Load(connID)
	if !ok {
		return
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.subs[sub.id] == sub {
		sub.close()
		delete(cs.subs, sub.id)
		metrics.DecrementActiveSubscriptions()
	}
}

// RemoveConnection drops every subscription of connID and returns how many
// there were.
func (m *Matcher) RemoveConnection(connID string) int {
	cs, ok := m.conns.LoadAndDelete(connID)
	if !ok {
		return 0
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	n := len(cs.subs)
	for _, sub := range cs.subs {
		sub.close()
		metrics.DecrementActiveSubscriptions()
	}
	cs.subs = nil
	return n
}

// Broadcast offers evt to every subscription with a matching filter and
// returns the number of deliveries. It never blocks on a slow consumer.
func (m *Matcher) Broadcast(evt *nostr.Event) int {
	delivered := 0
	m.conns.Range(func(_ string, cs *connSubs) bool {
		cs.mu.Lock()
		matched := make([]*subscription, 0, len(cs.subs))
		for _, sub := range cs.subs {
			if sub.filters.Match(evt) {
				matched = append(matched, sub)
			}
		}
		cs.mu.Unlock()

		for _, sub := range matched {
			if sub.deliver(cs.sink, evt) {
				delivered++
			}
		}
		return true
	})
	if delivered > 0 {
		metrics.EventsBroadcast.Add(float64(delivered))
	}
	return delivered
}

// Connections returns the number of connections with at least one entry.
func (m *Matcher) Connections() int {
	return m.conns.Size()
}
