package storage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Shugur-Network/gated-relay/internal/domain"
	"github.com/Shugur-Network/gated-relay/internal/metrics"
	"github.com/Shugur-Network/gated-relay/internal/relay/nips"
	nostr "github.com/nbd-wtf/go-nostr"
)

// MemoryStore is an EventStore kept in process memory. It follows the same
// kind rules as PostgresStore and is used when no database is configured.
type MemoryStore struct {
	mu         sync.RWMutex
	events     map[string]*nostr.Event
	addresses  map[string]string // replace address -> event id
	tombstones map[string]struct{}
	closed     bool
	now        func() time.Time
}

var _ domain.EventStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:     make(map[string]*nostr.Event),
		addresses:  make(map[string]string),
		tombstones: make(map[string]struct{}),
		now:        time.Now,
	}
}

func address(evt *nostr.Event, dTag string) string {
	return fmt.Sprintf("%s:%d:%s", evt.PubKey, evt.Kind, dTag)
}

func tombstoneKey(id, pubkey string) string {
	return id + ":" + pubkey
}

// newer reports whether a wins the replacement order against b.
func newer(a, b *nostr.Event) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID > b.ID
}

func (m *MemoryStore) Save(_ context.Context, evt *nostr.Event) (domain.SaveResult, error) {
	if nips.Classify(evt.Kind) == nips.Ephemeral {
		return domain.Stored, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrNotConnected
	}

	if _, ok := m.tombstones[tombstoneKey(evt.ID, evt.PubKey)]; ok {
		return domain.Tombstoned, nil
	}
	if _, ok := m.events[evt.ID]; ok {
		return domain.Duplicate, nil
	}

	if dTag := replaceKey(evt); dTag != nil {
		addr := address(evt, *dTag)
		if oldID, ok := m.addresses[addr]; ok {
			if old := m.events[oldID]; old != nil && !newer(evt, old) {
				return domain.Superseded, nil
			}
			delete(m.events, oldID)
		}
		m.addresses[addr] = evt.ID
	}

	stored := *evt
	stored.Tags = slices.Clone(evt.Tags)
	m.events[evt.ID] = &stored

	for _, target := range nips.DeletionTargets(evt) {
		m.tombstones[tombstoneKey(target, evt.PubKey)] = struct{}{}
		if old, ok := m.events[target]; ok && old.PubKey == evt.PubKey {
			m.remove(old)
		}
	}
	return domain.Stored, nil
}

// remove drops evt and its replace address. Callers hold m.mu.
func (m *MemoryStore) remove(evt *nostr.Event) {
	delete(m.events, evt.ID)
	if dTag := replaceKey(evt); dTag != nil {
		addr := address(evt, *dTag)
		if m.addresses[addr] == evt.ID {
			delete(m.addresses, addr)
		}
	}
}

func (m *MemoryStore) Query(_ context.Context, f nostr.Filter) ([]nostr.Event, error) {
	if f.LimitZero {
		return []nostr.Event{}, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrNotConnected
	}

	now := m.now()
	out := make([]nostr.Event, 0)
	for _, evt := range m.events {
		if nips.IsExpired(evt, now) || !f.Matches(evt) {
			continue
		}
		if _, ok := m.tombstones[tombstoneKey(evt.ID, evt.PubKey)]; ok {
			continue
		}
		cp := *evt
		cp.Tags = slices.Clone(evt.Tags)
		out = append(out, cp)
	}

	slices.SortFunc(out, func(a, b nostr.Event) int {
		if c := cmp.Compare(b.CreatedAt, a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CleanExpiredEvents removes events whose NIP-40 expiration has passed.
func (m *MemoryStore) CleanExpiredEvents(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for _, evt := range m.events {
		if nips.IsExpired(evt, now) {
			m.remove(evt)
			n++
		}
	}
	metrics.EventsExpired.Add(float64(n))
	return n, nil
}

func (m *MemoryStore) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrNotConnected
	}
	return nil
}

func (m *MemoryStore) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// Len returns the number of stored events.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
