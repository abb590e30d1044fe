package whitelist

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Shugur-Network/gated-relay/internal/domain"
	"github.com/Shugur-Network/gated-relay/internal/models"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryProvider keeps whitelist entries in process memory.
type MemoryProvider struct {
	mu      sync.RWMutex
	entries map[string]models.WhitelistEntry
	now     func() time.Time
}

var _ domain.WhitelistProvider = (*MemoryProvider)(nil)

// NewMemoryProvider returns an empty provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		entries: make(map[string]models.WhitelistEntry),
		now:     time.Now,
	}
}

func (p *MemoryProvider) Get(_ context.Context, pubkey string) (models.WhitelistEntry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.entries[strings.ToLower(pubkey)]
	if !ok {
		return models.WhitelistEntry{}, domain.ErrEntryNotFound
	}
	e.Cohorts = slices.Clone(e.Cohorts)
	return e, nil
}

func (p *MemoryProvider) List(_ context.Context, opts models.ListOptions) ([]models.WhitelistEntry, int, error) {
	p.mu.RLock()
	matched := make([]models.WhitelistEntry, 0, len(p.entries))
	for _, e := range p.entries {
		if opts.Cohort == "" || e.HasCohort(opts.Cohort) {
			e.Cohorts = slices.Clone(e.Cohorts)
			matched = append(matched, e)
		}
	}
	p.mu.RUnlock()

	SortEntries(matched)
	return Page(matched, opts), len(matched), nil
}

func (p *MemoryProvider) Add(_ context.Context, entry models.WhitelistEntry) error {
	entry.PubKey = strings.ToLower(entry.PubKey)
	entry.Cohorts = models.NormalizeCohorts(entry.Cohorts)
	if entry.AddedAt.IsZero() {
		entry.AddedAt = p.now().UTC()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[entry.PubKey]; ok {
		return domain.ErrEntryExists
	}
	p.entries[entry.PubKey] = entry
	return nil
}

func (p *MemoryProvider) UpdateCohorts(_ context.Context, pubkey string, cohorts []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := strings.ToLower(pubkey)
	e, ok := p.entries[key]
	if !ok {
		return domain.ErrEntryNotFound
	}
	e.Cohorts = models.NormalizeCohorts(cohorts)
	p.entries[key] = e
	return nil
}

// SortEntries orders entries oldest first, ties broken by pubkey.
func SortEntries(entries []models.WhitelistEntry) {
	slices.SortFunc(entries, func(a, b models.WhitelistEntry) int {
		if c := a.AddedAt.Compare(b.AddedAt); c != 0 {
			return c
		}
		return strings.Compare(a.PubKey, b.PubKey)
	})
}

// Page applies offset and limit to a sorted slice. A limit of zero or less
// returns everything after the offset.
func Page(entries []models.WhitelistEntry, opts models.ListOptions) []models.WhitelistEntry {
	if opts.Offset >= len(entries) {
		return []models.WhitelistEntry{}
	}
	if opts.Offset > 0 {
		entries = entries[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(entries) {
		entries = entries[:opts.Limit]
	}
	return entries
}

// CachedProvider fronts another provider with an expiring LRU of entries
// found by Get. Misses are never cached, so an entry added by another
// process is honoured on the next lookup. Mutations made through the
// cache invalidate the affected key.
type CachedProvider struct {
	next  domain.WhitelistProvider
	cache *lru.LRU[string, models.WhitelistEntry]
}

var _ domain.WhitelistProvider = (*CachedProvider)(nil)

// NewCachedProvider wraps next with a cache of size entries living ttl.
func NewCachedProvider(next domain.WhitelistProvider, size int, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		next:  next,
		cache: lru.NewLRU[string, models.WhitelistEntry](size, nil, ttl),
	}
}

func (p *CachedProvider) Get(ctx context.Context, pubkey string) (models.WhitelistEntry, error) {
	key := strings.ToLower(pubkey)
	if e, ok := p.cache.Get(key); ok {
		return e, nil
	}

	e, err := p.next.Get(ctx, key)
	if err == nil {
		p.cache.Add(key, e)
	}
	return e, err
}

func (p *CachedProvider) List(ctx context.Context, opts models.ListOptions) ([]models.WhitelistEntry, int, error) {
	return p.next.List(ctx, opts)
}

func (p *CachedProvider) Add(ctx context.Context, entry models.WhitelistEntry) error {
	defer p.cache.Remove(strings.ToLower(entry.PubKey))
	return p.next.Add(ctx, entry)
}

func (p *CachedProvider) UpdateCohorts(ctx context.Context, pubkey string, cohorts []string) error {
	defer p.cache.Remove(strings.ToLower(pubkey))
	return p.next.UpdateCohorts(ctx, pubkey, cohorts)
}
