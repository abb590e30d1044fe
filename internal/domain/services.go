package domain

import (
	"context"

	"github.com/Shugur-Network/gated-relay/internal/models"
	nostr "github.com/nbd-wtf/go-nostr"
)

// RateLimiter throttles event ingestion per origin and per author, and caps
// concurrent connections per origin.
type RateLimiter interface {
	CheckEventLimit(origin string) error
	CheckPubkeyEventLimit(pubkey string) error
	CheckEventLimits(origin, pubkey string) error
	TrackConnection(origin string) error
	ReleaseConnection(origin string)
}

// Decision is the outcome of a write authorization check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Authorizer decides whether an already verified event may be written.
type Authorizer interface {
	Authorize(ctx context.Context, evt *nostr.Event) Decision
}

// SaveResult describes what Save did with an accepted event.
type SaveResult int

const (
	// Stored means the event is now part of the store.
	Stored SaveResult = iota
	// Duplicate means an event with the same id was already stored.
	Duplicate
	// Superseded means a replaceable event lost against a newer or equal row.
	Superseded
	// Tombstoned means the author deleted this id before it arrived.
	Tombstoned
)

func (r SaveResult) String() string {
	switch r {
	case Stored:
		return "stored"
	case Duplicate:
		return "duplicate"
	case Superseded:
		return "superseded"
	case Tombstoned:
		return "tombstoned"
	}
	return "unknown"
}

// Broadcastable reports whether subscribers should see the event.
func (r SaveResult) Broadcastable() bool {
	return r == Stored
}

// EventStore persists events with kind-dependent semantics and answers filters.
type EventStore interface {
	Save(ctx context.Context, evt *nostr.Event) (SaveResult, error)
	Query(ctx context.Context, filter nostr.Filter) ([]nostr.Event, error)
	Ping(ctx context.Context) error
	Close()
}

// WhitelistProvider is the externally managed membership list.
type WhitelistProvider interface {
	Get(ctx context.Context, pubkey string) (models.WhitelistEntry, error)
	List(ctx context.Context, opts models.ListOptions) ([]models.WhitelistEntry, int, error)
	Add(ctx context.Context, entry models.WhitelistEntry) error
	UpdateCohorts(ctx context.Context, pubkey string, cohorts []string) error
}
