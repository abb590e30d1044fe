package storage

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	nostr "github.com/nbd-wtf/go-nostr"
)

// DefaultQueryLimit applies when a filter carries no limit.
const DefaultQueryLimit = 500

const selectColumns = `SELECT id, pubkey, kind, created_at, content, tags, sig FROM events`

// queryBuilder accumulates WHERE conditions and their positional arguments.
type queryBuilder struct {
	conds []string
	args  []any
}

func (b *queryBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *queryBuilder) where(format string, v ...any) {
	b.conds = append(b.conds, fmt.Sprintf(format, v...))
}

// BuildQuery translates a filter into SQL. Conditions inside a filter are
// ANDed; values inside one condition are ORed. A set that is present but
// empty matches nothing, as in nostr.Filter.Matches. Expired and deleted rows
// are never returned.
func BuildQuery(f nostr.Filter, now time.Time) (string, []any, error) {
	b := &queryBuilder{args: make([]any, 0, 8)}

	if f.IDs != nil {
		b.where("id = ANY(%s::text[])", b.arg(f.IDs))
	}
	if f.Authors != nil {
		b.where("pubkey = ANY(%s::text[])", b.arg(f.Authors))
	}
	if f.Kinds != nil {
		b.where("kind = ANY(%s::integer[])", b.arg(f.Kinds))
	}
	if f.Since != nil {
		b.where("created_at >= %s", b.arg(int64(*f.Since)))
	}
	if f.Until != nil {
		b.where("created_at <= %s", b.arg(int64(*f.Until)))
	}

	// map order is random; sort so the same filter yields the same SQL
	names := make([]string, 0, len(f.Tags))
	for name := range f.Tags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		values := f.Tags[name]
		if values == nil {
			continue
		}
		if len(values) == 0 {
			b.where("FALSE")
			continue
		}
		ors := make([]string, 0, len(values))
		for _, v := range values {
			raw, err := json.Marshal([][]string{{name, v}})
			if err != nil {
				return "", nil, fmt.Errorf("failed to encode tag filter %q: %w", name, err)
			}
			ors = append(ors, fmt.Sprintf("tags @> %s::jsonb", b.arg(string(raw))))
		}
		b.where("(%s)", strings.Join(ors, " OR "))
	}

	b.where("(expires_at IS NULL OR expires_at > %s)", b.arg(now.Unix()))
	b.where("NOT EXISTS (SELECT 1 FROM tombstones t WHERE t.event_id = events.id AND t.pubkey = events.pubkey)")

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	var q strings.Builder
	q.Grow(256)
	q.WriteString(selectColumns)
	q.WriteString(" WHERE ")
	q.WriteString(strings.Join(b.conds, " AND "))
	q.WriteString(" ORDER BY created_at DESC, id ASC LIMIT ")
	q.WriteString(b.arg(limit))
	return q.String(), b.args, nil
}
