package storage

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Shugur-Network/gated-relay/internal/domain"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/willf/bloom"
)

// pgFixture is a Postgres store plus an author unique to one test, so runs
// against a shared database do not see each other's rows.
type pgFixture struct {
	store  *PostgresStore
	pubkey string
}

func openPostgres(t *testing.T) *pgFixture {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s, err := OpenPostgres(ctx, dsn, 8, 0)
	require.NoError(t, err)

	pubkey, err := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx := context.Background()
		_, _ = s.Pool.Exec(ctx, `DELETE FROM events WHERE pubkey = $1`, pubkey)
		_, _ = s.Pool.Exec(ctx, `DELETE FROM tombstones WHERE pubkey = $1`, pubkey)
		s.Close()
	})
	return &pgFixture{store: s, pubkey: pubkey}
}

// ev builds an event of the fixture's author. Ids derive from the author so
// they stay unique per test.
func (f *pgFixture) ev(n int, kind int, createdAt int64, tags ...nostr.Tag) *nostr.Event {
	e := ev(n, f.pubkey, kind, createdAt, tags...)
	e.ID = fmt.Sprintf("%s%016x", f.pubkey[:48], n)
	return e
}

func (f *pgFixture) query(t *testing.T, filter nostr.Filter) []string {
	t.Helper()
	filter.Authors = []string{f.pubkey}
	got, err := f.store.Query(context.Background(), filter)
	require.NoError(t, err)
	return ids(got)
}

func TestPostgresSaveRegularAndDuplicate(t *testing.T) {
	f := openPostgres(t)
	ctx := context.Background()
	first := f.ev(1, 1, 100)

	res, err := f.store.Save(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, domain.Stored, res)

	// caught by the bloom prefilter and the existence check
	res, err = f.store.Save(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, domain.Duplicate, res)

	// with an empty prefilter the insert conflict reports the duplicate
	f.store.Bloom = bloom.NewWithEstimates(1000, 0.01)
	res, err = f.store.Save(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, domain.Duplicate, res)

	_, err = f.store.Save(ctx, f.ev(2, 1, 200))
	require.NoError(t, err)
	assert.Equal(t, []string{f.ev(2, 1, 0).ID, first.ID}, f.query(t, nostr.Filter{Kinds: []int{1}}))
}

func TestPostgresSaveReplaceable(t *testing.T) {
	f := openPostgres(t)
	ctx := context.Background()

	tests := []struct {
		name string
		evt  *nostr.Event
		want domain.SaveResult
		kept string
	}{
		{"first", f.ev(10, 0, 100), domain.Stored, f.ev(10, 0, 0).ID},
		{"newer replaces", f.ev(11, 0, 200), domain.Stored, f.ev(11, 0, 0).ID},
		{"older loses", f.ev(12, 0, 150), domain.Superseded, f.ev(11, 0, 0).ID},
		{"same second, lower id loses", f.ev(9, 0, 200), domain.Superseded, f.ev(11, 0, 0).ID},
		{"resend is a duplicate", f.ev(11, 0, 200), domain.Duplicate, f.ev(11, 0, 0).ID},
		{"same second, higher id wins", f.ev(13, 0, 200), domain.Stored, f.ev(13, 0, 0).ID},
	}
	for _, tt := range tests {
		res, err := f.store.Save(ctx, tt.evt)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, res, tt.name)
		assert.Equal(t, []string{tt.kept}, f.query(t, nostr.Filter{Kinds: []int{0}}), tt.name)
	}
}

func TestPostgresSaveParameterized(t *testing.T) {
	f := openPostgres(t)
	ctx := context.Background()

	for _, e := range []*nostr.Event{
		f.ev(20, 30000, 100, nostr.Tag{"d", "a"}),
		f.ev(21, 30000, 100, nostr.Tag{"d", "b"}),
		f.ev(22, 30000, 200, nostr.Tag{"d", "a"}),
	} {
		_, err := f.store.Save(ctx, e)
		require.NoError(t, err)
	}
	assert.ElementsMatch(t,
		[]string{f.ev(22, 0, 0).ID, f.ev(21, 0, 0).ID},
		f.query(t, nostr.Filter{Kinds: []int{30000}}))
}

func TestPostgresConcurrentReplaceableWriters(t *testing.T) {
	f := openPostgres(t)
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.store.Save(ctx, f.ev(100+i, 3, int64(1000+i))); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, []string{f.ev(100+writers-1, 0, 0).ID}, f.query(t, nostr.Filter{Kinds: []int{3}}))
}

func TestPostgresDeletionTombstones(t *testing.T) {
	f := openPostgres(t)
	ctx := context.Background()
	target := f.ev(30, 1, 100)

	_, err := f.store.Save(ctx, target)
	require.NoError(t, err)

	deletion := f.ev(31, 5, 200, nostr.Tag{"e", target.ID})
	res, err := f.store.Save(ctx, deletion)
	require.NoError(t, err)
	assert.Equal(t, domain.Stored, res)
	assert.Empty(t, f.query(t, nostr.Filter{Kinds: []int{1}}))

	// the deleted id never comes back
	res, err = f.store.Save(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, domain.Tombstoned, res)
	assert.Empty(t, f.query(t, nostr.Filter{IDs: []string{target.ID}}))

	// the deletion itself stays queryable
	assert.Equal(t, []string{deletion.ID}, f.query(t, nostr.Filter{Kinds: []int{5}}))
}

func TestPostgresQueryEmptySet(t *testing.T) {
	f := openPostgres(t)
	ctx := context.Background()

	_, err := f.store.Save(ctx, f.ev(40, 1, 100, nostr.Tag{"e", id(1)}))
	require.NoError(t, err)

	assert.Len(t, f.query(t, nostr.Filter{Kinds: []int{1}}), 1)
	assert.Empty(t, f.query(t, nostr.Filter{Kinds: []int{1}, Tags: nostr.TagMap{"e": {}}}))
	assert.Empty(t, f.query(t, nostr.Filter{Kinds: []int{}}))
}
