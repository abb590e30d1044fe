package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Shugur-Network/gated-relay/internal/constants"
	"github.com/Shugur-Network/gated-relay/internal/domain"
	"github.com/Shugur-Network/gated-relay/internal/logger"
	"github.com/Shugur-Network/gated-relay/internal/metrics"
	"github.com/Shugur-Network/gated-relay/internal/relay/nips"
	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// replaceKey returns the d_tag column value: nil for kinds that are never
// replaced, "" for replaceable kinds and the d tag for parameterized ones.
func replaceKey(evt *nostr.Event) *string {
	var key string
	switch nips.Classify(evt.Kind) {
	case nips.Replaceable:
	case nips.Parameterized:
		key = nips.DTag(evt)
	default:
		return nil
	}
	return &key
}

// expiresAt returns the NIP-40 expiration in unix seconds, or nil.
func expiresAt(evt *nostr.Event) *int64 {
	t, ok := nips.GetExpirationTime(evt)
	if !ok {
		return nil
	}
	u := t.Unix()
	return &u
}

// Save stores evt according to its kind class. The whole decision runs in
// one transaction; concurrent writers of the same replaceable address are
// serialized by an advisory lock on that address.
func (s *PostgresStore) Save(ctx context.Context, evt *nostr.Event) (res domain.SaveResult, err error) {
	if nips.Classify(evt.Kind) == nips.Ephemeral {
		return domain.Stored, nil
	}
	if !s.isConnected() {
		return 0, ErrNotConnected
	}

	start := time.Now()
	defer func() { metrics.ObserveDB("save", start, err) }()

	tags, err := json.Marshal(evt.Tags)
	if err != nil {
		return 0, fmt.Errorf("failed to encode tags: %w", err)
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			logger.Warn("Rollback failed", zap.String("event_id", evt.ID), zap.Error(rbErr))
		}
	}()

	res, err = s.save(ctx, tx, evt, tags)
	if err != nil || res != domain.Stored {
		return res, err
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit event: %w", err)
	}
	s.markStored(evt.ID)
	return domain.Stored, nil
}

func (s *PostgresStore) save(ctx context.Context, tx pgx.Tx, evt *nostr.Event, tags []byte) (domain.SaveResult, error) {
	var tombstoned bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tombstones WHERE event_id = $1 AND pubkey = $2)`,
		evt.ID, evt.PubKey).Scan(&tombstoned)
	if err != nil {
		return 0, fmt.Errorf("failed to check tombstones: %w", err)
	}
	if tombstoned {
		return domain.Tombstoned, nil
	}

	if s.maybeStored(evt.ID) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM events WHERE id = $1)`, evt.ID).Scan(&exists); err != nil {
			return 0, fmt.Errorf("failed to check duplicate: %w", err)
		}
		if exists {
			return domain.Duplicate, nil
		}
	}

	dTag := replaceKey(evt)
	if dTag != nil {
		lockKey := fmt.Sprintf("%s:%d:%s", evt.PubKey, evt.Kind, *dTag)
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey); err != nil {
			return 0, fmt.Errorf("failed to lock replaceable address: %w", err)
		}

		var newer bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS (
				SELECT 1 FROM events
				WHERE pubkey = $1 AND kind = $2 AND d_tag = $3
				AND (created_at > $4 OR (created_at = $4 AND id >= $5))
			)`, evt.PubKey, evt.Kind, *dTag, int64(evt.CreatedAt), evt.ID).Scan(&newer)
		if err != nil {
			return 0, fmt.Errorf("failed to check replaceable address: %w", err)
		}
		if newer {
			return domain.Superseded, nil
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM events WHERE pubkey = $1 AND kind = $2 AND d_tag = $3`,
			evt.PubKey, evt.Kind, *dTag); err != nil {
			return 0, fmt.Errorf("failed to delete replaced events: %w", err)
		}
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO events (id, pubkey, created_at, kind, tags, content, sig, d_tag, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		evt.ID, evt.PubKey, int64(evt.CreatedAt), evt.Kind, string(tags), evt.Content, evt.Sig, dTag, expiresAt(evt))
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Duplicate, nil
	}

	if targets := nips.DeletionTargets(evt); len(targets) > 0 {
		if _, err := tx.Exec(ctx,
			`INSERT INTO tombstones (event_id, pubkey, deletion_id, created_at)
			 SELECT t, $2, $3, $4 FROM unnest($1::text[]) AS t
			 ON CONFLICT (event_id, pubkey) DO NOTHING`,
			targets, evt.PubKey, evt.ID, int64(evt.CreatedAt)); err != nil {
			return 0, fmt.Errorf("failed to record tombstones: %w", err)
		}
		deleted, err := tx.Exec(ctx,
			`DELETE FROM events WHERE id = ANY($1::text[]) AND pubkey = $2`,
			targets, evt.PubKey)
		if err != nil {
			return 0, fmt.Errorf("failed to delete referenced events: %w", err)
		}
		logger.Debug("Deletion applied",
			zap.String("deletion_id", evt.ID),
			zap.Int("targets", len(targets)),
			zap.Int64("deleted", deleted.RowsAffected()))
	}
	return domain.Stored, nil
}

// Query returns the stored events matching f, newest first.
func (s *PostgresStore) Query(ctx context.Context, f nostr.Filter) (events []nostr.Event, err error) {
	if f.LimitZero {
		return []nostr.Event{}, nil
	}
	if !s.isConnected() {
		return nil, ErrNotConnected
	}

	start := time.Now()
	defer func() { metrics.ObserveDB("query", start, err) }()

	query, args, err := BuildQuery(f, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	logger.Debug("Executing query", zap.String("query", query), zap.Int("arg_count", len(args)))

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events = make([]nostr.Event, 0, 64)
	for rows.Next() {
		var evt nostr.Event
		var createdAt int64
		var rawTags []byte
		if err := rows.Scan(&evt.ID, &evt.PubKey, &evt.Kind, &createdAt, &evt.Content, &rawTags, &evt.Sig); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		evt.CreatedAt = nostr.Timestamp(createdAt)
		if err := json.Unmarshal(rawTags, &evt.Tags); err != nil {
			logger.Warn("Failed to unmarshal tags", zap.String("event_id", evt.ID), zap.Error(err))
			evt.Tags = nostr.Tags{}
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading events: %w", err)
	}
	return events, nil
}

// CleanExpiredEvents removes events whose NIP-40 expiration has passed.
func (s *PostgresStore) CleanExpiredEvents(ctx context.Context) (n int, err error) {
	if !s.isConnected() {
		return 0, ErrNotConnected
	}

	start := time.Now()
	defer func() { metrics.ObserveDB("cleanup", start, err) }()

	tag, err := s.Pool.Exec(ctx,
		`DELETE FROM events WHERE expires_at IS NOT NULL AND expires_at <= $1`, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired events: %w", err)
	}
	n = int(tag.RowsAffected())
	metrics.EventsExpired.Add(float64(n))
	return n, nil
}

// EventCount returns the number of stored events.
func (s *PostgresStore) EventCount(ctx context.Context) (int64, error) {
	if !s.isConnected() {
		return 0, ErrNotConnected
	}
	var count int64
	if err := s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get total event count: %w", err)
	}
	return count, nil
}

// ExpiryCleaner is a store that can drop expired rows.
type ExpiryCleaner interface {
	CleanExpiredEvents(ctx context.Context) (int, error)
}

// StartExpiredEventsCleaner runs c.CleanExpiredEvents every interval until
// ctx is done.
func StartExpiredEventsCleaner(ctx context.Context, c ExpiryCleaner, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cctx, cancel := context.WithTimeout(ctx, constants.DBQueryTimeout)
				count, err := c.CleanExpiredEvents(cctx)
				cancel()
				if err != nil {
					logger.Error("Failed to clean expired events", zap.Error(err))
				} else if count > 0 {
					logger.Info("Cleaned expired events", zap.Int("count", count))
				}
			}
		}
	}()
}
