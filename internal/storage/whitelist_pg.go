package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Shugur-Network/gated-relay/internal/domain"
	"github.com/Shugur-Network/gated-relay/internal/metrics"
	"github.com/Shugur-Network/gated-relay/internal/models"
	"github.com/jackc/pgx/v5"
)

// PostgresWhitelist is the whitelist provider sharing the event store's pool.
type PostgresWhitelist struct {
	store *PostgresStore
}

var _ domain.WhitelistProvider = (*PostgresWhitelist)(nil)

// Whitelist returns the provider backed by the whitelist table.
func (s *PostgresStore) Whitelist() *PostgresWhitelist {
	return &PostgresWhitelist{store: s}
}

func (w *PostgresWhitelist) Get(ctx context.Context, pubkey string) (e models.WhitelistEntry, err error) {
	if !w.store.isConnected() {
		return e, ErrNotConnected
	}
	start := time.Now()
	defer func() {
		if errors.Is(err, domain.ErrEntryNotFound) {
			metrics.ObserveDB("whitelist_get", start, nil)
			return
		}
		metrics.ObserveDB("whitelist_get", start, err)
	}()

	err = w.store.Pool.QueryRow(ctx,
		`SELECT pubkey, cohorts, added_by, added_at FROM whitelist WHERE pubkey = $1`,
		strings.ToLower(pubkey)).Scan(&e.PubKey, &e.Cohorts, &e.AddedBy, &e.AddedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WhitelistEntry{}, domain.ErrEntryNotFound
	}
	if err != nil {
		return models.WhitelistEntry{}, fmt.Errorf("failed to get whitelist entry: %w", err)
	}
	return e, nil
}

func (w *PostgresWhitelist) List(ctx context.Context, opts models.ListOptions) (entries []models.WhitelistEntry, total int, err error) {
	if !w.store.isConnected() {
		return nil, 0, ErrNotConnected
	}
	start := time.Now()
	defer func() { metrics.ObserveDB("whitelist_list", start, err) }()

	cohort := strings.ToLower(strings.TrimSpace(opts.Cohort))
	if err = w.store.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM whitelist WHERE ($1 = '' OR $1 = ANY(cohorts))`, cohort).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count whitelist: %w", err)
	}

	// a NULL limit returns every row
	var limit *int
	if opts.Limit > 0 {
		limit = &opts.Limit
	}
	rows, err := w.store.Pool.Query(ctx,
		`SELECT pubkey, cohorts, added_by, added_at FROM whitelist
		 WHERE ($1 = '' OR $1 = ANY(cohorts))
		 ORDER BY added_at, pubkey
		 LIMIT $2 OFFSET $3`, cohort, limit, max(opts.Offset, 0))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list whitelist: %w", err)
	}
	defer rows.Close()

	entries = []models.WhitelistEntry{}
	for rows.Next() {
		var e models.WhitelistEntry
		if err = rows.Scan(&e.PubKey, &e.Cohorts, &e.AddedBy, &e.AddedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan whitelist entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error reading whitelist: %w", err)
	}
	return entries, total, nil
}

func (w *PostgresWhitelist) Add(ctx context.Context, entry models.WhitelistEntry) (err error) {
	if !w.store.isConnected() {
		return ErrNotConnected
	}
	start := time.Now()
	defer func() {
		if errors.Is(err, domain.ErrEntryExists) {
			metrics.ObserveDB("whitelist_add", start, nil)
			return
		}
		metrics.ObserveDB("whitelist_add", start, err)
	}()

	if entry.AddedAt.IsZero() {
		entry.AddedAt = w.store.now().UTC()
	}
	tag, err := w.store.Pool.Exec(ctx,
		`INSERT INTO whitelist (pubkey, cohorts, added_by, added_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (pubkey) DO NOTHING`,
		strings.ToLower(entry.PubKey), models.NormalizeCohorts(entry.Cohorts), entry.AddedBy, entry.AddedAt)
	if err != nil {
		return fmt.Errorf("failed to add whitelist entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrEntryExists
	}
	return nil
}

func (w *PostgresWhitelist) UpdateCohorts(ctx context.Context, pubkey string, cohorts []string) (err error) {
	if !w.store.isConnected() {
		return ErrNotConnected
	}
	start := time.Now()
	defer func() {
		if errors.Is(err, domain.ErrEntryNotFound) {
			metrics.ObserveDB("whitelist_update", start, nil)
			return
		}
		metrics.ObserveDB("whitelist_update", start, err)
	}()

	tag, err := w.store.Pool.Exec(ctx,
		`UPDATE whitelist SET cohorts = $2 WHERE pubkey = $1`,
		strings.ToLower(pubkey), models.NormalizeCohorts(cohorts))
	if err != nil {
		return fmt.Errorf("failed to update cohorts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrEntryNotFound
	}
	return nil
}
