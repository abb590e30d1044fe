package relay

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"unicode/utf8"

	"github.com/Shugur-Network/gated-relay/internal/constants"
	json "github.com/goccy/go-json"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

func validSubID(id string) bool {
	n := utf8.RuneCountInString(id)
	return n >= 1 && n <= constants.MaxSubIDLength
}

// handleReq registers a subscription and schedules its history query on
// the worker pool. Live matches arriving before EOSE are buffered.
func (s *Server) handleReq(c *Conn, args []json.RawMessage) {
	if len(args) < 1 {
		c.notice(Reason(ErrMissingArgument))
		return
	}
	subID, ok := decodeString(args[0])
	if !ok {
		c.notice(Reason(ErrInvalidSubID))
		return
	}
	if !validSubID(subID) {
		c.closed(subID, ErrInvalidSubID)
		return
	}

	raw := args[1:]
	switch {
	case len(raw) == 0:
		c.closed(subID, ErrNoFilters)
		return
	case len(raw) > s.cfg.MaxFilters:
		c.closed(subID, ErrTooManyFilters)
		return
	}
	filters, err := ParseFilters(raw)
	if err != nil {
		c.log.Debug("Invalid filter", zap.String("sub_id", subID), zap.Error(err))
		c.closed(subID, err)
		return
	}

	sub, err := s.matcher.Subscribe(c.ctx, c.id, c, subID, filters, s.cfg.MaxSubscriptions)
	if err != nil {
		c.closed(subID, err)
		return
	}

	if !s.pool.AddJob(func() { s.serveHistory(c, sub) }) {
		s.matcher.release(c.id, sub)
		c.log.Warn("Worker pool saturated, refusing subscription", zap.String("sub_id", subID))
		c.closed(subID, ErrRelayBusy)
	}
}

// serveHistory sends stored matches, EOSE, then turns the subscription live.
func (s *Server) serveHistory(c *Conn, sub *subscription) {
	events, err := s.history(sub.ctx, sub.filters)
	if sub.ctx.Err() != nil {
		// closed, replaced, or the connection went away
		return
	}
	if err != nil {
		c.log.Error("Failed to query events", zap.String("sub_id", sub.id), zap.Error(err))
		s.matcher.release(c.id, sub)
		c.closed(sub.id, ErrQueryFailed)
		return
	}

	sent := make(map[string]struct{}, len(events))
	for i := range events {
		sent[events[i].ID] = struct{}{}
		if !sub.send(c, eventFrame(sub.id, &events[i])) {
			return
		}
	}
	if !sub.send(c, eoseFrame(sub.id)) {
		return
	}
	s.matcher.Activate(sub, c, sent)
}

// history runs each filter against the store, capped at the relay's query
// limit, and returns the union newest first.
func (s *Server) history(ctx context.Context, filters nostr.Filters) ([]nostr.Event, error) {
	seen := make(map[string]struct{})
	var out []nostr.Event

	for _, f := range filters {
		if f.LimitZero {
			continue
		}
		if f.Limit <= 0 || f.Limit > s.cfg.MaxQueryLimit {
			f.Limit = s.cfg.MaxQueryLimit
		}

		qctx, cancel := context.WithTimeout(ctx, constants.DBQueryTimeout)
		events, err := s.store.Query(qctx, f)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("query filter: %w", err)
		}
		for _, evt := range events {
			if _, dup := seen[evt.ID]; dup {
				continue
			}
			seen[evt.ID] = struct{}{}
			out = append(out, evt)
		}
	}

	SortNewestFirst(out)
	return out, nil
}

// SortNewestFirst orders events by created_at descending, then id ascending.
func SortNewestFirst(events []nostr.Event) {
	slices.SortFunc(events, func(a, b nostr.Event) int {
		if c := cmp.Compare(b.CreatedAt, a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// handleClose removes a subscription and acknowledges with CLOSED.
func (s *Server) handleClose(c *Conn, args []json.RawMessage) {
	if len(args) < 1 {
		c.notice(Reason(ErrMissingArgument))
		return
	}
	subID, ok := decodeString(args[0])
	if !ok {
		c.notice(Reason(ErrInvalidSubID))
		return
	}
	if !s.matcher.Unsubscribe(c.id, subID) {
		c.log.Debug("Attempted to close non-existent subscription", zap.String("sub_id", subID))
	}
	c.Send(closedFrame(subID, ""))
}
