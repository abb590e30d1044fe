package relay

import (
	"context"
	"errors"

	"github.com/Shugur-Network/gated-relay/internal/constants"
	"github.com/Shugur-Network/gated-relay/internal/domain"
	"github.com/Shugur-Network/gated-relay/internal/metrics"
	"github.com/Shugur-Network/gated-relay/internal/relay/nips"
	json "github.com/goccy/go-json"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

const msgDuplicate = "duplicate: already have this event"

// rejectEvent answers a refused event exactly once: OK false when the id is
// known, NOTICE otherwise.
func (s *Server) rejectEvent(c *Conn, id string, stage string, err error) {
	metrics.RecordRejected(stage)
	c.log.Debug("Event rejected",
		zap.String("event_id", id),
		zap.String("stage", stage),
		zap.Error(err))
	if id == "" {
		c.notice(Reason(err))
		return
	}
	c.ok(id, false, Reason(err))
}

// handleEvent runs the ingestion pipeline: origin limit, structure,
// id and signature, authorization, author limit, then store and fan-out.
func (s *Server) handleEvent(c *Conn, args []json.RawMessage) {
	if err := s.limiter.CheckEventLimit(c.origin); err != nil {
		metrics.RecordRejected("origin_limit")
		c.notice(Reason(err))
		return
	}
	if len(args) < 1 {
		s.rejectEvent(c, "", "invalid", ErrMissingArgument)
		return
	}

	evt, id, err := DecodeEvent(args[0])
	if err != nil {
		s.rejectEvent(c, id, "invalid", err)
		return
	}
	if err := Verify(evt, s.now()); err != nil {
		s.rejectEvent(c, id, "invalid", err)
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, constants.DBQueryTimeout)
	defer cancel()

	if d := s.authorizer.Authorize(ctx, evt); !d.Allowed {
		metrics.RecordRejected("auth")
		c.log.Debug("Event not authorized",
			zap.String("event_id", evt.ID),
			zap.String("pubkey", evt.PubKey),
			zap.Int("kind", evt.Kind),
			zap.String("reason", d.Reason))
		c.ok(evt.ID, false, d.Reason)
		return
	}
	if err := s.limiter.CheckPubkeyEventLimit(evt.PubKey); err != nil {
		s.rejectEvent(c, evt.ID, "pubkey_limit", err)
		return
	}

	if nips.Classify(evt.Kind) == nips.Ephemeral {
		s.matcher.Broadcast(evt)
		metrics.RecordAccepted("ephemeral")
		c.ok(evt.ID, true, "")
		return
	}

	res, err := s.store.Save(ctx, evt)
	if err != nil {
		c.log.Error("Failed to save event",
			zap.String("event_id", evt.ID),
			zap.Int("kind", evt.Kind),
			zap.Error(err))
		s.rejectEvent(c, evt.ID, "store", errors.Join(ErrSaveFailed, err))
		return
	}
	metrics.RecordAccepted(res.String())

	if res.Broadcastable() {
		s.matcher.Broadcast(evt)
	}
	if res == domain.Duplicate {
		c.ok(evt.ID, true, msgDuplicate)
		return
	}
	c.ok(evt.ID, true, "")
}

// handleAuth verifies a NIP-42 AUTH event against this connection's
// challenge. A successful AUTH is recorded but grants no write access.
func (s *Server) handleAuth(c *Conn, args []json.RawMessage) {
	if len(args) < 1 {
		c.notice(Reason(ErrMissingArgument))
		return
	}
	evt, id, err := DecodeEvent(args[0])
	if err != nil {
		s.rejectEvent(c, id, "invalid", err)
		return
	}
	if err := Verify(evt, s.now()); err != nil {
		s.rejectEvent(c, id, "invalid", err)
		return
	}
	if !s.validAuth(c, evt) {
		c.ok(evt.ID, false, Reason(ErrAuthFailed))
		return
	}
	c.log.Debug("Client authenticated", zap.String("pubkey", evt.PubKey))
	c.ok(evt.ID, true, "")
}

func (s *Server) validAuth(c *Conn, evt *nostr.Event) bool {
	if c.challenge == "" || evt.Kind != nips.KindClientAuth {
		return false
	}
	pubkey, ok := nips.ValidateAuthEvent(evt, c.challenge, s.relayURL(c))
	if !ok {
		return false
	}
	c.setAuthed(pubkey)
	return true
}
