package nips

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/Shugur-Network/gated-relay/internal/logger"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip42"
	"go.uber.org/zap"
)

// GenerateAuthChallenge creates a random hex challenge string for NIP-42 AUTH.
func GenerateAuthChallenge() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate auth challenge: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ValidateAuthEvent validates a NIP-42 AUTH event from a client.
// Returns the authenticated pubkey on success.
func ValidateAuthEvent(event *nostr.Event, challenge string, relayURL string) (string, bool) {
	pubkey, ok := nip42.ValidateAuthEvent(event, challenge, relayURL)
	if !ok {
		logger.Debug("NIP-42: AUTH validation failed",
			zap.String("event_id", event.ID),
			zap.String("pubkey", event.PubKey))
		return "", false
	}
	return pubkey, true
}
