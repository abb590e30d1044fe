package constants

import (
	"time"

	"github.com/Shugur-Network/gated-relay/internal/config"
	"github.com/Shugur-Network/gated-relay/internal/relay/nips"
	nip11 "github.com/nbd-wtf/go-nostr/nip11"
)

// Default relay metadata constants
const (
	DefaultRelayDescription = "Whitelist-gated Nostr relay. Profiles and access requests are open to everyone."
	DefaultRelaySoftware    = "github.com/Shugur-Network/gated-relay"
)

// DefaultSupportedNIPs lists the NIPs supported by the relay
var DefaultSupportedNIPs = []any{
	1,  // NIP-01: Basic protocol flow description
	9,  // NIP-09: Event Deletion Request
	11, // NIP-11: Relay Information Document
	40, // NIP-40: Expiration Timestamp
	42, // NIP-42: Authentication of clients to relays
}

// Event and subscription limits enforced by the codec.
const (
	MaxContentLength = 64 * 1024
	MaxEventTags     = 2000
	MaxSubIDLength   = 64
	MaxKind          = 65535
)

// Database operation constants
const (
	MaxDBRetries = 3 // Maximum database connection retry attempts
	DBRetryDelay = 1 // Database retry delay in seconds

	// Pool sizes when database.max_conns is not set, chosen from the
	// expected number of concurrent WebSocket connections.
	DBPoolSmallMaxConns  = 8
	DBPoolSmallMinConns  = 2
	DBPoolMediumMaxConns = 25
	DBPoolMediumMinConns = 5
	DBPoolLargeMaxConns  = 50
	DBPoolLargeMinConns  = 10
)

// Duration constants
const (
	DBConnMaxLifetime    = 60 * time.Minute
	DBConnMaxIdleTime    = 15 * time.Minute
	DBConnAcquireTimeout = 10 * time.Second
	DBQueryTimeout       = 5 * time.Second
	HealthCheckTimeout   = 5 * time.Second
	ShutdownTimeout      = 30 * time.Second
)

// DefaultRelayMetadata builds the NIP-11 document from the limits actually
// enforced by the codec and the rate limiter.
func DefaultRelayMetadata(cfg *config.Config, relayPubKey string) nips.RelayDocument {
	description := cfg.Relay.Description
	if description == "" {
		description = DefaultRelayDescription
	}
	pubkey := cfg.Relay.PublicKey
	if pubkey == "" {
		pubkey = relayPubKey
	}

	ephemeral := int64(0)
	return nips.RelayDocument{
		RelayInformationDocument: nip11.RelayInformationDocument{
			Name:          cfg.Relay.Name,
			Description:   description,
			PubKey:        pubkey,
			Contact:       cfg.Relay.Contact,
			SupportedNIPs: DefaultSupportedNIPs,
			Software:      DefaultRelaySoftware,
			Version:       config.Version,
			Icon:          cfg.Relay.Icon,
		},
		Limitation: &nips.Limitation{
			RelayLimitationDocument: nip11.RelayLimitationDocument{
				MaxMessageLength: cfg.Relay.MaxMessageLength,
				MaxSubscriptions: cfg.Relay.MaxSubscriptions,
				MaxLimit:         cfg.Relay.MaxQueryLimit,
				MaxSubidLength:   MaxSubIDLength,
				MaxEventTags:     MaxEventTags,
				MaxContentLength: MaxContentLength,
				AuthRequired:     false,
				PaymentRequired:  false,
				RestrictedWrites: !cfg.Policy.DevAllowAll,
			},
			EventsPerSecondPerIP:     cfg.Relay.Throttling.EventsPerSecondPerIP,
			EventsPerSecondPerPubkey: cfg.Relay.Throttling.EventsPerSecondPerPubkey,
			MaxConnectionsPerIP:      cfg.Relay.Throttling.MaxConnectionsPerIP,
		},
		Retention: []nips.Retention{
			{Kinds: []any{[]int{20000, 29999}}, Time: &ephemeral},
			{Time: nil},
		},
	}
}
