// Package whitelist decides which authors may write to the relay.
//
// Two sources grant access: a static set of pubkeys from the environment and
// an externally managed provider. Profile metadata (kind 0) and registration
// requests (kind 9024) are accepted from anyone so an unknown identity can
// introduce itself and ask to be admitted.
package whitelist

import (
	"context"
	"errors"
	"strings"

	"github.com/Shugur-Network/gated-relay/internal/domain"
	"github.com/Shugur-Network/gated-relay/internal/logger"
	"github.com/Shugur-Network/gated-relay/internal/metrics"
	"github.com/Shugur-Network/gated-relay/internal/relay/nips"
	nostr "github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

// Rejection texts sent in OK false replies.
const (
	ReasonNotWhitelisted = "blocked: pubkey not whitelisted"
	ReasonLookupFailed   = "error: could not verify whitelist"
)

// Source names where an access grant came from.
type Source string

const (
	SourceNone     Source = ""
	SourceOpenKind Source = "open_kind"
	SourceEnv      Source = "env"
	SourceProvider Source = "provider"
	SourceDev      Source = "dev"
)

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrEntryNotFound)
}

// Authorizer implements domain.Authorizer.
type Authorizer struct {
	env         map[string]struct{}
	provider    domain.WhitelistProvider
	devAllowAll bool
	log         *zap.Logger
}

var _ domain.Authorizer = (*Authorizer)(nil)

// NewAuthorizer builds an authorizer from the environment whitelist and an
// optional provider. devAllowAll admits every author and must never be set
// in production.
func NewAuthorizer(envPubkeys []string, provider domain.WhitelistProvider, devAllowAll bool) *Authorizer {
	env := make(map[string]struct{}, len(envPubkeys))
	for _, pk := range envPubkeys {
		if pk = strings.ToLower(strings.TrimSpace(pk)); pk != "" {
			env[pk] = struct{}{}
		}
	}
	a := &Authorizer{env: env, provider: provider, devAllowAll: devAllowAll, log: logger.New("whitelist")}
	if devAllowAll {
		a.log.Warn("Whitelist bypass enabled: every author may write. Do not run this in production.")
	} else if len(env) == 0 && provider == nil {
		a.log.Warn("Whitelist is empty: only kind 0 and kind 9024 events will be accepted")
	}
	return a
}

// IsOpenKind reports whether kind is accepted from any author.
func IsOpenKind(kind int) bool {
	return kind == nips.KindProfileMetadata || kind == nips.KindRegistrationRequest
}

// Authorize decides whether evt may be written. Provider failures deny.
func (a *Authorizer) Authorize(ctx context.Context, evt *nostr.Event) domain.Decision {
	if IsOpenKind(evt.Kind) {
		metrics.WhitelistLookups.WithLabelValues(string(SourceOpenKind)).Inc()
		return domain.Decision{Allowed: true}
	}

	src, err := a.Lookup(ctx, evt.PubKey)
	switch {
	case err != nil:
		metrics.WhitelistLookups.WithLabelValues("error").Inc()
		a.log.Error("Whitelist lookup failed", zap.String("pubkey", evt.PubKey), zap.Error(err))
		return domain.Decision{Reason: ReasonLookupFailed}
	case src == SourceNone:
		metrics.WhitelistLookups.WithLabelValues("denied").Inc()
		return domain.Decision{Reason: ReasonNotWhitelisted}
	}
	metrics.WhitelistLookups.WithLabelValues(string(src)).Inc()
	return domain.Decision{Allowed: true}
}

// Lookup reports which source, if any, whitelists pubkey. It ignores the
// open-kind exemption.
func (a *Authorizer) Lookup(ctx context.Context, pubkey string) (Source, error) {
	if a.devAllowAll {
		return SourceDev, nil
	}
	pubkey = strings.ToLower(pubkey)
	if _, ok := a.env[pubkey]; ok {
		return SourceEnv, nil
	}
	if a.provider == nil {
		return SourceNone, nil
	}
	_, err := a.provider.Get(ctx, pubkey)
	switch {
	case err == nil:
		return SourceProvider, nil
	case isNotFound(err):
		return SourceNone, nil
	default:
		return SourceNone, err
	}
}

// EnvSize returns the number of environment whitelisted pubkeys.
func (a *Authorizer) EnvSize() int {
	return len(a.env)
}
