package domain

import "errors"

// Wire-visible rejection texts. Relay code sends err.Error() verbatim.
var (
	ErrOriginRateLimited  = errors.New("rate limit exceeded: too many events per second from this IP")
	ErrPubkeyRateLimited  = errors.New("rate-limited: too many events per second from this pubkey")
	ErrTooManyConnections = errors.New("rate-limited: too many connections from this IP")
)

// ErrEntryNotFound is returned by whitelist providers for unknown pubkeys.
var ErrEntryNotFound = errors.New("whitelist entry not found")

// ErrEntryExists is returned by Add when the pubkey is already whitelisted.
var ErrEntryExists = errors.New("whitelist entry already exists")
