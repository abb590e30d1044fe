package relay

import (
	"errors"
	"fmt"

	"github.com/Shugur-Network/gated-relay/internal/domain"
)

// Frame errors. These are answered with NOTICE since no event id is known.
var (
	ErrMalformedJSON    = errors.New("invalid: malformed JSON from client")
	ErrNotArray         = errors.New("invalid: message must be a JSON array")
	ErrEmptyCommand     = errors.New("invalid: empty command array")
	ErrCommandNotString = errors.New("invalid: command must be a string")
	ErrUnknownCommand   = errors.New("invalid: unknown command")
	ErrMissingArgument  = errors.New("invalid: missing command argument")
)

// Event errors, answered with OK false. The error text is the wire reason.
var (
	ErrInvalidEvent = errors.New("invalid: validation failed")
	ErrIDMismatch   = errors.New("event id verification failed")
	ErrBadSignature = errors.New("signature verification failed")
	ErrExpired      = errors.New("invalid: event has expired")
	ErrSaveFailed   = errors.New("failed to save event")
	ErrAuthFailed   = errors.New("invalid: auth event verification failed")
)

// Subscription errors, answered with CLOSED.
var (
	ErrInvalidSubID         = errors.New("invalid: subscription id must be 1 to 64 characters")
	ErrInvalidFilter        = errors.New("invalid: malformed filter")
	ErrNoFilters            = errors.New("invalid: at least one filter is required")
	ErrTooManyFilters       = errors.New("invalid: too many filters")
	ErrTooManySubscriptions = errors.New("error: too many subscriptions")
	ErrRelayBusy            = errors.New("error: relay busy, try again later")
	ErrQueryFailed          = errors.New("error: could not query events")
)

// ErrRelayFull is the close reason sent when the global connection cap is reached.
var ErrRelayFull = errors.New("rate-limited: relay is at capacity")

// wireReasons lists every error whose text may be sent to a client.
var wireReasons = []error{
	ErrMalformedJSON, ErrNotArray, ErrEmptyCommand, ErrCommandNotString, ErrUnknownCommand, ErrMissingArgument,
	ErrInvalidEvent, ErrIDMismatch, ErrBadSignature, ErrExpired, ErrSaveFailed, ErrAuthFailed,
	ErrInvalidSubID, ErrInvalidFilter, ErrNoFilters, ErrTooManyFilters, ErrTooManySubscriptions,
	ErrRelayBusy, ErrQueryFailed, ErrRelayFull,
	domain.ErrOriginRateLimited, domain.ErrPubkeyRateLimited, domain.ErrTooManyConnections,
}

// Reason maps err to the text sent on the wire. Wrapped details stay in
// the logs; the client only sees the sentinel message.
func Reason(err error) string {
	for _, known := range wireReasons {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return fmt.Sprintf("error: %s", err.Error())
}

// invalidf wraps ErrInvalidEvent with a detail for logging.
func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvent, fmt.Sprintf(format, args...))
}
