package nips

import (
	"strconv"
	"time"

	nostr "github.com/nbd-wtf/go-nostr"
)

// GetExpirationTime extracts the expiration timestamp from an event
// Returns the expiration time and true if found, or zero time and false if not found
func GetExpirationTime(evt *nostr.Event) (time.Time, bool) {
	for _, t := range evt.Tags {
		if len(t) >= 2 && t[0] == "expiration" {
			if timestamp, err := strconv.ParseInt(t[1], 10, 64); err == nil {
				return time.Unix(timestamp, 0), true
			}
		}
	}
	return time.Time{}, false
}

// IsExpired reports whether the event carries an expiration at or before now.
func IsExpired(evt *nostr.Event, now time.Time) bool {
	if expTime, ok := GetExpirationTime(evt); ok {
		return !now.Before(expTime)
	}
	return false
}
