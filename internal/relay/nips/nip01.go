package nips

import (
	nostr "github.com/nbd-wtf/go-nostr"
)

// Kinds with special meaning to this relay.
const (
	KindProfileMetadata     = 0
	KindFollowList          = 3
	KindDeletion            = 5
	KindRegistrationRequest = 9024
	KindClientAuth          = 22242
)

// KindClass is the storage treatment selected by an event kind.
type KindClass int

const (
	Regular KindClass = iota
	Replaceable
	Parameterized
	Ephemeral
	Deletion
)

func (c KindClass) String() string {
	switch c {
	case Regular:
		return "regular"
	case Replaceable:
		return "replaceable"
	case Parameterized:
		return "parameterized"
	case Ephemeral:
		return "ephemeral"
	case Deletion:
		return "deletion"
	}
	return "unknown"
}

// Classify maps a kind to its storage treatment (NIP-01, NIP-09).
func Classify(kind int) KindClass {
	switch {
	case kind == KindDeletion:
		return Deletion
	case kind == KindProfileMetadata, kind == KindFollowList, kind >= 10000 && kind < 20000:
		return Replaceable
	case kind >= 20000 && kind < 30000:
		return Ephemeral
	case kind >= 30000 && kind < 40000:
		return Parameterized
	default:
		return Regular
	}
}

// GetTagValue returns the first t[1] found for the given key, or "" if not found
func GetTagValue(evt *nostr.Event, key string) string {
	for _, t := range evt.Tags {
		if len(t) >= 2 && t[0] == key {
			return t[1]
		}
	}
	return ""
}

// DTag returns the identifier of a parameterized event. A missing tag and
// an empty one are the same identifier.
func DTag(evt *nostr.Event) string {
	return GetTagValue(evt, "d")
}

// IsHex64 reports whether s is 64 lowercase hex characters.
func IsHex64(s string) bool {
	return isLowerHex(s, 64)
}

// IsHex128 reports whether s is 128 lowercase hex characters.
func IsHex128(s string) bool {
	return isLowerHex(s, 128)
}

func isLowerHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
