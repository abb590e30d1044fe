package nips

import (
	nostr "github.com/nbd-wtf/go-nostr"
)

// NIP-09: Event Deletion
// https://github.com/nostr-protocol/nips/blob/master/09.md

// DeletionTargets returns the distinct, well-formed event ids referenced by
// the "e" tags of a deletion event. Malformed ids are skipped.
func DeletionTargets(evt *nostr.Event) []string {
	if evt.Kind != KindDeletion {
		return nil
	}
	var out []string
	seen := make(map[string]struct{})
	for _, t := range evt.Tags {
		if len(t) < 2 || t[0] != "e" || !IsHex64(t[1]) {
			continue
		}
		if _, dup := seen[t[1]]; dup {
			continue
		}
		seen[t[1]] = struct{}{}
		out = append(out, t[1])
	}
	return out
}
