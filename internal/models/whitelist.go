package models

import (
	"slices"
	"strings"
	"time"
)

// WhitelistEntry grants a pubkey write access to the relay.
// Cohorts group members for the admin tooling and carry no authorization meaning.
type WhitelistEntry struct {
	PubKey  string    `json:"pubkey"`
	Cohorts []string  `json:"cohorts"`
	AddedBy string    `json:"addedBy"`
	AddedAt time.Time `json:"addedAt"`
}

// HasCohort reports whether the entry belongs to the named cohort.
func (e WhitelistEntry) HasCohort(cohort string) bool {
	return slices.Contains(e.Cohorts, cohort)
}

// NormalizeCohorts trims, lowercases, dedupes and sorts cohort names.
func NormalizeCohorts(cohorts []string) []string {
	out := make([]string, 0, len(cohorts))
	for _, c := range cohorts {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// ListOptions pages through whitelist entries, optionally restricted to a cohort.
type ListOptions struct {
	Limit  int
	Offset int
	Cohort string
}
