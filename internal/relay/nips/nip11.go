package nips

import (
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
	nip11 "github.com/nbd-wtf/go-nostr/nip11"
)

// Limitation extends the NIP-11 limitation object with the throttling
// values clients need to pace themselves.
type Limitation struct {
	nip11.RelayLimitationDocument
	EventsPerSecondPerIP     int `json:"events_per_second_per_ip"`
	EventsPerSecondPerPubkey int `json:"events_per_second_per_pubkey"`
	MaxConnectionsPerIP      int `json:"max_connections_per_ip"`
}

// Retention is one entry of the NIP-11 retention array. Time is in seconds,
// nil means forever and 0 means never stored.
type Retention struct {
	Kinds []any  `json:"kinds,omitempty"`
	Time  *int64 `json:"time"`
}

// RelayDocument is the NIP-11 relay information document.
type RelayDocument struct {
	nip11.RelayInformationDocument
	Limitation *Limitation `json:"limitation,omitempty"`
	Retention  []Retention `json:"retention"`
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")
}

// ServeRelayMetadataPreflight answers a CORS preflight for the document.
func ServeRelayMetadataPreflight(w http.ResponseWriter) {
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// ServeRelayMetadata serves the relay metadata document
func ServeRelayMetadata(w http.ResponseWriter, metadata RelayDocument) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/nostr+json")

	if err := json.NewEncoder(w).Encode(metadata); err != nil {
		http.Error(w, "Failed to encode metadata", http.StatusInternalServerError)
		return
	}
}

// IsMetadataRequest reports whether r asks for the relay information document.
func IsMetadataRequest(r *http.Request) bool {
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "application/nostr+json")
}
