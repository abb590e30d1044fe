package relay

import (
	"encoding/hex"
	"time"

	"github.com/Shugur-Network/gated-relay/internal/relay/nips"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	nostr "github.com/nbd-wtf/go-nostr"
)

// Verify checks an event that already passed DecodeEvent: the declared id
// must equal the hash of the canonical serialization, the signature must be
// a valid BIP-340 signature of that id by the author, and a NIP-40
// expiration, if present, must lie in the future.
func Verify(evt *nostr.Event, now time.Time) error {
	if evt.GetID() != evt.ID {
		return ErrIDMismatch
	}
	if !checkSig(evt.PubKey, evt.Sig, evt.ID) {
		return ErrBadSignature
	}
	if nips.IsExpired(evt, now) {
		return ErrExpired
	}
	return nil
}

// checkSig verifies a hex schnorr signature over a hex 32-byte message.
func checkSig(pubkeyHex, sigHex, idHex string) bool {
	pubKeyBytes, err := hex.DecodeString(pubkeyHex)
	if err != nil {
		return false
	}
	// x-only pubkey; rejects points that are not on the curve
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}

	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}

	msg, err := hex.DecodeString(idHex)
	if err != nil || len(msg) != 32 {
		return false
	}
	return sig.Verify(msg, pubKey)
}
