package relay

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/Shugur-Network/gated-relay/internal/constants"
	"github.com/Shugur-Network/gated-relay/internal/relay/nips"
	json "github.com/goccy/go-json"
	nostr "github.com/nbd-wtf/go-nostr"
)

// Client command labels.
const (
	LabelEvent = "EVENT"
	LabelReq   = "REQ"
	LabelClose = "CLOSE"
	LabelAuth  = "AUTH"
)

// Frame is a decoded client message: the command label and its raw arguments.
type Frame struct {
	Label string
	Args  []json.RawMessage
}

// ParseFrame checks that data is a JSON array whose first element is a
// known command label.
func ParseFrame(data []byte) (Frame, error) {
	trimmed := bytes.TrimSpace(data)
	if !json.Valid(trimmed) {
		return Frame{}, ErrMalformedJSON
	}
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return Frame{}, ErrNotArray
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return Frame{}, ErrMalformedJSON
	}
	if len(elems) == 0 {
		return Frame{}, ErrEmptyCommand
	}

	label, ok := decodeString(elems[0])
	if !ok {
		return Frame{}, ErrCommandNotString
	}
	switch label {
	case LabelEvent, LabelReq, LabelClose, LabelAuth:
	default:
		return Frame{}, fmt.Errorf("%w %q", ErrUnknownCommand, label)
	}
	return Frame{Label: label, Args: elems[1:]}, nil
}

// wireEvent keeps every field raw so primitive types can be checked
// before anything is interpreted.
type wireEvent struct {
	ID        json.RawMessage `json:"id"`
	PubKey    json.RawMessage `json:"pubkey"`
	CreatedAt json.RawMessage `json:"created_at"`
	Kind      json.RawMessage `json:"kind"`
	Tags      json.RawMessage `json:"tags"`
	Content   json.RawMessage `json:"content"`
	Sig       json.RawMessage `json:"sig"`
}

// DecodeEvent enforces the structural rules of an event object. The returned
// id is the declared event id when it could be read, even on failure, so the
// caller can address its OK reply.
func DecodeEvent(raw []byte) (*nostr.Event, string, error) {
	var w wireEvent
	if !isKind(raw, '{') {
		return nil, "", invalidf("event must be an object")
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, "", invalidf("decode event: %v", err)
	}

	id, ok := decodeString(w.ID)
	if !ok {
		return nil, "", invalidf("id must be a string")
	}
	if !nips.IsHex64(id) {
		return nil, id, invalidf("id must be 64 lowercase hex characters")
	}

	evt := &nostr.Event{ID: id}
	if evt.PubKey, ok = decodeString(w.PubKey); !ok || !nips.IsHex64(evt.PubKey) {
		return nil, id, invalidf("pubkey must be 64 lowercase hex characters")
	}
	if evt.Sig, ok = decodeString(w.Sig); !ok || !nips.IsHex128(evt.Sig) {
		return nil, id, invalidf("sig must be 128 lowercase hex characters")
	}

	createdAt, err := decodeInteger(w.CreatedAt)
	if err != nil || createdAt < 0 {
		return nil, id, invalidf("created_at must be a non-negative integer")
	}
	evt.CreatedAt = nostr.Timestamp(createdAt)

	kind, err := decodeInteger(w.Kind)
	if err != nil || kind < 0 || kind > constants.MaxKind {
		return nil, id, invalidf("kind must be an integer between 0 and %d", constants.MaxKind)
	}
	evt.Kind = int(kind)

	if evt.Content, ok = decodeString(w.Content); !ok {
		return nil, id, invalidf("content must be a string")
	}
	if len(evt.Content) > constants.MaxContentLength {
		return nil, id, invalidf("content exceeds %d bytes", constants.MaxContentLength)
	}

	if evt.Tags, err = decodeTags(w.Tags); err != nil {
		return nil, id, invalidf("%v", err)
	}
	return evt, id, nil
}

func decodeTags(raw json.RawMessage) (nostr.Tags, error) {
	if !isKind(raw, '[') {
		return nil, fmt.Errorf("tags must be an array")
	}
	var outer []json.RawMessage
	if err := json.Unmarshal(raw, &outer); err != nil {
		return nil, fmt.Errorf("tags must be an array")
	}
	if len(outer) > constants.MaxEventTags {
		return nil, fmt.Errorf("too many tags (max %d)", constants.MaxEventTags)
	}

	tags := make(nostr.Tags, 0, len(outer))
	for i, rawTag := range outer {
		if !isKind(rawTag, '[') {
			return nil, fmt.Errorf("tag %d must be an array", i)
		}
		var elems []json.RawMessage
		if err := json.Unmarshal(rawTag, &elems); err != nil {
			return nil, fmt.Errorf("tag %d must be an array", i)
		}
		tag := make(nostr.Tag, 0, len(elems))
		for _, e := range elems {
			s, ok := decodeString(e)
			if !ok {
				return nil, fmt.Errorf("tag %d must contain only strings", i)
			}
			tag = append(tag, s)
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

func isKind(raw json.RawMessage, open byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == open
}

func decodeString(raw json.RawMessage) (string, bool) {
	if !isKind(raw, '"') {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// decodeInteger accepts only plain base-10 JSON integers: no fraction,
// no exponent, no quotes.
func decodeInteger(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, fmt.Errorf("missing")
	}
	for i, c := range raw {
		if c == '-' && i == 0 {
			continue
		}
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("not an integer")
		}
	}
	return strconv.ParseInt(string(raw), 10, 64)
}

// ParseFilters decodes the filter arguments of a REQ.
func ParseFilters(args []json.RawMessage) (nostr.Filters, error) {
	filters := make(nostr.Filters, 0, len(args))
	for _, raw := range args {
		if !isKind(raw, '{') {
			return nil, fmt.Errorf("%w: filter must be an object", ErrInvalidFilter)
		}
		var f nostr.Filter
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
		}
		if err := validateFilter(f); err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return filters, nil
}

func validateFilter(f nostr.Filter) error {
	for _, id := range f.IDs {
		if !nips.IsHex64(id) {
			return fmt.Errorf("%w: ids must be 64 lowercase hex characters", ErrInvalidFilter)
		}
	}
	for _, pk := range f.Authors {
		if !nips.IsHex64(pk) {
			return fmt.Errorf("%w: authors must be 64 lowercase hex characters", ErrInvalidFilter)
		}
	}
	for _, k := range f.Kinds {
		if k < 0 || k > constants.MaxKind {
			return fmt.Errorf("%w: kind out of range", ErrInvalidFilter)
		}
	}
	return nil
}

/* ------------------------------------------------------------------ *
|  Relay → client frames                                              |
* -------------------------------------------------------------------*/

func encodeFrame(label string, args ...any) []byte {
	raw, err := json.Marshal(append([]any{label}, args...))
	if err != nil {
		// only reachable with an unencodable event, which validation rules out
		raw, _ = json.Marshal([]any{"NOTICE", "error: could not encode message"})
	}
	return raw
}

func okFrame(id string, accepted bool, message string) []byte {
	return encodeFrame("OK", id, accepted, message)
}

func eventFrame(subID string, evt *nostr.Event) []byte {
	return encodeFrame("EVENT", subID, evt)
}

func eoseFrame(subID string) []byte {
	return encodeFrame("EOSE", subID)
}

func closedFrame(subID, message string) []byte {
	return encodeFrame("CLOSED", subID, message)
}

func noticeFrame(message string) []byte {
	return encodeFrame("NOTICE", message)
}

func authFrame(challenge string) []byte {
	return encodeFrame("AUTH", challenge)
}
