package nips

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	nostr "github.com/nbd-wtf/go-nostr"
	nip11 "github.com/nbd-wtf/go-nostr/nip11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		kind     int
		expected KindClass
	}{
		{0, Replaceable},
		{1, Regular},
		{3, Replaceable},
		{4, Regular},
		{5, Deletion},
		{7, Regular},
		{41, Regular},
		{9024, Regular},
		{9999, Regular},
		{10000, Replaceable},
		{10002, Replaceable},
		{19999, Replaceable},
		{20000, Ephemeral},
		{22242, Ephemeral},
		{29999, Ephemeral},
		{30000, Parameterized},
		{30023, Parameterized},
		{39999, Parameterized},
		{40000, Regular},
		{65535, Regular},
	}

	for _, test := range tests {
		if got := Classify(test.kind); got != test.expected {
			t.Errorf("Classify(%d): expected %v, got %v", test.kind, test.expected, got)
		}
	}
}

func TestDTag(t *testing.T) {
	tests := []struct {
		name     string
		tags     nostr.Tags
		expected string
	}{
		{"missing", nostr.Tags{{"t", "x"}}, ""},
		{"empty value", nostr.Tags{{"d", ""}}, ""},
		{"bare d", nostr.Tags{{"d"}}, ""},
		{"first wins", nostr.Tags{{"d", "a"}, {"d", "b"}}, "a"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			evt := &nostr.Event{Kind: 30000, Tags: test.tags}
			assert.Equal(t, test.expected, DTag(evt))
		})
	}
}

func TestDeletionTargets(t *testing.T) {
	id1 := strings.Repeat("a", 64)
	id2 := strings.Repeat("b", 64)
	evt := &nostr.Event{
		Kind: KindDeletion,
		Tags: nostr.Tags{
			{"e", id1},
			{"e", "not-an-id"},
			{"p", id2},
			{"e", id2, "wss://relay"},
			{"e", id1},
			{"e", strings.ToUpper(id2)},
		},
	}
	assert.Equal(t, []string{id1, id2}, DeletionTargets(evt))

	evt.Kind = 1
	assert.Nil(t, DeletionTargets(evt))
}

func TestIsExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name     string
		tags     nostr.Tags
		expected bool
	}{
		{"no tag", nil, false},
		{"future", nostr.Tags{{"expiration", "1700000100"}}, false},
		{"past", nostr.Tags{{"expiration", "1699999999"}}, true},
		{"exactly now", nostr.Tags{{"expiration", "1700000000"}}, true},
		{"garbage", nostr.Tags{{"expiration", "soon"}}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			evt := &nostr.Event{Tags: test.tags}
			assert.Equal(t, test.expected, IsExpired(evt, now))
		})
	}
}

func TestHexHelpers(t *testing.T) {
	assert.True(t, IsHex64(strings.Repeat("0f", 32)))
	assert.False(t, IsHex64(strings.Repeat("0F", 32)))
	assert.False(t, IsHex64(strings.Repeat("0", 63)))
	assert.True(t, IsHex128(strings.Repeat("ab", 64)))
	assert.False(t, IsHex128(strings.Repeat("zz", 64)))
}

func TestAuthChallenge(t *testing.T) {
	c1, err := GenerateAuthChallenge()
	require.NoError(t, err)
	c2, err := GenerateAuthChallenge()
	require.NoError(t, err)
	assert.Len(t, c1, 32)
	assert.NotEqual(t, c1, c2)

	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)

	evt := nostr.Event{
		Kind:      KindClientAuth,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"relay", "wss://relay.example.com"}, {"challenge", c1}},
	}
	require.NoError(t, evt.Sign(sk))

	got, ok := ValidateAuthEvent(&evt, c1, "wss://relay.example.com")
	require.True(t, ok)
	assert.Equal(t, pk, got)

	_, ok = ValidateAuthEvent(&evt, c2, "wss://relay.example.com")
	assert.False(t, ok)
}

func TestServeRelayMetadata(t *testing.T) {
	forever := (*int64)(nil)
	never := int64(0)
	doc := RelayDocument{
		RelayInformationDocument: nip11.RelayInformationDocument{
			Name:          "test",
			SupportedNIPs: []any{1, 11},
		},
		Limitation: &Limitation{
			RelayLimitationDocument: nip11.RelayLimitationDocument{MaxContentLength: 65536},
			EventsPerSecondPerIP:    10,
		},
		Retention: []Retention{{Time: forever}, {Kinds: []any{[]int{20000, 29999}}, Time: &never}},
	}

	rec := httptest.NewRecorder()
	ServeRelayMetadata(rec, doc)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/nostr+json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	assert.Equal(t, "test", decoded["name"])
	limitation := decoded["limitation"].(map[string]any)
	assert.EqualValues(t, 65536, limitation["max_content_length"])
	assert.EqualValues(t, 10, limitation["events_per_second_per_ip"])
	assert.Len(t, decoded["retention"], 2)
}

func TestIsMetadataRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.False(t, IsMetadataRequest(r))
	r.Header.Set("Accept", "application/nostr+json")
	assert.True(t, IsMetadataRequest(r))
	r.Header.Set("Accept", "text/html, application/nostr+json;q=0.9")
	assert.True(t, IsMetadataRequest(r))
}
