package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Shugur-Network/gated-relay/internal/config"
	"github.com/Shugur-Network/gated-relay/internal/limiter"
	"github.com/Shugur-Network/gated-relay/internal/relay/nips"
	"github.com/Shugur-Network/gated-relay/internal/storage"
	"github.com/Shugur-Network/gated-relay/internal/whitelist"
	"github.com/Shugur-Network/gated-relay/internal/workers"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	nostr "github.com/nbd-wtf/go-nostr"
	nip11 "github.com/nbd-wtf/go-nostr/nip11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRelayConfig() config.RelayConfig {
	return config.RelayConfig{
		Name:             "test relay",
		WSAddr:           ":0",
		IdleTimeout:      30 * time.Second,
		WriteTimeout:     5 * time.Second,
		SendBufferSize:   256,
		MaxMessageLength: 128 * 1024,
		MaxSubscriptions: 3,
		MaxFilters:       2,
		MaxQueryLimit:    50,
	}
}

type testRelay struct {
	srv    *Server
	http   *httptest.Server
	store  *storage.MemoryStore
	member string // secret key of a whitelisted author
	url    string
}

func newTestRelay(t *testing.T, limits limiter.Limits) *testRelay {
	t.Helper()
	return newTestRelayWithConfig(t, testRelayConfig(), limits)
}

func newTestRelayWithConfig(t *testing.T, cfg config.RelayConfig, limits limiter.Limits) *testRelay {
	t.Helper()
	member := nostr.GeneratePrivateKey()
	memberPK, err := nostr.GetPublicKey(member)
	require.NoError(t, err)

	store := storage.NewMemoryStore()
	pool := workers.NewWorkerPool(2, 16)
	srv, err := NewServer(cfg, nips.RelayDocument{
		RelayInformationDocument: nip11.RelayInformationDocument{Name: "test relay"},
	}, Services{
		Limiter:    limiter.New(limits),
		Authorizer: whitelist.NewAuthorizer([]string{memberPK}, nil, false),
		Store:      store,
		Pool:       pool,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		pool.Stop()
	})
	return &testRelay{
		srv:    srv,
		http:   ts,
		store:  store,
		member: member,
		url:    "ws" + strings.TrimPrefix(ts.URL, "http"),
	}
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

// dial connects and consumes the AUTH challenge.
func (r *testRelay) dial(t *testing.T) *client {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(r.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	c := &client{t: t, ws: ws}
	msg := c.read()
	require.Equal(t, "AUTH", c.label(msg))
	return c
}

func (c *client) sendRaw(data string) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, []byte(data)))
}

func (c *client) send(v ...any) {
	c.t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteMessage(websocket.TextMessage, raw))
}

func (c *client) read() []json.RawMessage {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := c.ws.ReadMessage()
	require.NoError(c.t, err)
	var msg []json.RawMessage
	require.NoError(c.t, json.Unmarshal(raw, &msg))
	require.NotEmpty(c.t, msg)
	return msg
}

func (c *client) label(msg []json.RawMessage) string {
	c.t.Helper()
	var s string
	require.NoError(c.t, json.Unmarshal(msg[0], &s))
	return s
}

func (c *client) str(raw json.RawMessage) string {
	c.t.Helper()
	var s string
	require.NoError(c.t, json.Unmarshal(raw, &s))
	return s
}

// expectOK reads an OK frame for id.
func (c *client) expectOK(id string, accepted bool, message string) {
	c.t.Helper()
	msg := c.read()
	require.Equal(c.t, "OK", c.label(msg))
	require.Len(c.t, msg, 4)
	assert.Equal(c.t, id, c.str(msg[1]))
	var ok bool
	require.NoError(c.t, json.Unmarshal(msg[2], &ok))
	assert.Equal(c.t, accepted, ok)
	assert.Equal(c.t, message, c.str(msg[3]))
}

func (c *client) expectNotice(message string) {
	c.t.Helper()
	msg := c.read()
	require.Equal(c.t, "NOTICE", c.label(msg))
	assert.Equal(c.t, message, c.str(msg[1]))
}

func (c *client) expectClosed(subID, message string) {
	c.t.Helper()
	msg := c.read()
	require.Equal(c.t, "CLOSED", c.label(msg))
	assert.Equal(c.t, subID, c.str(msg[1]))
	assert.Equal(c.t, message, c.str(msg[2]))
}

// history reads EVENT frames until EOSE and returns their ids in order.
func (c *client) history(subID string) []string {
	c.t.Helper()
	var ids []string
	for {
		msg := c.read()
		switch c.label(msg) {
		case "EOSE":
			assert.Equal(c.t, subID, c.str(msg[1]))
			return ids
		case "EVENT":
			assert.Equal(c.t, subID, c.str(msg[1]))
			var evt nostr.Event
			require.NoError(c.t, json.Unmarshal(msg[2], &evt))
			ids = append(ids, evt.ID)
		default:
			c.t.Fatalf("unexpected frame %s", c.label(msg))
		}
	}
}

func (c *client) expectEvent(subID, id string) {
	c.t.Helper()
	msg := c.read()
	require.Equal(c.t, "EVENT", c.label(msg))
	assert.Equal(c.t, subID, c.str(msg[1]))
	var evt nostr.Event
	require.NoError(c.t, json.Unmarshal(msg[2], &evt))
	assert.Equal(c.t, id, evt.ID)
}

func generous() limiter.Limits {
	return limiter.Limits{EventsPerOrigin: 1000, EventsPerPubkey: 1000, ConnectionsPerOrigin: 100}
}

func TestAuthChallengeOnConnect(t *testing.T) {
	r := newTestRelay(t, generous())
	ws, _, err := websocket.DefaultDialer.Dial(r.url, nil)
	require.NoError(t, err)
	defer ws.Close()

	c := &client{t: t, ws: ws}
	msg := c.read()
	require.Equal(t, "AUTH", c.label(msg))
	assert.Len(t, c.str(msg[1]), 32)
}

func TestPublishAndQuery(t *testing.T) {
	r := newTestRelay(t, generous())
	c := r.dial(t)

	older := signed(t, r.member, 1, "first")
	older.CreatedAt -= 10
	require.NoError(t, older.Sign(r.member))
	newer := signed(t, r.member, 1, "second")

	c.send("EVENT", older)
	c.expectOK(older.ID, true, "")
	c.send("EVENT", newer)
	c.expectOK(newer.ID, true, "")

	c.send("EVENT", newer)
	c.expectOK(newer.ID, true, "duplicate: already have this event")

	c.send("REQ", "feed", map[string]any{"kinds": []int{1}})
	assert.Equal(t, []string{newer.ID, older.ID}, c.history("feed"))

	c.send("REQ", "one", map[string]any{"kinds": []int{1}, "limit": 1})
	assert.Equal(t, []string{newer.ID}, c.history("one"))

	c.send("REQ", "none", map[string]any{"kinds": []int{1}, "limit": 0})
	assert.Empty(t, c.history("none"))
}

func TestWhitelistGate(t *testing.T) {
	r := newTestRelay(t, generous())
	c := r.dial(t)
	stranger := nostr.GeneratePrivateKey()

	note := signed(t, stranger, 1, "let me in")
	c.send("EVENT", note)
	c.expectOK(note.ID, false, whitelist.ReasonNotWhitelisted)

	profile := signed(t, stranger, 0, `{"name":"stranger"}`)
	c.send("EVENT", profile)
	c.expectOK(profile.ID, true, "")

	request := signed(t, stranger, 9024, "please")
	c.send("EVENT", request)
	c.expectOK(request.ID, true, "")

	c.send("REQ", "s", map[string]any{"ids": []string{note.ID}})
	assert.Empty(t, c.history("s"))
}

func TestRejectsForgedEvents(t *testing.T) {
	r := newTestRelay(t, generous())
	c := r.dial(t)

	evt := signed(t, r.member, 1, "original")
	tampered := *evt
	tampered.Content = "changed"
	c.send("EVENT", &tampered)
	c.expectOK(evt.ID, false, ErrIDMismatch.Error())

	other := signed(t, nostr.GeneratePrivateKey(), 1, "original")
	forged := *evt
	forged.Sig = other.Sig
	c.send("EVENT", &forged)
	c.expectOK(evt.ID, false, ErrBadSignature.Error())

	expired := signed(t, r.member, 1, "old", nostr.Tag{"expiration", "1"})
	c.send("EVENT", expired)
	c.expectOK(expired.ID, false, ErrExpired.Error())

	c.sendRaw(`["EVENT",{"id":7}]`)
	c.expectNotice(ErrInvalidEvent.Error())

	c.sendRaw(`["EVENT",{"id":"` + strings.Repeat("a", 64) + `","kind":"1"}]`)
	c.expectOK(strings.Repeat("a", 64), false, ErrInvalidEvent.Error())
}

func TestMalformedFrames(t *testing.T) {
	r := newTestRelay(t, generous())
	c := r.dial(t)

	tests := []struct {
		input  string
		notice string
	}{
		{`hello`, ErrMalformedJSON.Error()},
		{`{"a":1}`, ErrNotArray.Error()},
		{`[]`, ErrEmptyCommand.Error()},
		{`[42]`, ErrCommandNotString.Error()},
		{`["COUNT","x",{}]`, ErrUnknownCommand.Error()},
		{`["EVENT"]`, ErrMissingArgument.Error()},
		{`["REQ"]`, ErrMissingArgument.Error()},
		{`["REQ",5,{}]`, ErrInvalidSubID.Error()},
	}
	for _, tt := range tests {
		c.sendRaw(tt.input)
		c.expectNotice(tt.notice)
	}

	// the connection is still usable
	c.send("REQ", "s", map[string]any{})
	assert.Empty(t, c.history("s"))
}

func TestReqValidation(t *testing.T) {
	r := newTestRelay(t, generous())
	c := r.dial(t)

	c.send("REQ", "")
	c.expectClosed("", ErrInvalidSubID.Error())

	long := strings.Repeat("x", 65)
	c.send("REQ", long, map[string]any{})
	c.expectClosed(long, ErrInvalidSubID.Error())

	c.send("REQ", "nofilters")
	c.expectClosed("nofilters", ErrNoFilters.Error())

	c.send("REQ", "many", map[string]any{}, map[string]any{}, map[string]any{})
	c.expectClosed("many", ErrTooManyFilters.Error())

	c.send("REQ", "bad", map[string]any{"authors": []string{"nope"}})
	c.expectClosed("bad", ErrInvalidFilter.Error())

	for _, id := range []string{"a", "b", "c"} {
		c.send("REQ", id, map[string]any{})
		assert.Empty(t, c.history(id))
	}
	c.send("REQ", "d", map[string]any{})
	c.expectClosed("d", ErrTooManySubscriptions.Error())

	// replacing an existing id is allowed at the limit
	c.send("REQ", "a", map[string]any{"kinds": []int{1}})
	assert.Empty(t, c.history("a"))
}

func TestLiveDeliveryAndClose(t *testing.T) {
	r := newTestRelay(t, generous())
	publisher := r.dial(t)
	reader := r.dial(t)

	reader.send("REQ", "live", map[string]any{"kinds": []int{1}})
	assert.Empty(t, reader.history("live"))

	evt := signed(t, r.member, 1, "fresh")
	publisher.send("EVENT", evt)
	publisher.expectOK(evt.ID, true, "")
	reader.expectEvent("live", evt.ID)

	// non-matching kinds are not delivered; the next frame is the CLOSED ack
	reaction := signed(t, r.member, 7, "+")
	publisher.send("EVENT", reaction)
	publisher.expectOK(reaction.ID, true, "")

	reader.send("CLOSE", "live")
	reader.expectClosed("live", "")

	// closing an unknown id is acknowledged the same way
	reader.send("CLOSE", "never")
	reader.expectClosed("never", "")

	after := signed(t, r.member, 1, "after close")
	publisher.send("EVENT", after)
	publisher.expectOK(after.ID, true, "")

	reader.send("REQ", "check", map[string]any{"ids": []string{after.ID}})
	assert.Equal(t, []string{after.ID}, reader.history("check"))
}

func TestEphemeralEvents(t *testing.T) {
	r := newTestRelay(t, generous())
	publisher := r.dial(t)
	reader := r.dial(t)

	reader.send("REQ", "eph", map[string]any{"kinds": []int{20001}})
	assert.Empty(t, reader.history("eph"))

	evt := signed(t, r.member, 20001, "typing")
	publisher.send("EVENT", evt)
	publisher.expectOK(evt.ID, true, "")
	reader.expectEvent("eph", evt.ID)

	assert.Equal(t, 0, r.store.Len())
	reader.send("REQ", "again", map[string]any{"kinds": []int{20001}})
	assert.Empty(t, reader.history("again"))
}

func TestReplaceableAndDeletion(t *testing.T) {
	r := newTestRelay(t, generous())
	c := r.dial(t)

	v1 := signed(t, r.member, 0, `{"name":"v1"}`)
	v1.CreatedAt -= 10
	require.NoError(t, v1.Sign(r.member))
	v2 := signed(t, r.member, 0, `{"name":"v2"}`)

	c.send("EVENT", v2)
	c.expectOK(v2.ID, true, "")
	// the older version is accepted but loses
	c.send("EVENT", v1)
	c.expectOK(v1.ID, true, "")

	c.send("REQ", "profile", map[string]any{"kinds": []int{0}})
	assert.Equal(t, []string{v2.ID}, c.history("profile"))

	target := signed(t, r.member, 1, "regret")
	c.send("EVENT", target)
	c.expectOK(target.ID, true, "")

	del := signed(t, r.member, 5, "", nostr.Tag{"e", target.ID})
	c.send("EVENT", del)
	c.expectOK(del.ID, true, "")

	c.send("REQ", "gone", map[string]any{"ids": []string{target.ID}})
	assert.Empty(t, c.history("gone"))

	// resubmitting a deleted event is acknowledged but not stored
	c.send("EVENT", target)
	c.expectOK(target.ID, true, "")
	c.send("REQ", "still", map[string]any{"ids": []string{target.ID}})
	assert.Empty(t, c.history("still"))
}

func TestOriginRateLimit(t *testing.T) {
	r := newTestRelay(t, limiter.Limits{EventsPerOrigin: 2, EventsPerPubkey: 100, ConnectionsPerOrigin: 10, Window: time.Minute})
	c := r.dial(t)

	for i := 0; i < 2; i++ {
		evt := signed(t, r.member, 1, "n")
		evt.Content = strings.Repeat("n", i+1)
		require.NoError(t, evt.Sign(r.member))
		c.send("EVENT", evt)
		c.expectOK(evt.ID, true, "")
	}
	c.send("EVENT", signed(t, r.member, 1, "over"))
	c.expectNotice("rate limit exceeded: too many events per second from this IP")
}

func TestPubkeyRateLimit(t *testing.T) {
	r := newTestRelay(t, limiter.Limits{EventsPerOrigin: 100, EventsPerPubkey: 1, ConnectionsPerOrigin: 10, Window: time.Minute})
	c := r.dial(t)

	first := signed(t, r.member, 1, "one")
	c.send("EVENT", first)
	c.expectOK(first.ID, true, "")

	second := signed(t, r.member, 1, "two")
	c.send("EVENT", second)
	c.expectOK(second.ID, false, "rate-limited: too many events per second from this pubkey")
}

func TestConnectionLimit(t *testing.T) {
	r := newTestRelay(t, limiter.Limits{EventsPerOrigin: 10, EventsPerPubkey: 10, ConnectionsPerOrigin: 1})
	_ = r.dial(t)

	ws, _, err := websocket.DefaultDialer.Dial(r.url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = ws.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	assert.Equal(t, "rate-limited: too many connections from this IP", ce.Text)
}

func TestGlobalConnectionCap(t *testing.T) {
	cfg := testRelayConfig()
	cfg.Throttling.MaxConnections = 1
	r := newTestRelayWithConfig(t, cfg, generous())
	_ = r.dial(t)

	ws, _, err := websocket.DefaultDialer.Dial(r.url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = ws.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	assert.Equal(t, ErrRelayFull.Error(), ce.Text)
}

func TestShutdownClosesClients(t *testing.T) {
	r := newTestRelay(t, generous())
	c := r.dial(t)

	r.srv.Close()
	require.NoError(t, c.ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := c.ws.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)
}

func TestRelayInformationDocument(t *testing.T) {
	r := newTestRelay(t, generous())

	req, err := http.NewRequest(http.MethodGet, r.http.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/nostr+json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/nostr+json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	var doc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, "test relay", doc["name"])

	plain, err := http.Get(r.http.URL + "/missing")
	require.NoError(t, err)
	plain.Body.Close()
	assert.Equal(t, http.StatusNotFound, plain.StatusCode)
}

func TestConnSendOverflow(t *testing.T) {
	cfg := testRelayConfig()
	cfg.SendBufferSize = 8
	srv := &Server{cfg: cfg}

	c := newConn(context.Background(), srv, nil, "10.0.0.1", "relay.test")
	c.state.Store(int32(StateOpen))
	for i := 0; i < 8; i++ {
		require.True(t, c.Send([]byte("x")))
	}
	assert.False(t, c.Send([]byte("x")))
	assert.Equal(t, StateClosing, c.State())
	assert.Equal(t, CloseTryAgainLater, c.closeCode)
	assert.Error(t, c.ctx.Err())

	// later sends are dropped without blocking
	assert.False(t, c.Send([]byte("x")))
}

func TestExtractRealClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remote     string
		headers    map[string]string
		trustProxy bool
		want       string
	}{
		{"remote addr", "192.0.2.1:5555", nil, false, "192.0.2.1"},
		{"mapped ipv4", "[::ffff:192.0.2.1]:5555", nil, false, "192.0.2.1"},
		{"ipv6", "[2001:db8::1]:5555", nil, false, "2001:db8::1"},
		{"headers ignored without trust", "192.0.2.1:5555", map[string]string{"X-Real-IP": "198.51.100.7"}, false, "192.0.2.1"},
		{"x-real-ip", "192.0.2.1:5555", map[string]string{"X-Real-IP": "198.51.100.7"}, true, "198.51.100.7"},
		{"forwarded chain", "192.0.2.1:5555", map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, true, "203.0.113.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, extractRealClientIP(r, tt.trustProxy))
		})
	}
}

func TestHistoryLimitThenLive(t *testing.T) {
	r := newTestRelay(t, generous())
	c := r.dial(t)

	var published []*nostr.Event
	for i := 0; i < 3; i++ {
		evt := signed(t, r.member, 1, "note "+strings.Repeat("x", i))
		evt.CreatedAt -= nostr.Timestamp(30 - i*10)
		require.NoError(t, evt.Sign(r.member))
		c.send("EVENT", evt)
		c.expectOK(evt.ID, true, "")
		published = append(published, evt)
	}

	c.send("REQ", "s1", map[string]any{"kinds": []int{1}, "limit": 2})
	assert.Equal(t, []string{published[2].ID, published[1].ID}, c.history("s1"))

	fresh := signed(t, r.member, 1, "pushed")
	c.send("EVENT", fresh)
	// publisher and subscriber share the connection, so the push and the
	// OK reply may arrive in either order
	got := map[string]string{}
	for i := 0; i < 2; i++ {
		msg := c.read()
		got[c.label(msg)] = c.str(msg[1])
	}
	assert.Equal(t, map[string]string{"EVENT": "s1", "OK": fresh.ID}, got)
}

func TestOnboardingThenBlocked(t *testing.T) {
	r := newTestRelay(t, generous())
	c := r.dial(t)
	stranger := nostr.GeneratePrivateKey()

	profile := signed(t, stranger, 0, `{"name":"newcomer"}`)
	c.send("EVENT", profile)
	c.expectOK(profile.ID, true, "")

	request := signed(t, stranger, 9024, "let me in")
	c.send("EVENT", request)
	c.expectOK(request.ID, true, "")

	note := signed(t, stranger, 1, "hello")
	c.send("EVENT", note)
	c.expectOK(note.ID, false, "blocked: pubkey not whitelisted")
}

func TestEleventhEventFromOriginNotStored(t *testing.T) {
	r := newTestRelay(t, limiter.Limits{EventsPerOrigin: 10, EventsPerPubkey: 100, ConnectionsPerOrigin: 10, Window: time.Minute})
	c := r.dial(t)

	for i := 0; i < 10; i++ {
		evt := signed(t, r.member, 1, "burst "+strings.Repeat("b", i))
		c.send("EVENT", evt)
		c.expectOK(evt.ID, true, "")
	}

	over := signed(t, r.member, 1, "one too many")
	c.send("EVENT", over)
	c.expectNotice("rate limit exceeded: too many events per second from this IP")
	assert.Equal(t, 10, r.store.Len())

	c.send("REQ", "check", map[string]any{"ids": []string{over.ID}})
	assert.Empty(t, c.history("check"))
}
