package websocket

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HORNET-Storage/hornet-relay/lib/access"
	"github.com/HORNET-Storage/hornet-relay/lib/broadcast"
	"github.com/HORNET-Storage/hornet-relay/lib/config"
	"github.com/HORNET-Storage/hornet-relay/lib/filter"
	"github.com/HORNET-Storage/hornet-relay/lib/relay"
	"github.com/HORNET-Storage/hornet-relay/lib/stores/gorm/sqlite"
	"github.com/HORNET-Storage/hornet-relay/lib/types"
	"github.com/HORNET-Storage/hornet-relay/testing/helpers"
)

func setupTestServer(t *testing.T, ac *access.AccessControl) *Server {
	t.Helper()

	config.SetDefaults()
	require.NoError(t, config.RefreshConfig())

	store, err := sqlite.InitStore(filepath.Join(t.TempDir(), "relay.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	r := relay.New(store, broadcast.NewBroadcaster(), relay.Options{Limits: filter.DefaultLimits()})
	return NewServer(r, ac)
}

// attach registers a connection without a socket; frames are read back from its queue
func attach(s *Server, id string) *connection {
	conn := newConnection(id, nil)
	s.relay.Broadcaster().Attach(id, conn)
	return conn
}

// next pops the next queued frame as [label, args...]
func next(t *testing.T, conn *connection) []interface{} {
	t.Helper()
	select {
	case frame := <-conn.out:
		var decoded []interface{}
		require.NoError(t, json.Unmarshal(frame, &decoded))
		return decoded
	case <-time.After(time.Second):
		t.Fatal("no frame queued")
		return nil
	}
}

func frame(t *testing.T, parts ...interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(parts)
	require.NoError(t, err)
	return raw
}

func TestEventFrameIsAcknowledged(t *testing.T) {
	s := setupTestServer(t, nil)
	conn := attach(s, "c1")
	ctx := context.Background()

	note := helpers.CreateTextNote(helpers.MustKeyPair(), 100, "hello")
	s.processMessage(ctx, conn, frame(t, "EVENT", note))

	ok := next(t, conn)
	assert.Equal(t, []interface{}{"OK", note.ID, true, ""}, ok)

	s.processMessage(ctx, conn, frame(t, "EVENT", note))
	ok = next(t, conn)
	assert.Equal(t, []interface{}{"OK", note.ID, true, relay.MessageDuplicate}, ok)

	tampered := *note
	tampered.Sig = strings.Repeat("0", 128)
	s.processMessage(ctx, conn, frame(t, "EVENT", &tampered))
	ok = next(t, conn)
	assert.Equal(t, "OK", ok[0])
	assert.Equal(t, false, ok[2])
	assert.Equal(t, "invalid: signature is wrong", ok[3])
}

func TestEventFrameHonoursAccessControl(t *testing.T) {
	ac := access.NewAccessControl(&types.AllowedUsersSettings{Mode: access.ModeOnlyMe})
	s := setupTestServer(t, ac)
	conn := attach(s, "c1")

	note := helpers.CreateTextNote(helpers.MustKeyPair(), 100, "hello")
	s.processMessage(context.Background(), conn, frame(t, "EVENT", note))

	assert.Equal(t, []interface{}{"OK", note.ID, false, messageRestricted}, next(t, conn))
}

func TestReqReplaysStoredEventsThenStreams(t *testing.T) {
	s := setupTestServer(t, nil)
	publisher := attach(s, "publisher")
	reader := attach(s, "reader")
	ctx := context.Background()
	kp := helpers.MustKeyPair()

	stored := helpers.CreateTextNote(kp, 100, "stored", nostr.Tag{"t", "go"})
	s.processMessage(ctx, publisher, frame(t, "EVENT", stored))
	next(t, publisher)

	s.processMessage(ctx, reader, []byte(`["REQ","sub1",{"#t":["go"]}]`))
	replay := next(t, reader)
	assert.Equal(t, "EVENT", replay[0])
	assert.Equal(t, "sub1", replay[1])
	assert.Equal(t, stored.ID, replay[2].(map[string]interface{})["id"])
	assert.Equal(t, []interface{}{"EOSE", "sub1"}, next(t, reader))

	live := helpers.CreateTextNote(kp, 200, "live", nostr.Tag{"t", "go"})
	s.processMessage(ctx, publisher, frame(t, "EVENT", live))
	next(t, publisher)

	streamed := next(t, reader)
	assert.Equal(t, "EVENT", streamed[0])
	assert.Equal(t, live.ID, streamed[2].(map[string]interface{})["id"])

	s.processMessage(ctx, reader, []byte(`["CLOSE","sub1"]`))
	assert.Equal(t, []interface{}{"CLOSED", "sub1", "subscription closed"}, next(t, reader))
	assert.Equal(t, 0, s.relay.Broadcaster().Subscriptions("reader"))
}

func TestReqWithInvalidFilterIsClosed(t *testing.T) {
	s := setupTestServer(t, nil)
	conn := attach(s, "c1")

	s.processMessage(context.Background(), conn, []byte(`["REQ","sub1",{"#tag":["x"]}]`))
	closed := next(t, conn)
	assert.Equal(t, "CLOSED", closed[0])
	assert.Equal(t, "sub1", closed[1])
	assert.Contains(t, closed[2], "invalid: filter field")
}

func TestMalformedFramesGetNotices(t *testing.T) {
	s := setupTestServer(t, nil)
	conn := attach(s, "c1")
	ctx := context.Background()

	for _, message := range []string{`not json`, `[]`, `[1]`, `["PING"]`, `["REQ"]`, `["CLOSE",""]`} {
		s.processMessage(ctx, conn, []byte(message))
		notice := next(t, conn)
		assert.Equal(t, "NOTICE", notice[0], message)
	}
}

func TestRelayInfoDocument(t *testing.T) {
	s := setupTestServer(t, nil)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept", "application/nostr+json")
	resp, err := s.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var info NIP11RelayInfo
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, "HORNETS", info.Name)
	assert.Contains(t, info.SupportedNIPs, 11)
	require.NotNil(t, info.Limitation)
	assert.Equal(t, 1000, info.Limitation.MaxLimit)
}

func TestTopIDsEndpoint(t *testing.T) {
	s := setupTestServer(t, nil)
	conn := attach(s, "c1")
	kp := helpers.MustKeyPair()

	older := helpers.CreateTextNote(kp, 100, "a")
	newer := helpers.CreateTextNote(kp, 200, "b")
	for _, ev := range []*nostr.Event{older, newer} {
		s.processMessage(context.Background(), conn, frame(t, "EVENT", ev))
		next(t, conn)
	}

	body := []byte(`{"filters":[{"kinds":[1]},{"ids":["` + older.ID + `"]}]}`)
	req := httptest.NewRequest("POST", "/api/top-ids", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App().Test(req)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var decoded TopIDsResponse
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded.IDs, 2)
	assert.Equal(t, newer.ID, decoded.IDs[0].ID)
	assert.Equal(t, float64(200), decoded.IDs[0].Score)
	assert.Equal(t, older.ID, decoded.IDs[1].ID)

	req = httptest.NewRequest("POST", "/api/top-ids", bytes.NewReader([]byte(`{"filters":[{"kinds":"x"}]}`)))
	resp, err = s.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)
}
