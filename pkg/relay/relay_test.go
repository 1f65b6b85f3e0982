package relay_test

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/boardsync/pkg/relay"
)

func startRelay(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(relay.NewServer().Handler())
	t.Cleanup(ts.Close)
	return ts
}

func dialRoom(t *testing.T, ts *httptest.Server, room, userID string) *websocket.Conn {
	t.Helper()
	u := strings.Replace(ts.URL, "http://", "ws://", 1) + "/rooms/" + room + "/sync?userId=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) relay.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var e relay.Envelope
	require.NoError(t, json.Unmarshal(payload, &e))
	return e
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, payload, err := conn.ReadMessage()
	require.Error(t, err, "expected no message, got %s", string(payload))
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, e relay.Envelope) {
	t.Helper()
	raw, err := json.Marshal(e)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func TestMembershipProtocol(t *testing.T) {
	ts := startRelay(t)

	c1 := dialRoom(t, ts, "r1", "u1")
	e := readEnvelope(t, c1)
	require.Equal(t, relay.TypeUserList, e.Type)
	require.Equal(t, relay.ServerSender, e.From)
	var list relay.UserListData
	require.NoError(t, json.Unmarshal(e.Data, &list))
	require.Empty(t, list.Users)

	c2 := dialRoom(t, ts, "r1", "u2")
	e = readEnvelope(t, c2)
	require.Equal(t, relay.TypeUserList, e.Type)
	require.NoError(t, json.Unmarshal(e.Data, &list))
	require.Equal(t, []string{"u1"}, list.Users)

	// the earlier member is told about the join
	e = readEnvelope(t, c1)
	require.Equal(t, relay.TypeUserJoin, e.Type)
	var join relay.JoinData
	require.NoError(t, json.Unmarshal(e.Data, &join))
	require.Equal(t, "u2", join.UserID)
	require.Equal(t, "r1", join.RoomName)

	// and about the leave
	require.NoError(t, c2.Close())
	e = readEnvelope(t, c1)
	require.Equal(t, relay.TypeUserLeave, e.Type)
	require.NoError(t, json.Unmarshal(e.Data, &join))
	require.Equal(t, "u2", join.UserID)
}

func TestBroadcastStaysInRoom(t *testing.T) {
	ts := startRelay(t)
	c1 := dialRoom(t, ts, "roomA", "u1")
	readEnvelope(t, c1) // user-list
	c2 := dialRoom(t, ts, "roomA", "u2")
	readEnvelope(t, c2) // user-list
	readEnvelope(t, c1) // user-join u2
	c3 := dialRoom(t, ts, "roomB", "u3")
	readEnvelope(t, c3) // user-list

	writeEnvelope(t, c1, relay.Envelope{Type: "doodle", From: "u1", Data: json.RawMessage(`{"k":1}`)})

	e := readEnvelope(t, c2)
	require.Equal(t, "doodle", e.Type)
	require.Equal(t, "u1", e.From)

	// a message broadcast in roomA is never delivered to roomB
	expectSilence(t, c3)
}

func TestBroadcastExcludesSender(t *testing.T) {
	ts := startRelay(t)
	c1 := dialRoom(t, ts, "r1", "u1")
	readEnvelope(t, c1)
	c2 := dialRoom(t, ts, "r1", "u2")
	readEnvelope(t, c2)
	readEnvelope(t, c1)

	writeEnvelope(t, c2, relay.Envelope{Type: "doodle", From: "u2"})
	readEnvelope(t, c1)
	expectSilence(t, c2)
}

func TestUnicastOnlyReachesTarget(t *testing.T) {
	ts := startRelay(t)
	c1 := dialRoom(t, ts, "r1", "u1")
	readEnvelope(t, c1)
	c2 := dialRoom(t, ts, "r1", "u2")
	readEnvelope(t, c2)
	readEnvelope(t, c1)
	c3 := dialRoom(t, ts, "r1", "u3")
	readEnvelope(t, c3)
	readEnvelope(t, c1)
	readEnvelope(t, c2)

	writeEnvelope(t, c1, relay.Envelope{Type: "offer", From: "u1", To: "u2", Data: json.RawMessage(`{"sdp":"x"}`)})

	e := readEnvelope(t, c2)
	require.Equal(t, "offer", e.Type)
	require.Equal(t, "u2", e.To)
	expectSilence(t, c3)
}

func TestUnicastToGonePeerIsSkipped(t *testing.T) {
	ts := startRelay(t)
	c1 := dialRoom(t, ts, "r1", "u1")
	readEnvelope(t, c1)

	// no such peer: silently skipped, the connection stays healthy
	writeEnvelope(t, c1, relay.Envelope{Type: "offer", From: "u1", To: "nobody"})
	writeEnvelope(t, c1, relay.Envelope{Type: relay.TypePing, From: "u1"})
	e := readEnvelope(t, c1)
	require.Equal(t, relay.TypePong, e.Type)
}

func TestPingPong(t *testing.T) {
	ts := startRelay(t)
	c1 := dialRoom(t, ts, "r1", "u1")
	readEnvelope(t, c1)

	writeEnvelope(t, c1, relay.Envelope{Type: relay.TypePing, From: "u1"})
	e := readEnvelope(t, c1)
	require.Equal(t, relay.TypePong, e.Type)
	require.Equal(t, relay.ServerSender, e.From)
}

func TestQueryParameterRoomSelection(t *testing.T) {
	ts := startRelay(t)

	u := strings.Replace(ts.URL, "http://", "ws://", 1) + "/?room=qroom&userId=u1"
	c1, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c1.Close() })
	readEnvelope(t, c1)

	// path-segment and query-parameter styles share the registry
	c2 := dialRoom(t, ts, "qroom", "u2")
	readEnvelope(t, c2)
	e := readEnvelope(t, c1)
	require.Equal(t, relay.TypeUserJoin, e.Type)
}

func TestBinaryFramesForwardedOpaquely(t *testing.T) {
	ts := startRelay(t)
	c1 := dialRoom(t, ts, "r1", "u1")
	readEnvelope(t, c1)
	c2 := dialRoom(t, ts, "r1", "u2")
	readEnvelope(t, c2)
	readEnvelope(t, c1)

	payload := []byte{0x01, 0x02, 0xff}
	require.NoError(t, c1.WriteMessage(websocket.BinaryMessage, payload))

	require.NoError(t, c2.SetReadDeadline(time.Now().Add(5*time.Second)))
	mt, got, err := c2.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	require.Equal(t, payload, got)
}

func TestReconnectWithSameUserKeepsFreshConnection(t *testing.T) {
	srv := relay.NewServer()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	stale := dialRoom(t, ts, "r1", "u1")
	readEnvelope(t, stale) // user-list

	// same stable userId reconnects while the old socket is still open
	fresh := dialRoom(t, ts, "r1", "u1")
	readEnvelope(t, fresh) // user-list

	// the old socket's teardown must not deregister the fresh connection
	require.NoError(t, stale.Close())
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, 1, srv.RoomSizes()["r1"])

	// and the fresh connection still receives room traffic
	c2 := dialRoom(t, ts, "r1", "u2")
	readEnvelope(t, c2)
	e := readEnvelope(t, fresh)
	require.Equal(t, relay.TypeUserJoin, e.Type)
}

func TestEmptyRoomIsDiscarded(t *testing.T) {
	srv := relay.NewServer()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c1 := dialRoom(t, ts, "r1", "u1")
	readEnvelope(t, c1)
	require.Eventually(t, func() bool { return srv.RoomSizes()["r1"] == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, c1.Close())
	require.Eventually(t, func() bool {
		_, ok := srv.RoomSizes()["r1"]
		return !ok
	}, time.Second, 10*time.Millisecond)
}
