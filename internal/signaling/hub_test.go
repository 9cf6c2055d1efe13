package signaling

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"liveroom/internal/lifecycle"
	"liveroom/internal/models"
	"liveroom/internal/observability/metrics"
	"liveroom/internal/storage"
	"liveroom/internal/testsupport/metricstest"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hubFixture struct {
	svc      *lifecycle.Service
	hub      *Hub
	server   *httptest.Server
	recorder *metrics.Recorder
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	store, err := storage.NewJSONRepository("")
	require.NoError(t, err)
	svc, err := lifecycle.NewService(lifecycle.ServiceConfig{Store: store, PromoteOnOffer: true})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	recorder := metrics.New()
	hub := NewHub(Config{Lifecycle: svc, Metrics: recorder})
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)
	return &hubFixture{svc: svc, hub: hub, server: server, recorder: recorder}
}

func (f *hubFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.server.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *hubFixture) room(t *testing.T, owner string, live bool) models.Room {
	t.Helper()
	room, err := f.svc.Create(context.Background(), "Room", owner)
	require.NoError(t, err)
	if live {
		room, err = f.svc.StartLive(context.Background(), room.ID, owner)
		require.NoError(t, err)
	}
	return room
}

func send(t *testing.T, conn *websocket.Conn, msg Message) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func (f *hubFixture) joinAndWait(t *testing.T, conn *websocket.Conn, roomID string, members int) {
	t.Helper()
	send(t, conn, Message{Type: TypeJoin, RoomID: roomID})
	require.Eventually(t, func() bool { return f.hub.Members(roomID) == members }, 2*time.Second, 10*time.Millisecond)
}

func TestJoinUnknownRoomRepliesError(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t)

	send(t, conn, Message{Type: TypeJoin, RoomID: "missing"})
	reply := read(t, conn)
	assert.Equal(t, TypeError, reply.Type)
	assert.Equal(t, "missing", reply.RoomID)
	assert.JSONEq(t, `"room not found"`, string(reply.Payload))
	assert.Zero(t, f.hub.Members("missing"))
}

func TestJoinAnnouncesPeerToOthers(t *testing.T) {
	f := newHubFixture(t)
	room := f.room(t, "owner", true)
	first := f.dial(t)
	second := f.dial(t)

	f.joinAndWait(t, first, room.ID, 1)
	f.joinAndWait(t, second, room.ID, 2)

	announced := read(t, first)
	assert.Equal(t, TypeUserJoined, announced.Type)
	assert.Equal(t, room.ID, announced.RoomID)
	assert.NotEmpty(t, announced.From)
	assert.Equal(t, 2.0, metricstest.Value(t, f.recorder.Registry(), "liveroom_socket_clients", map[string]string{"endpoint": "signaling"}))
}

func TestOfferRelaysAndPromotesPendingRoom(t *testing.T) {
	f := newHubFixture(t)
	room := f.room(t, "owner", false)
	publisher := f.dial(t)
	viewer := f.dial(t)
	f.joinAndWait(t, viewer, room.ID, 1)
	f.joinAndWait(t, publisher, room.ID, 2)
	require.Equal(t, TypeUserJoined, read(t, viewer).Type)

	sdp := json.RawMessage(`{"sdp":"v=0\r\no=- 1 2 IN IP4 127.0.0.1","type":"offer"}`)
	send(t, publisher, Message{Type: TypeOffer, RoomID: room.ID, Payload: sdp})

	relayed := read(t, viewer)
	assert.Equal(t, TypeOffer, relayed.Type)
	assert.JSONEq(t, string(sdp), string(relayed.Payload))

	got, err := f.svc.Get(context.Background(), room.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoomLive, got.Status)
}

func TestCandidateIsNotEchoedToSender(t *testing.T) {
	f := newHubFixture(t)
	room := f.room(t, "owner", true)
	a := f.dial(t)
	b := f.dial(t)
	f.joinAndWait(t, a, room.ID, 1)
	f.joinAndWait(t, b, room.ID, 2)
	require.Equal(t, TypeUserJoined, read(t, a).Type)

	send(t, b, Message{Type: TypeCandidate, RoomID: room.ID, Payload: json.RawMessage(`{"candidate":"c1"}`)})
	assert.Equal(t, TypeCandidate, read(t, a).Type)

	require.NoError(t, b.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := b.ReadMessage()
	assert.Error(t, err, "sender must not receive its own candidate")
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	f := newHubFixture(t)
	room := f.room(t, "owner", true)
	conn := f.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	send(t, conn, Message{Type: "dance", RoomID: room.ID})
	send(t, conn, Message{Type: TypeJoin})
	f.joinAndWait(t, conn, room.ID, 1)
}

func TestLastLeaveEndsLiveRoom(t *testing.T) {
	f := newHubFixture(t)
	room := f.room(t, "owner", true)
	a := f.dial(t)
	b := f.dial(t)
	f.joinAndWait(t, a, room.ID, 1)
	f.joinAndWait(t, b, room.ID, 2)

	send(t, a, Message{Type: TypeLeave, RoomID: room.ID})
	require.Eventually(t, func() bool { return f.hub.Members(room.ID) == 1 }, 2*time.Second, 10*time.Millisecond)
	got, err := f.svc.Get(context.Background(), room.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoomLive, got.Status)

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool {
		got, err := f.svc.Get(context.Background(), room.ID)
		return err == nil && got.Status == models.RoomEnded
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLeavingPendingRoomKeepsIt(t *testing.T) {
	f := newHubFixture(t)
	room := f.room(t, "owner", false)
	conn := f.dial(t)
	f.joinAndWait(t, conn, room.ID, 1)

	send(t, conn, Message{Type: TypeLeave, RoomID: room.ID})
	require.Eventually(t, func() bool { return f.hub.Members(room.ID) == 0 }, 2*time.Second, 10*time.Millisecond)
	got, err := f.svc.Get(context.Background(), room.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoomPending, got.Status)
}

func TestCloseAllDisconnectsPeers(t *testing.T) {
	f := newHubFixture(t)
	room := f.room(t, "owner", true)
	conn := f.dial(t)
	f.joinAndWait(t, conn, room.ID, 1)

	f.hub.CloseAll(context.Background())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	require.Eventually(t, func() bool { return f.hub.Members(room.ID) == 0 }, 2*time.Second, 10*time.Millisecond)
}
