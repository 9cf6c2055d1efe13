package notify

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"liveroom/internal/observability/metrics"
	"liveroom/internal/testsupport/metricstest"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestSocketHubBroadcastsEvents(t *testing.T) {
	broker := NewBroker(8, nil)
	recorder := metrics.New()
	hub := NewSocketHub(SocketHubConfig{Source: broker, Metrics: recorder})
	server := httptest.NewServer(hub)
	defer server.Close()

	first := dialHub(t, server)
	second := dialHub(t, server)
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2.0, metricstest.Value(t, recorder.Registry(), "liveroom_socket_clients", map[string]string{"endpoint": "notifications"}))

	broker.Broadcast(Event{Type: EventRoomEnded, Data: EventData{RoomID: "room-9", Reason: "stream inactive"}})

	for _, conn := range []*websocket.Conn{first, second} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var got Event
		require.NoError(t, conn.ReadJSON(&got))
		assert.Equal(t, EventRoomEnded, got.Type)
		assert.Equal(t, "room-9", got.Data.RoomID)
		assert.Equal(t, "stream inactive", got.Data.Reason)
	}
}

func TestSocketHubAnswersPing(t *testing.T) {
	hub := NewSocketHub(SocketHubConfig{Source: NewBroker(1, nil)})
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dialHub(t, server)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var reply map[string]string
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "pong", reply["type"])
}

func TestSocketHubCloseAllDisconnectsClients(t *testing.T) {
	broker := NewBroker(1, nil)
	hub := NewSocketHub(SocketHubConfig{Source: broker})
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dialHub(t, server)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.CloseAll(context.Background())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	require.Eventually(t, func() bool { return hub.Clients() == 0 && broker.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}
