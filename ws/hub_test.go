package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, route *Route) (*httptest.Server, string) {
	t.Helper()

	hub := NewHub()
	hub.DefaultPongTimeout = time.Second
	hub.DefaultPingInterval = 500 * time.Millisecond
	hub.Register(route)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt, ok := hub.RouteFor(r.URL.Path)
		require.True(t, ok)
		require.NoError(t, hub.Upgrade(rt, w, r))
	}))

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + route.Path

	return srv, url
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()

	_, b, err := conn.ReadMessage()
	require.NoError(t, err)

	var f Frame
	require.NoError(t, json.Unmarshal(b, &f))

	return f
}

func TestWelcomeOnConnect(t *testing.T) {
	route := &Route{Path: "/ws", Events: AllEvents}
	srv, url := newTestServer(t, route)
	defer srv.Close()

	conn := dial(t, url)
	defer conn.Close()

	f := readFrame(t, conn)
	require.Equal(t, FrameWelcome, f.Type)
	require.NotEmpty(t, f.ClientID)
}

func TestRoomFanOutAndAck(t *testing.T) {
	route := &Route{Path: "/ws", Events: AllEvents}
	srv, url := newTestServer(t, route)
	defer srv.Close()

	connA := dial(t, url)
	defer connA.Close()
	readFrame(t, connA) // welcome

	connB := dial(t, url)
	defer connB.Close()
	readFrame(t, connB) // welcome

	join := func(c *websocket.Conn) {
		b, _ := json.Marshal(Frame{Type: FrameJoinRoom, RoomID: "r"})
		require.NoError(t, c.WriteMessage(websocket.TextMessage, b))
		f := readFrame(t, c)
		require.Equal(t, FrameRoomJoined, f.Type)
	}

	join(connA)
	join(connB)

	msg, _ := json.Marshal(Frame{Type: FrameRoomMessage, RoomID: "r", Data: json.RawMessage(`"hi"`)})
	require.NoError(t, connA.WriteMessage(websocket.TextMessage, msg))

	ack := readFrame(t, connA)
	require.Equal(t, FrameMessageAck, ack.Type)

	fanout := readFrame(t, connB)
	require.Equal(t, FrameRoomMessage, fanout.Type)
	require.Equal(t, "r", fanout.RoomID)
}

func TestEventDisabledRejectsJoin(t *testing.T) {
	route := &Route{Path: "/ws", Events: NewEventSet(EventConnect, EventMessage, EventClose)}
	srv, url := newTestServer(t, route)
	defer srv.Close()

	conn := dial(t, url)
	defer conn.Close()
	readFrame(t, conn) // welcome

	b, _ := json.Marshal(Frame{Type: FrameJoinRoom, RoomID: "x"})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))

	f := readFrame(t, conn)
	require.Equal(t, FrameError, f.Type)
	require.Equal(t, "event_disabled", f.ErrorType)
}

func TestDirectMessageNotFound(t *testing.T) {
	route := &Route{Path: "/ws", Events: AllEvents}
	srv, url := newTestServer(t, route)
	defer srv.Close()

	conn := dial(t, url)
	defer conn.Close()
	readFrame(t, conn) // welcome

	b, _ := json.Marshal(Frame{Type: FrameDirectMessage, TargetClientID: "nope", Data: json.RawMessage(`"hi"`)})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))

	f := readFrame(t, conn)
	require.Equal(t, FrameError, f.Type)
	require.Equal(t, "not_found", f.ErrorType)
}

func TestPingAlwaysGetsPong(t *testing.T) {
	route := &Route{Path: "/ws", Events: NewEventSet(EventConnect)}
	srv, url := newTestServer(t, route)
	defer srv.Close()

	conn := dial(t, url)
	defer conn.Close()
	readFrame(t, conn) // welcome

	b, _ := json.Marshal(Frame{Type: FramePing, Timestamp: time.Now().UnixMilli()})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))

	f := readFrame(t, conn)
	require.Equal(t, FramePong, f.Type)
}

func TestEventSetEnabled(t *testing.T) {
	s := NewEventSet(EventConnect, EventMessage)
	require.True(t, s.Enabled(EventConnect))
	require.False(t, s.Enabled(EventClose))
}
