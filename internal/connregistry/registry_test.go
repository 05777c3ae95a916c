package connregistry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/suleymanmyradov/completion-server/internal/tokencache"
	"github.com/suleymanmyradov/completion-server/internal/wire"
)

var upgrader = websocket.Upgrader{}

// newWSPair spins up a real loopback websocket connection so Registry's
// writeLoop exercises an actual socket, not a mock.
func newWSPair(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	t.Helper()
	var serverConn *websocket.Conn
	serverReady := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConn = c
		close(serverReady)
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	<-serverReady

	cleanup := func() {
		clientConn.Close()
		serverConn.Close()
		srv.Close()
	}
	return serverConn, clientConn, cleanup
}

func TestRegisterDeliverReachesClient(t *testing.T) {
	serverConn, clientConn, cleanup := newWSPair(t)
	defer cleanup()

	var dropped []string
	reg := New(func(connID string, reason DropReason) { dropped = append(dropped, connID) })

	reg.Register("conn-1", serverConn, "sess-1", "proj-1")
	reg.Deliver("conn-1", wire.Frame{Type: wire.TypePing})

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame wire.Frame
	require.NoError(t, clientConn.ReadJSON(&frame))
	require.Equal(t, wire.TypePing, frame.Type)
}

func TestBroadcastSkipsOriginator(t *testing.T) {
	serverConnA, clientConnA, cleanupA := newWSPair(t)
	defer cleanupA()
	serverConnB, clientConnB, cleanupB := newWSPair(t)
	defer cleanupB()

	reg := New(nil)
	reg.Register("conn-a", serverConnA, "sess-a", "proj-shared")
	reg.Register("conn-b", serverConnB, "sess-b", "proj-shared")

	reg.Broadcast("proj-shared", wire.Frame{Type: wire.TypeContextBroadcast}, "conn-a")

	clientConnB.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame wire.Frame
	require.NoError(t, clientConnB.ReadJSON(&frame))
	require.Equal(t, wire.TypeContextBroadcast, frame.Type)

	clientConnA.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	err := clientConnA.ReadJSON(&frame)
	require.Error(t, err, "originator should not receive its own broadcast")
}

func TestUnregisterRemovesFromIndexes(t *testing.T) {
	serverConn, _, cleanup := newWSPair(t)
	defer cleanup()

	reg := New(nil)
	reg.Register("conn-1", serverConn, "sess-1", "proj-1")
	require.Equal(t, 1, reg.Count())

	reg.Unregister("conn-1", DropUnregistered)
	require.Equal(t, 0, reg.Count())

	_, ok := reg.Get("conn-1")
	require.False(t, ok)
}

func TestDeliverToUnknownConnectionIsNoop(t *testing.T) {
	reg := New(nil)
	require.NotPanics(t, func() {
		reg.Deliver("does-not-exist", wire.Frame{Type: wire.TypePing})
	})
}

func TestCloseConnectionsForSessionAndProject(t *testing.T) {
	serverConnA, _, cleanupA := newWSPair(t)
	defer cleanupA()
	serverConnB, _, cleanupB := newWSPair(t)
	defer cleanupB()

	var dropped []DropReason
	reg := New(func(connID string, reason DropReason) { dropped = append(dropped, reason) })
	reg.Register("conn-a", serverConnA, "sess-shared", "proj-a")
	reg.Register("conn-b", serverConnB, "sess-shared", "proj-b")

	reg.CloseConnectionsForSession("sess-shared", tokencache.ReasonSessionExpired)

	require.Equal(t, 0, reg.Count())
	require.Len(t, dropped, 2)
	for _, r := range dropped {
		require.Equal(t, DropReason(tokencache.ReasonSessionExpired), r)
	}
}
