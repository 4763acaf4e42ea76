package hydraclient

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// mockNode is a websocket server standing in for a head node. It records
// received commands and can push events to the connected client.
type mockNode struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	ws       *websocket.Conn
	received []string
	gotConn  chan struct{}
}

func newMockNode(t *testing.T) *mockNode {
	node := &mockNode{
		t:       t,
		gotConn: make(chan struct{}, 5),
	}
	node.server = httptest.NewServer(http.HandlerFunc(node.handle))
	t.Cleanup(node.server.Close)

	return node
}

func (n *mockNode) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	n.mu.Lock()
	n.ws = ws
	n.mu.Unlock()
	n.gotConn <- struct{}{}

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}

		n.mu.Lock()
		n.received = append(n.received, string(raw))
		n.mu.Unlock()
	}
}

func (n *mockNode) url() string {
	return "ws" + strings.TrimPrefix(n.server.URL, "http")
}

func (n *mockNode) push(payload string) {
	n.mu.Lock()
	ws := n.ws
	n.mu.Unlock()

	err := ws.WriteMessage(websocket.TextMessage, []byte(payload))
	require.NoError(n.t, err)
}

func (n *mockNode) commands() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]string(nil), n.received...)
}

func (n *mockNode) dropClient() {
	n.mu.Lock()
	ws := n.ws
	n.mu.Unlock()

	ws.Close()
}

// TestConnLifecycle exercises connect, the snapshot request on open,
// ordered event delivery, command sending and shutdown.
func TestConnLifecycle(t *testing.T) {
	t.Parallel()

	node := newMockNode(t)

	var (
		mu     sync.Mutex
		events []Event
	)
	eventReceived := make(chan struct{}, 10)

	conn := NewConn(&ConnConfig{
		Participant: "platform",
		URL:         node.url(),
		OnEvent: func(e Event) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
			eventReceived <- struct{}{}
		},
	})

	// Commands before Start fail fast.
	require.ErrorIs(t, conn.InitHead(), ErrNotConnected)

	require.NoError(t, conn.Start())
	defer func() {
		require.NoError(t, conn.Stop())
	}()

	select {
	case <-node.gotConn:
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
	}

	// The client proactively requests a full snapshot on connect.
	require.Eventually(t, func() bool {
		for _, cmd := range node.commands() {
			if strings.Contains(cmd, "GetUTxO") {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	status := conn.Status()
	require.True(t, status.Connected)
	require.Zero(t, status.ReconnectAttempts)

	// Events arrive at the handler in the order the node sent them.
	node.push(`{"tag": "Greetings", "headStatus": "Idle"}`)
	node.push(`{"tag": "TxValid", "transaction": {"txId": "tx1"}}`)

	for i := 0; i < 2; i++ {
		select {
		case <-eventReceived:
		case <-time.After(5 * time.Second):
			t.Fatal("event not delivered")
		}
	}

	mu.Lock()
	require.Len(t, events, 2)
	require.Equal(t, "Greetings", events[0].Tag())
	require.Equal(t, "TxValid", events[1].Tag())
	mu.Unlock()

	// Outbound commands reach the node serialized.
	require.NoError(t, conn.SubmitTx("84a3"))
	require.Eventually(t, func() bool {
		for _, cmd := range node.commands() {
			if strings.Contains(cmd, "84a3") {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

// TestConnDropsUnparseable asserts junk inbound payloads are dropped
// without killing the connection.
func TestConnDropsUnparseable(t *testing.T) {
	t.Parallel()

	node := newMockNode(t)

	eventReceived := make(chan Event, 10)
	conn := NewConn(&ConnConfig{
		Participant: "platform",
		URL:         node.url(),
		OnEvent: func(e Event) {
			eventReceived <- e
		},
	})
	require.NoError(t, conn.Start())
	defer func() {
		require.NoError(t, conn.Stop())
	}()

	select {
	case <-node.gotConn:
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
	}

	node.push(`this is not json`)
	node.push(`{"tag": "Greetings", "headStatus": "Idle"}`)

	select {
	case event := <-eventReceived:
		require.Equal(t, "Greetings", event.Tag())
	case <-time.After(5 * time.Second):
		t.Fatal("event after junk not delivered")
	}

	require.True(t, conn.Status().Connected)
}

// TestConnReconnect asserts a dropped transport is redialed and the attempt
// counter resets once reconnected.
func TestConnReconnect(t *testing.T) {
	t.Parallel()

	node := newMockNode(t)

	connected := make(chan struct{}, 5)
	conn := NewConn(&ConnConfig{
		Participant:    "platform",
		URL:            node.url(),
		ReconnectDelay: 10 * time.Millisecond,
		OnConnect: func() {
			connected <- struct{}{}
		},
	})
	require.NoError(t, conn.Start())
	defer func() {
		require.NoError(t, conn.Stop())
	}()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
	}

	node.dropClient()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("client never reconnected")
	}

	require.Eventually(t, func() bool {
		status := conn.Status()
		return status.Connected && status.ReconnectAttempts == 0
	}, 5*time.Second, 10*time.Millisecond)
}

// TestConnStopDuringDial asserts Stop returns even when the websocket
// handshake only completes after shutdown has begun. The late connection
// must be discarded, not serviced.
func TestConnStopDuringDial(t *testing.T) {
	t.Parallel()

	handshakeStarted := make(chan struct{}, 1)
	releaseHandshake := make(chan struct{})

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			select {
			case handshakeStarted <- struct{}{}:
			default:
			}

			// Hold the handshake open until the test releases it.
			<-releaseHandshake

			ws, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer ws.Close()

			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		},
	))
	t.Cleanup(server.Close)

	conn := NewConn(&ConnConfig{
		Participant: "platform",
		URL:         "ws" + strings.TrimPrefix(server.URL, "http"),
	})
	require.NoError(t, conn.Start())

	select {
	case <-handshakeStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("client never dialed")
	}

	stopErr := make(chan error, 1)
	go func() {
		stopErr <- conn.Stop()
	}()

	// Give Stop time to close the quit channel while the dial is still in
	// flight, then let the handshake complete.
	time.Sleep(50 * time.Millisecond)
	close(releaseHandshake)

	select {
	case err := <-stopErr:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Stop hung waiting on a connection dialed after " +
			"shutdown")
	}

	require.False(t, conn.Status().Connected)
}

// TestConnExhaustion asserts the client permanently gives up after the
// attempt budget and signals it exactly once.
func TestConnExhaustion(t *testing.T) {
	t.Parallel()

	node := newMockNode(t)
	// Kill the server so every dial fails.
	node.server.Close()

	exhausted := make(chan struct{})
	conn := NewConn(&ConnConfig{
		Participant:          "platform",
		URL:                  node.url(),
		MaxReconnectAttempts: 3,
		ReconnectDelay:       5 * time.Millisecond,
		OnExhausted: func() {
			close(exhausted)
		},
	})
	require.NoError(t, conn.Start())
	defer func() {
		require.NoError(t, conn.Stop())
	}()

	select {
	case <-exhausted:
	case <-time.After(5 * time.Second):
		t.Fatal("client never exhausted its attempts")
	}

	status := conn.Status()
	require.False(t, status.Connected)
	require.True(t, status.Exhausted)
	require.ErrorIs(t, conn.Send(InitCommand()), ErrNotConnected)
}
