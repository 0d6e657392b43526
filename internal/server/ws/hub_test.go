package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/coinledger/internal/cache/memory"
	"github.com/alanyoungcy/coinledger/internal/feed"
)

func startHub(t *testing.T) (*Hub, *feed.Publisher, string) {
	t.Helper()
	bus := memory.NewBus()
	hub := NewHub(bus, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return hub, feed.NewPublisher(bus, nil), "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHub_RoutesEventsToOwner(t *testing.T) {
	hub, pub, url := startHub(t)

	alice := dial(t, url+"/ws?user=alice")
	bob := dial(t, url+"/ws?user=bob")

	assert.Equal(t, "connected", readEnvelope(t, alice).Type)
	assert.Equal(t, "connected", readEnvelope(t, bob).Type)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, pub.Publish(context.Background(), feed.Event{Event: feed.EventAssetAdded, UserID: "alice", CoinID: "bitcoin"}))

	env := readEnvelope(t, alice)
	assert.Equal(t, "portfolio_event", env.Type)
	var ev feed.Event
	require.NoError(t, json.Unmarshal(env.Payload, &ev))
	assert.Equal(t, "bitcoin", ev.CoinID)

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := bob.ReadMessage()
	assert.Error(t, err, "bob must not receive alice's events")
}

func TestHub_RequiresUser(t *testing.T) {
	_, _, url := startHub(t)
	_, resp, err := websocket.DefaultDialer.Dial(url+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestHub_UnregistersOnClose(t *testing.T) {
	hub, _, url := startHub(t)
	conn := dial(t, url+"/ws?user=alice")
	readEnvelope(t, conn)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCheckOrigin(t *testing.T) {
	check := checkOrigin([]string{"https://app.example"})
	r := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, check(r))
	r.Header.Set("Origin", "https://app.example")
	assert.True(t, check(r))
	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(r))
}
