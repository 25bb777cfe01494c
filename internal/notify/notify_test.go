package notify

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

	"github.com/example/delivery-dispatch/internal/events"
	"github.com/example/delivery-dispatch/internal/models"
)

func dialHub(t *testing.T, hub *Hub, userID string, admin bool) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Add(userID, admin, conn)
	}))
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return hub.Connected(userID) }, time.Second, 5*time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestHubRoutesToRecipientsAndAdmins(t *testing.T) {
	hub := NewHub(nil)
	driver := dialHub(t, hub, "d1", false)
	admin := dialHub(t, hub, "ops", true)
	other := dialHub(t, hub, "c9", false)

	offer := &models.Offer{ID: "o1", RequestID: "r1", DriverID: "d1"}
	err := hub.Publish(context.Background(), events.Event{Type: events.NewDeliveryOffer, RequestID: "r1", Offer: offer, Recipients: []string{"d1", "offline"}})
	require.NoError(t, err)

	got := readEvent(t, driver)
	assert.Equal(t, events.NewDeliveryOffer, got.Type)
	require.NotNil(t, got.Offer)
	assert.Equal(t, "o1", got.Offer.ID)

	assert.Equal(t, "r1", readEvent(t, admin).RequestID)

	_ = other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = other.ReadMessage()
	assert.Error(t, err, "non-recipient must not receive the event")
}

func TestHubDropsClosedSessions(t *testing.T) {
	hub := NewHub(nil)
	conn := dialHub(t, hub, "d1", false)
	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return !hub.Connected("d1") }, time.Second, 5*time.Millisecond)
}

// brokenSession registers a session for userID whose connection is already
// closed, so every write to it fails.
func brokenSession(t *testing.T, hub *Hub, userID string) {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)
	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	conn := <-conns
	require.NoError(t, conn.Close())
	hub.mu.Lock()
	hub.sessions[userID] = &session{userID: userID, conn: conn}
	hub.mu.Unlock()
}

func TestFailedSessionDoesNotDuplicateToHealthyOnes(t *testing.T) {
	hub := NewHub(nil)
	healthy := dialHub(t, hub, "c1", false)
	brokenSession(t, hub, "d1")

	bus := events.NewBus(8, nil, events.Sink{Name: "ws", Publisher: hub}).WithRetry(3, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	require.NoError(t, bus.Publish(ctx, events.Event{Type: events.OrderUpdate, DeliveryID: "del1", Status: "PICKED_UP", Recipients: []string{"c1", "d1"}}))

	assert.Equal(t, "PICKED_UP", readEvent(t, healthy).Status)
	_ = healthy.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, _, err := healthy.ReadMessage()
	assert.Error(t, err, "the event must arrive exactly once")
	assert.False(t, hub.Connected("d1"))
}

func TestPushSkipsConnectedRecipients(t *testing.T) {
	var topics []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b map[string]any
		_ = json.NewDecoder(r.Body).Decode(&b)
		topics = append(topics, b["message"].(map[string]any)["topic"].(string))
	}))
	defer srv.Close()

	hub := NewHub(nil)
	dialHub(t, hub, "c1", false)
	p := NewPushDispatcher(srv.URL, "")
	p.Connected = hub.Connected

	require.NoError(t, p.Publish(context.Background(), events.Event{Type: events.OrderUpdate, Status: "ACCEPTED", Recipients: []string{"c1", "m1"}}))
	assert.Equal(t, []string{"user-m1"}, topics)
}

func TestPushDispatcherPostsPerRecipient(t *testing.T) {
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var b map[string]any
		_ = json.NewDecoder(r.Body).Decode(&b)
		bodies = append(bodies, b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewPushDispatcher(srv.URL, "secret")
	err := p.Publish(context.Background(), events.Event{Type: events.OrderUpdate, DeliveryID: "d1", Status: "PICKED_UP", Recipients: []string{"c1", "m1"}})
	require.NoError(t, err)
	require.Len(t, bodies, 2)
	msg := bodies[0]["message"].(map[string]any)
	assert.Equal(t, "user-c1", msg["topic"])
	assert.Equal(t, "PICKED_UP", msg["data"].(map[string]any)["status"])

	require.NoError(t, p.Publish(context.Background(), events.Event{Type: events.LocationUpdate, Recipients: []string{"c1"}}))
	assert.Len(t, bodies, 2, "location updates are not pushed")
}

func TestPushDispatcherReportsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	err := NewPushDispatcher(srv.URL, "").Publish(context.Background(), events.Event{Type: events.NewDeliveryOffer, Recipients: []string{"d1"}})
	assert.Error(t, err)
}
