package realtime

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

	"github.com/mbd888/covenant/internal/events"
	"github.com/mbd888/covenant/internal/logging"
)

func runHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	require.Eventually(t, h.Running, time.Second, 5*time.Millisecond)
	return h
}

func TestSubscription_Matches(t *testing.T) {
	released := &events.Event{Type: events.EscrowReleased, EntityKind: events.KindEscrow, Actor: "0xs1", Parties: []string{"0xdep", "0xben"}}
	delivered := &events.Event{Type: events.PacketDelivered, EntityKind: events.KindPacket}

	all := Subscription{}
	assert.True(t, all.matches(released))
	assert.True(t, all.matches(delivered))

	escrowsOnly := Subscription{EntityKinds: []string{events.KindEscrow}}
	assert.True(t, escrowsOnly.matches(released))
	assert.False(t, escrowsOnly.matches(delivered))

	byType := Subscription{Types: []events.Type{events.PacketDelivered, events.PacketTimedOut}}
	assert.False(t, byType.matches(released))
	assert.True(t, byType.matches(delivered))

	byParty := Subscription{Addresses: []string{"0xben"}}
	assert.True(t, byParty.matches(released))
	assert.False(t, byParty.matches(delivered))

	combined := Subscription{EntityKinds: []string{events.KindEscrow}, Addresses: []string{"0xnobody"}}
	assert.False(t, combined.matches(released))
}

func TestHub_RegisterBroadcastUnregister(t *testing.T) {
	h := runHub(t)

	client := &Client{hub: h, send: make(chan []byte, 4)}
	h.register <- client

	h.Broadcast(&events.Event{Type: events.EscrowCreated, EntityID: "1"})
	select {
	case msg := <-client.send:
		var got events.Event
		require.NoError(t, json.Unmarshal(msg, &got))
		assert.Equal(t, events.EscrowCreated, got.Type)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
	}

	assert.Equal(t, 1, h.Stats()["connectedClients"])
	assert.Equal(t, int64(1), h.Stats()["peakClients"])

	h.unregister <- client
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peakClients"])
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := runHub(t)

	client := &Client{hub: h, send: make(chan []byte, 4), sub: Subscription{EntityKinds: []string{events.KindPacket}}}
	h.register <- client

	h.Broadcast(&events.Event{Type: events.EscrowCreated, EntityKind: events.KindEscrow})
	h.Broadcast(&events.Event{Type: events.PacketSent, EntityKind: events.KindPacket})

	select {
	case msg := <-client.send:
		assert.Contains(t, string(msg), `"packet.sent"`)
	case <-time.After(time.Second):
		t.Fatal("client should receive packet event")
	}
	assert.Empty(t, client.send)
}

func TestHub_DropsSlowClients(t *testing.T) {
	h := runHub(t)

	client := &Client{hub: h, send: make(chan []byte)}
	h.register <- client
	h.Broadcast(&events.Event{Type: events.PacketSent})

	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 0 }, time.Second, 5*time.Millisecond)
	_, open := <-client.send
	assert.False(t, open)
}

func TestHub_StopsOnCancel(t *testing.T) {
	h := NewHub(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	require.Eventually(t, h.Running, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}
	assert.False(t, h.Running())
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := runHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.Eventually(t, func() bool { return h.Stats()["connectedClients"] == 1 }, time.Second, 5*time.Millisecond)

	h.Broadcast(&events.Event{Type: events.EscrowDisputed, EntityKind: events.KindEscrow, EntityID: "9"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "9", got.EntityID)
}
