package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sdexbot/internal/domain"
)

type chanBus struct {
	mu   sync.Mutex
	subs map[string]chan []byte
}

func (b *chanBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	ch := b.subs[channel]
	b.mu.Unlock()
	if ch != nil {
		ch <- payload
	}
	return nil
}

func (b *chanBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 8)
	b.mu.Lock()
	if b.subs == nil {
		b.subs = map[string]chan []byte{}
	}
	b.subs[channel] = ch
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, channel)
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (b *chanBus) subscribed(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs[channel] != nil
}

func TestHubForwardsBusMessages(t *testing.T) {
	bus := &chanBus{}
	hub := NewHub(bus, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 1 && bus.subscribed(domain.ChannelArb)
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, bus.Publish(ctx, domain.ChannelArb, []byte(`{"event":"arb_detected","id":"x"}`)))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, domain.ChannelArb, env.Channel)
	assert.JSONEq(t, `{"event":"arb_detected","id":"x"}`, string(env.Data))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
	assert.Equal(t, 0, hub.ClientCount())
}

func TestHubSkipsUnsubscribedChannels(t *testing.T) {
	c := &client{
		send: make(chan []byte, 1),
		subs: map[string]bool{domain.ChannelOrders: true},
	}
	hub := NewHub(&chanBus{}, nil, nil)
	hub.clients[c] = struct{}{}

	hub.broadcast(domain.ChannelArb, []byte(`{}`))
	assert.Empty(t, c.send)

	hub.broadcast(domain.ChannelOrders, []byte(`{}`))
	assert.Len(t, c.send, 1)

	// A full buffer drops rather than blocks.
	hub.broadcast(domain.ChannelOrders, []byte(`{}`))
	assert.Len(t, c.send, 1)
}
