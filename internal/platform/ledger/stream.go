package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/sdexbot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	streamBuffer = 256
)

// dialer is the subset of websocket.Dialer the client uses.
type dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

func defaultDialer() dialer {
	return &websocket.Dialer{HandshakeTimeout: 15 * time.Second}
}

// StreamFills subscribes to the account's fills. The channel closes when ctx
// ends or the connection drops; the caller reconnects.
func (c *Client) StreamFills(ctx context.Context, address string) (<-chan domain.FillEvent, error) {
	raw, err := c.subscribe(ctx, wsCommand{Type: "subscribe", Channel: "fills", Account: address})
	if err != nil {
		return nil, err
	}
	out := make(chan domain.FillEvent, streamBuffer)
	go func() {
		defer close(out)
		for data := range raw {
			var msg FillMessage
			if err := json.Unmarshal(data, &msg); err != nil || msg.OfferID == "" {
				continue
			}
			select {
			case out <- msg.ToDomain():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// StreamLiquidity subscribes to top-of-book updates for the given directed
// pairs. Like StreamFills, the channel closes on disconnect.
func (c *Client) StreamLiquidity(ctx context.Context, pairs []domain.TradingPair) (<-chan domain.LiquiditySnapshot, error) {
	keys := make([]string, 0, len(pairs)*2)
	for _, p := range pairs {
		keys = append(keys, p.Base.String()+">"+p.Counter.String(), p.Counter.String()+">"+p.Base.String())
	}
	raw, err := c.subscribe(ctx, wsCommand{Type: "subscribe", Channel: "liquidity", Pairs: keys})
	if err != nil {
		return nil, err
	}
	out := make(chan domain.LiquiditySnapshot, streamBuffer)
	go func() {
		defer close(out)
		for data := range raw {
			var msg LiquidityMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			snap, err := msg.ToDomain()
			if err != nil {
				continue
			}
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// subscribe dials the stream, sends cmd, and forwards the data payload of
// every message on cmd's channel until the connection fails or ctx ends.
func (c *Client) subscribe(ctx context.Context, cmd wsCommand) (<-chan json.RawMessage, error) {
	header := http.Header{}
	if c.auth != nil {
		for k, v := range c.auth.Headers(http.MethodGet, "/stream", "") {
			header.Set(k, v)
		}
	}
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, header)
	if err != nil {
		return nil, classify("ledger: stream "+cmd.Channel, err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	var writeMu sync.Mutex
	write := func(messageType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(messageType, data)
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ledger: marshal command: %w", err)
	}
	if err := write(websocket.TextMessage, payload); err != nil {
		conn.Close()
		return nil, classify("ledger: subscribe "+cmd.Channel, err)
	}

	out := make(chan json.RawMessage, streamBuffer)
	done := make(chan struct{})

	// Closing the connection unblocks ReadMessage when ctx ends.
	go func() {
		select {
		case <-ctx.Done():
			_ = write(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
		case <-done:
		}
	}()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		defer close(out)
		defer close(done)
		defer conn.Close()
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env wsEnvelope
			if err := json.Unmarshal(message, &env); err != nil || env.Channel != cmd.Channel {
				continue
			}
			select {
			case out <- env.Data:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
