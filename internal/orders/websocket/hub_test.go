package websocket

import (
	"context"
	"testing"
	"time"

	"gokart/internal/orders/order"
)

func newHubClient(h *Hub, orderID int64) *Client {
	return &Client{hub: h, send: make(chan []byte, 8), orderID: orderID}
}

func TestHubBroadcastReachesSubscribedOrder(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	c := newHubClient(h, 42)
	h.register <- c
	other := newHubClient(h, 7)
	h.register <- other

	h.OrderStatusChanged(42, order.StatusConfirmed)

	select {
	case msg := <-c.send:
		if string(msg) != `{"order_id":42,"status":"CONFIRMED"}` {
			t.Fatalf("message = %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no message delivered to subscriber")
	}

	select {
	case msg := <-other.send:
		t.Fatalf("unsubscribed order received %s", msg)
	default:
	}
}

func TestHubDetachAfterShutdownDoesNotBlock(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	c := newHubClient(h, 42)
	h.register <- c

	cancel()
	<-h.done

	// The read pump's teardown runs after the hub stopped draining
	// unregister; it must still return.
	detached := make(chan struct{})
	go func() {
		c.detach()
		close(detached)
	}()
	select {
	case <-detached:
	case <-time.After(time.Second):
		t.Fatal("detach blocked after hub shutdown")
	}

	if _, open := <-c.send; open {
		t.Fatal("send channel still open after shutdown")
	}
}

func TestHubUnregisterClosesSend(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	c := newHubClient(h, 42)
	h.register <- c
	c.detach()

	select {
	case _, open := <-c.send:
		if open {
			t.Fatal("expected send channel closed after unregister")
		}
	case <-time.After(time.Second):
		t.Fatal("send channel not closed")
	}
}
