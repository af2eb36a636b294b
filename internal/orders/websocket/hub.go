package websocket

import (
	"context"
	"encoding/json"
	"strconv"

	"gokart/internal/orders/order"
)

type OrderUpdate struct {
	OrderID int64  `json:"order_id"`
	Status  string `json:"status"`
}

type Client struct {
	hub     *Hub
	conn    *Conn
	send    chan []byte
	orderID int64
}

// Hub fans order status updates out to the websocket clients subscribed to
// that order. All registration state is owned by the Run goroutine.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan OrderUpdate
	done       chan struct{}
	clients    map[int64]map[*Client]bool
}

func NewHub() *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan OrderUpdate),
		done:       make(chan struct{}),
		clients:    make(map[int64]map[*Client]bool),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			set, ok := h.clients[c.orderID]
			if !ok {
				set = make(map[*Client]bool)
				h.clients[c.orderID] = set
			}
			set[c] = true
		case c := <-h.unregister:
			if set, ok := h.clients[c.orderID]; ok {
				if _, exists := set[c]; exists {
					delete(set, c)
					close(c.send)
				}
				if len(set) == 0 {
					delete(h.clients, c.orderID)
				}
			}
		case upd := <-h.broadcast:
			msg, _ := json.Marshal(upd)
			if set, ok := h.clients[upd.OrderID]; ok {
				for c := range set {
					select {
					case c.send <- msg:
					default:
						// Slow clients are dropped rather than blocking the hub.
						delete(set, c)
						close(c.send)
					}
				}
			}
		case <-ctx.Done():
			// Signal done first so pump goroutines stop talking to the hub.
			close(h.done)
			for _, set := range h.clients {
				for c := range set {
					close(c.send)
				}
			}
			return
		}
	}
}

// detach hands the client back to the hub, or gives up if the hub has
// already shut down and closed every send channel itself.
func (c *Client) detach() {
	select {
	case c.hub.unregister <- c:
	case <-c.hub.done:
	}
}

func (h *Hub) Broadcast(u OrderUpdate) {
	go func() {
		select {
		case h.broadcast <- u:
		case <-h.done:
		}
	}()
}

// OrderStatusChanged implements order.Notifier.
func (h *Hub) OrderStatusChanged(orderID int64, status order.Status) {
	h.Broadcast(OrderUpdate{OrderID: orderID, Status: string(status)})
}

var _ order.Notifier = (*Hub)(nil)

func parseOrderID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
