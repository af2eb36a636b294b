package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"gokart/internal/orders/order"

	gw "github.com/gorilla/websocket"
)

type Conn = gw.Conn

var upgrader = gw.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Handler struct {
	hub      *Hub
	orderSvc *order.Service
	logger   *slog.Logger
}

func NewHandler(hub *Hub, orderSvc *order.Service) *Handler {
	return &Handler{hub: hub, orderSvc: orderSvc, logger: slog.Default()}
}

// ServeWS upgrades the request and streams status updates for one order. The
// current status is pushed immediately so the client never misses a
// transition that happened before the socket opened.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	orderID, err := parseOrderID(r.PathValue("orderID"))
	if err != nil {
		_ = conn.Close()
		return
	}

	o, err := h.orderSvc.Get(r.Context(), orderID)
	if err != nil {
		_ = conn.Close()
		return
	}

	client := &Client{
		hub:     h.hub,
		conn:    conn,
		send:    make(chan []byte, 256),
		orderID: orderID,
	}

	select {
	case client.hub.register <- client:
	case <-h.hub.done:
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()

	upd := OrderUpdate{OrderID: orderID, Status: string(o.Status)}
	if b, err := json.Marshal(upd); err == nil {
		select {
		case client.send <- b:
		case <-time.After(1 * time.Second):
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.detach()
		_ = c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(gw.TextMessage, msg); err != nil {
			return
		}
	}
}
