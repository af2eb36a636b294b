package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"gokart/internal/orders/inventory"
	"gokart/internal/orders/order"
	"gokart/internal/orders/websocket"
)

type Server struct {
	orders *order.Service
	ws     *websocket.Handler
	logger *slog.Logger
	mux    *http.ServeMux
}

func NewServer(orders *order.Service, ws *websocket.Handler, logger *slog.Logger) *Server {
	s := &Server{
		orders: orders,
		ws:     ws,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /orders", s.createOrder)
	s.mux.HandleFunc("GET /orders", s.listOrders)
	s.mux.HandleFunc("GET /orders/{orderID}", s.getOrder)
	s.mux.HandleFunc("POST /orders/{orderID}/cancel", s.cancelOrder)
	s.mux.HandleFunc("PATCH /orders/{orderID}/status", s.overrideStatus)
	if s.ws != nil {
		s.mux.HandleFunc("GET /orders/{orderID}/ws", s.ws.ServeWS)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	var req order.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	o, err := s.orders.Create(r.Context(), userID, req)
	if err != nil {
		switch {
		case errors.Is(err, order.ErrEmptyOrder), errors.Is(err, order.ErrInvalidQuantity):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, inventory.ErrProductNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, inventory.ErrInsufficientStock):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("create order", "user_id", userID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(w, r)
	if !ok {
		return
	}
	orders, err := s.orders.ListByUser(r.Context(), userID)
	if err != nil {
		s.logger.Error("list orders", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	id, err := s.orderID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	o, err := s.orders.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		s.logger.Error("get order", "order_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := s.orderID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	o, err := s.orders.Cancel(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, order.ErrOrderNotFound):
			writeError(w, http.StatusNotFound, "order not found")
		case errors.Is(err, order.ErrInvalidCancellation):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("cancel order", "order_id", id, "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) overrideStatus(w http.ResponseWriter, r *http.Request) {
	id, err := s.orderID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	var req struct {
		Status order.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	o, err := s.orders.OverrideStatus(r.Context(), id, req.Status)
	if err != nil {
		switch {
		case errors.Is(err, order.ErrOrderNotFound):
			writeError(w, http.StatusNotFound, "order not found")
		case errors.Is(err, order.ErrInvalidStatus):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("override order status", "order_id", id, "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) orderID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("orderID"), 10, 64)
}

func (s *Server) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-ID header")
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid X-User-ID header")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
