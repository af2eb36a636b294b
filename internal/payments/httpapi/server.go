package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"gokart/internal/payments/payment"
)

type Server struct {
	payments *payment.Processor
	logger   *slog.Logger
	mux      *http.ServeMux
}

func NewServer(payments *payment.Processor, logger *slog.Logger) *Server {
	s := &Server{
		payments: payments,
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /payments", s.listPayments)
	s.mux.HandleFunc("GET /payments/order/{orderID}", s.getByOrder)
	s.mux.HandleFunc("POST /payments/{paymentID}/refund", s.refund)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) listPayments(w http.ResponseWriter, r *http.Request) {
	userID, err := userID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	payments, err := s.payments.ListByUser(r.Context(), userID)
	if err != nil {
		s.logger.Error("list payments", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
}

func (s *Server) getByOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(r.PathValue("orderID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	p, err := s.payments.GetByOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, payment.ErrPaymentNotFound) {
			writeError(w, http.StatusNotFound, "payment not found")
			return
		}
		s.logger.Error("get payment by order", "order_id", orderID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) refund(w http.ResponseWriter, r *http.Request) {
	paymentID, err := strconv.ParseInt(r.PathValue("paymentID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payment id")
		return
	}
	p, err := s.payments.Refund(r.Context(), paymentID)
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrPaymentNotFound):
			writeError(w, http.StatusNotFound, "payment not found")
		case errors.Is(err, payment.ErrInvalidRefund):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("refund payment", "payment_id", paymentID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func userID(r *http.Request) (int64, error) {
	value := r.Header.Get("X-User-ID")
	if value == "" {
		return 0, errors.New("missing X-User-ID header")
	}
	return strconv.ParseInt(value, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
