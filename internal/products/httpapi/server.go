package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"gokart/internal/products/product"
)

type Server struct {
	products *product.Service
	logger   *slog.Logger
	mux      *http.ServeMux
}

func NewServer(products *product.Service, logger *slog.Logger) *Server {
	s := &Server{
		products: products,
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /products", s.createProduct)
	s.mux.HandleFunc("GET /products", s.listProducts)
	s.mux.HandleFunc("GET /products/{productID}", s.getProduct)
	s.mux.HandleFunc("PUT /products/{productID}", s.updateProduct)
	s.mux.HandleFunc("DELETE /products/{productID}", s.deleteProduct)
	s.mux.HandleFunc("PUT /products/{productID}/stock/reduce", s.reduceStock)
	s.mux.HandleFunc("PUT /products/{productID}/stock/restore", s.restoreStock)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) createProduct(w http.ResponseWriter, r *http.Request) {
	var p product.Product
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.products.Create(r.Context(), &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) listProducts(w http.ResponseWriter, r *http.Request) {
	products, err := s.products.List(r.Context())
	if err != nil {
		s.logger.Error("list products", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (s *Server) getProduct(w http.ResponseWriter, r *http.Request) {
	id, err := s.productID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid product id")
		return
	}
	p, err := s.products.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, product.ErrProductNotFound) {
			writeError(w, http.StatusNotFound, "product not found")
			return
		}
		s.logger.Error("get product", "product_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) updateProduct(w http.ResponseWriter, r *http.Request) {
	id, err := s.productID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid product id")
		return
	}
	var p product.Product
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	p.ID = id
	if err := s.products.Update(r.Context(), &p); err != nil {
		if errors.Is(err, product.ErrProductNotFound) {
			writeError(w, http.StatusNotFound, "product not found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) deleteProduct(w http.ResponseWriter, r *http.Request) {
	id, err := s.productID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid product id")
		return
	}
	if err := s.products.Delete(r.Context(), id); err != nil {
		if errors.Is(err, product.ErrProductNotFound) {
			writeError(w, http.StatusNotFound, "product not found")
			return
		}
		s.logger.Error("delete product", "product_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) reduceStock(w http.ResponseWriter, r *http.Request) {
	s.stockOp(w, r, s.products.ReduceStock)
}

func (s *Server) restoreStock(w http.ResponseWriter, r *http.Request) {
	s.stockOp(w, r, s.products.RestoreStock)
}

func (s *Server) stockOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id int64, qty int) (int, error)) {
	id, err := s.productID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid product id")
		return
	}
	qty, err := strconv.Atoi(r.URL.Query().Get("quantity"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid quantity")
		return
	}

	newStock, err := op(r.Context(), id, qty)
	if err != nil {
		switch {
		case errors.Is(err, product.ErrProductNotFound):
			writeError(w, http.StatusNotFound, "product not found")
		case errors.Is(err, product.ErrInsufficientStock):
			writeError(w, http.StatusConflict, "insufficient stock")
		case errors.Is(err, product.ErrInvalidQuantity):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("stock operation", "product_id", id, "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"product_id": id, "stock": newStock})
}

func (s *Server) productID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("productID"), 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
