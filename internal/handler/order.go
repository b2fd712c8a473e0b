package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/food-order-service/internal/order"
)

type OrderGetter interface {
	GetOrder(ctx context.Context, id string) (*order.Order, error)
}

// OrderHandler serves read access to orders.
type OrderHandler struct {
	svc OrderGetter
}

func NewOrderHandler(svc OrderGetter) *OrderHandler {
	return &OrderHandler{svc: svc}
}

// GetOrder writes the order wrapped in the standard response envelope.
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	o, err := h.svc.GetOrder(r.Context(), id)
	if err != nil && order.CodeOf(err) == order.CodeInternal {
		log.Error().Ctx(r.Context()).Err(err).Str("order_id", id).Msg("handler: failed to get order")
	}
	writeResponse(w, order.NewResponse(o, err))
}

// writeResponse отправляет ответ в формате JSON
func writeResponse(w http.ResponseWriter, resp order.Response) {
	body, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("handler: failed to marshal response")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status":500,"success":false}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	if _, err := w.Write(body); err != nil {
		log.Error().Err(err).Msg("handler: failed to write response")
	}
}
