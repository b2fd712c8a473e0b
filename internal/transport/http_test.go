package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vasiliy-maslov/food-order-service/internal/order"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type getterFunc func(ctx context.Context, id string) (*order.Order, error)

func (f getterFunc) GetOrder(ctx context.Context, id string) (*order.Order, error) { return f(ctx, id) }

func TestRouter(t *testing.T) {
	orders := getterFunc(func(_ context.Context, id string) (*order.Order, error) {
		return &order.Order{ID: id}, nil
	})

	tests := []struct {
		name           string
		path           string
		pingErr        error
		expectedStatus int
	}{
		{name: "health", path: "/health", expectedStatus: http.StatusOK},
		{name: "ready", path: "/ready", expectedStatus: http.StatusOK},
		{name: "not_ready", path: "/ready", pingErr: errors.New("pool closed"), expectedStatus: http.StatusServiceUnavailable},
		{name: "get_order", path: "/orders/o-1", expectedStatus: http.StatusOK},
		{name: "unknown_route", path: "/orders", expectedStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRouter(pingFunc(func(context.Context) error { return tt.pingErr }), orders)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.expectedStatus, rec.Code)
		})
	}
}
