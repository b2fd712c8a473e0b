package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/vasiliy-maslov/food-order-service/internal/order"
)

func TestCheckSpend(t *testing.T) {
	now := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	expired := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	usd := func(a int64) order.Money { return order.Money{Amount: a, Currency: "USD"} }

	tests := []struct {
		name    string
		state   codeState
		req     order.SpendRequest
		wantErr bool
	}{
		{name: "exact_balance", state: codeState{Lock: "k", Currency: "USD", Balance: 500}, req: order.SpendRequest{Lock: "k", Amount: usd(500)}},
		{name: "future_expiry", state: codeState{Lock: "k", Currency: "USD", Balance: 500, ExpiresAt: &future}, req: order.SpendRequest{Lock: "k", Amount: usd(1)}},
		{name: "currency_left_empty", state: codeState{Lock: "k", Currency: "USD", Balance: 500}, req: order.SpendRequest{Lock: "k", Amount: order.Money{Amount: 100}}},
		{name: "wrong_lock", state: codeState{Lock: "k", Currency: "USD", Balance: 500}, req: order.SpendRequest{Lock: "x", Amount: usd(100)}, wantErr: true},
		{name: "over_balance", state: codeState{Lock: "k", Currency: "USD", Balance: 500}, req: order.SpendRequest{Lock: "k", Amount: usd(501)}, wantErr: true},
		{name: "expired", state: codeState{Lock: "k", Currency: "USD", Balance: 500, ExpiresAt: &expired}, req: order.SpendRequest{Lock: "k", Amount: usd(1)}, wantErr: true},
		{name: "other_currency", state: codeState{Lock: "k", Currency: "CAD", Balance: 500}, req: order.SpendRequest{Lock: "k", Amount: usd(1)}, wantErr: true},
		{name: "zero_amount", state: codeState{Lock: "k", Currency: "USD", Balance: 500}, req: order.SpendRequest{Lock: "k", Amount: usd(0)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkSpend(tt.state, tt.req, now)
			if tt.wantErr {
				assert.ErrorIs(t, err, order.ErrLedgerRejected)
				return
			}
			assert.NoError(t, err)
		})
	}
}
