package ledger_test

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vasiliy-maslov/food-order-service/internal/db"
	"github.com/vasiliy-maslov/food-order-service/internal/ledger"
	"github.com/vasiliy-maslov/food-order-service/internal/order"
)

func setup(t *testing.T) *ledger.Ledger {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}

	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, (&db.Postgres{Pool: pool}).Migrate())

	truncate := func() {
		_, err := pool.Exec(context.Background(), "TRUNCATE TABLE store_credit_entries, store_credit_codes")
		require.NoError(t, err)
	}
	truncate()
	t.Cleanup(truncate)

	return ledger.NewLedger(pool, "USD")
}

func TestLedger_SpendRefund(t *testing.T) {
	l := setup(t)
	ctx := context.Background()

	issued, err := l.IssueCredit(ctx, order.IssueCreditRequest{Amount: order.Money{Amount: 1000}, RecipientName: "Ada", OrderID: "o-1"})
	require.NoError(t, err)
	assert.Equal(t, "USD", issued.Amount.Currency)

	debit, err := l.ValidateLockAndSpend(ctx, order.SpendRequest{Code: issued.Code, Lock: issued.Lock, Amount: order.Money{Amount: 600, Currency: "USD"}, OrderID: "o-2"})
	require.NoError(t, err)

	_, err = l.ValidateLockAndSpend(ctx, order.SpendRequest{Code: issued.Code, Lock: issued.Lock, Amount: order.Money{Amount: 600, Currency: "USD"}})
	assert.ErrorIs(t, err, order.ErrLedgerRejected)

	_, err = l.ValidateLockAndSpend(ctx, order.SpendRequest{Code: issued.Code, Lock: "wrong", Amount: order.Money{Amount: 1, Currency: "USD"}})
	assert.ErrorIs(t, err, order.ErrLedgerRejected)

	require.NoError(t, l.RefundDebit(ctx, *debit))
	require.NoError(t, l.RefundDebit(ctx, *debit), "second refund is a no-op")

	balance, err := l.Balance(ctx, issued.Code)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance.Amount)

	assert.Error(t, l.RefundDebit(ctx, order.LedgerDebit{Code: issued.Code, DebitID: "missing"}))
}

func TestLedger_ConcurrentSpendsNeverOverdraw(t *testing.T) {
	l := setup(t)
	ctx := context.Background()

	issued, err := l.IssueCredit(ctx, order.IssueCreditRequest{Amount: order.Money{Amount: 1000, Currency: "USD"}})
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.ValidateLockAndSpend(ctx, order.SpendRequest{Code: issued.Code, Lock: issued.Lock, Amount: order.Money{Amount: 400, Currency: "USD"}})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, ok)
	balance, err := l.Balance(ctx, issued.Code)
	require.NoError(t, err)
	assert.Equal(t, int64(200), balance.Amount)
}
