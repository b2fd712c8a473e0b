package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
)

// Store persists orders and implements the per-order lock as atomic
// conditional updates.
type Store interface {
	Create(ctx context.Context, o *Order) error
	CreateMany(ctx context.Context, orders []*Order) (int, error)
	Get(ctx context.Context, id string) (*Order, error)
	Acquire(ctx context.Context, id string, lock Lock, staleBefore time.Time, f Filter) (*Order, error)
	Release(ctx context.Context, o *Order) error
	Renew(ctx context.Context, id, token string, at time.Time) error
	BulkAcquire(ctx context.Context, lock Lock, staleBefore time.Time, f Filter) (int64, error)
	FindByLockToken(ctx context.Context, token string) ([]*Order, error)
	Find(ctx context.Context, f Filter) ([]*Order, error)
	ExistingThirdPartyIDs(ctx context.Context, ids []string) (map[string]bool, error)
	ReleaseStale(ctx context.Context, heldBefore time.Time) ([]string, error)
}

// DB is the subset of pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type postgresStore struct {
	db DB
}

func NewRepository(db DB) Store {
	return &postgresStore{db: db}
}

const orderColumns = `id, status, fulfillment_status, service_at, lock_token, lock_acquired_at, payload, created_at, updated_at`

const insertOrder = `
	INSERT INTO orders (id, status, fulfillment_status, service_at, third_party_id, payload, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

func insertArgs(o *Order) ([]any, error) {
	payload, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to encode order %s: %w", o.ID, err)
	}
	var thirdPartyID *string
	if id := o.ThirdPartyID(); id != "" {
		thirdPartyID = &id
	}
	return []any{
		o.ID,
		string(o.Status),
		string(o.Fulfillment.Status),
		o.ServiceAt,
		thirdPartyID,
		payload,
		o.CreatedAt,
		o.UpdatedAt,
	}, nil
}

func (r *postgresStore) Create(ctx context.Context, o *Order) error {
	args, err := insertArgs(o)
	if err != nil {
		return err
	}

	if _, err := r.db.Exec(ctx, insertOrder, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			log.Warn().Str("order_id", o.ID).Msg("repository: order already exists")
			return ErrDuplicateOrder
		}
		log.Error().Err(err).Str("order_id", o.ID).Msg("repository: failed to insert order")
		return fmt.Errorf("repository: failed to insert order %s: %w", o.ID, err)
	}
	return nil
}

// CreateMany inserts orders in one batch, silently skipping third-party
// orders that were already ingested. It returns the number inserted.
func (r *postgresStore) CreateMany(ctx context.Context, orders []*Order) (int, error) {
	if len(orders) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, o := range orders {
		args, err := insertArgs(o)
		if err != nil {
			return 0, err
		}
		batch.Queue(insertOrder+` ON CONFLICT (third_party_id) DO NOTHING`, args...)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range orders {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("repository: failed to bulk insert orders: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func (r *postgresStore) Get(ctx context.Context, id string) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	o, err := scanOrder(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: failed to select order %s: %w", id, err)
	}
	return o, nil
}

func (r *postgresStore) Acquire(ctx context.Context, id string, lock Lock, staleBefore time.Time, f Filter) (*Order, error) {
	args := []any{id, lock.Token, lock.AcquiredAt, staleBefore}
	where, args := f.sql(args)

	query := `
		UPDATE orders SET lock_token = $2, lock_acquired_at = $3
		WHERE id = $1 AND (lock_token IS NULL OR lock_acquired_at < $4)` + where + `
		RETURNING ` + orderColumns

	o, err := scanOrder(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		log.Error().Err(err).Str("order_id", id).Msg("repository: failed to acquire order lock")
		return nil, fmt.Errorf("repository: failed to acquire lock on order %s: %w", id, err)
	}
	return o, nil
}

// Release writes the order back and clears its lock in one statement. It
// only succeeds while the row still carries the holder's token.
func (r *postgresStore) Release(ctx context.Context, o *Order) error {
	if o.Lock == nil {
		return ErrLockLost
	}

	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("repository: failed to encode order %s: %w", o.ID, err)
	}

	query := `
		UPDATE orders
		SET status = $2, fulfillment_status = $3, service_at = $4, payload = $5, updated_at = $6,
			lock_token = NULL, lock_acquired_at = NULL
		WHERE id = $1 AND lock_token = $7
	`
	cmdTag, err := r.db.Exec(ctx, query,
		o.ID,
		string(o.Status),
		string(o.Fulfillment.Status),
		o.ServiceAt,
		payload,
		o.UpdatedAt,
		o.Lock.Token,
	)
	if err != nil {
		log.Error().Err(err).Str("order_id", o.ID).Msg("repository: failed to release order")
		return fmt.Errorf("repository: failed to release order %s: %w", o.ID, err)
	}

	if cmdTag.RowsAffected() == 0 {
		log.Warn().Str("order_id", o.ID).Msg("repository: lock token no longer held on release")
		return ErrLockLost
	}

	o.Lock = nil
	return nil
}

// Renew restarts the lease clock of a lock the caller still holds.
func (r *postgresStore) Renew(ctx context.Context, id, token string, at time.Time) error {
	query := `UPDATE orders SET lock_acquired_at = $3 WHERE id = $1 AND lock_token = $2`
	cmdTag, err := r.db.Exec(ctx, query, id, token, at)
	if err != nil {
		log.Error().Err(err).Str("order_id", id).Msg("repository: failed to renew order lock")
		return fmt.Errorf("repository: failed to renew lock on order %s: %w", id, err)
	}
	if cmdTag.RowsAffected() == 0 {
		log.Warn().Str("order_id", id).Msg("repository: lock token no longer held on renew")
		return ErrLockLost
	}
	return nil
}

func (r *postgresStore) BulkAcquire(ctx context.Context, lock Lock, staleBefore time.Time, f Filter) (int64, error) {
	args := []any{lock.Token, lock.AcquiredAt, staleBefore}
	where, args := f.sql(args)

	query := `
		UPDATE orders SET lock_token = $1, lock_acquired_at = $2
		WHERE (lock_token IS NULL OR lock_acquired_at < $3)` + where

	cmdTag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("repository: failed to bulk acquire orders: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}

func (r *postgresStore) FindByLockToken(ctx context.Context, token string) ([]*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE lock_token = $1 ORDER BY service_at, created_at`
	return r.queryOrders(ctx, query, token)
}

func (r *postgresStore) Find(ctx context.Context, f Filter) ([]*Order, error) {
	where, args := f.sql(nil)
	query := `SELECT ` + orderColumns + ` FROM orders WHERE TRUE` + where + ` ORDER BY service_at, created_at`
	return r.queryOrders(ctx, query, args...)
}

func (r *postgresStore) queryOrders(ctx context.Context, query string, args ...any) ([]*Order, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query orders: %w", err)
	}
	defer rows.Close()

	orders := make([]*Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: failed iterating orders: %w", err)
	}
	return orders, nil
}

func (r *postgresStore) ExistingThirdPartyIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	if len(ids) == 0 {
		return existing, nil
	}

	rows, err := r.db.Query(ctx, `SELECT third_party_id FROM orders WHERE third_party_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query third-party ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("repository: failed to scan third-party id: %w", err)
		}
		existing[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: failed iterating third-party ids: %w", err)
	}
	return existing, nil
}

func (r *postgresStore) ReleaseStale(ctx context.Context, heldBefore time.Time) ([]string, error) {
	query := `
		UPDATE orders SET lock_token = NULL, lock_acquired_at = NULL
		WHERE lock_token IS NOT NULL AND lock_acquired_at < $1
		RETURNING id
	`
	rows, err := r.db.Query(ctx, query, heldBefore)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to release stale locks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("repository: failed to scan released order id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: failed iterating released orders: %w", err)
	}
	return ids, nil
}

// scanOrder decodes a row selected with orderColumns. Indexed columns win
// over the copies kept in the payload.
func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o                 Order
		id                string
		status            string
		fulfillmentStatus string
		serviceAt         time.Time
		lockToken         *string
		lockAcquiredAt    *time.Time
		payload           []byte
		createdAt         time.Time
		updatedAt         time.Time
	)

	if err := row.Scan(&id, &status, &fulfillmentStatus, &serviceAt, &lockToken, &lockAcquiredAt, &payload, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &o); err != nil {
		return nil, fmt.Errorf("decode payload of order %s: %w", id, err)
	}

	o.ID = id
	o.Status = Status(status)
	o.Fulfillment.Status = FulfillmentStatus(fulfillmentStatus)
	o.ServiceAt = serviceAt
	o.CreatedAt = createdAt
	o.UpdatedAt = updatedAt
	if lockToken != nil && lockAcquiredAt != nil {
		o.Lock = &Lock{Token: *lockToken, AcquiredAt: *lockAcquiredAt}
	}
	return &o, nil
}
