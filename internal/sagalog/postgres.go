package sagalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var ErrNotFound = errors.New("saga log not found")

type PostgresRepository struct {
	db DB
}

func NewPostgresRepository(db DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Save(ctx context.Context, e *Entry) error {
	query := `
		INSERT INTO saga_logs (saga_id, status, current_step, error_messages, trace_id, span_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query,
		e.SagaID,
		string(e.Status),
		e.CurrentStep,
		e.Errors,
		e.TraceID,
		e.SpanID,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sagalog: failed to save entry for saga %s: %w", e.SagaID, err)
	}
	return nil
}

// Latest returns the most recent entry of a saga.
func (r *PostgresRepository) Latest(ctx context.Context, sagaID string) (*Entry, error) {
	query := `
		SELECT saga_id, status, current_step, error_messages, trace_id, span_id, created_at
		FROM saga_logs
		WHERE saga_id = $1
		ORDER BY id DESC
		LIMIT 1
	`
	var (
		e      Entry
		status string
	)
	err := r.db.QueryRow(ctx, query, sagaID).Scan(
		&e.SagaID,
		&status,
		&e.CurrentStep,
		&e.Errors,
		&e.TraceID,
		&e.SpanID,
		&e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("sagalog: failed to select latest entry for saga %s: %w", sagaID, err)
	}
	e.Status = Status(status)
	return &e, nil
}
