// internal/database/store.go
package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store runs queries on the pool and opens transactional units of work.
type Store struct {
	*Queries
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Queries: New(pool), pool: pool}
}

func (s *Store) Begin(ctx context.Context) (UnitOfWork, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &txUnit{Queries: New(tx), pool: s.pool, tx: tx}, nil
}

// txUnit commits in checkpoints: each Commit closes the current transaction
// and opens the next one on the same pool.
type txUnit struct {
	*Queries
	pool *pgxpool.Pool
	tx   pgx.Tx
}

func (u *txUnit) Commit(ctx context.Context) error {
	if u.tx == nil {
		return errors.New("unit of work is closed")
	}
	if err := u.tx.Commit(ctx); err != nil {
		u.tx = nil
		return fmt.Errorf("commit transaction: %w", err)
	}
	tx, err := u.pool.Begin(ctx)
	if err != nil {
		u.tx = nil
		return fmt.Errorf("begin transaction: %w", err)
	}
	u.tx = tx
	u.Queries = New(tx)
	return nil
}

// Rollback discards uncommitted work and closes the unit. It is safe to call
// after the unit is already closed.
func (u *txUnit) Rollback(ctx context.Context) error {
	if u.tx == nil {
		return nil
	}
	err := u.tx.Rollback(ctx)
	u.tx = nil
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

var _ Beginner = (*Store)(nil)
