package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoRowsAffected is returned when an insert reports zero rows.
var ErrNoRowsAffected = errors.New("no rows affected")

// MealRecord is one row written by the insert job.
type MealRecord struct {
	MerchantCode      string
	StoreID           int64
	ChildMerchantCode string
	MealTime          string
	CreatedAt         time.Time
	CreatedBy         string
	UpdatedAt         time.Time
	UpdatedBy         string
}

type MealRecordRepo struct {
	pool *pgxpool.Pool
}

func NewMealRecordRepo(pool *pgxpool.Pool) *MealRecordRepo {
	return &MealRecordRepo{pool: pool}
}

// Count returns the number of stored meal records.
func (r *MealRecordRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM meal_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count meal records: %w", err)
	}
	return n, nil
}

// Insert writes rec in its own transaction and returns the rows affected.
func (r *MealRecordRepo) Insert(ctx context.Context, rec MealRecord) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO meal_records
			(mer_code, store_id, child_mer_code, meal_time, create_time, create_user, update_time, update_user)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.MerchantCode, rec.StoreID, rec.ChildMerchantCode, rec.MealTime,
		rec.CreatedAt, rec.CreatedBy, rec.UpdatedAt, rec.UpdatedBy,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert meal record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrNoRowsAffected
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return tag.RowsAffected(), nil
}
