package repositories

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"paytruth.engine/internal/domain/ports"
)

type contextKey string

const (
	txKey   contextKey = "tx_db"
	lockKey contextKey = "lock"
)

// UnitOfWork implements ports.UnitOfWork using GORM, adapted from the
// teacher's internal/infrastructure/repositories/unit_of_work_impl.go.
type UnitOfWork struct {
	db *gorm.DB
}

// NewUnitOfWork creates a new UnitOfWork.
func NewUnitOfWork(db *gorm.DB) ports.UnitOfWork {
	return &UnitOfWork{db: db}
}

// Do executes fn inside one database transaction: commits on success, rolls
// back on any error fn returns.
func (u *UnitOfWork) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	tx := u.GetDB(ctx).Begin()
	if tx.Error != nil {
		return fmt.Errorf("failed to begin transaction: %w", tx.Error)
	}

	txCtx := context.WithValue(ctx, txKey, tx)

	if err := fn(txCtx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// WithLock marks the context so subsequent repository calls made with it
// acquire SELECT ... FOR UPDATE row locks.
func (u *UnitOfWork) WithLock(ctx context.Context) context.Context {
	return context.WithValue(ctx, lockKey, true)
}

// GetDB extracts the transaction DB from context if present, otherwise
// returns the base DB.
func (u *UnitOfWork) GetDB(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey).(*gorm.DB); ok {
		return tx
	}
	return u.db
}

// dbFromContext returns fallback (or the in-flight transaction found on
// ctx), applying a row lock if the context was marked via WithLock.
func dbFromContext(ctx context.Context, fallback *gorm.DB) *gorm.DB {
	db := fallback
	if tx, ok := ctx.Value(txKey).(*gorm.DB); ok {
		db = tx
	}

	if lock, ok := ctx.Value(lockKey).(bool); ok && lock {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	return db.WithContext(ctx)
}
