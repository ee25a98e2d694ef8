// Package dbtx carries a live *gorm.DB transaction through context so
// callers several layers removed from the transaction boundary can still
// participate in it.
package dbtx

import (
	"context"

	"gorm.io/gorm"
)

// txKey is an unexported type for context keys to prevent collisions.
type txKey struct{}

// GetDB returns the transaction-aware GORM DB from context, falling back to
// defaultDB when ctx carries no transaction.
func GetDB(ctx context.Context, defaultDB *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return defaultDB
}

// InjectTx injects a transaction into the context so GetDB can recover it.
func InjectTx(ctx context.Context, tx *gorm.DB) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// HasTx reports whether ctx already carries an injected transaction. The
// outbox writer uses this to refuse silently running outside a transaction.
func HasTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*gorm.DB)
	return ok
}

// Transactor executes fn within a database transaction, injecting it into
// the context passed to fn.
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type gormTransactor struct {
	db *gorm.DB
}

// NewTransactor creates a GORM-backed Transactor.
func NewTransactor(db *gorm.DB) Transactor {
	return &gormTransactor{db: db}
}

// WithinTransaction commits when fn returns nil and rolls back otherwise
// (including on panic, which GORM recovers and re-raises after rollback).
func (t *gormTransactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(InjectTx(ctx, tx))
	})
}
