package sqlutil

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// WithTransaction runs fn inside a transaction bound to ctx. The transaction is rolled back if
// fn returns an error or panics, and committed otherwise.
func WithTransaction(ctx context.Context, db *sqlx.DB, fn func(txn *sqlx.Tx) error) (err error) {
	txn, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("WithTransaction.Begin: %w", err)
	}

	defer func() {
		panicErr := recover()
		if err == nil && panicErr != nil {
			err = fmt.Errorf("panic: %v", panicErr)
		}
		var txnErr error
		if err != nil {
			txnErr = txn.Rollback()
		} else {
			txnErr = txn.Commit()
		}
		if txnErr != nil && err == nil {
			err = fmt.Errorf("WithTransaction failed to commit/rollback: %w", txnErr)
		}
	}()

	err = fn(txn)
	return
}
