package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

// Tx is an opaque transaction handle (pgx.Tx for Postgres). Repositories
// accept nil for the non-transactional path and lock rows (FOR UPDATE) when
// handed a real transaction.
type Tx interface{}

var NoTX Tx

// TransactionManager runs fn inside a database transaction, passing the
// handle to fn. The transaction is rolled back when fn returns an error.
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
