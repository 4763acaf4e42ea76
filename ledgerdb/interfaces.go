package ledgerdb

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInsufficientBalance is returned when a mutation would drive a
	// bucket amount negative without allowNegative being set.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrTxNotFound is returned when a referenced ledger transaction does
	// not exist.
	ErrTxNotFound = errors.New("ledger transaction not found")

	// ErrDuplicateTxHash is returned when creating a transaction whose
	// external tx hash is already recorded. The hash is the idempotency
	// key for deposit crediting.
	ErrDuplicateTxHash = errors.New("external tx hash already recorded")

	// ErrStoreShutdown is returned for operations against a stopped
	// store.
	ErrStoreShutdown = errors.New("ledger store shutting down")
)

// TxOptions controls what type of store transaction is created.
type TxOptions interface {
	// ReadOnly returns true if the transaction should be read only.
	ReadOnly() bool
}

type txOptions struct {
	readOnly bool
}

// ReadOnly returns true if the transaction should be read only.
//
// NOTE: This is part of the TxOptions interface.
func (t *txOptions) ReadOnly() bool {
	return t.readOnly
}

// WriteTxOpt returns a TxOptions for a read-write transaction.
func WriteTxOpt() TxOptions {
	return &txOptions{readOnly: false}
}

// ReadTxOpt returns a TxOptions for a read-only transaction.
func ReadTxOpt() TxOptions {
	return &txOptions{readOnly: true}
}

// Queries is the set of store operations available inside a single atomic
// scope. Implementations guarantee that in a writable scope GetBucket takes
// an exclusive hold on the bucket row which lasts until the scope commits or
// rolls back, so two concurrent writers of the same bucket key serialize.
// Read only scopes take no such hold.
type Queries interface {
	// GetBucket fetches the bucket under the given key. Writable scopes
	// take an exclusive hold on it for the remainder of the scope. The
	// boolean is false if no row exists yet.
	GetBucket(ctx context.Context, key BucketKey) (BalanceBucket, bool,
		error)

	// UpsertBucket writes the bucket amount under the given key, creating
	// the row if absent. lastTxID of zero leaves the existing reference
	// untouched.
	UpsertBucket(ctx context.Context, key BucketKey, amount int64,
		lastTxID int64, updatedAt time.Time) error

	// ListBuckets returns all buckets of the given user, including zero
	// amount rows.
	ListBuckets(ctx context.Context, userID int64) ([]BalanceBucket,
		error)

	// CreateTransaction appends a new ledger transaction and returns its
	// assigned ID. A duplicate non-empty external tx hash fails with
	// ErrDuplicateTxHash.
	CreateTransaction(ctx context.Context, txn *Transaction) (int64,
		error)

	// CompleteTransaction transitions the transaction to COMPLETED,
	// recording the external hash, the fee charged and the completion
	// time.
	CompleteTransaction(ctx context.Context, id int64,
		externalTxHash string, fee int64,
		completedAt time.Time) error

	// FailTransaction transitions the transaction to FAILED with the
	// given error message.
	FailTransaction(ctx context.Context, id int64, errMsg string,
		failedAt time.Time) error

	// TransactionByTxHash fetches the transaction recorded under the
	// given external tx hash. The boolean is false if none exists.
	TransactionByTxHash(ctx context.Context, externalTxHash string) (
		Transaction, bool, error)

	// TransactionsByUser returns the user's transactions, newest first,
	// up to limit.
	TransactionsByUser(ctx context.Context, userID int64,
		limit int) ([]Transaction, error)

	// TransactionsInStatus returns all transactions of the given type in
	// the given status created before the cutoff, oldest first.
	TransactionsInStatus(ctx context.Context, txType TxType,
		status TxStatus, createdBefore time.Time) ([]Transaction,
		error)
}

// Store is the transactional backend of the ledger. ExecTx runs the given
// body inside one atomic scope: either every query the body issues commits,
// or none do.
type Store interface {
	// ExecTx executes the body within a single store transaction,
	// retrying internally where the backend permits it. The body may be
	// invoked multiple times and must therefore be idempotent up to its
	// queries.
	ExecTx(ctx context.Context, opts TxOptions,
		body func(Queries) error) error
}
