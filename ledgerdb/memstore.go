package ledgerdb

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store used by unit tests and as an ephemeral
// backend. A single mutex is held for the whole duration of every scope,
// which trivially satisfies the contract that scopes on the same bucket key
// serialize. Scopes operate on a staged copy of the state that is swapped
// in on commit, so a failing body leaves no partial mutation behind.
type MemStore struct {
	mtx sync.Mutex

	buckets map[BucketKey]BalanceBucket
	txns    map[int64]Transaction
	nextID  int64
}

// A compile time check to ensure MemStore implements the Store interface.
var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		buckets: make(map[BucketKey]BalanceBucket),
		txns:    make(map[int64]Transaction),
		nextID:  1,
	}
}

// ExecTx runs the body against a staged copy of the state, committing the
// copy only if the body succeeds.
//
// NOTE: This is part of the Store interface.
func (m *MemStore) ExecTx(ctx context.Context, opts TxOptions,
	body func(Queries) error) error {

	if err := ctx.Err(); err != nil {
		return err
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	staged := &memQueries{
		buckets: make(map[BucketKey]BalanceBucket, len(m.buckets)),
		txns:    make(map[int64]Transaction, len(m.txns)),
		nextID:  m.nextID,
	}
	for key, bucket := range m.buckets {
		staged.buckets[key] = bucket
	}
	for id, txn := range m.txns {
		staged.txns[id] = txn
	}

	if err := body(staged); err != nil {
		return err
	}

	if !opts.ReadOnly() {
		m.buckets = staged.buckets
		m.txns = staged.txns
		m.nextID = staged.nextID
	}

	return nil
}

// memQueries implements Queries over the staged state of one scope.
type memQueries struct {
	buckets map[BucketKey]BalanceBucket
	txns    map[int64]Transaction
	nextID  int64
}

// GetBucket fetches the staged bucket under key.
//
// NOTE: This is part of the Queries interface.
func (q *memQueries) GetBucket(_ context.Context, key BucketKey) (
	BalanceBucket, bool, error) {

	bucket, ok := q.buckets[key]
	return bucket, ok, nil
}

// UpsertBucket writes the staged bucket amount under key.
//
// NOTE: This is part of the Queries interface.
func (q *memQueries) UpsertBucket(_ context.Context, key BucketKey,
	amount int64, lastTxID int64, updatedAt time.Time) error {

	bucket, ok := q.buckets[key]
	if !ok {
		bucket = BalanceBucket{BucketKey: key}
	}

	bucket.Amount = amount
	if lastTxID != 0 {
		bucket.LastTxID = lastTxID
	}
	bucket.UpdatedAt = updatedAt

	q.buckets[key] = bucket

	return nil
}

// ListBuckets returns all staged buckets of the user.
//
// NOTE: This is part of the Queries interface.
func (q *memQueries) ListBuckets(_ context.Context, userID int64) (
	[]BalanceBucket, error) {

	var buckets []BalanceBucket
	for _, bucket := range q.buckets {
		if bucket.UserID == userID {
			buckets = append(buckets, bucket)
		}
	}

	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Type != buckets[j].Type {
			return buckets[i].Type < buckets[j].Type
		}
		return buckets[i].AssetID < buckets[j].AssetID
	})

	return buckets, nil
}

// CreateTransaction appends a staged transaction.
//
// NOTE: This is part of the Queries interface.
func (q *memQueries) CreateTransaction(_ context.Context,
	txn *Transaction) (int64, error) {

	if txn.ExternalTxHash != "" {
		for _, existing := range q.txns {
			if existing.ExternalTxHash == txn.ExternalTxHash {
				return 0, ErrDuplicateTxHash
			}
		}
	}

	id := q.nextID
	q.nextID++

	stored := *txn
	stored.ID = id
	q.txns[id] = stored

	return id, nil
}

// CompleteTransaction transitions the staged transaction to COMPLETED.
//
// NOTE: This is part of the Queries interface.
func (q *memQueries) CompleteTransaction(_ context.Context, id int64,
	externalTxHash string, fee int64, completedAt time.Time) error {

	txn, ok := q.txns[id]
	if !ok {
		return ErrTxNotFound
	}

	txn.Status = StatusCompleted
	if externalTxHash != "" {
		txn.ExternalTxHash = externalTxHash
	}
	txn.Fee = fee
	txn.CompletedAt = completedAt
	q.txns[id] = txn

	return nil
}

// FailTransaction transitions the staged transaction to FAILED.
//
// NOTE: This is part of the Queries interface.
func (q *memQueries) FailTransaction(_ context.Context, id int64,
	errMsg string, failedAt time.Time) error {

	txn, ok := q.txns[id]
	if !ok {
		return ErrTxNotFound
	}

	txn.Status = StatusFailed
	txn.ErrorMessage = errMsg
	txn.CompletedAt = failedAt
	q.txns[id] = txn

	return nil
}

// TransactionByTxHash fetches the staged transaction under the hash.
//
// NOTE: This is part of the Queries interface.
func (q *memQueries) TransactionByTxHash(_ context.Context,
	externalTxHash string) (Transaction, bool, error) {

	for _, txn := range q.txns {
		if txn.ExternalTxHash == externalTxHash {
			return txn, true, nil
		}
	}

	return Transaction{}, false, nil
}

// TransactionsByUser returns the user's staged transactions, newest first.
//
// NOTE: This is part of the Queries interface.
func (q *memQueries) TransactionsByUser(_ context.Context, userID int64,
	limit int) ([]Transaction, error) {

	var txns []Transaction
	for _, txn := range q.txns {
		if txn.UserID == userID {
			txns = append(txns, txn)
		}
	}

	sort.Slice(txns, func(i, j int) bool {
		if txns[i].CreatedAt.Equal(txns[j].CreatedAt) {
			return txns[i].ID > txns[j].ID
		}
		return txns[i].CreatedAt.After(txns[j].CreatedAt)
	})

	if limit > 0 && len(txns) > limit {
		txns = txns[:limit]
	}

	return txns, nil
}

// TransactionsInStatus returns staged transactions of the type and status
// created before the cutoff, oldest first.
//
// NOTE: This is part of the Queries interface.
func (q *memQueries) TransactionsInStatus(_ context.Context, txType TxType,
	status TxStatus, createdBefore time.Time) ([]Transaction, error) {

	var txns []Transaction
	for _, txn := range q.txns {
		if txn.Type == txType && txn.Status == status &&
			txn.CreatedAt.Before(createdBefore) {

			txns = append(txns, txn)
		}
	}

	sort.Slice(txns, func(i, j int) bool {
		if txns[i].CreatedAt.Equal(txns[j].CreatedAt) {
			return txns[i].ID < txns[j].ID
		}
		return txns[i].CreatedAt.Before(txns[j].CreatedAt)
	})

	return txns, nil
}
