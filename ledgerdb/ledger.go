package ledgerdb

import (
	"context"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

// Config houses the dependencies of the ledger.
type Config struct {
	// Store is the transactional backend holding buckets and ledger
	// transactions.
	Store Store

	// Clock is the time source used for record timestamps.
	Clock clock.Clock
}

// Ledger maintains the per-user, per-asset balance buckets and the
// append-only ledger transaction record. All mutations go through its
// methods; buckets are never written directly so the store's locking
// discipline is preserved.
type Ledger struct {
	cfg *Config
}

// New creates a new Ledger backed by the given store.
func New(cfg *Config) *Ledger {
	return &Ledger{cfg: cfg}
}

// mutateBucket applies delta to the bucket under key inside the given scope.
// The bucket row is created on first credit. A mutation that would drive the
// committed amount negative fails with ErrInsufficientBalance unless
// allowNegative is set.
func (l *Ledger) mutateBucket(ctx context.Context, q Queries, key BucketKey,
	delta int64, lastTxID int64, allowNegative bool) (int64, error) {

	bucket, ok, err := q.GetBucket(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("unable to fetch bucket %v: %w", key, err)
	}

	current := int64(0)
	if ok {
		current = bucket.Amount
	}

	newAmount := current + delta
	if newAmount < 0 && !allowNegative {
		return 0, fmt.Errorf("bucket %v has %d, delta %d: %w", key,
			current, delta, ErrInsufficientBalance)
	}

	err = q.UpsertBucket(ctx, key, newAmount, lastTxID, l.cfg.Clock.Now())
	if err != nil {
		return 0, fmt.Errorf("unable to write bucket %v: %w", key, err)
	}

	return newAmount, nil
}

// Mutate atomically applies delta to the bucket under (userID, bucketType,
// assetID) and returns the new amount. Concurrent calls on the same key
// serialize; calls on different keys proceed independently.
func (l *Ledger) Mutate(ctx context.Context, userID int64, typ BucketType,
	assetID string, delta int64, allowNegative bool) (int64, error) {

	key := BucketKey{UserID: userID, Type: typ, AssetID: assetID}

	var newAmount int64
	err := l.cfg.Store.ExecTx(ctx, WriteTxOpt(), func(q Queries) error {
		var err error
		newAmount, err = l.mutateBucket(
			ctx, q, key, delta, 0, allowNegative,
		)
		return err
	})
	if err != nil {
		return 0, err
	}

	return newAmount, nil
}

// Lock moves amount from the user's AVAILABLE bucket to the LOCKED bucket in
// one atomic scope. It fails without any mutation if AVAILABLE is too low.
func (l *Ledger) Lock(ctx context.Context, userID int64, amount int64,
	assetID string) error {

	if amount <= 0 {
		return fmt.Errorf("lock amount must be positive, got %d",
			amount)
	}

	return l.cfg.Store.ExecTx(ctx, WriteTxOpt(), func(q Queries) error {
		avail := BucketKey{
			UserID: userID, Type: BucketAvailable, AssetID: assetID,
		}
		locked := BucketKey{
			UserID: userID, Type: BucketLocked, AssetID: assetID,
		}

		_, err := l.mutateBucket(ctx, q, avail, -amount, 0, false)
		if err != nil {
			return err
		}

		_, err = l.mutateBucket(ctx, q, locked, amount, 0, false)
		return err
	})
}

// Unlock moves amount from the user's LOCKED bucket back to AVAILABLE in one
// atomic scope.
func (l *Ledger) Unlock(ctx context.Context, userID int64, amount int64,
	assetID string) error {

	if amount <= 0 {
		return fmt.Errorf("unlock amount must be positive, got %d",
			amount)
	}

	return l.cfg.Store.ExecTx(ctx, WriteTxOpt(), func(q Queries) error {
		avail := BucketKey{
			UserID: userID, Type: BucketAvailable, AssetID: assetID,
		}
		locked := BucketKey{
			UserID: userID, Type: BucketLocked, AssetID: assetID,
		}

		_, err := l.mutateBucket(ctx, q, locked, -amount, 0, false)
		if err != nil {
			return err
		}

		_, err = l.mutateBucket(ctx, q, avail, amount, 0, false)
		return err
	})
}

// Transfer moves amount from one user's AVAILABLE bucket to another's in one
// atomic scope, recording a TRANSFER ledger transaction. Both sides roll
// back if the debit fails.
func (l *Ledger) Transfer(ctx context.Context, fromUserID, toUserID int64,
	amount int64, assetID string) error {

	if amount <= 0 {
		return fmt.Errorf("transfer amount must be positive, got %d",
			amount)
	}

	return l.cfg.Store.ExecTx(ctx, WriteTxOpt(), func(q Queries) error {
		now := l.cfg.Clock.Now()

		txID, err := q.CreateTransaction(ctx, &Transaction{
			UserID:      fromUserID,
			Type:        TxTransfer,
			Status:      StatusCompleted,
			Layer:       LayerL2,
			Amount:      amount,
			AssetID:     assetID,
			CreatedAt:   now,
			CompletedAt: now,
			Metadata: map[string]string{
				"to_user": fmt.Sprintf("%d", toUserID),
			},
		})
		if err != nil {
			return err
		}

		from := BucketKey{
			UserID:  fromUserID,
			Type:    BucketAvailable,
			AssetID: assetID,
		}
		to := BucketKey{
			UserID:  toUserID,
			Type:    BucketAvailable,
			AssetID: assetID,
		}

		_, err = l.mutateBucket(ctx, q, from, -amount, txID, false)
		if err != nil {
			return err
		}

		_, err = l.mutateBucket(ctx, q, to, amount, txID, false)
		return err
	})
}

// CreditDeposit atomically records a COMPLETED L1 DEPOSIT transaction and
// credits the observed amount to the user's AVAILABLE bucket, linking the
// bucket to the new record. The external tx hash acts as the idempotency
// key: a second call with the same hash fails with ErrDuplicateTxHash.
func (l *Ledger) CreditDeposit(ctx context.Context, userID int64,
	amount int64, assetID, externalTxHash, fromAddress string) (
	Transaction, error) {

	var record Transaction
	err := l.cfg.Store.ExecTx(ctx, WriteTxOpt(), func(q Queries) error {
		now := l.cfg.Clock.Now()

		record = Transaction{
			UserID:         userID,
			Type:           TxDeposit,
			Status:         StatusCompleted,
			Layer:          LayerL1,
			Amount:         amount,
			AssetID:        assetID,
			FromAddress:    fromAddress,
			ExternalTxHash: externalTxHash,
			CreatedAt:      now,
			CompletedAt:    now,
		}

		txID, err := q.CreateTransaction(ctx, &record)
		if err != nil {
			return err
		}
		record.ID = txID

		key := BucketKey{
			UserID:  userID,
			Type:    BucketAvailable,
			AssetID: assetID,
		}

		_, err = l.mutateBucket(ctx, q, key, amount, txID, false)
		return err
	})
	if err != nil {
		return Transaction{}, err
	}

	return record, nil
}

// ReserveWithdrawal atomically debits the user's AVAILABLE bucket and
// records a PROCESSING L1 WITHDRAWAL transaction for the amount. The debit
// and the record are one scope, so a reservation can never partially apply.
func (l *Ledger) ReserveWithdrawal(ctx context.Context, userID int64,
	amount int64, assetID, toAddress string) (Transaction, error) {

	var record Transaction
	err := l.cfg.Store.ExecTx(ctx, WriteTxOpt(), func(q Queries) error {
		record = Transaction{
			UserID:    userID,
			Type:      TxWithdrawal,
			Status:    StatusProcessing,
			Layer:     LayerL1,
			Amount:    amount,
			AssetID:   assetID,
			ToAddress: toAddress,
			CreatedAt: l.cfg.Clock.Now(),
		}

		txID, err := q.CreateTransaction(ctx, &record)
		if err != nil {
			return err
		}
		record.ID = txID

		key := BucketKey{
			UserID:  userID,
			Type:    BucketAvailable,
			AssetID: assetID,
		}

		_, err = l.mutateBucket(ctx, q, key, -amount, txID, false)
		return err
	})
	if err != nil {
		return Transaction{}, err
	}

	return record, nil
}

// SettleWithdrawal marks a reserved withdrawal COMPLETED, recording the
// resulting on-chain hash and the fee charged.
func (l *Ledger) SettleWithdrawal(ctx context.Context, txID int64,
	externalTxHash string, fee int64) error {

	return l.cfg.Store.ExecTx(ctx, WriteTxOpt(), func(q Queries) error {
		return q.CompleteTransaction(
			ctx, txID, externalTxHash, fee, l.cfg.Clock.Now(),
		)
	})
}

// CompensateWithdrawal re-credits the reserved amount to the user's
// AVAILABLE bucket and marks the withdrawal FAILED with the given error, in
// one atomic scope. After it returns the user holds exactly their
// pre-withdrawal balance.
func (l *Ledger) CompensateWithdrawal(ctx context.Context, txn Transaction,
	settleErr string) error {

	return l.cfg.Store.ExecTx(ctx, WriteTxOpt(), func(q Queries) error {
		err := q.FailTransaction(
			ctx, txn.ID, settleErr, l.cfg.Clock.Now(),
		)
		if err != nil {
			return err
		}

		key := BucketKey{
			UserID:  txn.UserID,
			Type:    BucketAvailable,
			AssetID: txn.AssetID,
		}

		_, err = l.mutateBucket(ctx, q, key, txn.Amount, txn.ID, false)
		return err
	})
}

// Available returns the user's AVAILABLE amount for the asset.
func (l *Ledger) Available(ctx context.Context, userID int64,
	assetID string) (int64, error) {

	return l.bucketAmount(ctx, BucketKey{
		UserID: userID, Type: BucketAvailable, AssetID: assetID,
	})
}

// Locked returns the user's LOCKED amount for the asset.
func (l *Ledger) Locked(ctx context.Context, userID int64,
	assetID string) (int64, error) {

	return l.bucketAmount(ctx, BucketKey{
		UserID: userID, Type: BucketLocked, AssetID: assetID,
	})
}

// Total returns the sum of the user's buckets for the asset across all
// bucket types.
func (l *Ledger) Total(ctx context.Context, userID int64,
	assetID string) (int64, error) {

	buckets, err := l.AllBuckets(ctx, userID)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, bucket := range buckets {
		if bucket.AssetID == assetID {
			total += bucket.Amount
		}
	}

	return total, nil
}

// AllBuckets returns every bucket of the user, including zero amount rows.
func (l *Ledger) AllBuckets(ctx context.Context, userID int64) (
	[]BalanceBucket, error) {

	var buckets []BalanceBucket
	err := l.cfg.Store.ExecTx(ctx, ReadTxOpt(), func(q Queries) error {
		var err error
		buckets, err = q.ListBuckets(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return buckets, nil
}

// TransactionByTxHash fetches the ledger transaction recorded under the
// given external tx hash, if any.
func (l *Ledger) TransactionByTxHash(ctx context.Context,
	externalTxHash string) (Transaction, bool, error) {

	var (
		txn Transaction
		ok  bool
	)
	err := l.cfg.Store.ExecTx(ctx, ReadTxOpt(), func(q Queries) error {
		var err error
		txn, ok, err = q.TransactionByTxHash(ctx, externalTxHash)
		return err
	})
	if err != nil {
		return Transaction{}, false, err
	}

	return txn, ok, nil
}

// TransactionsByUser returns the user's ledger transactions, newest first.
func (l *Ledger) TransactionsByUser(ctx context.Context, userID int64,
	limit int) ([]Transaction, error) {

	var txns []Transaction
	err := l.cfg.Store.ExecTx(ctx, ReadTxOpt(), func(q Queries) error {
		var err error
		txns, err = q.TransactionsByUser(ctx, userID, limit)
		return err
	})
	if err != nil {
		return nil, err
	}

	return txns, nil
}

// ProcessingWithdrawals returns all WITHDRAWAL transactions stuck in
// PROCESSING that were created before the cutoff. These are the candidates
// for the manual reconciliation sweep.
func (l *Ledger) ProcessingWithdrawals(ctx context.Context,
	createdBefore time.Time) ([]Transaction, error) {

	var txns []Transaction
	err := l.cfg.Store.ExecTx(ctx, ReadTxOpt(), func(q Queries) error {
		var err error
		txns, err = q.TransactionsInStatus(
			ctx, TxWithdrawal, StatusProcessing, createdBefore,
		)
		return err
	})
	if err != nil {
		return nil, err
	}

	return txns, nil
}

func (l *Ledger) bucketAmount(ctx context.Context, key BucketKey) (int64,
	error) {

	var amount int64
	err := l.cfg.Store.ExecTx(ctx, ReadTxOpt(), func(q Queries) error {
		bucket, ok, err := q.GetBucket(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			amount = bucket.Amount
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return amount, nil
}
