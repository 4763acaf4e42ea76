package ledgerdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	prand "math/rand"
	"time"

	"github.com/jackc/pgconn"
	_ "github.com/jackc/pgx/v4/stdlib" // Register the pgx driver.
)

const (
	// DefaultNumTxRetries is the default number of times a transaction is
	// retried when it fails with a serialization error.
	DefaultNumTxRetries = 10

	// DefaultRetryDelay is the default upper bound of the randomized
	// delay between transaction retries.
	DefaultRetryDelay = time.Millisecond * 50

	// defaultConnMaxLifetime bounds how long a pooled connection is
	// reused.
	defaultConnMaxLifetime = 10 * time.Minute

	// pqErrCodeSerialization is the postgres error code returned when a
	// serializable transaction could not be committed and must be
	// retried.
	pqErrCodeSerialization = "40001"

	// pqErrCodeDeadlock is the postgres error code returned when the
	// transaction lost a deadlock race and must be retried.
	pqErrCodeDeadlock = "40P01"

	// pqErrCodeUniqueViolation is the postgres error code for a unique
	// constraint violation.
	pqErrCodeUniqueViolation = "23505"
)

// bucketSchema and txnSchema are applied on startup. Bucket rows are never
// deleted; zero amount rows persist for audit.
const (
	bucketSchema = `
CREATE TABLE IF NOT EXISTS balance_buckets (
	user_id BIGINT NOT NULL,
	bucket_type SMALLINT NOT NULL,
	asset_id TEXT NOT NULL,
	amount BIGINT NOT NULL DEFAULT 0,
	last_tx_id BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, bucket_type, asset_id)
);`

	txnSchema = `
CREATE TABLE IF NOT EXISTS ledger_transactions (
	id BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL,
	tx_type SMALLINT NOT NULL,
	status SMALLINT NOT NULL,
	layer SMALLINT NOT NULL,
	amount BIGINT NOT NULL,
	fee BIGINT NOT NULL DEFAULT 0,
	asset_id TEXT NOT NULL,
	from_address TEXT NOT NULL DEFAULT '',
	to_address TEXT NOT NULL DEFAULT '',
	external_tx_hash TEXT,
	channel_tx_id TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	CONSTRAINT external_tx_hash_unique UNIQUE (external_tx_hash)
);
CREATE INDEX IF NOT EXISTS ledger_transactions_user_idx
	ON ledger_transactions (user_id, created_at);
CREATE INDEX IF NOT EXISTS ledger_transactions_status_idx
	ON ledger_transactions (tx_type, status, created_at);`
)

// SQLStoreConfig holds the settings of the SQL backed store.
type SQLStoreConfig struct {
	// DSN is the postgres connection string.
	DSN string

	// MaxOpenConns bounds the connection pool. Zero means the
	// database/sql default.
	MaxOpenConns int

	// NumTxRetries is the number of times a transaction is retried on a
	// serialization failure. Zero means DefaultNumTxRetries.
	NumTxRetries int
}

// SQLStore implements Store on a postgres database through the pgx stdlib
// driver. All write scopes run at the serializable isolation level and are
// retried with randomized backoff when the database reports a serialization
// failure.
type SQLStore struct {
	cfg *SQLStoreConfig
	db  *sql.DB
}

// A compile time check to ensure SQLStore implements the Store interface.
var _ Store = (*SQLStore)(nil)

// NewSQLStore opens the database, applies the schema and returns the store.
func NewSQLStore(cfg *SQLStoreConfig) (*SQLStore, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("unable to open ledger db: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxLifetime(defaultConnMaxLifetime)

	for _, schema := range []string{bucketSchema, txnSchema} {
		if _, err := db.Exec(schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("unable to apply ledger "+
				"schema: %w", err)
		}
	}

	return &SQLStore{cfg: cfg, db: db}, nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// ExecTx runs the body inside a single database transaction, retrying on
// serialization failures up to the configured bound.
//
// NOTE: This is part of the Store interface.
func (s *SQLStore) ExecTx(ctx context.Context, opts TxOptions,
	body func(Queries) error) error {

	numRetries := s.cfg.NumTxRetries
	if numRetries == 0 {
		numRetries = DefaultNumTxRetries
	}

	waitBeforeRetry := func() bool {
		delay := time.Duration(
			prand.Int63n(int64(DefaultRetryDelay)),
		)

		select {
		case <-time.After(delay):
			return true
		case <-ctx.Done():
			return false
		}
	}

	for i := 0; i < numRetries; i++ {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
			Isolation: sql.LevelSerializable,
			ReadOnly:  opts.ReadOnly(),
		})
		if err != nil {
			return fmt.Errorf("unable to begin ledger tx: %w", err)
		}

		bodyErr := body(&sqlQueries{
			tx:       tx,
			readOnly: opts.ReadOnly(),
		})
		if bodyErr != nil {
			_ = tx.Rollback()

			if isSerializationError(bodyErr) {
				log.Tracef("Retrying ledger tx after "+
					"serialization error, attempt=%d", i)

				if waitBeforeRetry() {
					continue
				}
			}

			return bodyErr
		}

		commitErr := tx.Commit()
		if commitErr == nil {
			return nil
		}

		_ = tx.Rollback()

		if isSerializationError(commitErr) {
			log.Tracef("Retrying ledger tx commit after "+
				"serialization error, attempt=%d", i)

			if waitBeforeRetry() {
				continue
			}
		}

		return fmt.Errorf("unable to commit ledger tx: %w", commitErr)
	}

	return fmt.Errorf("ledger tx retries exhausted after %d attempts",
		numRetries)
}

// isSerializationError reports whether the error permits transaction
// repetition.
func isSerializationError(err error) bool {
	var pqErr *pgconn.PgError
	if !errors.As(err, &pqErr) {
		return false
	}

	return pqErr.Code == pqErrCodeSerialization ||
		pqErr.Code == pqErrCodeDeadlock
}

// isUniqueViolation reports whether the error is a unique constraint
// violation.
func isUniqueViolation(err error) bool {
	var pqErr *pgconn.PgError
	if !errors.As(err, &pqErr) {
		return false
	}

	return pqErr.Code == pqErrCodeUniqueViolation
}

// sqlQueries implements Queries on one open database transaction.
type sqlQueries struct {
	tx       *sql.Tx
	readOnly bool
}

// bucketSelectQuery returns the bucket row query. Writable scopes lock the
// row FOR UPDATE so concurrent scopes on the same key serialize; read only
// transactions must not, as postgres rejects FOR UPDATE inside them with
// SQLSTATE 25006.
func bucketSelectQuery(readOnly bool) string {
	query := `
		SELECT amount, last_tx_id, updated_at
		FROM balance_buckets
		WHERE user_id = $1 AND bucket_type = $2 AND asset_id = $3`

	if !readOnly {
		query += `
		FOR UPDATE`
	}

	return query
}

// GetBucket fetches the bucket row under key. In a writable scope the row is
// locked for the remainder of the scope.
//
// NOTE: This is part of the Queries interface.
func (q *sqlQueries) GetBucket(ctx context.Context, key BucketKey) (
	BalanceBucket, bool, error) {

	row := q.tx.QueryRowContext(ctx, bucketSelectQuery(q.readOnly),
		key.UserID, int16(key.Type), key.AssetID,
	)

	bucket := BalanceBucket{BucketKey: key}
	err := row.Scan(&bucket.Amount, &bucket.LastTxID, &bucket.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return BalanceBucket{}, false, nil

	case err != nil:
		return BalanceBucket{}, false, err
	}

	return bucket, true, nil
}

// UpsertBucket writes the bucket amount, creating the row if absent.
//
// NOTE: This is part of the Queries interface.
func (q *sqlQueries) UpsertBucket(ctx context.Context, key BucketKey,
	amount int64, lastTxID int64, updatedAt time.Time) error {

	_, err := q.tx.ExecContext(ctx, `
		INSERT INTO balance_buckets
			(user_id, bucket_type, asset_id, amount, last_tx_id,
			 updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, bucket_type, asset_id) DO UPDATE SET
			amount = $4,
			last_tx_id = CASE WHEN $5 = 0
				THEN balance_buckets.last_tx_id ELSE $5 END,
			updated_at = $6`,
		key.UserID, int16(key.Type), key.AssetID, amount, lastTxID,
		updatedAt,
	)

	return err
}

// ListBuckets returns all buckets of the user.
//
// NOTE: This is part of the Queries interface.
func (q *sqlQueries) ListBuckets(ctx context.Context, userID int64) (
	[]BalanceBucket, error) {

	rows, err := q.tx.QueryContext(ctx, `
		SELECT bucket_type, asset_id, amount, last_tx_id, updated_at
		FROM balance_buckets
		WHERE user_id = $1
		ORDER BY bucket_type, asset_id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buckets []BalanceBucket
	for rows.Next() {
		bucket := BalanceBucket{
			BucketKey: BucketKey{UserID: userID},
		}

		var bucketType int16
		err := rows.Scan(
			&bucketType, &bucket.AssetID, &bucket.Amount,
			&bucket.LastTxID, &bucket.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		bucket.Type = BucketType(bucketType)

		buckets = append(buckets, bucket)
	}

	return buckets, rows.Err()
}

// CreateTransaction appends a ledger transaction row.
//
// NOTE: This is part of the Queries interface.
func (q *sqlQueries) CreateTransaction(ctx context.Context,
	txn *Transaction) (int64, error) {

	// The unique constraint only applies to non-null hashes, so map the
	// empty string to NULL.
	var externalTxHash sql.NullString
	if txn.ExternalTxHash != "" {
		externalTxHash = sql.NullString{
			String: txn.ExternalTxHash, Valid: true,
		}
	}

	var completedAt sql.NullTime
	if !txn.CompletedAt.IsZero() {
		completedAt = sql.NullTime{Time: txn.CompletedAt, Valid: true}
	}

	var id int64
	err := q.tx.QueryRowContext(ctx, `
		INSERT INTO ledger_transactions
			(user_id, tx_type, status, layer, amount, fee,
			 asset_id, from_address, to_address, external_tx_hash,
			 channel_tx_id, metadata, error_message, created_at,
			 completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15)
		RETURNING id`,
		txn.UserID, int16(txn.Type), int16(txn.Status),
		int16(txn.Layer), txn.Amount, txn.Fee, txn.AssetID,
		txn.FromAddress, txn.ToAddress, externalTxHash,
		txn.ChannelTxID, encodeMetadata(txn.Metadata),
		txn.ErrorMessage, txn.CreatedAt, completedAt,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateTxHash
		}

		return 0, err
	}

	return id, nil
}

// CompleteTransaction transitions the row to COMPLETED.
//
// NOTE: This is part of the Queries interface.
func (q *sqlQueries) CompleteTransaction(ctx context.Context, id int64,
	externalTxHash string, fee int64, completedAt time.Time) error {

	var hash sql.NullString
	if externalTxHash != "" {
		hash = sql.NullString{String: externalTxHash, Valid: true}
	}

	res, err := q.tx.ExecContext(ctx, `
		UPDATE ledger_transactions
		SET status = $2, external_tx_hash = $3, fee = $4,
			completed_at = $5
		WHERE id = $1`,
		id, int16(StatusCompleted), hash, fee, completedAt,
	)
	if err != nil {
		return err
	}

	return requireOneRow(res)
}

// FailTransaction transitions the row to FAILED.
//
// NOTE: This is part of the Queries interface.
func (q *sqlQueries) FailTransaction(ctx context.Context, id int64,
	errMsg string, failedAt time.Time) error {

	res, err := q.tx.ExecContext(ctx, `
		UPDATE ledger_transactions
		SET status = $2, error_message = $3, completed_at = $4
		WHERE id = $1`,
		id, int16(StatusFailed), errMsg, failedAt,
	)
	if err != nil {
		return err
	}

	return requireOneRow(res)
}

// TransactionByTxHash fetches the row recorded under the external tx hash.
//
// NOTE: This is part of the Queries interface.
func (q *sqlQueries) TransactionByTxHash(ctx context.Context,
	externalTxHash string) (Transaction, bool, error) {

	row := q.tx.QueryRowContext(ctx,
		txnSelect+` WHERE external_tx_hash = $1`, externalTxHash,
	)

	txn, err := scanTransaction(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Transaction{}, false, nil

	case err != nil:
		return Transaction{}, false, err
	}

	return txn, true, nil
}

// TransactionsByUser returns the user's rows, newest first.
//
// NOTE: This is part of the Queries interface.
func (q *sqlQueries) TransactionsByUser(ctx context.Context, userID int64,
	limit int) ([]Transaction, error) {

	rows, err := q.tx.QueryContext(ctx,
		txnSelect+` WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// TransactionsInStatus returns rows of the given type and status created
// before the cutoff, oldest first.
//
// NOTE: This is part of the Queries interface.
func (q *sqlQueries) TransactionsInStatus(ctx context.Context, txType TxType,
	status TxStatus, createdBefore time.Time) ([]Transaction, error) {

	rows, err := q.tx.QueryContext(ctx,
		txnSelect+` WHERE tx_type = $1 AND status = $2
		AND created_at < $3 ORDER BY created_at ASC`,
		int16(txType), int16(status), createdBefore,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

const txnSelect = `
	SELECT id, user_id, tx_type, status, layer, amount, fee, asset_id,
		from_address, to_address, external_tx_hash, channel_tx_id,
		metadata, error_message, created_at, completed_at
	FROM ledger_transactions`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (Transaction, error) {
	var (
		txn                   Transaction
		txType, status, layer int16
		externalTxHash        sql.NullString
		metadata              string
		completedAt           sql.NullTime
	)

	err := row.Scan(
		&txn.ID, &txn.UserID, &txType, &status, &layer, &txn.Amount,
		&txn.Fee, &txn.AssetID, &txn.FromAddress, &txn.ToAddress,
		&externalTxHash, &txn.ChannelTxID, &metadata,
		&txn.ErrorMessage, &txn.CreatedAt, &completedAt,
	)
	if err != nil {
		return Transaction{}, err
	}

	txn.Type = TxType(txType)
	txn.Status = TxStatus(status)
	txn.Layer = TxLayer(layer)
	txn.ExternalTxHash = externalTxHash.String
	txn.Metadata = decodeMetadata(metadata)
	if completedAt.Valid {
		txn.CompletedAt = completedAt.Time
	}

	return txn, nil
}

func scanTransactions(rows *sql.Rows) ([]Transaction, error) {
	var txns []Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}

		txns = append(txns, txn)
	}

	return txns, rows.Err()
}

// encodeMetadata renders the metadata map as JSON for storage. Metadata
// originates from our own pipelines, so a marshal failure cannot happen in
// practice and is mapped to the empty string.
func encodeMetadata(md map[string]string) string {
	if len(md) == 0 {
		return ""
	}

	encoded, err := json.Marshal(md)
	if err != nil {
		return ""
	}

	return string(encoded)
}

func decodeMetadata(s string) map[string]string {
	if s == "" {
		return nil
	}

	md := make(map[string]string)
	if err := json.Unmarshal([]byte(s), &md); err != nil {
		return nil
	}

	return md
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTxNotFound
	}

	return nil
}
