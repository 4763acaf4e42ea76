package ledgerdb

import (
	"time"
)

// BucketType is the named sub-balance a bucket amount is tracked under.
type BucketType uint8

const (
	// BucketAvailable holds funds the user can freely spend or withdraw.
	BucketAvailable BucketType = iota

	// BucketLocked holds funds locked in trades or pending operations.
	BucketLocked

	// BucketReserved holds funds reserved for fees or other purposes.
	BucketReserved
)

// String returns a human readable identifier for the bucket type.
func (b BucketType) String() string {
	switch b {
	case BucketAvailable:
		return "AVAILABLE"
	case BucketLocked:
		return "LOCKED"
	case BucketReserved:
		return "RESERVED"
	default:
		return "UNKNOWN"
	}
}

// BucketKey uniquely identifies a balance bucket.
type BucketKey struct {
	// UserID is the internal identifier of the owning user.
	UserID int64

	// Type is the sub-balance the bucket tracks.
	Type BucketType

	// AssetID is the asset the bucket is denominated in, in the node's
	// asset identifier encoding. The base currency uses the reserved
	// lovelace identifier.
	AssetID string
}

// BalanceBucket is a single per-user, per-asset sub-balance. Amounts are in
// the smallest on-chain unit and are never negative at committed states.
type BalanceBucket struct {
	BucketKey

	// Amount is the current balance of the bucket.
	Amount int64

	// LastTxID references the ledger transaction that last mutated the
	// bucket, if known. Zero means no reference.
	LastTxID int64

	// UpdatedAt is the time of the last mutation.
	UpdatedAt time.Time
}

// TxType classifies a ledger transaction.
type TxType uint8

const (
	// TxDeposit credits funds verified to have arrived on L1.
	TxDeposit TxType = iota

	// TxWithdrawal moves funds from the internal ledger back to L1.
	TxWithdrawal

	// TxTransfer moves funds between two internal users.
	TxTransfer

	// TxTrade records a fill of an internal trade.
	TxTrade

	// TxFee records a platform fee charge.
	TxFee
)

// String returns a human readable identifier for the transaction type.
func (t TxType) String() string {
	switch t {
	case TxDeposit:
		return "DEPOSIT"
	case TxWithdrawal:
		return "WITHDRAWAL"
	case TxTransfer:
		return "TRANSFER"
	case TxTrade:
		return "TRADE"
	case TxFee:
		return "FEE"
	default:
		return "UNKNOWN"
	}
}

// TxStatus is the lifecycle state of a ledger transaction. Transitions only
// move forward: PENDING/PROCESSING end in COMPLETED, FAILED or CANCELLED.
type TxStatus uint8

const (
	// StatusPending is the initial state of a recorded transaction.
	StatusPending TxStatus = iota

	// StatusProcessing marks a transaction whose external settlement is
	// in flight. Transactions stuck in this state are surfaced by the
	// reconciliation sweep, never auto-resolved.
	StatusProcessing

	// StatusCompleted is the terminal success state.
	StatusCompleted

	// StatusFailed is the terminal failure state.
	StatusFailed

	// StatusCancelled is the terminal state of an operator cancelled
	// transaction.
	StatusCancelled
)

// String returns a human readable identifier for the transaction status.
func (s TxStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusProcessing:
		return "PROCESSING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusFailed:
		return "FAILED"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// TxLayer records which layer a transaction settled on.
type TxLayer uint8

const (
	// LayerL1 is the on-chain ledger.
	LayerL1 TxLayer = iota

	// LayerL2 is the off-chain head.
	LayerL2
)

// String returns a human readable identifier for the layer.
func (l TxLayer) String() string {
	switch l {
	case LayerL1:
		return "L1"
	case LayerL2:
		return "L2"
	default:
		return "UNKNOWN"
	}
}

// Transaction is an immutable append-only record of a balance-affecting
// action. Only the status, settlement references and error message may be
// updated after creation, and status transitions move forward only.
type Transaction struct {
	// ID is the store assigned identifier of the record.
	ID int64

	// UserID is the user the action belongs to.
	UserID int64

	// Type classifies the action.
	Type TxType

	// Status is the current lifecycle state.
	Status TxStatus

	// Layer records which layer the action settles on.
	Layer TxLayer

	// Amount is the principal amount in the smallest on-chain unit.
	Amount int64

	// Fee is the platform fee charged, in the smallest on-chain unit.
	Fee int64

	// AssetID is the asset the amounts are denominated in.
	AssetID string

	// FromAddress is the L1 source address, when applicable.
	FromAddress string

	// ToAddress is the L1 destination address, when applicable.
	ToAddress string

	// ExternalTxHash is the L1 transaction hash. Unique when present and
	// the idempotency key for deposit crediting.
	ExternalTxHash string

	// ChannelTxID is the head-internal transaction identifier, when the
	// action settled on L2.
	ChannelTxID string

	// Metadata carries free-form annotations attached at creation.
	Metadata map[string]string

	// ErrorMessage records why the transaction failed, if it did.
	ErrorMessage string

	// CreatedAt is the time the record was created.
	CreatedAt time.Time

	// CompletedAt is the time the record reached a terminal state.
	CompletedAt time.Time
}
