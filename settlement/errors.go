package settlement

import (
	"errors"
	"fmt"
)

var (
	// ErrNoMatchingDeposit is returned when no on-chain output at the
	// platform address matches the claimed deposit. The claim is safe to
	// retry once the transaction lands.
	ErrNoMatchingDeposit = errors.New("no matching on-chain deposit " +
		"found")

	// ErrExceedsAvailable is returned when a withdrawal requests more
	// than the user's AVAILABLE balance.
	ErrExceedsAvailable = errors.New("requested amount exceeds " +
		"available balance")

	// ErrNothingToWithdraw is returned when a withdrawal resolves to a
	// non-positive amount.
	ErrNothingToWithdraw = errors.New("nothing to withdraw")
)

// AmbiguousDepositError is returned when more than one on-chain output from
// the claimed transaction satisfies the claimed amount. The system refuses
// to guess which output belongs to the claim; no credit is applied.
type AmbiguousDepositError struct {
	// ExternalTxHash is the claimed L1 transaction hash.
	ExternalTxHash string

	// Candidates is the number of qualifying outputs found.
	Candidates int
}

// Error returns the error string.
func (e *AmbiguousDepositError) Error() string {
	return fmt.Sprintf("ambiguous deposit: %d outputs of tx %s match "+
		"the claim", e.Candidates, e.ExternalTxHash)
}

// ExternalSettlementError wraps a failed L1 payment submission during a
// withdrawal. The reserved funds have already been restored when this error
// surfaces.
type ExternalSettlementError struct {
	// Err is the underlying submission failure.
	Err error
}

// Error returns the error string.
func (e *ExternalSettlementError) Error() string {
	return fmt.Sprintf("external settlement failed, funds restored: %v",
		e.Err)
}

// Unwrap returns the underlying submission failure.
func (e *ExternalSettlementError) Unwrap() error {
	return e.Err
}
