package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/hydrapay/hydragated/cardano"
	"github.com/hydrapay/hydragated/ledgerdb"
)

// DepositResult reports the outcome of a deposit confirmation.
type DepositResult struct {
	// Credited is true when this call credited the ledger. It is false
	// when the deposit was already credited by an earlier call.
	Credited bool

	// CreditedAmount is the amount on the ledger for this deposit, in
	// smallest units. For an already-credited deposit this is the
	// previously recorded amount.
	CreditedAmount int64
}

// ConfirmDeposit correlates a user-claimed L1 deposit against the outputs
// actually observed at the platform's receiving address and credits the
// ledger exactly once. The claimed amount is user controlled and advisory
// only: it sets the minimum an output must carry to qualify, while the
// credited amount is always the observed on-chain amount.
func (e *Engine) ConfirmDeposit(ctx context.Context, userID int64,
	externalTxHash string, claimedAmount float64, assetID string) (
	DepositResult, error) {

	// Idempotency: a deposit recorded under this hash means a retry, not
	// a second credit.
	existing, ok, err := e.cfg.Ledger.TransactionByTxHash(
		ctx, externalTxHash,
	)
	if err != nil {
		return DepositResult{}, err
	}
	if ok && existing.Type == ledgerdb.TxDeposit {
		log.Infof("Deposit %s already credited with %d for user %d",
			externalTxHash, existing.Amount, existing.UserID)

		return DepositResult{
			Credited:       false,
			CreditedAmount: existing.Amount,
		}, nil
	}

	outputs, err := e.cfg.Chain.OutputsAt(ctx, e.cfg.DepositAddress)
	if err != nil {
		return DepositResult{}, fmt.Errorf("unable to query deposit "+
			"address: %w", err)
	}

	threshold := claimedToSmallestUnits(claimedAmount, assetID)

	// An output qualifies when it was created by the claimed transaction
	// and carries at least the claimed amount of the asset.
	var candidates []cardano.Output
	for ref, output := range outputs {
		if ref.TxHash != externalTxHash {
			continue
		}
		if output.Value.AmountOf(assetID) < threshold {
			continue
		}

		candidates = append(candidates, output)
	}

	switch len(candidates) {
	case 0:
		log.Warnf("Deposit claim %s by user %d: no output meets "+
			"claimed amount %d %s", externalTxHash, userID,
			threshold, assetID)

		return DepositResult{}, ErrNoMatchingDeposit

	case 1:

	default:
		log.Warnf("Deposit claim %s by user %d: %d candidate "+
			"outputs, refusing to guess", externalTxHash, userID,
			len(candidates))

		return DepositResult{}, &AmbiguousDepositError{
			ExternalTxHash: externalTxHash,
			Candidates:     len(candidates),
		}
	}

	observed := candidates[0].Value.AmountOf(assetID)

	record, err := e.cfg.Ledger.CreditDeposit(
		ctx, userID, observed, assetID, externalTxHash,
		e.cfg.DepositAddress,
	)
	switch {
	// A concurrent confirmation won the race. Report its amount.
	case errors.Is(err, ledgerdb.ErrDuplicateTxHash):
		existing, _, err := e.cfg.Ledger.TransactionByTxHash(
			ctx, externalTxHash,
		)
		if err != nil {
			return DepositResult{}, err
		}

		return DepositResult{
			Credited:       false,
			CreditedAmount: existing.Amount,
		}, nil

	case err != nil:
		return DepositResult{}, err
	}

	log.Infof("Credited deposit %s: user=%d amount=%d %s (claimed %d)",
		externalTxHash, userID, observed, assetID, threshold)

	return DepositResult{
		Credited:       true,
		CreditedAmount: record.Amount,
	}, nil
}

// claimedToSmallestUnits converts a user supplied display amount to the
// asset's smallest unit. The base currency is claimed in ada; native asset
// quantities are already integral.
func claimedToSmallestUnits(claimed float64, assetID string) int64 {
	if assetID == cardano.AssetLovelace {
		return cardano.AdaToLovelace(claimed)
	}

	return int64(claimed)
}
