package settlement

import (
	"context"
	"time"

	"github.com/hydrapay/hydragated/chainquery"
	"github.com/hydrapay/hydragated/ledgerdb"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Config packages the collaborators of the settlement engine.
type Config struct {
	// Ledger is the settlement ledger credited and debited by the
	// pipelines.
	Ledger *ledgerdb.Ledger

	// Chain queries and submits L1 transactions.
	Chain chainquery.Chain

	// DepositAddress is the platform address users deposit to.
	DepositAddress string

	// FundingAddress is the platform wallet withdrawals are paid from.
	FundingAddress string

	// SigningKeyFile is the funding wallet's signing key path.
	SigningKeyFile string

	// PlatformFee is the flat fee in smallest units withheld from every
	// withdrawal.
	PlatformFee int64

	// Clock is the time source.
	Clock clock.Clock
}

// Engine runs the deposit confirmation and withdrawal pipelines against the
// ledger and the chain collaborator.
type Engine struct {
	cfg *Config
}

// NewEngine creates a settlement engine from the config.
func NewEngine(cfg *Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Engine{cfg: cfg}
}

// WithdrawResult reports a completed withdrawal.
type WithdrawResult struct {
	// ExternalTxHash is the L1 transaction that paid the user.
	ExternalTxHash string

	// Withdrawn is the amount debited from the user, in smallest units.
	Withdrawn int64

	// Remaining is the user's AVAILABLE balance after the withdrawal.
	Remaining int64
}

// Withdraw runs the two-phase withdrawal saga: reserve the funds in one
// atomic ledger scope, then settle on L1, compensating the reservation if
// settlement fails. An absent amount withdraws the full available balance.
func (e *Engine) Withdraw(ctx context.Context, userID int64,
	amount fn.Option[int64], assetID, toAddress string) (WithdrawResult,
	error) {

	available, err := e.cfg.Ledger.Available(ctx, userID, assetID)
	if err != nil {
		return WithdrawResult{}, err
	}

	withdrawn := amount.UnwrapOr(available)
	if withdrawn <= 0 {
		return WithdrawResult{}, ErrNothingToWithdraw
	}
	if withdrawn > available {
		return WithdrawResult{}, ErrExceedsAvailable
	}

	// Reserve phase: the PROCESSING record and the AVAILABLE debit are
	// one atomic scope, so the reservation can never partially apply.
	txn, err := e.cfg.Ledger.ReserveWithdrawal(
		ctx, userID, withdrawn, assetID, toAddress,
	)
	if err != nil {
		return WithdrawResult{}, err
	}

	log.Infof("Reserved withdrawal %d: user=%d amount=%d %s to %s",
		txn.ID, userID, withdrawn, assetID, toAddress)

	// Settlement phase, outside any ledger scope since it calls the
	// external chain tooling.
	externalTxHash, err := e.cfg.Chain.SubmitPayment(ctx, chainquery.Payment{
		FromAddress:    e.cfg.FundingAddress,
		ToAddress:      toAddress,
		Amount:         withdrawn,
		PlatformFee:    e.cfg.PlatformFee,
		SigningKeyFile: e.cfg.SigningKeyFile,
	})
	if err != nil {
		log.Errorf("Withdrawal %d settlement failed, compensating: "+
			"%v", txn.ID, err)

		compErr := e.cfg.Ledger.CompensateWithdrawal(
			ctx, txn, err.Error(),
		)
		if compErr != nil {
			// The reservation stays PROCESSING and is picked up
			// by the reconciliation sweep.
			log.Criticalf("Withdrawal %d compensation failed: %v",
				txn.ID, compErr)

			return WithdrawResult{}, compErr
		}

		return WithdrawResult{}, &ExternalSettlementError{Err: err}
	}

	err = e.cfg.Ledger.SettleWithdrawal(
		ctx, txn.ID, externalTxHash, e.cfg.PlatformFee,
	)
	if err != nil {
		// The payment is on chain but the record is stuck in
		// PROCESSING. Never compensate here, the sweep reconciles it.
		log.Criticalf("Withdrawal %d paid as %s but completion "+
			"update failed: %v", txn.ID, externalTxHash, err)
	}

	remaining, err := e.cfg.Ledger.Available(ctx, userID, assetID)
	if err != nil {
		return WithdrawResult{}, err
	}

	log.Infof("Withdrawal %d settled as %s: user=%d withdrawn=%d "+
		"remaining=%d", txn.ID, externalTxHash, userID, withdrawn,
		remaining)

	return WithdrawResult{
		ExternalTxHash: externalTxHash,
		Withdrawn:      withdrawn,
		Remaining:      remaining,
	}, nil
}

// SweepProcessing surfaces withdrawals stuck in PROCESSING longer than
// maxAge. These are candidates for a crash between external submission and
// completion marking. They are reported for manual reconciliation, never
// auto-resolved in either direction.
func (e *Engine) SweepProcessing(ctx context.Context,
	maxAge time.Duration) ([]ledgerdb.Transaction, error) {

	cutoff := e.cfg.Clock.Now().Add(-maxAge)

	stuck, err := e.cfg.Ledger.ProcessingWithdrawals(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	for _, txn := range stuck {
		log.Warnf("Withdrawal %d stuck in PROCESSING since %v: "+
			"user=%d amount=%d %s, needs manual reconciliation",
			txn.ID, txn.CreatedAt, txn.UserID, txn.Amount,
			txn.AssetID)
	}

	return stuck, nil
}
