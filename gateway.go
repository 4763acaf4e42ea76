package hydragated

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hydrapay/hydragated/cardano"
	"github.com/hydrapay/hydragated/chainquery"
	"github.com/hydrapay/hydragated/hydraclient"
	"github.com/hydrapay/hydragated/ledgerdb"
	"github.com/hydrapay/hydragated/settlement"
	"github.com/hydrapay/hydragated/utxotracker"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/healthcheck"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// ParticipantPlatform names the platform's own head node.
	ParticipantPlatform = "platform"

	// ParticipantPeer names the counterparty's head node.
	ParticipantPeer = "platform-peer"

	// chainCheckInterval is how often the chain tip liveness check runs.
	chainCheckInterval = time.Minute

	// chainCheckTimeout bounds a single tip query.
	chainCheckTimeout = 30 * time.Second

	// chainCheckBackoff is the pause between failed tip queries before
	// the check retries.
	chainCheckBackoff = 30 * time.Second

	// chainCheckAttempts is how often a tip query may fail in a row
	// before the gateway considers the node dead.
	chainCheckAttempts = 3
)

// GatewayConfig packages the collaborators and endpoints of the gateway.
type GatewayConfig struct {
	// PlatformNodeURL is the websocket endpoint of the platform's head
	// node.
	PlatformNodeURL string

	// PeerNodeURL is the websocket endpoint of the peer's head node.
	PeerNodeURL string

	// Chain queries and submits on L1.
	Chain chainquery.Chain

	// Ledger is the settlement ledger.
	Ledger *ledgerdb.Ledger

	// Settlement runs the deposit and withdrawal pipelines.
	Settlement *settlement.Engine

	// DepositAddress is the platform address watched for deposits.
	DepositAddress string

	// DepositPollInterval is how often the deposit monitor re-queries
	// the deposit address. Defaults to the monitor's own default.
	DepositPollInterval time.Duration

	// OnFatal is invoked when a condition requiring operator action
	// occurs, such as a node connection exhausting its reconnect budget
	// or the L1 node going unhealthy. The gateway keeps running; the
	// caller decides whether to shut down.
	OnFatal func(reason string)
}

// Gateway bridges the L1 ledger and the two-party head. It owns one node
// connection per participant, the reconciled channel output set, and the
// settlement pipelines, and exposes the operations the HTTP layer consumes.
type Gateway struct {
	started uint32
	stopped uint32

	cfg *GatewayConfig

	conns   map[string]*hydraclient.Conn
	tracker *utxotracker.Tracker
	monitor *chainquery.DepositMonitor
	health  *healthcheck.Monitor
}

// NewGateway wires up the gateway from the config.
func NewGateway(cfg *GatewayConfig) *Gateway {
	g := &Gateway{
		cfg:     cfg,
		tracker: utxotracker.New(),
		conns:   make(map[string]*hydraclient.Conn),
	}

	endpoints := map[string]string{
		ParticipantPlatform: cfg.PlatformNodeURL,
		ParticipantPeer:     cfg.PeerNodeURL,
	}
	for participant, url := range endpoints {
		participant := participant
		g.conns[participant] = hydraclient.NewConn(
			&hydraclient.ConnConfig{
				Participant: participant,
				URL:         url,
				OnEvent: func(event hydraclient.Event) {
					g.handleEvent(participant, event)
				},
				OnExhausted: func() {
					g.fatal("connection to %s exhausted "+
						"all reconnect attempts",
						participant)
				},
			},
		)
	}

	pollInterval := cfg.DepositPollInterval
	if pollInterval <= 0 {
		pollInterval = chainquery.DefaultPollInterval
	}
	g.monitor = chainquery.NewDepositMonitor(&chainquery.MonitorConfig{
		Chain:        cfg.Chain,
		Address:      cfg.DepositAddress,
		Ticker:       ticker.New(pollInterval),
		OnNewOutputs: g.handleNewDeposits,
	})

	g.health = healthcheck.NewMonitor(&healthcheck.Config{
		Checks: []*healthcheck.Observation{
			healthcheck.NewObservation(
				"chain tip", g.checkChainTip,
				chainCheckInterval, chainCheckTimeout,
				chainCheckBackoff, chainCheckAttempts,
			),
		},
		Shutdown: func(format string, params ...interface{}) {
			g.fatal(format, params...)
		},
	})

	return g
}

// Start brings up the node connections, the deposit monitor and the health
// monitor.
func (g *Gateway) Start() error {
	if !atomic.CompareAndSwapUint32(&g.started, 0, 1) {
		return nil
	}

	log.Info("Gateway starting")

	for participant, conn := range g.conns {
		if err := conn.Start(); err != nil {
			return fmt.Errorf("unable to start connection to "+
				"%s: %w", participant, err)
		}
	}

	if err := g.monitor.Start(); err != nil {
		return fmt.Errorf("unable to start deposit monitor: %w", err)
	}

	if err := g.health.Start(); err != nil {
		return fmt.Errorf("unable to start health monitor: %w", err)
	}

	log.Info("Gateway started")

	return nil
}

// Stop tears everything down in reverse start order.
func (g *Gateway) Stop() error {
	if !atomic.CompareAndSwapUint32(&g.stopped, 0, 1) {
		return nil
	}

	log.Info("Gateway shutting down")

	if err := g.health.Stop(); err != nil {
		log.Warnf("Health monitor shutdown: %v", err)
	}
	if err := g.monitor.Stop(); err != nil {
		log.Warnf("Deposit monitor shutdown: %v", err)
	}
	for participant, conn := range g.conns {
		if err := conn.Stop(); err != nil {
			log.Warnf("Connection to %s shutdown: %v",
				participant, err)
		}
	}

	log.Info("Gateway shutdown complete")

	return nil
}

// handleEvent consumes one decoded protocol event from a node connection.
// Each connection dispatches from its own goroutine, so per-connection
// arrival order is preserved into the tracker.
func (g *Gateway) handleEvent(participant string, event hydraclient.Event) {
	switch e := event.(type) {
	case *hydraclient.GreetingsEvent:
		log.Infof("Node %s greeted us, head status %q", participant,
			e.HeadStatus)

	case *hydraclient.HeadOpenedEvent:
		log.Infof("Head %s is open, %d initial output(s)", e.HeadID,
			len(e.UTxO))
		g.tracker.ApplyFullSnapshot(participant, e.UTxO)

	case *hydraclient.UTxOSnapshotEvent:
		g.tracker.ApplyFullSnapshot(participant, e.UTxO)

	case *hydraclient.SnapshotConfirmedEvent:
		g.tracker.ApplyDiff(participant, e.UTxODiff)

	case *hydraclient.HeadClosedEvent:
		log.Infof("Head %s closed, clearing channel state", e.HeadID)
		g.tracker.Clear()

	case *hydraclient.ReadyToFanoutEvent:
		log.Infof("Head %s ready to fan out", e.HeadID)

	case *hydraclient.TxValidEvent:
		log.Debugf("Channel tx %s valid (via %s)", e.TxID,
			participant)

	case *hydraclient.TxInvalidEvent:
		log.Warnf("Channel tx %s invalid (via %s): %s", e.TxID,
			participant, e.Reason)
	}
}

// handleNewDeposits logs newly observed outputs at the deposit address.
// Crediting happens exclusively through ConfirmDeposit; the monitor only
// surfaces candidates.
func (g *Gateway) handleNewDeposits(
	outputs map[cardano.OutputRef]cardano.Output) {

	for ref, output := range outputs {
		log.Infof("Deposit candidate %s: %d lovelace awaiting "+
			"confirmation", ref, output.Value.Lovelace())
	}
}

// checkChainTip is the L1 liveness check run by the health monitor.
func (g *Gateway) checkChainTip() error {
	ctx, cancel := context.WithTimeout(
		context.Background(), chainCheckTimeout,
	)
	defer cancel()

	tip, err := g.cfg.Chain.Tip(ctx)
	if err != nil {
		return err
	}

	log.Tracef("Chain tip at slot %d, block %d", tip.Slot, tip.Block)

	return nil
}

// fatal surfaces a condition requiring operator intervention.
func (g *Gateway) fatal(format string, params ...interface{}) {
	log.Criticalf(format, params...)

	if g.cfg.OnFatal != nil {
		g.cfg.OnFatal(fmt.Sprintf(format, params...))
	}
}

// ConfirmDeposit verifies a claimed L1 deposit and credits it exactly once.
func (g *Gateway) ConfirmDeposit(ctx context.Context, userID int64,
	externalTxHash string, claimedAmount float64, assetID string) (
	settlement.DepositResult, error) {

	return g.cfg.Settlement.ConfirmDeposit(
		ctx, userID, externalTxHash, claimedAmount, assetID,
	)
}

// Withdraw runs the withdrawal saga. An absent amount withdraws the user's
// full available balance.
func (g *Gateway) Withdraw(ctx context.Context, userID int64,
	amount fn.Option[int64], assetID, toAddress string) (
	settlement.WithdrawResult, error) {

	return g.cfg.Settlement.Withdraw(
		ctx, userID, amount, assetID, toAddress,
	)
}

// Balances returns all of the user's balance buckets.
func (g *Gateway) Balances(ctx context.Context, userID int64) (
	[]ledgerdb.BalanceBucket, error) {

	return g.cfg.Ledger.AllBuckets(ctx, userID)
}

// ChannelSnapshot returns a copy of the reconciled channel output set.
func (g *Gateway) ChannelSnapshot() map[cardano.OutputRef]cardano.Output {
	return g.tracker.Snapshot()
}

// ChannelStatus reports transport state per participant.
func (g *Gateway) ChannelStatus() map[string]hydraclient.Status {
	status := make(map[string]hydraclient.Status, len(g.conns))
	for participant, conn := range g.conns {
		status[participant] = conn.Status()
	}

	return status
}

// InitHead asks the platform node to initialize the head.
func (g *Gateway) InitHead() error {
	return g.conns[ParticipantPlatform].InitHead()
}

// CloseHead asks the platform node to close the head.
func (g *Gateway) CloseHead() error {
	return g.conns[ParticipantPlatform].CloseHead()
}

// Fanout asks the platform node to distribute the final output set to L1.
func (g *Gateway) Fanout() error {
	return g.conns[ParticipantPlatform].Fanout()
}

// SubmitTx submits a CBOR encoded transaction into the head through the
// platform node. Validity is reported asynchronously via TxValid/TxInvalid
// events.
func (g *Gateway) SubmitTx(cborHex string) error {
	return g.conns[ParticipantPlatform].SubmitTx(cborHex)
}

// SweepProcessing reports withdrawals stuck in PROCESSING longer than
// maxAge for manual reconciliation.
func (g *Gateway) SweepProcessing(ctx context.Context,
	maxAge time.Duration) ([]ledgerdb.Transaction, error) {

	return g.cfg.Settlement.SweepProcessing(ctx, maxAge)
}
