package hydragated

import (
	"context"
	"testing"
	"time"

	"github.com/hydrapay/hydragated/cardano"
	"github.com/hydrapay/hydragated/chainquery"
	"github.com/hydrapay/hydragated/hydraclient"
	"github.com/hydrapay/hydragated/ledgerdb"
	"github.com/hydrapay/hydragated/settlement"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

// stubChain is a minimal chain collaborator for gateway level tests.
type stubChain struct {
	outputs map[cardano.OutputRef]cardano.Output
}

func (s *stubChain) OutputsAt(_ context.Context, _ string) (
	map[cardano.OutputRef]cardano.Output, error) {

	return s.outputs, nil
}

func (s *stubChain) AddressBalance(_ context.Context, _ string) (int64,
	map[cardano.OutputRef]cardano.Output, error) {

	return 0, s.outputs, nil
}

func (s *stubChain) Tip(_ context.Context) (cardano.Tip, error) {
	return cardano.Tip{Slot: 100}, nil
}

func (s *stubChain) SubmitPayment(_ context.Context,
	_ chainquery.Payment) (string, error) {

	return "deadbeef", nil
}

func (s *stubChain) ProtocolParameters(_ context.Context) ([]byte, error) {
	return nil, nil
}

func newTestGateway(t *testing.T, chain *stubChain) *Gateway {
	t.Helper()

	ledger := ledgerdb.New(&ledgerdb.Config{
		Store: ledgerdb.NewMemStore(),
		Clock: clock.NewTestClock(time.Unix(1592465134, 0)),
	})

	engine := settlement.NewEngine(&settlement.Config{
		Ledger:         ledger,
		Chain:          chain,
		DepositAddress: "addr_test1qplatform",
		FundingAddress: "addr_test1qfunding",
		SigningKeyFile: "payment.skey",
	})

	return NewGateway(&GatewayConfig{
		PlatformNodeURL: "ws://127.0.0.1:4001",
		PeerNodeURL:     "ws://127.0.0.1:4002",
		Chain:           chain,
		Ledger:          ledger,
		Settlement:      engine,
		DepositAddress:  "addr_test1qplatform",
	})
}

// TestGatewayEventDispatch asserts protocol events flow into the channel
// output set and head closure clears it.
func TestGatewayEventDispatch(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, &stubChain{})

	ref := cardano.OutputRef{TxHash: "abc", Index: 0}
	out := cardano.Output{
		Address: "addr1",
		Value:   cardano.Value{cardano.AssetLovelace: 100},
	}

	g.handleEvent(ParticipantPlatform, &hydraclient.UTxOSnapshotEvent{
		UTxO: map[cardano.OutputRef]cardano.Output{ref: out},
	})
	require.Len(t, g.ChannelSnapshot(), 1)

	g.handleEvent(ParticipantPlatform, &hydraclient.SnapshotConfirmedEvent{
		UTxODiff: map[cardano.OutputRef]*cardano.Output{ref: nil},
	})
	require.Empty(t, g.ChannelSnapshot())

	g.handleEvent(ParticipantPlatform, &hydraclient.HeadOpenedEvent{
		HeadID: "head1",
		UTxO:   map[cardano.OutputRef]cardano.Output{ref: out},
	})
	require.Len(t, g.ChannelSnapshot(), 1)

	g.handleEvent(ParticipantPlatform, &hydraclient.HeadClosedEvent{
		HeadID: "head1",
	})
	require.Empty(t, g.ChannelSnapshot())
}

// TestGatewayChannelStatus asserts both participants are reported.
func TestGatewayChannelStatus(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, &stubChain{})

	status := g.ChannelStatus()
	require.Len(t, status, 2)
	require.Contains(t, status, ParticipantPlatform)
	require.Contains(t, status, ParticipantPeer)
	require.False(t, status[ParticipantPlatform].Connected)
}

// TestGatewayConfirmDeposit asserts the upward deposit API reaches the
// settlement pipeline and the ledger.
func TestGatewayConfirmDeposit(t *testing.T) {
	t.Parallel()

	ref, _ := cardano.ParseOutputRef("abc123#0")
	chain := &stubChain{
		outputs: map[cardano.OutputRef]cardano.Output{
			ref: {
				Address: "addr_test1qplatform",
				Value: cardano.Value{
					cardano.AssetLovelace: 5_000_000,
				},
			},
		},
	}
	g := newTestGateway(t, chain)

	result, err := g.ConfirmDeposit(
		context.Background(), 1, "abc123", 5, cardano.AssetLovelace,
	)
	require.NoError(t, err)
	require.True(t, result.Credited)
	require.EqualValues(t, 5_000_000, result.CreditedAmount)

	buckets, err := g.Balances(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	require.EqualValues(t, 5_000_000, buckets[0].Amount)
}
