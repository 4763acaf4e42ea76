package chainquery

import (
	"context"

	"github.com/hydrapay/hydragated/cardano"
)

// Payment describes an L1 payment to build, sign and submit from a platform
// wallet. All amounts are in lovelace.
type Payment struct {
	// FromAddress is the wallet funding the payment. All of its UTxOs
	// are consumed as inputs, with change returned to it.
	FromAddress string

	// ToAddress is the recipient.
	ToAddress string

	// Amount is the gross amount debited from the sender.
	Amount int64

	// PlatformFee is withheld from Amount before paying the recipient,
	// so the recipient receives Amount-PlatformFee.
	PlatformFee int64

	// SigningKeyFile is the path to the payment signing key on disk.
	SigningKeyFile string
}

// Chain abstracts the L1 node interactions the gateway needs. The production
// implementation shells out to cardano-cli against a local node socket.
type Chain interface {
	// OutputsAt returns the current UTxO set held by the address.
	OutputsAt(ctx context.Context,
		address string) (map[cardano.OutputRef]cardano.Output, error)

	// AddressBalance returns the total lovelace held by the address
	// along with the outputs that make it up.
	AddressBalance(ctx context.Context, address string) (int64,
		map[cardano.OutputRef]cardano.Output, error)

	// Tip returns the current chain tip.
	Tip(ctx context.Context) (cardano.Tip, error)

	// SubmitPayment builds, signs and submits the payment, returning
	// the on-chain transaction hash once the node accepts it.
	SubmitPayment(ctx context.Context, payment Payment) (string, error)

	// ProtocolParameters returns the raw protocol parameter JSON,
	// refreshing the on-disk cache from the node when absent.
	ProtocolParameters(ctx context.Context) ([]byte, error)
}
