package cardano

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	// AssetLovelace is the reserved asset identifier for the chain's base
	// currency. All other asset identifiers are policy-id/asset-name
	// pairs as rendered by the node ("<policyId>.<assetName>").
	AssetLovelace = "lovelace"

	// LovelacePerAda is the number of lovelace (the smallest on-chain
	// unit) per ada.
	LovelacePerAda = 1_000_000
)

// OutputRef identifies a transaction output by the hash of the transaction
// that created it and the output's index within that transaction. It is
// rendered as "txHash#index" on the wire and by the node tooling.
type OutputRef struct {
	// TxHash is the hex encoded hash of the creating transaction.
	TxHash string

	// Index is the position of the output within the transaction.
	Index uint32
}

// String returns the canonical "txHash#index" encoding of the reference.
func (o OutputRef) String() string {
	return fmt.Sprintf("%s#%d", o.TxHash, o.Index)
}

// ParseOutputRef parses the canonical "txHash#index" encoding produced by
// the node and by OutputRef.String.
func ParseOutputRef(s string) (OutputRef, error) {
	lastIdx := strings.LastIndex(s, "#")
	if lastIdx <= 0 || lastIdx == len(s)-1 {
		return OutputRef{}, fmt.Errorf("malformed output ref %q", s)
	}

	index, err := strconv.ParseUint(s[lastIdx+1:], 10, 32)
	if err != nil {
		return OutputRef{}, fmt.Errorf("malformed output index in "+
			"%q: %w", s, err)
	}

	return OutputRef{
		TxHash: s[:lastIdx],
		Index:  uint32(index),
	}, nil
}

// Value is the multi-asset value carried by an output, keyed by asset
// identifier. The base currency lives under the reserved AssetLovelace key.
type Value map[string]int64

// Lovelace returns the base currency portion of the value.
func (v Value) Lovelace() int64 {
	return v[AssetLovelace]
}

// AmountOf returns the quantity of the given asset held by the value.
func (v Value) AmountOf(assetID string) int64 {
	return v[assetID]
}

// Copy returns a deep copy of the value map.
func (v Value) Copy() Value {
	cp := make(Value, len(v))
	for asset, amt := range v {
		cp[asset] = amt
	}

	return cp
}

// Output is a single unspent transaction output, either on L1 or inside the
// head.
type Output struct {
	// Address is the address currently owning the output.
	Address string

	// Value is the multi-asset value locked in the output.
	Value Value

	// DatumHash is the hash of the datum attached to the output, if any.
	DatumHash string

	// InlineDatum is the raw inline datum attached to the output, if any.
	InlineDatum string
}

// Copy returns a deep copy of the output.
func (o Output) Copy() Output {
	cp := o
	cp.Value = o.Value.Copy()

	return cp
}

// Tip describes the current head of the L1 chain as reported by the node.
type Tip struct {
	Slot         uint64
	Block        uint64
	Epoch        uint64
	Era          string
	Hash         string
	SyncProgress string
}

// AdaToLovelace converts a user supplied ada amount to lovelace, rounding to
// the nearest unit. Truncation would misrepresent non-integral amounts whose
// product carries float error, such as 5.1 ada scaling to 5_099_999.
func AdaToLovelace(ada float64) int64 {
	return int64(math.Round(ada * LovelacePerAda))
}
