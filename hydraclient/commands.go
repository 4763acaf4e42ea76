package hydraclient

import "encoding/json"

// conwayTxType is the transaction envelope type expected by head nodes for
// transactions built against the current era.
const conwayTxType = "Tx ConwayEra"

// Command is an outbound protocol command. Commands are fire-and-forget:
// the node acknowledges them only through later inbound events.
type Command interface {
	json.Marshaler

	// Tag returns the protocol tag of the command.
	Tag() string
}

type tagOnlyCommand struct {
	CmdTag string `json:"tag"`
}

func (c tagOnlyCommand) Tag() string { return c.CmdTag }

func (c tagOnlyCommand) MarshalJSON() ([]byte, error) {
	type alias tagOnlyCommand
	return json.Marshal(alias(c))
}

// InitCommand requests head initialization.
func InitCommand() Command {
	return tagOnlyCommand{CmdTag: "Init"}
}

// CloseCommand requests head closure.
func CloseCommand() Command {
	return tagOnlyCommand{CmdTag: "Close"}
}

// FanoutCommand requests distribution of the final output set back to L1.
func FanoutCommand() Command {
	return tagOnlyCommand{CmdTag: "Fanout"}
}

// GetUTxOCommand requests a full snapshot of the head's output set.
func GetUTxOCommand() Command {
	return tagOnlyCommand{CmdTag: "GetUTxO"}
}

// NewTxCommand submits a CBOR encoded transaction into the head.
type NewTxCommand struct {
	// CborHex is the hex encoded CBOR transaction body.
	CborHex string

	// Description is free text attached to the transaction envelope.
	Description string
}

// Tag returns the protocol tag of the command.
func (c *NewTxCommand) Tag() string { return "NewTx" }

// txEnvelope is the transaction wrapper head nodes expect on NewTx.
type txEnvelope struct {
	CborHex     string `json:"cborHex"`
	Description string `json:"description"`
	Type        string `json:"type"`
}

// MarshalJSON renders the command in the envelope format head nodes expect.
func (c *NewTxCommand) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Tag         string     `json:"tag"`
		Transaction txEnvelope `json:"transaction"`
	}{
		Tag: "NewTx",
		Transaction: txEnvelope{
			CborHex:     c.CborHex,
			Description: c.Description,
			Type:        conwayTxType,
		},
	})
}
