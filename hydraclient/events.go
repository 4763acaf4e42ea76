package hydraclient

import (
	"encoding/json"
	"fmt"

	"github.com/hydrapay/hydragated/cardano"
)

// Event is a typed protocol event received from a head node. Events are
// immutable and consumed once, in per-connection arrival order.
type Event interface {
	// Tag returns the protocol tag identifying the event kind.
	Tag() string
}

// GreetingsEvent is the node's handshake message, sent once after the
// transport opens.
type GreetingsEvent struct {
	// HeadStatus is the node's view of the head lifecycle at connect
	// time, such as "Idle" or "Open".
	HeadStatus string
}

// Tag returns the protocol tag identifying the event kind.
func (e *GreetingsEvent) Tag() string { return "Greetings" }

// HeadOpenedEvent signals the head finished initialization and is open for
// off-chain transactions.
type HeadOpenedEvent struct {
	// HeadID identifies the head on L1.
	HeadID string

	// UTxO is the head's initial output set as committed.
	UTxO map[cardano.OutputRef]cardano.Output
}

// Tag returns the protocol tag identifying the event kind.
func (e *HeadOpenedEvent) Tag() string { return "HeadIsOpen" }

// HeadClosedEvent signals the head was closed on L1 and the contestation
// period has begun.
type HeadClosedEvent struct {
	HeadID string
}

// Tag returns the protocol tag identifying the event kind.
func (e *HeadClosedEvent) Tag() string { return "HeadIsClosed" }

// ReadyToFanoutEvent signals the contestation period elapsed and the final
// output set may be distributed back to L1.
type ReadyToFanoutEvent struct {
	HeadID string
}

// Tag returns the protocol tag identifying the event kind.
func (e *ReadyToFanoutEvent) Tag() string { return "ReadyToFanout" }

// SnapshotConfirmedEvent carries the incremental output changes agreed in
// the head's latest confirmed snapshot. A nil entry is a tombstone for a
// spent output.
type SnapshotConfirmedEvent struct {
	SnapshotNumber uint64
	UTxODiff       map[cardano.OutputRef]*cardano.Output
}

// Tag returns the protocol tag identifying the event kind.
func (e *SnapshotConfirmedEvent) Tag() string { return "SnapshotConfirmed" }

// UTxOSnapshotEvent is the full output set returned in response to a
// GetUTxO command.
type UTxOSnapshotEvent struct {
	UTxO map[cardano.OutputRef]cardano.Output
}

// Tag returns the protocol tag identifying the event kind.
func (e *UTxOSnapshotEvent) Tag() string { return "GetUTxOResponse" }

// TxValidEvent acknowledges a submitted transaction as valid in the head.
type TxValidEvent struct {
	TxID string
}

// Tag returns the protocol tag identifying the event kind.
func (e *TxValidEvent) Tag() string { return "TxValid" }

// TxInvalidEvent rejects a submitted transaction with the node's validation
// error.
type TxInvalidEvent struct {
	TxID   string
	Reason string
}

// Tag returns the protocol tag identifying the event kind.
func (e *TxInvalidEvent) Tag() string { return "TxInvalid" }

// UnknownEvent wraps any protocol message with a tag this client does not
// model. The raw payload is retained for debug logging.
type UnknownEvent struct {
	EventTag string
	Raw      json.RawMessage
}

// Tag returns the protocol tag identifying the event kind.
func (e *UnknownEvent) Tag() string { return e.EventTag }

// decodeEvent parses a raw inbound message into its typed event. Messages
// with an unrecognized tag decode to UnknownEvent; messages without a tag or
// with malformed payloads return an error and are dropped by the caller.
func decodeEvent(raw []byte) (Event, error) {
	var envelope struct {
		Tag string `json:"tag"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("unable to parse message envelope: %w",
			err)
	}
	if envelope.Tag == "" {
		return nil, fmt.Errorf("message missing tag")
	}

	switch envelope.Tag {
	case "Greetings":
		var payload struct {
			HeadStatus string `json:"headStatus"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, err
		}

		return &GreetingsEvent{HeadStatus: payload.HeadStatus}, nil

	case "HeadIsOpen":
		var payload struct {
			HeadID string          `json:"headId"`
			UTxO   json.RawMessage `json:"utxo"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, err
		}

		utxo, err := cardano.ParseUTxOMap(payload.UTxO)
		if err != nil {
			return nil, fmt.Errorf("malformed utxo in "+
				"HeadIsOpen: %w", err)
		}

		return &HeadOpenedEvent{
			HeadID: payload.HeadID,
			UTxO:   utxo,
		}, nil

	case "HeadIsClosed":
		var payload struct {
			HeadID string `json:"headId"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, err
		}

		return &HeadClosedEvent{HeadID: payload.HeadID}, nil

	case "ReadyToFanout":
		var payload struct {
			HeadID string `json:"headId"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, err
		}

		return &ReadyToFanoutEvent{HeadID: payload.HeadID}, nil

	case "SnapshotConfirmed":
		var payload struct {
			Snapshot struct {
				Number uint64          `json:"number"`
				UTxO   json.RawMessage `json:"utxo"`
			} `json:"snapshot"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, err
		}

		diff, err := cardano.ParseUTxODiff(payload.Snapshot.UTxO)
		if err != nil {
			return nil, fmt.Errorf("malformed utxo diff in "+
				"SnapshotConfirmed: %w", err)
		}

		return &SnapshotConfirmedEvent{
			SnapshotNumber: payload.Snapshot.Number,
			UTxODiff:       diff,
		}, nil

	case "GetUTxOResponse":
		var payload struct {
			UTxO json.RawMessage `json:"utxo"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, err
		}

		utxo, err := cardano.ParseUTxOMap(payload.UTxO)
		if err != nil {
			return nil, fmt.Errorf("malformed utxo in "+
				"GetUTxOResponse: %w", err)
		}

		return &UTxOSnapshotEvent{UTxO: utxo}, nil

	case "TxValid":
		var payload struct {
			Transaction struct {
				TxID string `json:"txId"`
			} `json:"transaction"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, err
		}

		return &TxValidEvent{TxID: payload.Transaction.TxID}, nil

	case "TxInvalid":
		var payload struct {
			Transaction struct {
				TxID string `json:"txId"`
			} `json:"transaction"`
			ValidationError struct {
				Reason string `json:"reason"`
			} `json:"validationError"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, err
		}

		return &TxInvalidEvent{
			TxID:   payload.Transaction.TxID,
			Reason: payload.ValidationError.Reason,
		}, nil

	default:
		return &UnknownEvent{
			EventTag: envelope.Tag,
			Raw:      json.RawMessage(raw),
		}, nil
	}
}
