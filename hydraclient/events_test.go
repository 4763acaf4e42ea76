package hydraclient

import (
	"testing"

	"github.com/hydrapay/hydragated/cardano"
	"github.com/stretchr/testify/require"
)

// TestDecodeEvent asserts the tagged union decoding of every modeled event
// kind, plus the unknown-tag fallback.
func TestDecodeEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		raw      string
		expected Event
	}{
		{
			name: "greetings",
			raw:  `{"tag": "Greetings", "headStatus": "Idle"}`,
			expected: &GreetingsEvent{
				HeadStatus: "Idle",
			},
		},
		{
			name: "head open with initial utxo",
			raw: `{
				"tag": "HeadIsOpen",
				"headId": "head1",
				"utxo": {
					"abc#0": {
						"address": "addr1",
						"value": {"lovelace": 100}
					}
				}
			}`,
			expected: &HeadOpenedEvent{
				HeadID: "head1",
				UTxO: map[cardano.OutputRef]cardano.Output{
					{TxHash: "abc", Index: 0}: {
						Address: "addr1",
						Value: cardano.Value{
							"lovelace": 100,
						},
					},
				},
			},
		},
		{
			name:     "head closed",
			raw:      `{"tag": "HeadIsClosed", "headId": "head1"}`,
			expected: &HeadClosedEvent{HeadID: "head1"},
		},
		{
			name:     "ready to fanout",
			raw:      `{"tag": "ReadyToFanout", "headId": "head1"}`,
			expected: &ReadyToFanoutEvent{HeadID: "head1"},
		},
		{
			name: "snapshot confirmed with tombstone",
			raw: `{
				"tag": "SnapshotConfirmed",
				"snapshot": {
					"number": 4,
					"utxo": {
						"abc#0": null,
						"def#1": {
							"address": "addr2",
							"value": {
								"lovelace": 7
							}
						}
					}
				}
			}`,
			expected: &SnapshotConfirmedEvent{
				SnapshotNumber: 4,
				UTxODiff: map[cardano.OutputRef]*cardano.Output{
					{TxHash: "abc", Index: 0}: nil,
					{TxHash: "def", Index: 1}: {
						Address: "addr2",
						Value: cardano.Value{
							"lovelace": 7,
						},
					},
				},
			},
		},
		{
			name: "get utxo response",
			raw: `{
				"tag": "GetUTxOResponse",
				"utxo": {}
			}`,
			expected: &UTxOSnapshotEvent{
				UTxO: map[cardano.OutputRef]cardano.Output{},
			},
		},
		{
			name: "tx valid",
			raw: `{
				"tag": "TxValid",
				"transaction": {"txId": "tx1"}
			}`,
			expected: &TxValidEvent{TxID: "tx1"},
		},
		{
			name: "tx invalid",
			raw: `{
				"tag": "TxInvalid",
				"transaction": {"txId": "tx1"},
				"validationError": {"reason": "missing input"}
			}`,
			expected: &TxInvalidEvent{
				TxID:   "tx1",
				Reason: "missing input",
			},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			event, err := decodeEvent([]byte(test.raw))
			require.NoError(t, err)
			require.Equal(t, test.expected, event)
		})
	}
}

// TestDecodeEventUnknown asserts unmodeled tags fall through to
// UnknownEvent with the raw payload retained.
func TestDecodeEventUnknown(t *testing.T) {
	t.Parallel()

	raw := `{"tag": "PeerConnected", "peer": "peer1"}`
	event, err := decodeEvent([]byte(raw))
	require.NoError(t, err)

	unknown, ok := event.(*UnknownEvent)
	require.True(t, ok)
	require.Equal(t, "PeerConnected", unknown.Tag())
	require.JSONEq(t, raw, string(unknown.Raw))
}

// TestDecodeEventMalformed asserts junk payloads error rather than decode.
func TestDecodeEventMalformed(t *testing.T) {
	t.Parallel()

	_, err := decodeEvent([]byte("not json"))
	require.Error(t, err)

	_, err = decodeEvent([]byte(`{"no": "tag"}`))
	require.Error(t, err)
}

// TestCommandMarshaling asserts the wire encoding of outbound commands.
func TestCommandMarshaling(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cmd      Command
		expected string
	}{
		{InitCommand(), `{"tag": "Init"}`},
		{CloseCommand(), `{"tag": "Close"}`},
		{FanoutCommand(), `{"tag": "Fanout"}`},
		{GetUTxOCommand(), `{"tag": "GetUTxO"}`},
		{
			&NewTxCommand{CborHex: "84a3"},
			`{
				"tag": "NewTx",
				"transaction": {
					"cborHex": "84a3",
					"description": "",
					"type": "Tx ConwayEra"
				}
			}`,
		},
	}

	for _, test := range tests {
		encoded, err := test.cmd.MarshalJSON()
		require.NoError(t, err)
		require.JSONEq(t, test.expected, string(encoded))
	}
}
