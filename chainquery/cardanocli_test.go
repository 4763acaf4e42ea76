package chainquery

import (
	"context"
	"strings"
	"testing"

	"github.com/hydrapay/hydragated/cardano"
	"github.com/stretchr/testify/require"
)

const testAddr = "addr_test1qplatform"

// TestParseUTxOJSON asserts the parser handles both value encodings emitted
// by different node versions, plus datum fields and empty sets.
func TestParseUTxOJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		raw      string
		expected map[cardano.OutputRef]cardano.Output
	}{
		{
			name:     "empty output",
			raw:      "",
			expected: map[cardano.OutputRef]cardano.Output{},
		},
		{
			name:     "empty object",
			raw:      "{}",
			expected: map[cardano.OutputRef]cardano.Output{},
		},
		{
			name: "legacy numeric value",
			raw: `{
				"abc123#0": {"value": 5000000}
			}`,
			expected: map[cardano.OutputRef]cardano.Output{
				{TxHash: "abc123", Index: 0}: {
					Address: testAddr,
					Value: cardano.Value{
						"lovelace": 5000000,
					},
				},
			},
		},
		{
			name: "multi asset value with datum hash",
			raw: `{
				"def456#1": {
					"address": "addr_test1qother",
					"value": {
						"lovelace": 2000000,
						"policy.token": 42
					},
					"datumHash": "deadbeef"
				}
			}`,
			expected: map[cardano.OutputRef]cardano.Output{
				{TxHash: "def456", Index: 1}: {
					Address: "addr_test1qother",
					Value: cardano.Value{
						"lovelace":     2000000,
						"policy.token": 42,
					},
					DatumHash: "deadbeef",
				},
			},
		},
		{
			name: "inline datum",
			raw: `{
				"aaa#2": {
					"value": {"lovelace": 1},
					"inlineDatum": {"int": 7},
					"inlineDatumhash": "cafe"
				}
			}`,
			expected: map[cardano.OutputRef]cardano.Output{
				{TxHash: "aaa", Index: 2}: {
					Address: testAddr,
					Value: cardano.Value{
						"lovelace": 1,
					},
					InlineDatum: `{"int": 7}`,
					DatumHash:   "cafe",
				},
			},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			outputs, err := ParseUTxOJSON(
				[]byte(test.raw), testAddr,
			)
			require.NoError(t, err)
			require.Equal(t, test.expected, outputs)
		})
	}
}

// TestParseUTxOJSONMalformed asserts malformed payloads error out rather
// than silently dropping outputs.
func TestParseUTxOJSONMalformed(t *testing.T) {
	t.Parallel()

	_, err := ParseUTxOJSON([]byte(`{"nohash": {"value": 1}}`), testAddr)
	require.Error(t, err)

	_, err = ParseUTxOJSON([]byte(`not json`), testAddr)
	require.Error(t, err)
}

// stubRunner records cardano-cli invocations and replays canned stdout.
type stubRunner struct {
	commands  [][]string
	responses map[string]string
}

func (s *stubRunner) run(_ context.Context, name string,
	args ...string) ([]byte, error) {

	cmd := append([]string{name}, args...)
	s.commands = append(s.commands, cmd)

	for fragment, response := range s.responses {
		if strings.Contains(strings.Join(args, " "), fragment) {
			return []byte(response), nil
		}
	}

	return nil, nil
}

func newStubCLI(responses map[string]string) (*CardanoCLI, *stubRunner) {
	runner := &stubRunner{responses: responses}
	cli := NewCardanoCLI(&Config{
		CLIPath:      "cardano-cli",
		Network:      "testnet",
		NetworkMagic: 1,
		SocketPath:   "/tmp/node.socket",
	})
	cli.runCmd = runner.run

	return cli, runner
}

// TestOutputsAt asserts the query uses the testnet flags and round trips
// the node's JSON.
func TestOutputsAt(t *testing.T) {
	t.Parallel()

	cli, runner := newStubCLI(map[string]string{
		"query utxo": `{"abc123#0": {"value": 5000000}}`,
	})

	outputs, err := cli.OutputsAt(context.Background(), testAddr)
	require.NoError(t, err)
	require.Len(t, outputs, 1)

	ref := cardano.OutputRef{TxHash: "abc123", Index: 0}
	require.EqualValues(t, 5000000, outputs[ref].Value.Lovelace())

	require.Len(t, runner.commands, 1)
	cmd := strings.Join(runner.commands[0], " ")
	require.Contains(t, cmd, "--address "+testAddr)
	require.Contains(t, cmd, "--testnet-magic 1")
	require.Contains(t, cmd, "--output-json")
}

// TestTip asserts tip JSON decodes into the typed struct.
func TestTip(t *testing.T) {
	t.Parallel()

	cli, _ := newStubCLI(map[string]string{
		"query tip": `{
			"slot": 12345,
			"block": 678,
			"epoch": 9,
			"era": "Conway",
			"hash": "abcdef",
			"syncProgress": "100.00"
		}`,
	})

	tip, err := cli.Tip(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 12345, tip.Slot)
	require.EqualValues(t, 678, tip.Block)
	require.Equal(t, "Conway", tip.Era)
	require.Equal(t, "100.00", tip.SyncProgress)
}

// TestSubmitPayment walks the full build/sign/submit/txid sequence and
// asserts the platform fee is withheld from the recipient output.
func TestSubmitPayment(t *testing.T) {
	t.Parallel()

	cli, runner := newStubCLI(map[string]string{
		"query utxo":       `{"abc123#0": {"value": 10000000}}`,
		"transaction txid": "deadbeef\n",
	})
	cli.cfg.DataDir = t.TempDir()

	txID, err := cli.SubmitPayment(context.Background(), Payment{
		FromAddress:    testAddr,
		ToAddress:      "addr_test1quser",
		Amount:         3_000_000,
		PlatformFee:    200_000,
		SigningKeyFile: "payment.skey",
	})
	require.NoError(t, err)
	require.Equal(t, "deadbeef", txID)

	var sawBuild, sawSign, sawSubmit bool
	for _, cmdParts := range runner.commands {
		cmd := strings.Join(cmdParts, " ")
		switch {
		case strings.Contains(cmd, "transaction build "):
			sawBuild = true
			require.Contains(t, cmd, "--tx-in abc123#0")
			require.Contains(
				t, cmd, "--tx-out addr_test1quser+2800000",
			)
			require.Contains(
				t, cmd, "--change-address "+testAddr,
			)

		case strings.Contains(cmd, "transaction sign"):
			sawSign = true
			require.Contains(
				t, cmd, "--signing-key-file payment.skey",
			)

		case strings.Contains(cmd, "transaction submit"):
			sawSubmit = true
		}
	}
	require.True(t, sawBuild)
	require.True(t, sawSign)
	require.True(t, sawSubmit)
}

// TestSubmitPaymentInsufficient asserts a payment larger than the wallet
// balance fails before any transaction is built.
func TestSubmitPaymentInsufficient(t *testing.T) {
	t.Parallel()

	cli, runner := newStubCLI(map[string]string{
		"query utxo": `{"abc123#0": {"value": 1000000}}`,
	})

	_, err := cli.SubmitPayment(context.Background(), Payment{
		FromAddress: testAddr,
		ToAddress:   "addr_test1quser",
		Amount:      3_000_000,
	})
	require.ErrorContains(t, err, "insufficient funds")

	// Only the balance query may have run.
	require.Len(t, runner.commands, 1)
}
