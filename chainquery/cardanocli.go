package chainquery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hydrapay/hydragated/cardano"
)

const (
	// defaultCLIPath is the cardano-cli binary looked up on PATH when no
	// explicit path is configured.
	defaultCLIPath = "cardano-cli"

	// defaultSocketPath is where a local node exposes its IPC socket.
	defaultSocketPath = "/tmp/node.socket"

	// protocolParamsFile is the cache file for protocol parameters,
	// created under the configured data directory.
	protocolParamsFile = "protocol-parameters.json"
)

// Config holds the node connection details for the cardano-cli backend.
type Config struct {
	// CLIPath is the path to the cardano-cli binary.
	CLIPath string

	// Network selects mainnet or a test network. Anything other than
	// "mainnet" queries with --testnet-magic.
	Network string

	// NetworkMagic is the protocol magic for test networks.
	NetworkMagic uint32

	// SocketPath is the node's IPC socket.
	SocketPath string

	// DataDir is where cached artifacts such as protocol parameters and
	// transient tx files are written.
	DataDir string
}

// CardanoCLI implements Chain by shelling out to cardano-cli.
type CardanoCLI struct {
	cfg *Config

	// runCmd executes the given binary with args and returns stdout. It
	// is swapped out in tests.
	runCmd func(ctx context.Context, name string,
		args ...string) ([]byte, error)
}

// A compile time check to ensure CardanoCLI implements the Chain interface.
var _ Chain = (*CardanoCLI)(nil)

// NewCardanoCLI creates a cardano-cli backed Chain from the config, applying
// defaults for unset fields.
func NewCardanoCLI(cfg *Config) *CardanoCLI {
	if cfg.CLIPath == "" {
		cfg.CLIPath = defaultCLIPath
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = defaultSocketPath
	}
	if cfg.DataDir == "" {
		cfg.DataDir = os.TempDir()
	}

	return &CardanoCLI{
		cfg:    cfg,
		runCmd: runCommand,
	}
}

// runCommand executes the binary and returns stdout, folding stderr into the
// error on failure so node diagnostics surface to the caller.
func runCommand(ctx context.Context, name string,
	args ...string) ([]byte, error) {

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s: %w: %s", name,
			strings.Join(args, " "), err,
			strings.TrimSpace(stderr.String()))
	}

	return stdout.Bytes(), nil
}

// networkArgs returns the network selection flags shared by every query.
func (c *CardanoCLI) networkArgs() []string {
	if c.cfg.Network == "mainnet" {
		return []string{"--mainnet"}
	}

	return []string{
		"--testnet-magic",
		strconv.FormatUint(uint64(c.cfg.NetworkMagic), 10),
	}
}

// OutputsAt returns the UTxO set currently held by the address.
func (c *CardanoCLI) OutputsAt(ctx context.Context,
	address string) (map[cardano.OutputRef]cardano.Output, error) {

	args := append([]string{
		"query", "utxo",
		"--address", address,
	}, c.networkArgs()...)
	args = append(args, "--socket-path", c.cfg.SocketPath,
		"--output-json")

	out, err := c.runCmd(ctx, c.cfg.CLIPath, args...)
	if err != nil {
		return nil, fmt.Errorf("unable to query utxos for %s: %w",
			address, err)
	}

	outputs, err := ParseUTxOJSON(out, address)
	if err != nil {
		return nil, fmt.Errorf("unable to parse utxo output for "+
			"%s: %w", address, err)
	}

	return outputs, nil
}

// AddressBalance returns the total lovelace at the address along with the
// outputs that compose it.
func (c *CardanoCLI) AddressBalance(ctx context.Context, address string) (
	int64, map[cardano.OutputRef]cardano.Output, error) {

	outputs, err := c.OutputsAt(ctx, address)
	if err != nil {
		return 0, nil, err
	}

	var balance int64
	for _, output := range outputs {
		balance += output.Value.Lovelace()
	}

	return balance, outputs, nil
}

// Tip returns the node's current chain tip.
func (c *CardanoCLI) Tip(ctx context.Context) (cardano.Tip, error) {
	args := append([]string{"query", "tip"}, c.networkArgs()...)
	args = append(args, "--socket-path", c.cfg.SocketPath)

	out, err := c.runCmd(ctx, c.cfg.CLIPath, args...)
	if err != nil {
		return cardano.Tip{}, fmt.Errorf("unable to query tip: %w",
			err)
	}

	var tip cardano.Tip
	if err := json.Unmarshal(out, &tip); err != nil {
		return cardano.Tip{}, fmt.Errorf("unable to parse tip: %w",
			err)
	}

	return tip, nil
}

// ProtocolParameters returns the protocol parameter JSON, querying the node
// and caching the result on disk when no cache exists yet.
func (c *CardanoCLI) ProtocolParameters(ctx context.Context) ([]byte, error) {
	paramsPath := filepath.Join(c.cfg.DataDir, protocolParamsFile)

	data, err := os.ReadFile(paramsPath)
	if err == nil {
		return data, nil
	}

	args := append(
		[]string{"query", "protocol-parameters"}, c.networkArgs()...,
	)
	args = append(args, "--socket-path", c.cfg.SocketPath,
		"--out-file", paramsPath)

	if _, err := c.runCmd(ctx, c.cfg.CLIPath, args...); err != nil {
		return nil, fmt.Errorf("unable to query protocol "+
			"parameters: %w", err)
	}

	data, err = os.ReadFile(paramsPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read protocol "+
			"parameters: %w", err)
	}

	return data, nil
}

// SubmitPayment builds, signs and submits an ADA payment consuming all of
// the sender's UTxOs, letting the node balance fees and change. It returns
// the transaction hash reported by the node.
func (c *CardanoCLI) SubmitPayment(ctx context.Context,
	payment Payment) (string, error) {

	balance, outputs, err := c.AddressBalance(ctx, payment.FromAddress)
	if err != nil {
		return "", err
	}
	if len(outputs) == 0 {
		return "", fmt.Errorf("no utxos available at %s",
			payment.FromAddress)
	}
	if balance < payment.Amount {
		return "", fmt.Errorf("insufficient funds at %s: have %d "+
			"lovelace, need %d", payment.FromAddress, balance,
			payment.Amount)
	}

	// The platform fee stays with the sender's change, so the recipient
	// receives the net amount.
	netAmount := payment.Amount - payment.PlatformFee

	txBodyFile := filepath.Join(c.cfg.DataDir, fmt.Sprintf(
		"tx-body-%d.raw", time.Now().UnixNano(),
	))
	signedTxFile := txBodyFile + ".signed"
	defer func() {
		_ = os.Remove(txBodyFile)
		_ = os.Remove(signedTxFile)
	}()

	buildArgs := append(
		[]string{"conway", "transaction", "build"}, c.networkArgs()...,
	)
	buildArgs = append(buildArgs, "--socket-path", c.cfg.SocketPath)
	for ref := range outputs {
		buildArgs = append(buildArgs, "--tx-in", ref.String())
	}
	buildArgs = append(buildArgs,
		"--tx-out", fmt.Sprintf("%s+%d", payment.ToAddress, netAmount),
		"--change-address", payment.FromAddress,
		"--out-file", txBodyFile,
	)

	if _, err := c.runCmd(ctx, c.cfg.CLIPath, buildArgs...); err != nil {
		return "", fmt.Errorf("unable to build payment: %w", err)
	}

	signArgs := append([]string{
		"conway", "transaction", "sign",
		"--tx-body-file", txBodyFile,
		"--signing-key-file", payment.SigningKeyFile,
	}, c.networkArgs()...)
	signArgs = append(signArgs, "--out-file", signedTxFile)

	if _, err := c.runCmd(ctx, c.cfg.CLIPath, signArgs...); err != nil {
		return "", fmt.Errorf("unable to sign payment: %w", err)
	}

	submitArgs := append(
		[]string{"conway", "transaction", "submit"},
		c.networkArgs()...,
	)
	submitArgs = append(submitArgs, "--socket-path", c.cfg.SocketPath,
		"--tx-file", signedTxFile)

	if _, err := c.runCmd(ctx, c.cfg.CLIPath, submitArgs...); err != nil {
		return "", fmt.Errorf("unable to submit payment: %w", err)
	}

	txID, err := c.runCmd(ctx, c.cfg.CLIPath,
		"conway", "transaction", "txid", "--tx-file", signedTxFile)
	if err != nil {
		return "", fmt.Errorf("unable to read txid: %w", err)
	}

	return strings.TrimSpace(string(txID)), nil
}

// ParseUTxOJSON decodes the JSON emitted by `cardano-cli query utxo
// --output-json` into typed outputs. Entries without an address field are
// attributed to the queried address.
func ParseUTxOJSON(raw []byte, address string) (
	map[cardano.OutputRef]cardano.Output, error) {

	outputs, err := cardano.ParseUTxOMap(raw)
	if err != nil {
		return nil, err
	}

	for ref, output := range outputs {
		if output.Address == "" {
			output.Address = address
			outputs[ref] = output
		}
	}

	return outputs, nil
}
