package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/clock"

	hydragated "github.com/hydrapay/hydragated"
	"github.com/hydrapay/hydragated/chainquery"
	"github.com/hydrapay/hydragated/ledgerdb"
	"github.com/hydrapay/hydragated/settlement"
)

// version is injected at build time.
var version = "0.1.0-dev"

func main() {
	cfg, err := loadConfig()
	if err != nil {
		// Help was requested; the library already printed it.
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}

		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if cfg.ShowVersion {
		fmt.Printf("hydragated version %s\n", version)
		os.Exit(0)
	}

	if err := gatewayMain(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// gatewayMain wires the daemon together and blocks until shutdown.
func gatewayMain(cfg *config) error {
	// Initialize logging before anything else touches a logger.
	initLogRotator(
		filepath.Join(cfg.LogDir, defaultLogFilename),
		cfg.MaxLogFileSize, cfg.MaxLogFiles,
	)
	defer logRotator.Close()

	gtwyLog.Infof("Version: %s", version)

	// Ledger store: postgres when configured, in-memory otherwise.
	var store ledgerdb.Store
	if cfg.DB.PostgresDSN != "" {
		sqlStore, err := ledgerdb.NewSQLStore(&ledgerdb.SQLStoreConfig{
			DSN:          cfg.DB.PostgresDSN,
			MaxOpenConns: cfg.DB.MaxOpenConns,
		})
		if err != nil {
			return err
		}
		defer sqlStore.Close()

		store = sqlStore
	} else {
		gtwyLog.Warnf("No postgres DSN configured, running an " +
			"in-memory ledger; balances will not survive restart")
		store = ledgerdb.NewMemStore()
	}

	ledger := ledgerdb.New(&ledgerdb.Config{
		Store: store,
		Clock: clock.NewDefaultClock(),
	})

	chain := chainquery.NewCardanoCLI(&chainquery.Config{
		CLIPath:      cfg.Cardano.CLIPath,
		Network:      cfg.Cardano.Network,
		NetworkMagic: cfg.Cardano.NetworkMagic,
		SocketPath:   cfg.Cardano.SocketPath,
		DataDir:      cfg.DataDir,
	})

	engine := settlement.NewEngine(&settlement.Config{
		Ledger:         ledger,
		Chain:          chain,
		DepositAddress: cfg.Wallet.DepositAddress,
		FundingAddress: cfg.Wallet.FundingAddress,
		SigningKeyFile: cfg.Wallet.SigningKeyFile,
		PlatformFee:    cfg.Wallet.PlatformFee,
		Clock:          clock.NewDefaultClock(),
	})

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	gateway := hydragated.NewGateway(&hydragated.GatewayConfig{
		PlatformNodeURL:     cfg.Hydra.PlatformNodeURL,
		PeerNodeURL:         cfg.Hydra.PeerNodeURL,
		Chain:               chain,
		Ledger:              ledger,
		Settlement:          engine,
		DepositAddress:      cfg.Wallet.DepositAddress,
		DepositPollInterval: cfg.DepositPollInterval,
		OnFatal: func(reason string) {
			gtwyLog.Criticalf("Fatal condition: %s", reason)
			select {
			case shutdown <- syscall.SIGTERM:
			default:
			}
		},
	})

	if err := gateway.Start(); err != nil {
		return err
	}
	defer gateway.Stop()

	sig := <-shutdown
	gtwyLog.Infof("Received %v, shutting down", sig)

	return nil
}
