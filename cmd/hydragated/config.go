package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"

	"github.com/hydrapay/hydragated/build"
)

const (
	defaultConfigFilename = "hydragated.conf"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "hydragated.log"
	defaultLogLevel       = "info"
	defaultMaxLogFiles    = 3
	defaultMaxLogFileSize = 10

	defaultPlatformNodeURL = "ws://127.0.0.1:4001"
	defaultPeerNodeURL     = "ws://127.0.0.1:4002"

	defaultCardanoCLIPath     = "cardano-cli"
	defaultCardanoNetwork     = "preprod"
	defaultCardanoMagic       = 1
	defaultCardanoSocketPath  = "/tmp/node.socket"
	defaultDepositPollSeconds = 10
)

var (
	defaultHomeDir    = btcutil.AppDataDir("hydragated", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(defaultHomeDir, defaultLogDirname)
)

// cardanoConfig groups the L1 node settings.
type cardanoConfig struct {
	CLIPath      string `long:"clipath" description:"Path to the cardano-cli binary"`
	Network      string `long:"network" description:"Cardano network" choice:"mainnet" choice:"preprod" choice:"preview" choice:"testnet"`
	NetworkMagic uint32 `long:"magic" description:"Network magic for test networks"`
	SocketPath   string `long:"socketpath" description:"Path to the cardano node socket"`
}

// hydraConfig groups the head node endpoints.
type hydraConfig struct {
	PlatformNodeURL string `long:"platformnode" description:"Websocket endpoint of the platform's head node"`
	PeerNodeURL     string `long:"peernode" description:"Websocket endpoint of the peer's head node"`
}

// walletConfig groups the platform wallet settings used by the settlement
// pipelines.
type walletConfig struct {
	DepositAddress string `long:"depositaddress" description:"Platform address users deposit to"`
	FundingAddress string `long:"fundingaddress" description:"Platform wallet withdrawals are paid from"`
	SigningKeyFile string `long:"signingkeyfile" description:"Signing key file of the funding wallet"`
	PlatformFee    int64  `long:"platformfee" description:"Flat withdrawal fee in lovelace"`
}

// dbConfig groups the ledger store settings.
type dbConfig struct {
	PostgresDSN  string `long:"postgresdsn" description:"Postgres connection string for the ledger; empty runs an in-memory ledger"`
	MaxOpenConns int    `long:"maxopenconns" description:"Maximum open database connections"`
}

// config defines the configuration options of the daemon.
//
// See loadConfig for further details regarding the configuration loading
// and parsing process.
type config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"The directory to store hydragated's data within"`

	LogDir         string `long:"logdir" description:"Directory to log output"`
	MaxLogFiles    int    `long:"maxlogfiles" description:"Maximum logfiles to keep (0 for no rotation)"`
	MaxLogFileSize int    `long:"maxlogfilesize" description:"Maximum logfile size in MB"`
	DebugLevel     string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`

	DepositPollInterval time.Duration `long:"depositpollinterval" description:"How often the deposit address is re-queried"`

	Cardano *cardanoConfig `group:"cardano" namespace:"cardano"`
	Hydra   *hydraConfig   `group:"hydra" namespace:"hydra"`
	Wallet  *walletConfig  `group:"wallet" namespace:"wallet"`
	DB      *dbConfig      `group:"db" namespace:"db"`
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig() (*config, error) {
	defaultCfg := config{
		ConfigFile:     defaultConfigFile,
		DataDir:        defaultDataDir,
		LogDir:         defaultLogDir,
		MaxLogFiles:    defaultMaxLogFiles,
		MaxLogFileSize: defaultMaxLogFileSize,
		DebugLevel:     defaultLogLevel,

		DepositPollInterval: defaultDepositPollSeconds * time.Second,

		Cardano: &cardanoConfig{
			CLIPath:      defaultCardanoCLIPath,
			Network:      defaultCardanoNetwork,
			NetworkMagic: defaultCardanoMagic,
			SocketPath:   defaultCardanoSocketPath,
		},
		Hydra: &hydraConfig{
			PlatformNodeURL: defaultPlatformNodeURL,
			PeerNodeURL:     defaultPeerNodeURL,
		},
		Wallet: &walletConfig{},
		DB:     &dbConfig{},
	}

	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := defaultCfg
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	// Load additional config from file.
	cfg := defaultCfg
	configFile := cleanAndExpandPath(preCfg.ConfigFile)
	if err := flags.IniParse(configFile, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		if _, ok := err.(*flags.IniError); ok {
			return nil, err
		}

		// The config file is optional unless one was explicitly
		// requested.
		if configFile != defaultConfigFile {
			return nil, err
		}
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.Wallet.SigningKeyFile = cleanAndExpandPath(
		cfg.Wallet.SigningKeyFile,
	)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	// Parse, validate, and set debug log level(s).
	if err := build.ParseAndSetDebugLevels(
		cfg.DebugLevel, logMgr,
	); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validateConfig checks the settings a running daemon cannot do without.
func validateConfig(cfg *config) error {
	if cfg.Wallet.DepositAddress == "" {
		return fmt.Errorf("wallet.depositaddress is required")
	}
	if cfg.Wallet.FundingAddress == "" {
		return fmt.Errorf("wallet.fundingaddress is required")
	}
	if cfg.Wallet.SigningKeyFile == "" {
		return fmt.Errorf("wallet.signingkeyfile is required")
	}
	if cfg.Wallet.PlatformFee < 0 {
		return fmt.Errorf("wallet.platformfee must not be negative")
	}
	if cfg.Cardano.Network != "mainnet" && cfg.Cardano.NetworkMagic == 0 {
		return fmt.Errorf("cardano.magic is required on test networks")
	}

	return nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = strings.Replace(path, "~", home, 1)
		}
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

