package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	hydragated "github.com/hydrapay/hydragated"
	"github.com/hydrapay/hydragated/build"
	"github.com/hydrapay/hydragated/chainquery"
	"github.com/hydrapay/hydragated/hydraclient"
	"github.com/hydrapay/hydragated/ledgerdb"
	"github.com/hydrapay/hydragated/settlement"
	"github.com/hydrapay/hydragated/utxotracker"
)

// Loggers per subsystem.  A single backend logger is created and all subsystem
// loggers created from it will write to the backend.  When adding new
// subsystems, add the subsystem logger variable here and to the
// subsystemLoggers map.
//
// Loggers can not be used before the log rotator has been initialized with a
// log file.  This must be performed early during application startup by
// calling initLogRotator.
var (
	logWriter = &build.LogWriter{}

	// backendLog is the logging backend used to create all subsystem
	// loggers.  The backend must not be used before the log rotator has
	// been initialized, or data races and/or nil pointer dereferences will
	// occur.
	backendLog = btclog.NewBackend(logWriter)

	// logRotator is one of the logging outputs.  It should be closed on
	// application shutdown.
	logRotator *rotator.Rotator

	gtwyLog = build.NewSubLogger("GTWY", backendLog.Logger)
	hdrcLog = build.NewSubLogger("HDRC", backendLog.Logger)
	utxoLog = build.NewSubLogger("UTXO", backendLog.Logger)
	ldgrLog = build.NewSubLogger("LDGR", backendLog.Logger)
	chnqLog = build.NewSubLogger("CHNQ", backendLog.Logger)
	stlmLog = build.NewSubLogger("STLM", backendLog.Logger)
)

// Initialize package-global logger variables.
func init() {
	hydragated.UseLogger(gtwyLog)
	hydraclient.UseLogger(hdrcLog)
	utxotracker.UseLogger(utxoLog)
	ledgerdb.UseLogger(ldgrLog)
	chainquery.UseLogger(chnqLog)
	settlement.UseLogger(stlmLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = build.SubLoggers{
	"GTWY": gtwyLog,
	"HDRC": hdrcLog,
	"UTXO": utxoLog,
	"LDGR": ldgrLog,
	"CHNQ": chnqLog,
	"STLM": stlmLog,
}

// logManager exposes the daemon's subsystem loggers for debug level control.
type logManager struct{}

// A compile time check to ensure logManager implements the
// build.LeveledSubLogger interface.
var _ build.LeveledSubLogger = (*logManager)(nil)

// SubLoggers returns the map of all registered subsystem loggers.
//
// NOTE: This is part of the build.LeveledSubLogger interface.
func (l *logManager) SubLoggers() build.SubLoggers {
	return subsystemLoggers
}

// SupportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
//
// NOTE: This is part of the build.LeveledSubLogger interface.
func (l *logManager) SupportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)

	return subsystems
}

// SetLogLevel sets the logging level for provided subsystem. Invalid
// subsystems are ignored.
//
// NOTE: This is part of the build.LeveledSubLogger interface.
func (l *logManager) SetLogLevel(subsystemID string, logLevel string) {
	setLogLevel(subsystemID, logLevel)
}

// SetLogLevels sets the log level for all subsystem loggers to the passed
// level.
//
// NOTE: This is part of the build.LeveledSubLogger interface.
func (l *logManager) SetLogLevels(logLevel string) {
	setLogLevels(logLevel)
}

// logMgr is the instance handed to debug level parsing.
var logMgr = &logManager{}

// initLogRotator initializes the logging rotator to write logs to logFile and
// create roll files in the same directory.  It must be called before the
// package-global log rotator variables are used.
func initLogRotator(logFile string, maxLogFileSize int, maxLogFiles int) {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n",
			err)
		os.Exit(1)
	}
	r, err := rotator.New(
		logFile, int64(maxLogFileSize*1024), false, maxLogFiles,
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create file rotator: %v\n",
			err)
		os.Exit(1)
	}

	pr, pw := io.Pipe()
	go r.Run(pr)

	logWriter.RotatorPipe = pw
	logRotator = r
}

// setLogLevel sets the logging level for provided subsystem.  Invalid
// subsystems are ignored.  Uninitialized subsystems are dynamically created as
// needed.
func setLogLevel(subsystemID string, logLevel string) {
	// Ignore invalid subsystems.
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level. It also dynamically creates the subsystem loggers as needed, so it
// can be used to initialize the logging system.
func setLogLevels(logLevel string) {
	// Configure all sub-systems with the new logging level.  Dynamically
	// create loggers as needed.
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}
