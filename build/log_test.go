package build

import (
	"sort"
	"testing"

	"github.com/btcsuite/btclog"
	"github.com/stretchr/testify/require"
)

// fakeSubLogger records the level assignments ParseAndSetDebugLevels makes.
type fakeSubLogger struct {
	loggers SubLoggers

	globalLevel string
	perSubsys   map[string]string
}

func newFakeSubLogger(subsystems ...string) *fakeSubLogger {
	loggers := make(SubLoggers, len(subsystems))
	for _, subsys := range subsystems {
		loggers[subsys] = btclog.Disabled
	}

	return &fakeSubLogger{
		loggers:   loggers,
		perSubsys: make(map[string]string),
	}
}

func (f *fakeSubLogger) SubLoggers() SubLoggers {
	return f.loggers
}

func (f *fakeSubLogger) SupportedSubsystems() []string {
	subsystems := make([]string, 0, len(f.loggers))
	for subsys := range f.loggers {
		subsystems = append(subsystems, subsys)
	}
	sort.Strings(subsystems)

	return subsystems
}

func (f *fakeSubLogger) SetLogLevel(subsysID string, logLevel string) {
	f.perSubsys[subsysID] = logLevel
}

func (f *fakeSubLogger) SetLogLevels(logLevel string) {
	f.globalLevel = logLevel
}

// TestParseAndSetDebugLevels exercises the accepted debug level formats and
// the rejection of unknown subsystems and levels.
func TestParseAndSetDebugLevels(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		level       string
		expectErr   string
		expectAll   string
		expectPairs map[string]string
	}{
		{
			name:      "global level",
			level:     "debug",
			expectAll: "debug",
		},
		{
			name:  "single subsystem",
			level: "GTWY=trace",
			expectPairs: map[string]string{
				"GTWY": "trace",
			},
		},
		{
			name:      "global plus subsystem",
			level:     "info,LDGR=debug",
			expectAll: "info",
			expectPairs: map[string]string{
				"LDGR": "debug",
			},
		},
		{
			name:      "invalid global level",
			level:     "loud",
			expectErr: "invalid",
		},
		{
			name:      "unknown subsystem",
			level:     "NOPE=debug",
			expectErr: "specified subsystem",
		},
		{
			name:      "invalid subsystem level",
			level:     "GTWY=loud",
			expectErr: "debug level [loud] is invalid",
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			logger := newFakeSubLogger("GTWY", "LDGR")
			err := ParseAndSetDebugLevels(tc.level, logger)

			if tc.expectErr != "" {
				require.ErrorContains(t, err, tc.expectErr)
				return
			}
			require.NoError(t, err)

			require.Equal(t, tc.expectAll, logger.globalLevel)
			for subsys, level := range tc.expectPairs {
				require.Equal(t, level,
					logger.perSubsys[subsys])
			}
		})
	}
}
