package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		cfg   Config
		debug bool
		info  bool
	}{
		{name: "development", cfg: Config{Development: true}, debug: true, info: true},
		{name: "production", cfg: Config{}, debug: false, info: true},
		{name: "production debug", cfg: Config{Level: "debug"}, debug: true, info: true},
		{name: "development quiet", cfg: Config{Development: true, Level: "warn"}, debug: false, info: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			logger, err := New(tc.cfg)
			require.NoError(t, err)
			require.NotNil(t, logger)
			require.Equal(t, tc.debug, logger.Core().Enabled(zapcore.DebugLevel))
			require.Equal(t, tc.info, logger.Core().Enabled(zapcore.InfoLevel))
			logger.Named("worker").Info("logger ready")
		})
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Level: "chatty"})
	require.ErrorContains(t, err, "chatty")
}
