package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/halfspread/quoter/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quoter.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesFileAndDefaults(t *testing.T) {
	path := writeConfig(t, `
apiKey: key
apiSecret: secret
symbol: ethusdt
testnet: false
loopInterval: 2s
relistTolerance: "0.01"
tickSize: "0.01"
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "ethusdt", cfg.Symbol)
	require.False(t, cfg.Testnet)
	require.Equal(t, 2*time.Second, cfg.LoopInterval.Std())
	require.Equal(t, "0.01", cfg.RelistTolerance.String())
	// Untouched fields keep defaults.
	require.Equal(t, "bot_bf_", cfg.OrderIDPrefix)
	require.Equal(t, 10*time.Second, cfg.HTTPTimeout.Std())
}

func TestLoadDurationAcceptsSeconds(t *testing.T) {
	path := writeConfig(t, `
apiKey: key
apiSecret: secret
loopInterval: 5
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.LoopInterval.Std())
}

func TestLoadEnvOverridesCredentials(t *testing.T) {
	path := writeConfig(t, `
apiKey: file-key
apiSecret: file-secret
`)
	t.Setenv("BINANCE_API_KEY", "env-key")
	t.Setenv("BINANCE_API_SECRET", "env-secret")
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "env-key", cfg.APIKey)
	require.Equal(t, "env-secret", cfg.APISecret)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	base := config.Default()
	base.APIKey = "key"
	base.APISecret = "secret"
	require.NoError(t, base.Validate())

	missing := base
	missing.APISecret = ""
	require.Error(t, missing.Validate())

	longPrefix := base
	longPrefix.OrderIDPrefix = "way_too_long_prefix"
	require.Error(t, longPrefix.Validate())

	badTick := base
	badTick.TickSize = config.Decimal{}
	require.Error(t, badTick.Validate())
}
