package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "tcp://127.0.0.1:38865", cfg.RPCEndpoint)
	assert.Equal(t, "tcp://127.0.0.1:38867", cfg.IngestEndpoint)
	assert.Equal(t, "tcp://127.0.0.1:38866", cfg.PubEndpoint)
	assert.Equal(t, 20000, cfg.StoreMaxLen)
	assert.Equal(t, 2000, cfg.TopicMax)
	assert.Equal(t, 128, cfg.TopicNameMaxLen)
	assert.Equal(t, 262144, cfg.PayloadMaxBytes)
	assert.Equal(t, ModeStrict, cfg.ValidateMode)
	assert.True(t, cfg.ValidatePayloadBytes)
	assert.True(t, cfg.PubEnabled)
	assert.Equal(t, 1000, cfg.GetRecentMaxLimit)
	assert.Equal(t, 0, cfg.Workers)
	assert.Equal(t, ":9600", cfg.MetricsAddr)
	assert.Empty(t, cfg.NATSUrl)
}

func TestLoadFlags(t *testing.T) {
	cfg, err := Load([]string{
		"--rpc-endpoint", "tcp://0.0.0.0:5555",
		"--store-maxlen", "100",
		"--validate-mode", "WARN",
		"--pub-enabled=false",
		"--workers", "3",
	})
	require.NoError(t, err)

	assert.Equal(t, "tcp://0.0.0.0:5555", cfg.RPCEndpoint)
	assert.Equal(t, 100, cfg.StoreMaxLen)
	assert.Equal(t, ModeWarn, cfg.ValidateMode, "mode is case-insensitive")
	assert.False(t, cfg.PubEnabled)
	assert.Equal(t, 3, cfg.EffectiveWorkers())
}

func TestLoadRejectsBadMode(t *testing.T) {
	_, err := Load([]string{"--validate-mode", "sometimes"})
	assert.Error(t, err)
}

func TestEnvFallback(t *testing.T) {
	t.Setenv(EnvPrefix+"STORE_MAXLEN", "777")
	t.Setenv(EnvPrefix+"PUB_ENABLED", "off")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 777, cfg.StoreMaxLen)
	assert.False(t, cfg.PubEnabled, "off parses as false")
}

func TestExplicitFlagBeatsEnv(t *testing.T) {
	t.Setenv(EnvPrefix+"STORE_MAXLEN", "777")

	cfg, err := Load([]string{"--store-maxlen", "42"})
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.StoreMaxLen)
}

func TestEnvBoolSpellings(t *testing.T) {
	for _, s := range []string{"true", "1", "yes", "on", "TRUE"} {
		assert.True(t, parseBool(s), s)
	}
	for _, s := range []string{"false", "0", "no", "off", "anything"} {
		assert.False(t, parseBool(s), s)
	}
}

func TestUnparseableEnvIgnored(t *testing.T) {
	t.Setenv(EnvPrefix+"STORE_MAXLEN", "not a number")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 20000, cfg.StoreMaxLen, "bad env values fall back to the default")
}

func TestEffectiveWorkersAuto(t *testing.T) {
	cfg := &Config{Workers: 0}
	assert.GreaterOrEqual(t, cfg.EffectiveWorkers(), 4)

	cfg.Workers = 2
	assert.Equal(t, 2, cfg.EffectiveWorkers())
}

func TestModeHelpers(t *testing.T) {
	assert.True(t, (&Config{ValidateMode: ModeStrict}).Strict())
	assert.False(t, (&Config{ValidateMode: ModeWarn}).Strict())
	assert.True(t, (&Config{ValidateMode: ModeWarn}).Warn())
	assert.False(t, (&Config{ValidateMode: ModeOff}).Warn())
}
