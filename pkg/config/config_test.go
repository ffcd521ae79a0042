package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 1883, cfg.MQTTPort)
	assert.Equal(t, "0.0.0.0", cfg.MQTTHost)
	assert.Equal(t, 3000, cfg.HTTPPort)
	assert.Equal(t, 3001, cfg.ManagementPort)
	assert.Equal(t, 1024, cfg.MessageMaxLength)
	assert.Equal(t, time.Second, cfg.PublishRateLimit)
	assert.Equal(t, 120*time.Second, cfg.MessageExpireTime)
	assert.Equal(t, 10*time.Second, cfg.CacheCleanupInterval)
	assert.Equal(t, 30, cfg.TimeseriesRetentionDays)
	assert.False(t, cfg.BridgeEnabled)
	assert.Equal(t, 5*time.Second, cfg.BridgeReconnectInterval)
}

func TestFromEnv(t *testing.T) {
	t.Setenv(EnvMQTTPort, "1884")
	t.Setenv(EnvMQTTHost, "127.0.0.1")
	t.Setenv(EnvHTTPPort, "3100")
	t.Setenv(EnvMessageMaxLength, "2048")
	t.Setenv(EnvPublishRateLimit, "500")
	t.Setenv(EnvMessageExpireTime, "60000")
	t.Setenv(EnvBridgeEnabled, "true")
	t.Setenv(EnvBrokerID, "broker-test")
	t.Setenv(EnvBridgeToken, "secret")
	t.Setenv(EnvUserToken, "admintoken")

	cfg := FromEnv()

	assert.Equal(t, 1884, cfg.MQTTPort)
	assert.Equal(t, "127.0.0.1", cfg.MQTTHost)
	assert.Equal(t, 3100, cfg.HTTPPort)
	assert.Equal(t, 2048, cfg.MessageMaxLength)
	assert.Equal(t, 500*time.Millisecond, cfg.PublishRateLimit)
	assert.Equal(t, time.Minute, cfg.MessageExpireTime)
	assert.True(t, cfg.BridgeEnabled)
	assert.Equal(t, "broker-test", cfg.BrokerID)
	assert.Equal(t, "secret", cfg.BridgeToken)
	assert.Equal(t, "admintoken", cfg.UserToken)
}

func TestFromEnv_MalformedValuesKeepDefaults(t *testing.T) {
	t.Setenv(EnvMQTTPort, "not-a-port")
	t.Setenv(EnvPublishRateLimit, "-5")
	t.Setenv(EnvMessageMaxLength, "0")

	cfg := FromEnv()

	assert.Equal(t, 1883, cfg.MQTTPort)
	assert.Equal(t, time.Second, cfg.PublishRateLimit)
	assert.Equal(t, 1024, cfg.MessageMaxLength)
}

func TestEnsureBridgeIdentity_GeneratesAndPersists(t *testing.T) {
	cfg := Default()
	cfg.DataDir = t.TempDir()

	ident, err := EnsureBridgeIdentity(&cfg)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(ident.BrokerID, "broker-"))
	assert.Len(t, ident.BrokerID, len("broker-")+16)
	assert.Len(t, ident.Token, 64)
	assert.Equal(t, ident.BrokerID, cfg.BrokerID)
	assert.Equal(t, ident.Token, cfg.BridgeToken)

	// A second resolution from the same data dir loads the same identity.
	cfg2 := Default()
	cfg2.DataDir = cfg.DataDir
	ident2, err := EnsureBridgeIdentity(&cfg2)
	require.NoError(t, err)
	assert.Equal(t, ident, ident2)
}

func TestEnsureBridgeIdentity_EnvWins(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, saveIdentity(filepath.Join(dir, identityFileName), BridgeIdentity{
		BrokerID: "broker-stored",
		Token:    "stored-token",
	}))

	cfg := Default()
	cfg.DataDir = dir
	cfg.BrokerID = "broker-env"

	ident, err := EnsureBridgeIdentity(&cfg)
	require.NoError(t, err)

	assert.Equal(t, "broker-env", ident.BrokerID)
	assert.Equal(t, "stored-token", ident.Token)
}
