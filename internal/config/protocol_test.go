package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProtocolVersionCanonicalFloor(t *testing.T) {
	assert.NoError(t, ProtocolVersionOK("6.0.0"))
	assert.NoError(t, ProtocolVersionOK("7.0.0"))
	assert.Error(t, ProtocolVersionOK("5.9.9"))
	assert.Error(t, ProtocolVersionOK("garbage"))
}

func TestProtocolTransitionAllowList(t *testing.T) {
	// 4.6.0 is only accepted while the normalization gate is on
	t.Setenv("PROTOCOL_V7_NORMALIZATION", "")
	assert.Error(t, ProtocolVersionOK("4.6.0"))

	t.Setenv("PROTOCOL_V7_NORMALIZATION", "true")
	assert.NoError(t, ProtocolVersionOK("4.6.0"))

	// the allow-list is exact-match, not a range
	assert.Error(t, ProtocolVersionOK("4.6.1"))
	assert.Error(t, ProtocolVersionOK("4.5.0"))
}

func TestRequireSecretsFailsClosedInProduction(t *testing.T) {
	cfg := &Config{Env: "production"}
	err := cfg.requireSecrets(map[string]string{"DISCORD_TOKEN": "changeme"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "refusing to start")

	cfg.Env = "development"
	err = cfg.requireSecrets(map[string]string{"DISCORD_TOKEN": ""})
	assert.Error(t, err)
	assert.NotContains(t, err.Error(), "refusing to start")

	err = cfg.requireSecrets(map[string]string{"DISCORD_TOKEN": "real-token-value"})
	assert.NoError(t, err)
}
