package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	v := viper.New()
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, 4020, cfg.Port)
	assert.Equal(t, 80, cfg.DefaultCols)
	assert.Equal(t, 24, cfg.DefaultRows)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadControlPathEnvOverride(t *testing.T) {
	t.Setenv("VIBETUNNEL_CONTROL_PATH", "/tmp/custom-control")

	v := viper.New()
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom-control", cfg.ControlDir)
}

func TestLoadPortEnvAliasRespectsVibetunnelPrefixPrecedence(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("VIBETUNNEL_PORT", "7070")

	v := viper.New()
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port)
}

func TestLoadBarePortEnvAliasAppliesWhenNoPrefixedVar(t *testing.T) {
	t.Setenv("PORT", "9999")

	v := viper.New()
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Port)
}

func TestValidateRequiresStaticPath(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	assert.Error(t, err)
}

func TestValidateRequiresExistingStaticPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StaticPath = "/no/such/directory"
	assert.Error(t, cfg.Validate())
}

func TestValidatePassesWithExistingStaticPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StaticPath = t.TempDir()
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsHQModeWithHQUrl(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StaticPath = t.TempDir()
	cfg.IsHQMode = true
	cfg.HQUrl = "https://hq.example.com"
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresHTTPSForHQUrl(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StaticPath = t.TempDir()
	cfg.HQUrl = "http://hq.example.com"
	cfg.RemoteName = "box-1"
	cfg.HQUsername = "u"
	cfg.HQPassword = "p"
	assert.Error(t, cfg.Validate())
}

func TestValidateAllowsInsecureHQWithFlag(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StaticPath = t.TempDir()
	cfg.HQUrl = "http://hq.example.com"
	cfg.RemoteName = "box-1"
	cfg.HQUsername = "u"
	cfg.HQPassword = "p"
	cfg.AllowInsecureHQ = true
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsInvalidPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StaticPath = t.TempDir()
	cfg.Port = 0
	assert.Error(t, cfg.Validate())
}

func TestIsRemoteModeAndGetServerMode(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "normal", cfg.GetServerMode())

	cfg.IsHQMode = true
	assert.Equal(t, "hq", cfg.GetServerMode())

	cfg.IsHQMode = false
	cfg.HQUrl = "https://hq.example.com"
	assert.True(t, cfg.IsRemoteMode())
	assert.Equal(t, "remote", cfg.GetServerMode())
}

func TestHasAuth(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.HasAuth())
	cfg.BasicAuthPassword = "secret"
	assert.True(t, cfg.HasAuth())
}
