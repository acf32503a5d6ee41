package config

import (
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	t.Setenv("APITEST_API_URL", "https://api.example.test/")
	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.test", cfg.APIURL)
	assert.Equal(t, "https://auth.misakey.com.local", cfg.AuthURL)
	assert.Equal(t, []string{"openid", "tos", "privacy_policy"}, cfg.Scopes)
	assert.Equal(t, DBModeDocker, cfg.DBMode)
	assert.True(t, cfg.InsecureTLS)
	assert.False(t, cfg.IsEnvProduction())
}

func TestLoadFromEnvRejectsUnknownDBMode(t *testing.T) {
	t.Setenv("APITEST_DB_MODE", "sqlite")
	_, err := LoadFromEnv()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidDBMode))
}

func TestIsEnvProduction(t *testing.T) {
	assert.True(t, (&Config{Environment: "Production"}).IsEnvProduction())
	assert.True(t, (&Config{Environment: "prod"}).IsEnvProduction())
	assert.False(t, (&Config{Environment: "dev"}).IsEnvProduction())
}
