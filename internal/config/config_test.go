package config

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	cfg := FromEnv()

	assert.Equal(t, "9527", cfg.Port)
	assert.NotEmpty(t, cfg.JWTSecret, "a random secret is generated when JWT_SECRET is unset")
	assert.Equal(t, []string{"*"}, cfg.AllowOrigins)

	// distinct processes get distinct random secrets
	other := FromEnv()
	assert.NotEqual(t, cfg.JWTSecret, other.JWTSecret)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("HIVEGATE_PORT", "8080")
	t.Setenv("JWT_SECRET", "pinned-secret")
	t.Setenv("ALLOW_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("FORCE_QUIT_TIMEOUT", "9")

	cfg := FromEnv()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "pinned-secret", cfg.JWTSecret)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowOrigins)
	assert.Equal(t, "9s", cfg.ForceQuitTimeout.String())
	assert.True(t, HasJWTSecretPinned())
}

func TestBootstrapTokenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{WorkspaceDir: dir}

	token, err := Bootstrap(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NotEmpty(t, token)

	// the token file persists the engine token
	data, err := os.ReadFile(filepath.Join(dir, ".token"))
	require.NoError(t, err)
	assert.Equal(t, token, string(data))

	// a second bootstrap with the same workspace dir reuses it
	again, err := Bootstrap(&Config{WorkspaceDir: dir}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, token, again)
}

func TestBootstrapWritesPid(t *testing.T) {
	dir := t.TempDir()
	_, err := Bootstrap(&Config{WorkspaceDir: dir}, zerolog.Nop())
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, ".pid"))
	require.NoError(t, err)
	pid, err := strconv.Atoi(string(data))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}
