package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
[server]
port = 8080
bind = "0.0.0.0"

[hosts.desktop]
mac = "AA:BB:CC:DD:EE:FF"
ip = "10.0.0.2"
port = 5757
shared_secret = "desktop-secret"

[clients.laptop]
shared_secret = "laptop-secret"
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "shuthost.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadParsesValidConfig(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	f, hosts, clients, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, f.Server.Port)
	require.Contains(t, hosts, "desktop")
	assert.Equal(t, "10.0.0.2", hosts["desktop"].IP.String())
	assert.Equal(t, 5757, hosts["desktop"].Port)
	require.Contains(t, clients, "laptop")
	assert.Equal(t, []byte("laptop-secret"), clients["laptop"].Secret)
}

func TestLoadRejectsBadMAC(t *testing.T) {
	path := writeConfig(t, `
[hosts.bad]
mac = "not-a-mac"
ip = "10.0.0.2"
shared_secret = "s"
`)
	_, _, _, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMissingSecret(t *testing.T) {
	path := writeConfig(t, `
[hosts.bad]
mac = "AA:BB:CC:DD:EE:FF"
ip = "10.0.0.2"
`)
	_, _, _, err := Load(path)
	assert.Error(t, err)
}

func TestLoadDefaultsHostPort(t *testing.T) {
	path := writeConfig(t, `
[hosts.desktop]
mac = "AA:BB:CC:DD:EE:FF"
ip = "10.0.0.2"
shared_secret = "s"
`)
	_, hosts, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5757, hosts["desktop"].Port)
}
