package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecurityValidator_PathValidation(t *testing.T) {
	sv := NewSecurityValidator()

	tests := []struct {
		name        string
		path        string
		expectError bool
	}{
		{"valid_path", "/var/spool/mailcore", false},
		{"relative_path", "spool/bodies", false},
		{"empty_path", "", false},
		{"path_traversal_dotdot", "/var/spool/../../etc", true},
		{"blocked_proc", "/proc/self/fd", true},
		{"blocked_shadow", "/etc/shadow", true},
		{"dots_in_name", "/var/spool/mail..core", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sv.ValidatePath(tt.path, "queue.body_dir")
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSecurityValidator_NetworkAddress(t *testing.T) {
	sv := NewSecurityValidator()

	tests := []struct {
		addr        string
		expectError bool
	}{
		{":25", false},
		{"0.0.0.0:587", false},
		{"[::1]:8025", false},
		{"mx.example.com:25", false},
		{"localhost", true},
		{":0", true},
		{":70000", true},
		{"host;rm -rf:25", true},
		{"$(whoami):25", true},
		{"", true},
	}

	for _, tt := range tests {
		err := sv.ValidateNetworkAddress(tt.addr, "server.listen")
		if tt.expectError {
			assert.Error(t, err, tt.addr)
		} else {
			assert.NoError(t, err, tt.addr)
		}
	}
}

func TestSecurityValidator_Hostname(t *testing.T) {
	sv := NewSecurityValidator()

	assert.NoError(t, sv.ValidateHostname("mx1.example.com", "server.hostname"))
	assert.NoError(t, sv.ValidateHostname("localhost", "server.hostname"))
	assert.NoError(t, sv.ValidateHostname("192.0.2.1", "server.hostname"))
	assert.Error(t, sv.ValidateHostname("", "server.hostname"))
	assert.Error(t, sv.ValidateHostname("-bad.example.com", "server.hostname"))
	assert.Error(t, sv.ValidateHostname("mx`id`.example.com", "server.hostname"))
}

func TestSecurityValidator_NumericBounds(t *testing.T) {
	sv := NewSecurityValidator()
	assert.NoError(t, sv.ValidateNumericBounds(4, "queue.workers", 1, 1000))
	assert.Error(t, sv.ValidateNumericBounds(0, "queue.workers", 1, 1000))
	assert.Error(t, sv.ValidateNumericBounds(1001, "queue.workers", 1, 1000))
}

func TestContainsSensitiveData(t *testing.T) {
	cfs := NewConfigFileSecurity()

	tests := []struct {
		content string
		want    bool
	}{
		{"[redis]\npassword = \"hunter2\"\n", true},
		{"[redis]\npassword = \"\"\n", false},
		{"dkim:\n  encryption_key: abcdefghijklmnop\n", true},
		{"[database]\ndsn = \"postgres://mail:pw@db/mail\"\n", true},
		{"[database]\ndsn = \"host=db user=mail password=pw\"\n", true},
		{"[database]\ndsn = \"postgres://mail@db/mail\"\n", false},
		{"[server]\nhostname = \"mx.example.com\"\n", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfs.ContainsSensitiveData([]byte(tt.content)), tt.content)
	}
}

func TestValidateConfigFileSecurity(t *testing.T) {
	cfs := NewConfigFileSecurity()
	dir := t.TempDir()

	plain := filepath.Join(dir, "plain.toml")
	require.NoError(t, os.WriteFile(plain, []byte("[server]\nhostname = \"mx.example.com\"\n"), 0644))
	require.NoError(t, os.Chmod(plain, 0644))
	assert.NoError(t, cfs.ValidateConfigFileSecurity(plain))

	require.NoError(t, os.Chmod(plain, 0666))
	assert.ErrorContains(t, cfs.ValidateConfigFileSecurity(plain), "world-writable")

	big := filepath.Join(dir, "big.toml")
	require.NoError(t, os.WriteFile(big, make([]byte, 2*1024*1024), 0600))
	assert.ErrorContains(t, cfs.ValidateConfigFileSecurity(big), "too large")

	assert.Error(t, cfs.ValidateConfigFileSecurity(filepath.Join(dir, "absent.toml")))
	assert.Error(t, cfs.ValidateConfigFileSecurity(""))
}

func TestCreateSecureConfigFile(t *testing.T) {
	cfs := NewConfigFileSecurity()
	path := filepath.Join(t.TempDir(), "nested", "mailcore.toml")

	require.NoError(t, cfs.CreateSecureConfigFile(path, []byte("x = 1\n"), false))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())

	require.NoError(t, cfs.CreateSecureConfigFile(path, []byte("password = \"x\"\n"), true))
	info, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}
