package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMemory(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"512m", 512 * 1024 * 1024},
		{"2g", 2 * 1024 * 1024 * 1024},
		{"1024k", 1024 * 1024},
		{"1048576", 1048576},
		{"0", 0},
		{"2G", 2 * 1024 * 1024 * 1024},
		{"512M", 512 * 1024 * 1024},
		{"  512m  ", 512 * 1024 * 1024},
	}
	for _, c := range cases {
		got, err := ParseMemory(c.in)
		require.NoError(t, err, "input %q", c.in)
		assert.Equal(t, c.want, got, "input %q", c.in)
	}
}

func TestParseMemoryErrors(t *testing.T) {
	for _, in := range []string{"", "m", "g", "abcm", "-1m", "-512", "1.5g"} {
		_, err := ParseMemory(in)
		assert.Error(t, err, "input %q should fail", in)
	}
}

func TestCpusToNano(t *testing.T) {
	assert.Equal(t, int64(1_000_000_000), CpusToNano(1))
	assert.Equal(t, int64(2_000_000_000), CpusToNano(2))
	assert.Equal(t, int64(500_000_000), CpusToNano(0.5))
	assert.Equal(t, int64(0), CpusToNano(0))
}

func TestDefaultValues(t *testing.T) {
	conf := Default()
	assert.Equal(t, "claude", conf.Claude.CliPath)
	assert.Equal(t, 120, conf.Claude.Timeout)
	assert.Equal(t, "claude-sandbox:latest", conf.Docker.Image)
	assert.Equal(t, "claude-friend-", conf.Docker.ContainerPrefix)
	assert.Equal(t, "512m", conf.Docker.Limits.Memory)
	assert.Equal(t, "2g", conf.Docker.Limits.AdminMemory)
	assert.Equal(t, int64(100), conf.Docker.Limits.Pids)
	assert.Equal(t, "bridge", conf.Docker.Network.Admin)
	assert.Equal(t, "claude-limited", conf.Docker.Network.Trusted)
	assert.Equal(t, "none", conf.Docker.Network.Normal)
	assert.Equal(t, "normal", conf.Permissions.DefaultLevel)
	assert.True(t, conf.Permissions.NotifyUnauthorized)
	assert.Equal(t, 60, conf.Session.ExpireMinutes)
	assert.Equal(t, 10, conf.RateLimit.MaxPerMinute)
	assert.Equal(t, 200, conf.RateLimit.MaxPerDay)
	require.NoError(t, conf.Validate())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
admin_wxid: "admin0"
claude:
  timeout: 30
docker:
  limits:
    memory: "256m"
rate_limit:
  max_per_minute: 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	conf, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "admin0", conf.AdminWxid)
	assert.Equal(t, 30, conf.Claude.Timeout)
	assert.Equal(t, "256m", conf.Docker.Limits.Memory)
	assert.Equal(t, 3, conf.RateLimit.MaxPerMinute)
	// 未出现的字段保持默认值
	assert.Equal(t, "claude", conf.Claude.CliPath)
	assert.Equal(t, "2g", conf.Docker.Limits.AdminMemory)
	assert.Equal(t, 200, conf.RateLimit.MaxPerDay)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadFileInvalidLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("permissions:\n  default_level: superuser\n"), 0o644))
	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestLoadFileInvalidMemory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("docker:\n  limits:\n    memory: \"-1m\"\n"), 0o644))
	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestExpandedDataDir(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	c := DockerConfig{DataDir: "~/claude-bridge-data"}
	assert.Equal(t, filepath.Join(home, "claude-bridge-data"), c.ExpandedDataDir())

	c = DockerConfig{DataDir: "/var/lib/bridge"}
	assert.Equal(t, "/var/lib/bridge", c.ExpandedDataDir())
}
