package docker

import (
	"regexp"
	"testing"

	"claude_bridge_server/internal/config"
	"claude_bridge_server/internal/model"

	"github.com/docker/docker/api/types"
	"github.com/stretchr/testify/assert"
)

// statsWith 构造一份只填 CPU 字段的采样数据
func statsWith(total, preTotal, system, preSystem uint64, cpus uint32) *types.StatsJSON {
	s := &types.StatsJSON{}
	s.CPUStats.CPUUsage.TotalUsage = total
	s.CPUStats.SystemUsage = system
	s.CPUStats.OnlineCPUs = cpus
	s.PreCPUStats.CPUUsage.TotalUsage = preTotal
	s.PreCPUStats.SystemUsage = preSystem
	return s
}

func TestSanitizeWxid(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"wxid_abc123", "wxid_abc123"},
		{"user@foo/bar", "user_foo_bar"},
		{"a.b-c_d", "a.b-c_d"},
		{"中文id", "__id"},
		{"12345", "12345"},
		{"", "_empty"},
		{"a b\tc", "a_b_c"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, SanitizeWxid(c.in), "input %q", c.in)
	}
}

// 清洗结果只含 Docker 允许的字符
func TestSanitizeWxidCharset(t *testing.T) {
	allowed := regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	for _, in := range []string{"", "普通用户", "x!@#$%^&*()", "tg:12345", "emoji🎉id"} {
		out := SanitizeWxid(in)
		assert.NotEmpty(t, out, "input %q", in)
		assert.Regexp(t, allowed, out, "input %q", in)
	}
}

// 清洗是幂等的：二次清洗不再变化
func TestSanitizeWxidIdempotent(t *testing.T) {
	for _, in := range []string{"", "user@foo", "wxid_ok", "中文", "a b"} {
		once := SanitizeWxid(in)
		assert.Equal(t, once, SanitizeWxid(once), "input %q", in)
	}
}

// newTestManager 只用于检验纯策略逻辑，不触达引擎
func newTestManager(t *testing.T) *Manager {
	t.Helper()
	conf := config.Default()
	conf.Docker.DataDir = t.TempDir()
	m, err := NewManager(nil, conf)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// 按权限等级选择网络：admin -> bridge，trusted -> claude-limited，normal -> none
func TestNetworkPolicy(t *testing.T) {
	m := newTestManager(t)
	assert.Equal(t, "bridge", m.networkFor(model.PermissionAdmin))
	assert.Equal(t, "claude-limited", m.networkFor(model.PermissionTrusted))
	assert.Equal(t, "none", m.networkFor(model.PermissionNormal))
	// blocked 不应有容器，但策略上同 normal
	assert.Equal(t, "none", m.networkFor(model.PermissionBlocked))
}

// 资源上限：默认配置下普通 512m/1 核，管理员 2g/2 核
func TestResourcePolicy(t *testing.T) {
	m := newTestManager(t)
	assert.Equal(t, int64(512*1024*1024), m.memBytes)
	assert.Equal(t, int64(2*1024*1024*1024), m.adminMemBytes)
	assert.Equal(t, int64(1_000_000_000), m.nanoCpus)
	assert.Equal(t, int64(2_000_000_000), m.adminNanoCpus)
}

func TestContainerName(t *testing.T) {
	m := newTestManager(t)
	assert.Equal(t, "claude-friend-u1", m.ContainerName("u1"))
	assert.Equal(t, "claude-friend-user_foo", m.ContainerName("user@foo"))
	assert.Equal(t, "claude-friend-_empty", m.ContainerName(""))
}

func TestCalculateCPUPercent(t *testing.T) {
	stats := statsWith(200, 100, 2000, 1000, 2)
	// delta 100 / 1000 * 2 cpus * 100 = 20%
	assert.InDelta(t, 20.0, calculateCPUPercent(stats), 0.001)

	// 系统侧无增量时返回 0
	stats = statsWith(200, 100, 1000, 1000, 2)
	assert.Equal(t, 0.0, calculateCPUPercent(stats))

	// 计数回绕（负增量）不产生负百分比
	stats = statsWith(100, 200, 2000, 1000, 2)
	assert.Equal(t, 0.0, calculateCPUPercent(stats))
}
