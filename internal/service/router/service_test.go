package router

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"claude_bridge_server/internal/bot"
	"claude_bridge_server/internal/config"
	myredis "claude_bridge_server/internal/dao/redis"
	"claude_bridge_server/internal/dao/sqlite"
	"claude_bridge_server/internal/dao/sqlite/repository"
	"claude_bridge_server/internal/infrastructure/docker"
	"claude_bridge_server/internal/model"
	"claude_bridge_server/internal/service/executor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeManager 测试用的容器管理桩实现，记录调用并返回固定输出
type fakeManager struct {
	execCount    int
	ensureCount  int
	destroyCount int
	output       string
	lastEnsure   model.Permission
}

func (f *fakeManager) ContainerName(wxid string) string { return "claude-friend-" + wxid }

func (f *fakeManager) EnsureContainer(ctx context.Context, wxid string, permission model.Permission) (string, error) {
	f.ensureCount++
	f.lastEnsure = permission
	return f.ContainerName(wxid), nil
}

func (f *fakeManager) ExecClaude(ctx context.Context, wxid, systemPrompt, message string, opts docker.ExecClaudeOptions) docker.ExecClaudeResult {
	f.execCount++
	return docker.ExecClaudeResult{Ok: true, Output: f.output}
}

func (f *fakeManager) KillClaude(ctx context.Context, wxid string) bool { return true }
func (f *fakeManager) DiskUsage(ctx context.Context, wxid string) (string, error) {
	return "4.0K", nil
}
func (f *fakeManager) IsRunning(ctx context.Context, name string) bool { return true }
func (f *fakeManager) Stats(ctx context.Context, wxid string) (*docker.ContainerStats, error) {
	return &docker.ContainerStats{}, nil
}
func (f *fakeManager) StopContainer(ctx context.Context, wxid string) (bool, error) {
	return true, nil
}
func (f *fakeManager) DestroyContainer(ctx context.Context, wxid string) (bool, error) {
	f.destroyCount++
	return true, nil
}
func (f *fakeManager) Rebuild(ctx context.Context, wxid string, permission model.Permission) error {
	return nil
}
func (f *fakeManager) ListContainers(ctx context.Context) ([]docker.ContainerInfo, error) {
	return []docker.ContainerInfo{
		{Name: "claude-friend-u1", Status: "Up 5 minutes", Wxid: "u1", Permission: "normal"},
	}, nil
}
func (f *fakeManager) StopAll(ctx context.Context) error { return nil }

// newTestRouter 组装一套带真实存储、桩容器层的路由器
func newTestRouter(t *testing.T, conf *config.Config) (*Service, *repository.Repositories, *fakeManager) {
	t.Helper()
	repos, err := sqlite.Init(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	mgr := &fakeManager{output: "claude 回复"}
	exec := executor.NewService(mgr, repos, myredis.NewNoopCache(),
		conf.Session.ExpireMinutes, conf.Claude.Timeout, conf.Security.TrustedFileAccess)
	svc := NewService(repos, exec, nil, conf)
	return svc, repos, mgr
}

func testConfig() *config.Config {
	conf := config.Default()
	conf.AdminWxid = "admin0"
	return conf
}

func alice() bot.Contact {
	return bot.Contact{Wxid: "u1", Nickname: "Alice", RemarkName: "Alice"}
}

func admin() bot.Contact {
	return bot.Contact{Wxid: "admin0", Nickname: "Boss"}
}

// ==================== 场景：新普通用户的第一条消息 ====================

func TestFirstMessageFromNewUser(t *testing.T) {
	conf := testConfig()
	svc, repos, mgr := newTestRouter(t, conf)

	reply, ok := svc.HandleMessage(context.Background(), alice(), "hi")
	require.True(t, ok)
	assert.Equal(t, "claude 回复", reply)

	// 好友按默认等级注册
	friend, err := repos.Friend.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, model.PermissionNormal, friend.Permission)
	assert.Equal(t, "Alice", friend.Nickname)

	// 容器按 normal 等级准备，Claude 执行一次
	assert.Equal(t, 1, mgr.ensureCount)
	assert.Equal(t, model.PermissionNormal, mgr.lastEnsure)
	assert.Equal(t, 1, mgr.execCount)

	// 会话已创建
	session, err := repos.Session.GetActive("u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), session.MessageCount)

	// 出入站各一条审计
	logs, err := repos.Audit.GetByUser("u1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, model.DirectionOut, logs[0].Direction)
	assert.Equal(t, model.DirectionIn, logs[1].Direction)
}

func TestAdminWxidForcedAdmin(t *testing.T) {
	conf := testConfig()
	svc, repos, mgr := newTestRouter(t, conf)

	svc.HandleMessage(context.Background(), admin(), "hello")

	friend, err := repos.Friend.Get("admin0")
	require.NoError(t, err)
	assert.Equal(t, model.PermissionAdmin, friend.Permission)
	assert.Equal(t, model.PermissionAdmin, mgr.lastEnsure)
}

// ==================== 准入 ====================

func TestBlockedUserGetsNoReply(t *testing.T) {
	conf := testConfig()
	svc, repos, mgr := newTestRouter(t, conf)

	perm := model.PermissionBlocked
	nick := "Bad"
	require.NoError(t, repos.Friend.Upsert("bad1", repository.FriendUpdate{
		Nickname: &nick, Permission: &perm,
	}))

	reply, ok := svc.HandleMessage(context.Background(), bot.Contact{Wxid: "bad1", Nickname: "Bad"}, "hi")
	assert.False(t, ok)
	assert.Empty(t, reply)
	assert.Zero(t, mgr.execCount)
}

func TestEmptyWxidRejected(t *testing.T) {
	conf := testConfig()
	svc, repos, mgr := newTestRouter(t, conf)

	_, ok := svc.HandleMessage(context.Background(), bot.Contact{Wxid: "", Nickname: "Ghost"}, "hi")
	assert.False(t, ok)
	assert.Zero(t, mgr.execCount)

	// 不落任何状态
	_, err := repos.Friend.Get("")
	assert.Error(t, err)
}

func TestNicknameSyncKeepsPermission(t *testing.T) {
	conf := testConfig()
	svc, repos, _ := newTestRouter(t, conf)

	svc.HandleMessage(context.Background(), alice(), "hi")
	require.NoError(t, repos.Friend.SetPermission("u1", model.PermissionTrusted))

	// 改名后权限不动
	svc.HandleMessage(context.Background(), bot.Contact{Wxid: "u1", Nickname: "Alice2"}, "hi")
	friend, err := repos.Friend.Get("u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice2", friend.Nickname)
	assert.Equal(t, model.PermissionTrusted, friend.Permission)
}

// ==================== 限流 ====================

func TestRateLimitBoundary(t *testing.T) {
	conf := testConfig()
	conf.RateLimit.MaxPerMinute = 3
	conf.RateLimit.MaxPerDay = 10
	svc, _, mgr := newTestRouter(t, conf)

	for i := 0; i < 3; i++ {
		reply, ok := svc.HandleMessage(context.Background(), alice(), "hi")
		require.True(t, ok)
		assert.Equal(t, "claude 回复", reply, "第 %d 条应放行", i+1)
	}

	reply, ok := svc.HandleMessage(context.Background(), alice(), "hi")
	require.True(t, ok)
	assert.Contains(t, reply, "频繁")
	assert.Equal(t, 3, mgr.execCount, "第四条不得触达 Claude")
}

// ==================== 安全过滤 ====================

func TestSecurityFilterBlocksNonAdmin(t *testing.T) {
	conf := testConfig()
	conf.Security.BlockedPatterns = []string{`rm\s+-rf`}
	svc, _, mgr := newTestRouter(t, conf)

	reply, ok := svc.HandleMessage(context.Background(), alice(), "请执行 RM -RF /")
	require.True(t, ok)
	assert.Contains(t, reply, "不允许的操作")
	assert.Zero(t, mgr.execCount)
}

func TestSecurityFilterAdminBypass(t *testing.T) {
	conf := testConfig()
	conf.Security.BlockedPatterns = []string{`rm\s+-rf`}
	svc, _, mgr := newTestRouter(t, conf)

	_, ok := svc.HandleMessage(context.Background(), admin(), "rm -rf /tmp/x")
	require.True(t, ok)
	assert.Equal(t, 1, mgr.execCount, "管理员应豁免安全过滤")
}

// ==================== 命令 ====================

func TestUnknownSlashWordFallsThroughToClaude(t *testing.T) {
	conf := testConfig()
	svc, _, mgr := newTestRouter(t, conf)

	reply, ok := svc.HandleMessage(context.Background(), alice(), "/unknown-thing")
	require.True(t, ok)
	assert.Equal(t, "claude 回复", reply)
	assert.Equal(t, 1, mgr.execCount)
}

func TestHelpListsOnlyVisibleCommands(t *testing.T) {
	conf := testConfig()
	svc, _, _ := newTestRouter(t, conf)

	reply, ok := svc.HandleMessage(context.Background(), alice(), "/help")
	require.True(t, ok)
	assert.Contains(t, reply, "/status")
	assert.Contains(t, reply, "/clear")
	assert.NotContains(t, reply, "/stopall")

	adminReply, _ := svc.HandleMessage(context.Background(), admin(), "/help")
	assert.Contains(t, adminReply, "/stopall")
	assert.Contains(t, adminReply, "/allow")
}

func TestAdminCommandRequiresTier(t *testing.T) {
	conf := testConfig()
	svc, _, _ := newTestRouter(t, conf)

	reply, ok := svc.HandleMessage(context.Background(), alice(), "/list")
	require.True(t, ok)
	assert.Contains(t, reply, "权限不足")
}

// 场景：管理员 /allow 提权后，新容器走 trusted 策略
func TestAllowCommand(t *testing.T) {
	conf := testConfig()
	svc, repos, mgr := newTestRouter(t, conf)

	// Alice 先发一条消息完成注册
	svc.HandleMessage(context.Background(), alice(), "hi")

	reply, ok := svc.HandleMessage(context.Background(), admin(), "/allow Alice trusted")
	require.True(t, ok)
	assert.Contains(t, reply, "✅")
	assert.Contains(t, reply, "trusted")

	perm, err := repos.Friend.GetPermission("u1")
	require.NoError(t, err)
	assert.Equal(t, model.PermissionTrusted, perm)

	// 随后 Alice 的消息按 trusted 准备容器
	svc.HandleMessage(context.Background(), alice(), "hi again")
	assert.Equal(t, model.PermissionTrusted, mgr.lastEnsure)
}

func TestAllowCommandDefaultsTrusted(t *testing.T) {
	conf := testConfig()
	svc, repos, _ := newTestRouter(t, conf)
	svc.HandleMessage(context.Background(), alice(), "hi")

	reply, _ := svc.HandleMessage(context.Background(), admin(), "/allow Alice")
	assert.Contains(t, reply, "trusted")

	perm, err := repos.Friend.GetPermission("u1")
	require.NoError(t, err)
	assert.Equal(t, model.PermissionTrusted, perm)
}

func TestAllowCommandInvalidTier(t *testing.T) {
	conf := testConfig()
	svc, _, _ := newTestRouter(t, conf)
	svc.HandleMessage(context.Background(), alice(), "hi")

	reply, _ := svc.HandleMessage(context.Background(), admin(), "/allow Alice superuser")
	assert.Contains(t, reply, "无效权限等级")
}

func TestAllowCommandNotFound(t *testing.T) {
	conf := testConfig()
	svc, _, _ := newTestRouter(t, conf)

	reply, _ := svc.HandleMessage(context.Background(), admin(), "/allow Nobody")
	assert.Contains(t, reply, "未找到")
}

func TestAllowCommandAmbiguous(t *testing.T) {
	conf := testConfig()
	svc, _, _ := newTestRouter(t, conf)

	svc.HandleMessage(context.Background(), bot.Contact{Wxid: "a1", Nickname: "Ann"}, "hi")
	svc.HandleMessage(context.Background(), bot.Contact{Wxid: "a2", Nickname: "Anna"}, "hi")

	reply, _ := svc.HandleMessage(context.Background(), admin(), "/allow Ann")
	assert.Contains(t, reply, "匹配")
	assert.Contains(t, reply, "请精确指定")
}

func TestBlockCommandDestroysContainer(t *testing.T) {
	conf := testConfig()
	svc, repos, mgr := newTestRouter(t, conf)
	svc.HandleMessage(context.Background(), alice(), "hi")

	reply, _ := svc.HandleMessage(context.Background(), admin(), "/block Alice")
	assert.Contains(t, reply, "已拉黑")
	assert.Equal(t, 1, mgr.destroyCount)

	perm, err := repos.Friend.GetPermission("u1")
	require.NoError(t, err)
	assert.Equal(t, model.PermissionBlocked, perm)

	// 拉黑后不再响应
	_, ok := svc.HandleMessage(context.Background(), alice(), "hi")
	assert.False(t, ok)
}

func TestListCommandGroupsByTier(t *testing.T) {
	conf := testConfig()
	svc, _, _ := newTestRouter(t, conf)

	svc.HandleMessage(context.Background(), alice(), "hi")
	svc.HandleMessage(context.Background(), admin(), "hi")

	reply, _ := svc.HandleMessage(context.Background(), admin(), "/list")
	assert.Contains(t, reply, "ADMIN")
	assert.Contains(t, reply, "NORMAL")
	// 分组顺序固定：admin 在 normal 前
	assert.Less(t, strings.Index(reply, "ADMIN"), strings.Index(reply, "NORMAL"))
}

func TestClearCommand(t *testing.T) {
	conf := testConfig()
	svc, repos, _ := newTestRouter(t, conf)

	svc.HandleMessage(context.Background(), alice(), "hi")
	_, err := repos.Session.GetActive("u1")
	require.NoError(t, err)

	reply, _ := svc.HandleMessage(context.Background(), alice(), "/clear")
	assert.Contains(t, reply, "已清除")

	_, err = repos.Session.GetActive("u1")
	assert.Error(t, err)
}

func TestStatusCommand(t *testing.T) {
	conf := testConfig()
	svc, _, _ := newTestRouter(t, conf)

	svc.HandleMessage(context.Background(), alice(), "hi")
	reply, _ := svc.HandleMessage(context.Background(), alice(), "/status")
	assert.Contains(t, reply, "claude-friend-u1")
	assert.Contains(t, reply, "权限")
}

func TestLogsCommand(t *testing.T) {
	conf := testConfig()
	svc, _, _ := newTestRouter(t, conf)

	svc.HandleMessage(context.Background(), alice(), "hi")
	reply, _ := svc.HandleMessage(context.Background(), admin(), "/logs")
	assert.Contains(t, reply, "📩")
}

func TestContainersCommand(t *testing.T) {
	conf := testConfig()
	svc, _, _ := newTestRouter(t, conf)
	svc.HandleMessage(context.Background(), alice(), "hi")

	reply, _ := svc.HandleMessage(context.Background(), admin(), "/containers")
	assert.Contains(t, reply, "claude-friend-u1")
}

func TestStopallCommand(t *testing.T) {
	conf := testConfig()
	svc, _, _ := newTestRouter(t, conf)

	reply, _ := svc.HandleMessage(context.Background(), admin(), "/stopall")
	assert.Contains(t, reply, "已停止全部")
}

// ==================== 审计脱敏 ====================

func TestAuditElidesMessageContent(t *testing.T) {
	conf := testConfig()
	conf.Logging.LogMessageContent = false
	svc, repos, _ := newTestRouter(t, conf)

	svc.HandleMessage(context.Background(), alice(), "秘密内容")

	logs, err := repos.Audit.GetByUser("u1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	for _, l := range logs {
		if l.Direction == model.DirectionIn {
			assert.Equal(t, "[已隐藏]", l.Message)
		}
	}
}

func TestAuditBodyCapped(t *testing.T) {
	conf := testConfig()
	conf.Audit.MaxBodyChars = 50
	svc, repos, _ := newTestRouter(t, conf)

	svc.HandleMessage(context.Background(), alice(), strings.Repeat("长", 500))

	logs, err := repos.Audit.GetByUser("u1", 10)
	require.NoError(t, err)
	for _, l := range logs {
		if l.Direction == model.DirectionIn {
			assert.LessOrEqual(t, len([]rune(l.Message)), 50+3)
		}
	}
}

// ==================== 运维命令入口 ====================

func TestExecCommandAsAdmin(t *testing.T) {
	conf := testConfig()
	svc, _, _ := newTestRouter(t, conf)
	svc.HandleMessage(context.Background(), alice(), "hi")

	reply, handled := svc.ExecCommandAsAdmin(context.Background(), "/list")
	assert.True(t, handled)
	assert.Contains(t, reply, "好友列表")

	_, handled = svc.ExecCommandAsAdmin(context.Background(), "/nope")
	assert.False(t, handled)
}
