package repository_test

import (
	"path/filepath"
	"testing"

	"claude_bridge_server/internal/dao/sqlite"
	"claude_bridge_server/internal/dao/sqlite/repository"
	"claude_bridge_server/internal/model"
	"claude_bridge_server/pkg/errorx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRepos 每个测试用例一个独立的临时数据库
func newTestRepos(t *testing.T) *repository.Repositories {
	t.Helper()
	repos, err := sqlite.Init(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	return repos
}

func strp(s string) *string { return &s }

func permp(p model.Permission) *model.Permission { return &p }

// ==================== 好友 ====================

func TestFriendUpsertAndGet(t *testing.T) {
	repos := newTestRepos(t)
	err := repos.Friend.Upsert("wx_001", repository.FriendUpdate{
		Nickname:   strp("Alice"),
		Permission: permp(model.PermissionAdmin),
	})
	require.NoError(t, err)

	f, err := repos.Friend.Get("wx_001")
	require.NoError(t, err)
	assert.Equal(t, "wx_001", f.Wxid)
	assert.Equal(t, "Alice", f.Nickname)
	assert.Equal(t, model.PermissionAdmin, f.Permission)
}

func TestFriendGetNotFound(t *testing.T) {
	repos := newTestRepos(t)
	_, err := repos.Friend.Get("wx_none")
	require.Error(t, err)
	assert.Equal(t, errorx.CodeNotFound, errorx.GetCode(err))
}

func TestFriendDefaultPermissionNormal(t *testing.T) {
	repos := newTestRepos(t)
	require.NoError(t, repos.Friend.Upsert("wx_002", repository.FriendUpdate{Nickname: strp("Bob")}))
	perm, err := repos.Friend.GetPermission("wx_002")
	require.NoError(t, err)
	assert.Equal(t, model.PermissionNormal, perm)
}

// 部分更新不覆盖缺省字段：先写 nickname 再写 remark_name，两者都保留
func TestFriendUpsertCoalesce(t *testing.T) {
	repos := newTestRepos(t)
	require.NoError(t, repos.Friend.Upsert("wx_up", repository.FriendUpdate{Nickname: strp("N1")}))
	require.NoError(t, repos.Friend.Upsert("wx_up", repository.FriendUpdate{RemarkName: strp("R1")}))

	f, err := repos.Friend.Get("wx_up")
	require.NoError(t, err)
	assert.Equal(t, "N1", f.Nickname)
	assert.Equal(t, "R1", f.RemarkName)
}

func TestFriendUpsertDoesNotTouchPermission(t *testing.T) {
	repos := newTestRepos(t)
	require.NoError(t, repos.Friend.Upsert("wx_p", repository.FriendUpdate{
		Nickname:   strp("P"),
		Permission: permp(model.PermissionTrusted),
	}))
	require.NoError(t, repos.Friend.Upsert("wx_p", repository.FriendUpdate{Nickname: strp("P2")}))

	perm, err := repos.Friend.GetPermission("wx_p")
	require.NoError(t, err)
	assert.Equal(t, model.PermissionTrusted, perm)
}

func TestFriendUpsertOverwritesExplicit(t *testing.T) {
	repos := newTestRepos(t)
	require.NoError(t, repos.Friend.Upsert("wx_ow", repository.FriendUpdate{
		Nickname: strp("Old"), RemarkName: strp("OldR"),
	}))
	require.NoError(t, repos.Friend.Upsert("wx_ow", repository.FriendUpdate{
		Nickname: strp("New"), RemarkName: strp("NewR"), Permission: permp(model.PermissionAdmin),
	}))

	f, err := repos.Friend.Get("wx_ow")
	require.NoError(t, err)
	assert.Equal(t, "New", f.Nickname)
	assert.Equal(t, "NewR", f.RemarkName)
	assert.Equal(t, model.PermissionAdmin, f.Permission)
}

func TestFriendSetPermissionRejectsInvalid(t *testing.T) {
	repos := newTestRepos(t)
	require.NoError(t, repos.Friend.Upsert("wx_bad", repository.FriendUpdate{}))
	assert.Error(t, repos.Friend.SetPermission("wx_bad", model.Permission("superuser")))
}

func TestFriendListAndRemove(t *testing.T) {
	repos := newTestRepos(t)
	require.NoError(t, repos.Friend.Upsert("wx_a", repository.FriendUpdate{Permission: permp(model.PermissionAdmin)}))
	require.NoError(t, repos.Friend.Upsert("wx_b", repository.FriendUpdate{}))

	all, err := repos.Friend.ListAll()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	admins, err := repos.Friend.ListByPermission(model.PermissionAdmin)
	require.NoError(t, err)
	assert.Len(t, admins, 1)

	require.NoError(t, repos.Friend.Remove("wx_a"))
	all, err = repos.Friend.ListAll()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestFriendFindByNickname(t *testing.T) {
	repos := newTestRepos(t)
	require.NoError(t, repos.Friend.Upsert("wx_c", repository.FriendUpdate{
		Nickname: strp("Charlie"), RemarkName: strp("Chuck"),
	}))

	matches, err := repos.Friend.FindByNickname("harl")
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	matches, err = repos.Friend.FindByNickname("Chuck")
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	matches, err = repos.Friend.FindByNickname("zzz")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

// 查询串中的通配符按字面量处理，不得匹配到其他好友
func TestFriendFindByNicknameWildcardLiteral(t *testing.T) {
	repos := newTestRepos(t)
	require.NoError(t, repos.Friend.Upsert("wx_w1", repository.FriendUpdate{Nickname: strp("100%_complete")}))
	require.NoError(t, repos.Friend.Upsert("wx_w2", repository.FriendUpdate{Nickname: strp("100x_complete")}))
	require.NoError(t, repos.Friend.Upsert("wx_w3", repository.FriendUpdate{Nickname: strp("unrelated")}))

	// "%" 只匹配包含字面 % 的昵称
	matches, err := repos.Friend.FindByNickname("100%")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "wx_w1", matches[0].Wxid)

	// "_" 只匹配包含字面下划线的昵称
	matches, err = repos.Friend.FindByNickname("%_c")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "wx_w1", matches[0].Wxid)
}

func TestFriendUnicode(t *testing.T) {
	repos := newTestRepos(t)
	require.NoError(t, repos.Friend.Upsert("wxid_中文", repository.FriendUpdate{Nickname: strp("中文用户🎉")}))
	f, err := repos.Friend.Get("wxid_中文")
	require.NoError(t, err)
	assert.Equal(t, "中文用户🎉", f.Nickname)

	matches, err := repos.Friend.FindByNickname("中文")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

// ==================== 会话 ====================

func TestSessionLifecycle(t *testing.T) {
	repos := newTestRepos(t)
	require.NoError(t, repos.Friend.Upsert("wx_s", repository.FriendUpdate{}))
	require.NoError(t, repos.Session.Create("sess_1", "wx_s", ""))

	s, err := repos.Session.GetActive("wx_s")
	require.NoError(t, err)
	assert.Equal(t, "sess_1", s.Id)
	assert.Equal(t, int64(0), s.MessageCount)
	assert.NotEmpty(t, s.LastActive)

	require.NoError(t, repos.Session.Touch("sess_1"))
	s, err = repos.Session.GetActive("wx_s")
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.MessageCount)

	require.NoError(t, repos.Session.SetClaudeSession("sess_1", "claude_abc"))
	s, err = repos.Session.GetActive("wx_s")
	require.NoError(t, err)
	assert.Equal(t, "claude_abc", s.ClaudeSession)

	require.NoError(t, repos.Session.ClearUser("wx_s"))
	_, err = repos.Session.GetActive("wx_s")
	assert.Equal(t, errorx.CodeNotFound, errorx.GetCode(err))
}

func TestSessionTouchIncrementsRepeatedly(t *testing.T) {
	repos := newTestRepos(t)
	require.NoError(t, repos.Friend.Upsert("wx_t", repository.FriendUpdate{}))
	require.NoError(t, repos.Session.Create("sess_t", "wx_t", ""))
	for i := 0; i < 5; i++ {
		require.NoError(t, repos.Session.Touch("sess_t"))
	}
	s, err := repos.Session.GetActive("wx_t")
	require.NoError(t, err)
	assert.Equal(t, int64(5), s.MessageCount)
}

func TestSessionActiveIsLatest(t *testing.T) {
	repos := newTestRepos(t)
	require.NoError(t, repos.Friend.Upsert("wx_m", repository.FriendUpdate{}))
	require.NoError(t, repos.Session.Create("sess_old", "wx_m", ""))
	require.NoError(t, repos.Session.Create("sess_new", "wx_m", "claude_xyz"))

	s, err := repos.Session.GetActive("wx_m")
	require.NoError(t, err)
	assert.Equal(t, "sess_new", s.Id)
}

func TestSessionCleanExpired(t *testing.T) {
	repos := newTestRepos(t)
	require.NoError(t, repos.Friend.Upsert("wx_e", repository.FriendUpdate{}))
	require.NoError(t, repos.Session.Create("sess_e", "wx_e", ""))

	// 0 分钟窗口：刚创建的会话也应被清理
	deleted, err := repos.Session.CleanExpired(0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	// 大窗口：不清理
	require.NoError(t, repos.Session.Create("sess_keep", "wx_e", ""))
	deleted, err = repos.Session.CleanExpired(999999)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)
}

// ==================== 审计 ====================

func TestAuditLogAndQuery(t *testing.T) {
	repos := newTestRepos(t)
	require.NoError(t, repos.Audit.Log("wx_a1", "Alice", model.DirectionIn, "hello", ""))
	require.NoError(t, repos.Audit.Log("wx_a1", "Alice", model.DirectionOut, "hi", "cs_1"))
	require.NoError(t, repos.Audit.Log("wx_b1", "Bob", model.DirectionIn, "hey", ""))

	userLogs, err := repos.Audit.GetByUser("wx_a1", 50)
	require.NoError(t, err)
	assert.Len(t, userLogs, 2)
	// 倒序：最新的在前
	assert.Equal(t, model.DirectionOut, userLogs[0].Direction)

	recent, err := repos.Audit.GetRecent(10)
	require.NoError(t, err)
	assert.Len(t, recent, 3)

	limited, err := repos.Audit.GetRecent(2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

// ==================== 限流 ====================

func TestRateLimitPerMinute(t *testing.T) {
	repos := newTestRepos(t)
	for i := 0; i < 2; i++ {
		r, err := repos.RateLimit.CheckAndIncrement("wx_r", 2, 100)
		require.NoError(t, err)
		assert.True(t, r.Allowed, "request %d", i)
	}
	r, err := repos.RateLimit.CheckAndIncrement("wx_r", 2, 100)
	require.NoError(t, err)
	assert.False(t, r.Allowed)
	assert.Contains(t, r.Reason, "频繁")
}

func TestRateLimitPerDay(t *testing.T) {
	repos := newTestRepos(t)
	for i := 0; i < 3; i++ {
		r, err := repos.RateLimit.CheckAndIncrement("wx_d", 100, 3)
		require.NoError(t, err)
		assert.True(t, r.Allowed)
	}
	r, err := repos.RateLimit.CheckAndIncrement("wx_d", 100, 3)
	require.NoError(t, err)
	assert.False(t, r.Allowed)
	assert.Contains(t, r.Reason, "今日")
}

// 上限为 0 时任何请求都被拒绝
func TestRateLimitZeroDeniesAll(t *testing.T) {
	repos := newTestRepos(t)
	r, err := repos.RateLimit.CheckAndIncrement("wx_z", 0, 100)
	require.NoError(t, err)
	assert.False(t, r.Allowed)

	r, err = repos.RateLimit.CheckAndIncrement("wx_z", 100, 0)
	require.NoError(t, err)
	assert.False(t, r.Allowed)
}

func TestRateLimitIndependentUsers(t *testing.T) {
	repos := newTestRepos(t)
	r, err := repos.RateLimit.CheckAndIncrement("wx_aa", 1, 100)
	require.NoError(t, err)
	assert.True(t, r.Allowed)

	r, err = repos.RateLimit.CheckAndIncrement("wx_aa", 1, 100)
	require.NoError(t, err)
	assert.False(t, r.Allowed)

	r, err = repos.RateLimit.CheckAndIncrement("wx_bb", 1, 100)
	require.NoError(t, err)
	assert.True(t, r.Allowed)
}

// 边界场景：每分钟 3 条、每天 10 条，第 4 条被分钟限流拒绝，当天计数为 3
func TestRateLimitBoundaryScenario(t *testing.T) {
	repos := newTestRepos(t)
	allowed := 0
	for i := 0; i < 4; i++ {
		r, err := repos.RateLimit.CheckAndIncrement("wx_bd", 3, 10)
		require.NoError(t, err)
		if r.Allowed {
			allowed++
		} else {
			assert.Contains(t, r.Reason, "频繁")
		}
	}
	assert.Equal(t, 3, allowed)
}

func TestRateLimitCleanupFreshData(t *testing.T) {
	repos := newTestRepos(t)
	_, err := repos.RateLimit.CheckAndIncrement("wx_cl", 10, 100)
	require.NoError(t, err)

	deleted, err := repos.RateLimit.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)
}
