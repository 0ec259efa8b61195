// Package executor 实现消息到 Claude 的执行管线
// 单条消息的流程：并发守卫 -> 容器就绪 -> 会话查找/过期 ->
// 系统提示词 -> 容器内执行 -> 会话 id 捕获 -> 输出截断
// 同一用户严格串行，不同用户互不阻塞
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	myredis "claude_bridge_server/internal/dao/redis"
	"claude_bridge_server/internal/dao/sqlite/repository"
	"claude_bridge_server/internal/infrastructure/docker"
	"claude_bridge_server/internal/model"
	"claude_bridge_server/pkg/constants"
	"claude_bridge_server/pkg/errorx"
	"claude_bridge_server/pkg/util/snowflake"
	"claude_bridge_server/pkg/util/textutil"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 用户可见的固定回复
const (
	replyBusy         = "⏳ 上一条消息还在处理中，请稍候..."
	replyContainerErr = "❌ 容器环境准备失败，请稍后再试"
	replySessionErr   = "❌ 会话异常，请稍后再试"
	truncationSuffix  = "\n\n... (truncated)"
)

// claudeSessionPattern 从 stderr 中捕获 Claude 会话 id
// 形如 "session: 550e8400-e29b-..." 或 "Session 550e8400..."
var claudeSessionPattern = regexp.MustCompile(`(?i)session[:\s]+([a-f0-9-]+)`)

// ContainerStatus 供 /status 等命令展示的容器状态汇总
type ContainerStatus struct {
	Name    string                 `json:"name"`
	Running bool                   `json:"running"`
	Stats   *docker.ContainerStats `json:"stats,omitempty"`
	Disk    string                 `json:"disk,omitempty"`
}

// Service Claude 执行器
// inFlight 是进程内的并发守卫集合，按 wxid 保证一人一事
type Service struct {
	docker ContainerManager
	repos  *repository.Repositories
	cache  myredis.AsyncCacheService

	sessionExpireMinutes int
	claudeTimeout        time.Duration
	trustedFileAccess    bool

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewService 构造执行器，注入容器管理与存储依赖
func NewService(dockerMgr ContainerManager, repos *repository.Repositories, cache myredis.AsyncCacheService,
	sessionExpireMinutes, claudeTimeoutSeconds int, trustedFileAccess bool) *Service {
	return &Service{
		docker:               dockerMgr,
		repos:                repos,
		cache:                cache,
		sessionExpireMinutes: sessionExpireMinutes,
		claudeTimeout:        time.Duration(claudeTimeoutSeconds) * time.Second,
		trustedFileAccess:    trustedFileAccess,
		inFlight:             make(map[string]struct{}),
	}
}

// ==================== 并发守卫 ====================

// tryAcquire 尝试占用该用户的执行槽位
func (s *Service) tryAcquire(wxid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[wxid]; busy {
		return false
	}
	s.inFlight[wxid] = struct{}{}
	return true
}

// release 释放该用户的执行槽位
func (s *Service) release(wxid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, wxid)
}

// ==================== 核心执行 ====================

// Execute 执行一条用户消息，返回可直接回复的文本
// 同一用户已有消息在处理时立即返回忙碌提示，不触达任何外部系统
// 守卫在所有退出路径（含 panic）上都会释放
func (s *Service) Execute(ctx context.Context, wxid string, friend *model.Friend, message string) string {
	if !s.tryAcquire(wxid) {
		return replyBusy
	}
	defer s.release(wxid)

	traceId := snowflake.GenerateIDString()
	preview, _ := textutil.TruncateRunes(message, 80)
	zap.L().Debug("开始执行",
		zap.String("trace_id", traceId),
		zap.String("wxid", wxid),
		zap.String("message", preview),
	)

	return s.executeInner(ctx, traceId, wxid, friend, message)
}

func (s *Service) executeInner(ctx context.Context, traceId, wxid string, friend *model.Friend, message string) string {
	permission := friend.Permission

	// 1. 容器就绪
	if _, err := s.docker.EnsureContainer(ctx, wxid, permission); err != nil {
		zap.L().Error("容器准备失败",
			zap.String("trace_id", traceId), zap.String("wxid", wxid), zap.Error(err))
		return replyContainerErr
	}

	// 2. 会话查找/创建
	session, err := s.getOrCreateSession(wxid)
	if err != nil {
		zap.L().Error("会话处理失败",
			zap.String("trace_id", traceId), zap.String("wxid", wxid), zap.Error(err))
		return replySessionErr
	}

	// 3. 刷新活跃时间并计数
	if err := s.repos.Session.Touch(session.Id); err != nil {
		zap.L().Warn("刷新会话失败", zap.String("session_id", session.Id), zap.Error(err))
	}

	// 4. 组装系统提示词
	systemPrompt := s.buildSystemPrompt(friend)

	// 5. 容器内执行
	result := s.docker.ExecClaude(ctx, wxid, systemPrompt, message, docker.ExecClaudeOptions{
		Timeout:       s.claudeTimeout,
		ClaudeSession: session.ClaudeSession,
		Permission:    permission,
	})

	// 6. 捕获 Claude 会话 id
	if result.Stderr != "" {
		s.tryExtractSessionId(session.Id, result.Stderr)
	}

	// 7. 截断输出
	response := textutil.TruncateWithSuffix(result.Output, constants.MAX_RESPONSE_CHARS, truncationSuffix)

	zap.L().Info("执行完成",
		zap.String("trace_id", traceId),
		zap.String("wxid", wxid),
		zap.Bool("ok", result.Ok),
	)
	return response
}

// ==================== 会话管理 ====================

// getOrCreateSession 获取该用户的有效会话，过期或不存在则新建
func (s *Service) getOrCreateSession(wxid string) (*model.Session, error) {
	session, err := s.repos.Session.GetActive(wxid)
	if err != nil {
		if errorx.GetCode(err) != errorx.CodeNotFound {
			return nil, err
		}
		return s.createNewSession(wxid)
	}

	if isSessionExpired(session.LastActive, s.sessionExpireMinutes) {
		zap.L().Info("会话已过期，新建会话", zap.String("wxid", wxid))
		if err := s.repos.Session.ClearUser(wxid); err != nil {
			return nil, err
		}
		return s.createNewSession(wxid)
	}
	return session, nil
}

// createNewSession 以新 UUID 创建会话
func (s *Service) createNewSession(wxid string) (*model.Session, error) {
	sessionId := uuid.NewString()
	if err := s.repos.Session.Create(sessionId, wxid, ""); err != nil {
		return nil, err
	}
	zap.L().Info("新建会话", zap.String("wxid", wxid), zap.String("session_id", sessionId))
	return s.repos.Session.GetActive(wxid)
}

// isSessionExpired 判断 lastActive 是否已超出过期窗口
// 规则：
//   - 只认 TIME_LAYOUT 格式，解析失败按过期处理（安全缺省）
//   - 未来时间戳不过期，先判符号再比较，负差值不得回绕成巨大年龄
//   - 按整分钟比较，严格大于窗口才算过期
func isSessionExpired(lastActive string, expireMinutes int) bool {
	t, err := time.Parse(constants.TIME_LAYOUT, lastActive)
	if err != nil {
		zap.L().Warn("无法解析会话时间戳", zap.String("last_active", lastActive))
		return true
	}

	elapsed := time.Now().UTC().Sub(t)
	if elapsed < 0 {
		return false
	}
	return int64(elapsed/time.Minute) > int64(expireMinutes)
}

// tryExtractSessionId 从 stderr 中提取 Claude 会话 id 并落库
func (s *Service) tryExtractSessionId(sessionId, stderr string) {
	matches := claudeSessionPattern.FindStringSubmatch(stderr)
	if len(matches) < 2 || matches[1] == "" {
		return
	}
	claudeSession := matches[1]
	if err := s.repos.Session.SetClaudeSession(sessionId, claudeSession); err != nil {
		zap.L().Warn("记录 Claude 会话 id 失败", zap.Error(err))
		return
	}
	zap.L().Debug("捕获 Claude 会话 id", zap.String("claude_session", claudeSession))
}

// ==================== 系统提示词 ====================

// buildSystemPrompt 组装带用户身份与权限说明的系统提示词
func (s *Service) buildSystemPrompt(friend *model.Friend) string {
	displayName := friend.DisplayName()

	var permDesc, toolNote string
	switch friend.Permission {
	case model.PermissionAdmin:
		permDesc = "管理员，拥有完整权限，可以执行任意代码和系统操作"
		toolNote = "- 该用户可以请求执行代码和文件操作"
	case model.PermissionTrusted:
		permDesc = "受信任用户，可以在沙箱内执行代码和文件操作"
		if s.trustedFileAccess {
			toolNote = "- 该用户可以请求执行代码和文件操作"
		} else {
			toolNote = "- 该用户可以执行代码，但不要进行文件系统操作"
		}
	case model.PermissionNormal:
		permDesc = "普通用户，仅限问答，不允许执行代码和访问文件系统"
		toolNote = "- 警告：该用户仅限问答。不要执行任何代码、shell 命令或文件操作"
	default:
		permDesc = "未知权限等级"
		toolNote = "- 不要执行任何代码、shell 命令或文件操作"
	}

	return fmt.Sprintf(`当前用户身份:
- 用户ID: %s
- 昵称: %s
- 权限等级: %s (%s)

运行环境:
- 你运行在该用户专属的 Docker 容器中
- 工作目录: %s (持久化存储)
- 容器与其他用户完全隔离
%s
- 回复保持简洁，适合在聊天窗口中阅读`,
		friend.Wxid, displayName, friend.Permission, permDesc, "/home/sandbox/workspace", toolNote)
}

// ==================== 会话/容器管理代理 ====================

// ClearSession 清除该用户的会话；restartContainer 为 true 时顺带停止容器（下条消息时重新启动）
func (s *Service) ClearSession(ctx context.Context, wxid string, restartContainer bool) error {
	if err := s.repos.Session.ClearUser(wxid); err != nil {
		return err
	}
	if restartContainer {
		_, _ = s.docker.StopContainer(ctx, wxid)
	}
	s.invalidateStatusCache(wxid)
	zap.L().Info("会话已清除", zap.String("wxid", wxid), zap.Bool("restart", restartContainer))
	return nil
}

// KillProcess 终止该用户容器内的 Claude 进程并释放并发守卫
func (s *Service) KillProcess(ctx context.Context, wxid string) bool {
	killed := s.docker.KillClaude(ctx, wxid)
	if killed {
		s.release(wxid)
	}
	return killed
}

// GetContainerStatus 汇总容器状态（短 TTL 缓存，减轻引擎压力）
func (s *Service) GetContainerStatus(ctx context.Context, wxid string) ContainerStatus {
	cacheKey := "container_status_" + wxid

	// 1. 查缓存
	if cached, err := s.cache.Get(ctx, cacheKey); err == nil && cached != "" {
		var status ContainerStatus
		if err := json.Unmarshal([]byte(cached), &status); err == nil {
			return status
		}
		zap.L().Warn("Unmarshal container status cache failed", zap.String("wxid", wxid))
	}

	// 2. 直查引擎
	name := s.docker.ContainerName(wxid)
	status := ContainerStatus{Name: name}
	status.Running = s.docker.IsRunning(ctx, name)
	if status.Running {
		if stats, err := s.docker.Stats(ctx, wxid); err == nil {
			status.Stats = stats
		}
		if disk, err := s.docker.DiskUsage(ctx, wxid); err == nil {
			status.Disk = disk
		}
	}

	// 3. 异步回写缓存
	s.cache.SubmitTask(func() {
		if data, err := json.Marshal(status); err == nil {
			_ = s.cache.Set(context.Background(), cacheKey,
				string(data), time.Minute*constants.REDIS_TIMEOUT)
		}
	})

	return status
}

// invalidateStatusCache 状态变更后清掉缓存，避免命令看到旧状态
func (s *Service) invalidateStatusCache(wxid string) {
	s.cache.SubmitTask(func() {
		_ = s.cache.Delete(context.Background(), "container_status_"+wxid)
	})
}

// StopContainer 停止该用户的容器
func (s *Service) StopContainer(ctx context.Context, wxid string) (bool, error) {
	defer s.invalidateStatusCache(wxid)
	return s.docker.StopContainer(ctx, wxid)
}

// DestroyContainer 删除该用户的容器并清掉会话与守卫
func (s *Service) DestroyContainer(ctx context.Context, wxid string) (bool, error) {
	if err := s.repos.Session.ClearUser(wxid); err != nil {
		zap.L().Warn("清除会话失败", zap.String("wxid", wxid), zap.Error(err))
	}
	s.release(wxid)
	defer s.invalidateStatusCache(wxid)
	return s.docker.DestroyContainer(ctx, wxid)
}

// RebuildContainer 按指定权限重建该用户的容器
func (s *Service) RebuildContainer(ctx context.Context, wxid string, permission model.Permission) error {
	if err := s.repos.Session.ClearUser(wxid); err != nil {
		zap.L().Warn("清除会话失败", zap.String("wxid", wxid), zap.Error(err))
	}
	s.release(wxid)
	defer s.invalidateStatusCache(wxid)
	return s.docker.Rebuild(ctx, wxid, permission)
}

// ListContainers 枚举本系统的全部容器
func (s *Service) ListContainers(ctx context.Context) ([]docker.ContainerInfo, error) {
	return s.docker.ListContainers(ctx)
}

// StopAllContainers 停止本系统的全部容器
func (s *Service) StopAllContainers(ctx context.Context) error {
	return s.docker.StopAll(ctx)
}
