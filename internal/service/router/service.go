// Package router 实现消息路由与准入控制
// 单条入站消息的流程：显示名解析 -> 入站审计 -> 好友注册 ->
// 有效权限 -> 限流 -> 命令分发 -> 安全过滤 -> Claude 执行 -> 出站审计
package router

import (
	"context"
	"regexp"
	"time"

	"claude_bridge_server/internal/bot"
	"claude_bridge_server/internal/config"
	"claude_bridge_server/internal/dao/sqlite/repository"
	"claude_bridge_server/internal/infrastructure/mq"
	"claude_bridge_server/internal/model"
	"claude_bridge_server/internal/service/executor"
	"claude_bridge_server/pkg/constants"
	"claude_bridge_server/pkg/errorx"
	"claude_bridge_server/pkg/util/snowflake"
	"claude_bridge_server/pkg/util/textutil"

	"go.uber.org/zap"
)

// Service 消息路由器
type Service struct {
	repos    *repository.Repositories
	exec     *executor.Service
	stream   mq.AuditStream
	conf     *config.Config
	commands map[string]*command

	// blockedPatterns 启动时预编译的安全过滤正则（大小写不敏感）
	blockedPatterns []*regexp.Regexp
}

// NewService 构造路由器并注册命令表
func NewService(repos *repository.Repositories, exec *executor.Service, stream mq.AuditStream, conf *config.Config) *Service {
	s := &Service{
		repos:  repos,
		exec:   exec,
		stream: stream,
		conf:   conf,
	}
	s.registerCommands()

	for _, pattern := range conf.Security.BlockedPatterns {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			zap.L().Warn("非法安全过滤正则，已跳过", zap.String("pattern", pattern), zap.Error(err))
			continue
		}
		s.blockedPatterns = append(s.blockedPatterns, re)
	}
	return s
}

// HandleMessage 处理一条入站消息
// 返回 (回复文本, 是否需要回复)；空 wxid 的消息和 blocked 用户不回复
func (s *Service) HandleMessage(ctx context.Context, contact bot.Contact, message string) (string, bool) {
	// 空 wxid 在准入时直接拒绝，不落任何状态
	if contact.Wxid == "" {
		zap.L().Warn("拒绝空 wxid 的消息", zap.String("nickname", contact.Nickname))
		return "", false
	}

	dn := displayName(contact)
	traceId := snowflake.GenerateIDString()

	preview, _ := textutil.TruncateRunes(message, 100)
	zap.L().Info("收到消息",
		zap.String("trace_id", traceId),
		zap.String("display_name", dn),
		zap.String("wxid", contact.Wxid),
		zap.String("message", preview),
	)

	// 1. 入站审计
	s.audit(traceId, contact.Wxid, dn, model.DirectionIn, message)

	// 2. 好友注册/信息同步
	s.ensureFriendRegistered(contact)

	// 3. 有效权限
	permission := s.effectivePermission(contact.Wxid)

	if permission == model.PermissionBlocked {
		zap.L().Warn("拒绝黑名单用户",
			zap.String("display_name", dn), zap.String("wxid", contact.Wxid))
		return "", false
	}

	// 权限无法落到任何可用等级：按配置提示或静默
	if permission.Rank() == 0 {
		if s.conf.Permissions.NotifyUnauthorized {
			return s.reply(traceId, contact.Wxid, dn, s.conf.Permissions.UnauthorizedMessage)
		}
		return "", false
	}

	// 4. 限流
	result, err := s.repos.RateLimit.CheckAndIncrement(contact.Wxid,
		s.conf.RateLimit.MaxPerMinute, s.conf.RateLimit.MaxPerDay)
	if err != nil {
		zap.L().Error("限流检查失败", zap.String("wxid", contact.Wxid), zap.Error(err))
	} else if !result.Allowed {
		return s.reply(traceId, contact.Wxid, dn, "⚠️ "+result.Reason)
	}

	// 5. 命令分发（未注册的斜杠词不是命令，落到 Claude）
	if len(message) > 0 && message[0] == '/' {
		if response, handled := s.handleCommand(ctx, contact.Wxid, permission, message); handled {
			return s.reply(traceId, contact.Wxid, dn, response)
		}
	}

	// 6. 安全过滤（管理员豁免）
	if reason, blocked := s.securityCheck(message, permission); blocked {
		return s.reply(traceId, contact.Wxid, dn, "⚠️ "+reason)
	}

	// 7. 交给执行器
	friend, err := s.repos.Friend.Get(contact.Wxid)
	if err != nil {
		zap.L().Error("读取好友信息失败", zap.String("wxid", contact.Wxid), zap.Error(err))
		return s.reply(traceId, contact.Wxid, dn, "❌ 处理消息时出错了，请稍后重试")
	}
	// 有效权限可能与存量行不一致（如 admin_wxid 强制提升），以有效权限为准
	friend.Permission = permission

	response := s.exec.Execute(ctx, contact.Wxid, friend, message)

	replyPreview, _ := textutil.TruncateRunes(response, 100)
	zap.L().Info("回复",
		zap.String("trace_id", traceId),
		zap.String("display_name", dn),
		zap.String("reply", replyPreview),
	)
	return s.reply(traceId, contact.Wxid, dn, response)
}

// ExecCommandAsAdmin 以管理员身份执行一条命令（运维接口复用命令表）
// 返回 (回复, 是否为已注册命令)
func (s *Service) ExecCommandAsAdmin(ctx context.Context, commandLine string) (string, bool) {
	return s.handleCommand(ctx, s.conf.AdminWxid, model.PermissionAdmin, commandLine)
}

// reply 出站审计后返回回复
func (s *Service) reply(traceId, wxid, nickname, response string) (string, bool) {
	s.audit(traceId, wxid, nickname, model.DirectionOut, response)
	return response, true
}

// audit 写入审计存储并旁路分发事件
// 消息体按配置脱敏；持久化前统一截断，避免超大消息撑爆存储
func (s *Service) audit(traceId, wxid, nickname string, direction model.AuditDirection, message string) {
	body := message
	if direction == model.DirectionIn && !s.conf.Logging.LogMessageContent {
		body = "[已隐藏]"
	}
	body = textutil.TruncateWithSuffix(body, s.conf.Audit.MaxBodyChars, "...")

	if err := s.repos.Audit.Log(wxid, nickname, direction, body, ""); err != nil {
		zap.L().Warn("写入审计失败", zap.String("wxid", wxid), zap.Error(err))
	}

	if s.stream != nil {
		eventPreview, _ := textutil.TruncateRunes(body, 200)
		s.stream.Publish(mq.AuditEvent{
			TraceId:   traceId,
			Wxid:      wxid,
			Nickname:  nickname,
			Direction: string(direction),
			Preview:   eventPreview,
			Timestamp: time.Now().UTC().Format(constants.TIME_LAYOUT),
		})
	}
}

// ==================== 权限 ====================

// effectivePermission 解析有效权限
// admin_wxid 恒为 admin；其余读库；无记录用配置的默认等级
func (s *Service) effectivePermission(wxid string) model.Permission {
	if wxid == s.conf.AdminWxid && wxid != "" {
		return model.PermissionAdmin
	}
	perm, err := s.repos.Friend.GetPermission(wxid)
	if err != nil {
		return model.Permission(s.conf.Permissions.DefaultLevel)
	}
	return perm
}

// ensureFriendRegistered 首次来消息时注册好友，昵称/备注变化时同步
// 已有行的权限不动
func (s *Service) ensureFriendRegistered(contact bot.Contact) {
	existing, err := s.repos.Friend.Get(contact.Wxid)
	if err != nil {
		if errorx.GetCode(err) != errorx.CodeNotFound {
			zap.L().Error("查询好友失败", zap.String("wxid", contact.Wxid), zap.Error(err))
			return
		}
		// 新好友：admin_wxid 直接是 admin，其余用默认等级
		permission := model.ParsePermission(s.conf.Permissions.DefaultLevel)
		if contact.Wxid == s.conf.AdminWxid {
			permission = model.PermissionAdmin
		}
		upd := repository.FriendUpdate{
			Nickname:   &contact.Nickname,
			Permission: &permission,
		}
		if contact.RemarkName != "" {
			upd.RemarkName = &contact.RemarkName
		}
		if err := s.repos.Friend.Upsert(contact.Wxid, upd); err != nil {
			zap.L().Error("注册好友失败", zap.String("wxid", contact.Wxid), zap.Error(err))
			return
		}
		zap.L().Info("新好友注册",
			zap.String("display_name", displayName(contact)),
			zap.String("wxid", contact.Wxid),
			zap.String("permission", permission.String()),
		)
		return
	}

	// 已注册：昵称/备注变化时更新，权限不动
	upd := repository.FriendUpdate{}
	if contact.Nickname != "" && contact.Nickname != existing.Nickname {
		upd.Nickname = &contact.Nickname
	}
	if contact.RemarkName != "" && contact.RemarkName != existing.RemarkName {
		upd.RemarkName = &contact.RemarkName
	}
	if upd.Nickname != nil || upd.RemarkName != nil {
		if err := s.repos.Friend.Upsert(contact.Wxid, upd); err != nil {
			zap.L().Warn("同步好友信息失败", zap.String("wxid", contact.Wxid), zap.Error(err))
		}
	}
}

// ==================== 安全过滤 ====================

// securityCheck 对非管理员消息做安全正则过滤
func (s *Service) securityCheck(message string, permission model.Permission) (string, bool) {
	if permission == model.PermissionAdmin {
		return "", false
	}
	for _, re := range s.blockedPatterns {
		if re.MatchString(message) {
			preview, _ := textutil.TruncateRunes(message, 100)
			zap.L().Warn("安全拦截", zap.String("message", preview))
			return "消息包含不允许的操作", true
		}
	}
	return "", false
}

// displayName 显示名：备注名 > 昵称 > wxid
func displayName(contact bot.Contact) string {
	if contact.RemarkName != "" {
		return contact.RemarkName
	}
	if contact.Nickname != "" {
		return contact.Nickname
	}
	return contact.Wxid
}
