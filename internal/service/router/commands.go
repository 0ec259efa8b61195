// Package router 实现消息路由与准入控制
// 本文件是命令注册表与各命令的实现
// 命令以映射表注册：命令词 -> {所需权限, 描述, 处理函数}
// /help 的内容直接由注册表生成，新命令注册即自动出现在帮助里
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"claude_bridge_server/internal/model"
	"claude_bridge_server/pkg/util/textutil"

	units "github.com/docker/go-units"
	"go.uber.org/zap"
)

// commandHandler 命令处理函数
// 入参：调用者 wxid、调用者权限、剩余参数串；返回回复文本
type commandHandler func(ctx context.Context, callerWxid string, callerTier model.Permission, args string) string

// command 一条已注册的命令
type command struct {
	tier        model.Permission // 所需最低权限
	description string           // 帮助文案
	handler     commandHandler
}

// registerCommands 注册全部命令
func (s *Service) registerCommands() {
	s.commands = map[string]*command{
		// 用户命令
		"/help":   {model.PermissionNormal, "查看帮助", s.cmdHelp},
		"/status": {model.PermissionNormal, "查看状态（含容器信息）", s.cmdStatus},
		"/clear":  {model.PermissionNormal, "清除会话历史", s.cmdClear},

		// 管理员命令
		"/allow":      {model.PermissionAdmin, "授权好友: /allow 昵称 [trusted|normal|admin]", s.cmdAllow},
		"/block":      {model.PermissionAdmin, "拉黑好友: /block 昵称", s.cmdBlock},
		"/list":       {model.PermissionAdmin, "列出所有授权好友", s.cmdList},
		"/logs":       {model.PermissionAdmin, "查看日志: /logs [昵称]", s.cmdLogs},
		"/kill":       {model.PermissionAdmin, "终止好友进程: /kill 昵称", s.cmdKill},
		"/containers": {model.PermissionAdmin, "查看所有容器状态", s.cmdContainers},
		"/restart":    {model.PermissionAdmin, "重启容器: /restart 昵称", s.cmdRestart},
		"/destroy":    {model.PermissionAdmin, "销毁容器（保留数据）: /destroy 昵称", s.cmdDestroy},
		"/rebuild":    {model.PermissionAdmin, "重建容器: /rebuild 昵称", s.cmdRebuild},
		"/stopall":    {model.PermissionAdmin, "停止所有容器", s.cmdStopAll},
	}
}

// handleCommand 解析并分发命令
// 返回 (回复, 是否为已注册命令)；未注册的斜杠词返回 false，落到 Claude
func (s *Service) handleCommand(ctx context.Context, wxid string, permission model.Permission, message string) (string, bool) {
	parts := strings.Fields(strings.TrimSpace(message))
	if len(parts) == 0 {
		return "", false
	}
	name := strings.ToLower(parts[0])
	args := strings.Join(parts[1:], " ")

	cmd, ok := s.commands[name]
	if !ok {
		return "", false
	}

	if !permission.AtLeast(cmd.tier) {
		return "⚠️ 权限不足", true
	}

	return cmd.handler(ctx, wxid, permission, args), true
}

// ==================== 基础命令 ====================

// cmdHelp 按调用者权限列出可见命令，内容由注册表生成
func (s *Service) cmdHelp(ctx context.Context, wxid string, tier model.Permission, args string) string {
	lines := []string{"📖 可用命令:\n"}

	names := make([]string, 0, len(s.commands))
	for name := range s.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cmd := s.commands[name]
		if tier.AtLeast(cmd.tier) {
			lines = append(lines, fmt.Sprintf("%s - %s", name, cmd.description))
		}
	}

	lines = append(lines, "\n直接发送文字消息即可与 Claude 对话")
	return strings.Join(lines, "\n")
}

// cmdStatus 好友摘要 + 会话状态 + 容器资源/磁盘
func (s *Service) cmdStatus(ctx context.Context, wxid string, tier model.Permission, args string) string {
	friend, _ := s.repos.Friend.Get(wxid)
	session, sessionErr := s.repos.Session.GetActive(wxid)
	container := s.exec.GetContainerStatus(ctx, wxid)

	friendName := "未知"
	friendPerm := "无"
	if friend != nil {
		friendName = friend.DisplayName()
		friendPerm = friend.Permission.String()
	}

	sessionInfo := "无"
	if sessionErr == nil && session != nil {
		sessionInfo = fmt.Sprintf("活跃 (%d 条消息)", session.MessageCount)
	}

	runningInfo := "⏹️ 已停止"
	if container.Running {
		runningInfo = "✅ 运行中"
	}

	lines := []string{
		"📊 当前状态:\n",
		"👤 " + friendName,
		"🔑 权限: " + friendPerm,
		"💬 会话: " + sessionInfo,
		"",
		"🐳 容器: " + container.Name,
		"   状态: " + runningInfo,
	}

	if container.Stats != nil {
		lines = append(lines,
			fmt.Sprintf("   CPU: %.1f%%", container.Stats.CPUPercent),
			fmt.Sprintf("   内存: %s / %s",
				units.BytesSize(float64(container.Stats.MemoryUsage)),
				units.BytesSize(float64(container.Stats.MemoryLimit))),
			fmt.Sprintf("   进程: %d", container.Stats.Pids),
		)
		if container.Stats.NetRx > 0 || container.Stats.NetTx > 0 {
			lines = append(lines, fmt.Sprintf("   网络: ↓%s ↑%s",
				units.BytesSize(float64(container.Stats.NetRx)),
				units.BytesSize(float64(container.Stats.NetTx))))
		}
	}
	if container.Disk != "" {
		lines = append(lines, "   磁盘: "+container.Disk)
	}

	return strings.Join(lines, "\n")
}

// cmdClear 清除调用者的会话，下一条消息开启新上下文
func (s *Service) cmdClear(ctx context.Context, wxid string, tier model.Permission, args string) string {
	if err := s.exec.ClearSession(ctx, wxid, false); err != nil {
		zap.L().Error("清除会话失败", zap.String("wxid", wxid), zap.Error(err))
		return "❌ 清除会话失败，请稍后再试"
	}
	return "✅ 会话已清除，下次对话将开始新的上下文"
}

// ==================== 好友管理 ====================

// findOneByName 按昵称查唯一好友
// 0 个匹配或多个匹配时返回给管理员的诊断文案
func (s *Service) findOneByName(name string) (*model.Friend, string) {
	matches, err := s.repos.Friend.FindByNickname(name)
	if err != nil {
		zap.L().Error("按昵称查询好友失败", zap.String("q", name), zap.Error(err))
		return nil, "❌ 查询出错"
	}
	if len(matches) == 0 {
		return nil, fmt.Sprintf("❌ 未找到 \"%s\"，该好友需要先发一条消息", name)
	}
	if len(matches) > 1 {
		lines := make([]string, 0, len(matches)+2)
		lines = append(lines, fmt.Sprintf("找到 %d 个匹配:", len(matches)))
		for _, f := range matches {
			lines = append(lines, fmt.Sprintf("%s(%s)", f.Nickname, f.Wxid))
		}
		lines = append(lines, "请精确指定")
		return nil, strings.Join(lines, "\n")
	}
	return &matches[0], ""
}

// cmdAllow 设置好友权限，默认提升为 trusted
func (s *Service) cmdAllow(ctx context.Context, wxid string, tier model.Permission, args string) string {
	if args == "" {
		return "用法: /allow 昵称 [trusted|normal|admin]"
	}

	parts := strings.Fields(args)
	searchName := parts[0]
	level := "trusted"
	if len(parts) > 1 {
		level = parts[1]
	}
	if level != "trusted" && level != "normal" && level != "admin" {
		return "❌ 无效权限等级，可选: trusted, normal, admin"
	}

	friend, errMsg := s.findOneByName(searchName)
	if friend == nil {
		return errMsg
	}

	if err := s.repos.Friend.SetPermission(friend.Wxid, model.Permission(level)); err != nil {
		zap.L().Error("设置权限失败", zap.String("wxid", friend.Wxid), zap.Error(err))
		return "❌ 设置权限失败"
	}
	zap.L().Info("权限变更",
		zap.String("wxid", friend.Wxid),
		zap.String("nickname", friend.Nickname),
		zap.String("permission", level),
	)
	return fmt.Sprintf("✅ %s → %s", friend.Nickname, level)
}

// cmdBlock 拉黑好友并销毁其容器
func (s *Service) cmdBlock(ctx context.Context, wxid string, tier model.Permission, args string) string {
	if args == "" {
		return "用法: /block 昵称"
	}

	friend, errMsg := s.findOneByName(strings.TrimSpace(args))
	if friend == nil {
		return errMsg
	}

	if err := s.repos.Friend.SetPermission(friend.Wxid, model.PermissionBlocked); err != nil {
		zap.L().Error("拉黑失败", zap.String("wxid", friend.Wxid), zap.Error(err))
		return "❌ 操作失败"
	}
	_, _ = s.exec.DestroyContainer(ctx, friend.Wxid)
	zap.L().Info("已拉黑并销毁容器", zap.String("wxid", friend.Wxid))
	return fmt.Sprintf("🚫 已拉黑 %s，容器已销毁", friend.Nickname)
}

// cmdList 按权限分组列出全部好友
func (s *Service) cmdList(ctx context.Context, wxid string, tier model.Permission, args string) string {
	friends, err := s.repos.Friend.ListAll()
	if err != nil {
		return "❌ 查询出错"
	}
	if len(friends) == 0 {
		return "暂无授权好友"
	}

	grouped := map[model.Permission][]model.Friend{}
	for _, f := range friends {
		grouped[f.Permission] = append(grouped[f.Permission], f)
	}

	order := []model.Permission{
		model.PermissionAdmin, model.PermissionTrusted,
		model.PermissionNormal, model.PermissionBlocked,
	}
	icons := map[model.Permission]string{
		model.PermissionAdmin:   "👑",
		model.PermissionTrusted: "⭐",
		model.PermissionNormal:  "👤",
		model.PermissionBlocked: "🚫",
	}

	lines := []string{"👥 好友列表:\n"}
	for _, perm := range order {
		group := grouped[perm]
		if len(group) == 0 {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s %s:", icons[perm], strings.ToUpper(perm.String())))
		for _, f := range group {
			lines = append(lines, "  "+f.DisplayName())
		}
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

// cmdLogs 查看最近审计（无参数看全局，有参数看指定好友）
func (s *Service) cmdLogs(ctx context.Context, wxid string, tier model.Permission, args string) string {
	if args == "" {
		logs, err := s.repos.Audit.GetRecent(20)
		if err != nil {
			return "❌ 查询出错"
		}
		return formatLogs(logs)
	}

	friend, errMsg := s.findOneByName(strings.TrimSpace(args))
	if friend == nil {
		return errMsg
	}
	logs, err := s.repos.Audit.GetByUser(friend.Wxid, 20)
	if err != nil {
		return "❌ 查询出错"
	}
	return formatLogs(logs)
}

// cmdKill 终止好友容器内的 Claude 进程
func (s *Service) cmdKill(ctx context.Context, wxid string, tier model.Permission, args string) string {
	if args == "" {
		return "用法: /kill 昵称"
	}

	friend, errMsg := s.findOneByName(strings.TrimSpace(args))
	if friend == nil {
		return errMsg
	}

	if s.exec.KillProcess(ctx, friend.Wxid) {
		return fmt.Sprintf("✅ 已终止 %s 的进程", friend.Nickname)
	}
	return "没有运行中的进程"
}

// ==================== 容器管理 ====================

// cmdContainers 列出全部容器及其归属好友
func (s *Service) cmdContainers(ctx context.Context, wxid string, tier model.Permission, args string) string {
	containers, err := s.exec.ListContainers(ctx)
	if err != nil {
		return "❌ 查询容器失败"
	}
	if len(containers) == 0 {
		return "🐳 暂无容器"
	}

	lines := []string{"🐳 容器列表:\n"}
	for _, c := range containers {
		name := c.Wxid
		if name == "" {
			name = "未知"
		}
		if friend, err := s.repos.Friend.Get(c.Wxid); err == nil {
			name = friend.DisplayName()
		}
		perm := c.Permission
		if perm == "" {
			perm = "?"
		}
		statusIcon := "⏹️"
		if strings.Contains(c.Status, "Up") {
			statusIcon = "✅"
		}
		lines = append(lines,
			fmt.Sprintf("%s %s [%s]", statusIcon, name, perm),
			fmt.Sprintf("   %s: %s", c.Name, c.Status),
		)
	}
	return strings.Join(lines, "\n")
}

// cmdRestart 停止容器并清除会话，下次来消息时自动重启
func (s *Service) cmdRestart(ctx context.Context, wxid string, tier model.Permission, args string) string {
	if args == "" {
		return "用法: /restart 昵称"
	}

	friend, errMsg := s.findOneByName(strings.TrimSpace(args))
	if friend == nil {
		return errMsg
	}

	_, _ = s.exec.StopContainer(ctx, friend.Wxid)
	_ = s.exec.ClearSession(ctx, friend.Wxid, false)
	return fmt.Sprintf("🔄 已重启 %s 的容器（下次发消息自动启动）", friend.Nickname)
}

// cmdDestroy 删除容器，宿主机数据保留
func (s *Service) cmdDestroy(ctx context.Context, wxid string, tier model.Permission, args string) string {
	if args == "" {
		return "用法: /destroy 昵称"
	}

	friend, errMsg := s.findOneByName(strings.TrimSpace(args))
	if friend == nil {
		return errMsg
	}

	_, _ = s.exec.DestroyContainer(ctx, friend.Wxid)
	return fmt.Sprintf("🗑️ 已销毁 %s 的容器（数据保留，下次发消息自动重建）", friend.Nickname)
}

// cmdRebuild 按好友当前权限重建容器
func (s *Service) cmdRebuild(ctx context.Context, wxid string, tier model.Permission, args string) string {
	if args == "" {
		return "用法: /rebuild 昵称"
	}

	friend, errMsg := s.findOneByName(strings.TrimSpace(args))
	if friend == nil {
		return errMsg
	}

	if err := s.exec.RebuildContainer(ctx, friend.Wxid, friend.Permission); err != nil {
		zap.L().Error("重建容器失败", zap.String("wxid", friend.Wxid), zap.Error(err))
		return "❌ 重建容器失败"
	}
	return fmt.Sprintf("🔨 已重建 %s 的容器", friend.Nickname)
}

// cmdStopAll 停止全部容器
func (s *Service) cmdStopAll(ctx context.Context, wxid string, tier model.Permission, args string) string {
	containers, err := s.exec.ListContainers(ctx)
	if err != nil {
		return "❌ 查询容器失败"
	}
	if err := s.exec.StopAllContainers(ctx); err != nil {
		return "❌ 停止容器失败"
	}
	return fmt.Sprintf("⏹️ 已停止全部 %d 个容器", len(containers))
}

// ==================== 输出辅助 ====================

// formatLogs 审计记录的展示格式：方向图标 + 时分秒 + 昵称 + 消息摘要
func formatLogs(logs []model.AuditLog) string {
	if len(logs) == 0 {
		return "暂无日志"
	}

	lines := make([]string, 0, len(logs))
	for _, l := range logs {
		dir := "📤"
		if l.Direction == model.DirectionIn {
			dir = "📩"
		}
		// 时间戳格式固定 "YYYY-MM-DD HH:MM:SS"，只展示时间部分
		timePart := l.Timestamp
		if fields := strings.SplitN(l.Timestamp, " ", 2); len(fields) == 2 {
			timePart = fields[1]
		}
		msg, _ := textutil.TruncateRunes(l.Message, 60)
		lines = append(lines, fmt.Sprintf("%s [%s] %s: %s", dir, timePart, l.Nickname, msg))
	}
	return strings.Join(lines, "\n")
}
