// Package repository 定义数据访问层接口和聚合结构
// 采用 Repository 模式将数据访问逻辑与业务逻辑分离
// 所有 Repository 接口在此文件定义，具体实现在各自的文件中
package repository

import (
	"claude_bridge_server/internal/model"

	"gorm.io/gorm"
)

// FriendUpdate 好友字段的部分更新
// nil 字段表示"不修改"，不会覆盖已有取值
type FriendUpdate struct {
	Nickname   *string
	RemarkName *string
	Permission *model.Permission
	AddedBy    *string
	Notes      *string
}

// RateLimitResult 限流检查结果
type RateLimitResult struct {
	Allowed bool   // 是否放行
	Reason  string // 拒绝原因（分钟/天两种，可区分）
}

// FriendRepository 好友数据访问接口
type FriendRepository interface {
	// Get 查询单个好友，不存在返回 CodeNotFound
	Get(wxid string) (*model.Friend, error)
	// Upsert 创建或部分更新好友；插入时缺省权限为 normal
	Upsert(wxid string, upd FriendUpdate) error
	// GetPermission 查询权限，不存在返回 CodeNotFound
	GetPermission(wxid string) (model.Permission, error)
	// SetPermission 设置权限
	SetPermission(wxid string, permission model.Permission) error
	// ListAll 按注册时间倒序返回全部好友
	ListAll() ([]model.Friend, error)
	// ListByPermission 按权限等级筛选
	ListByPermission(permission model.Permission) ([]model.Friend, error)
	// Remove 删除好友
	Remove(wxid string) error
	// FindByNickname 按昵称/备注名做字面量子串匹配（通配符转义）
	FindByNickname(q string) ([]model.Friend, error)
}

// SessionRepository 会话数据访问接口
type SessionRepository interface {
	// GetActive 返回该用户 last_active 最新的会话，不存在返回 CodeNotFound
	GetActive(wxid string) (*model.Session, error)
	// Create 创建会话
	Create(id, wxid, claudeSession string) error
	// Touch 刷新 last_active 并原子递增 message_count
	Touch(id string) error
	// SetClaudeSession 记录捕获到的 Claude 续接 id
	SetClaudeSession(id, claudeSession string) error
	// ClearUser 删除该用户的全部会话
	ClearUser(wxid string) error
	// CleanExpired 删除 last_active 不晚于 now-minutes 的会话，返回删除数
	CleanExpired(minutes int) (int64, error)
}

// AuditRepository 审计日志访问接口，只增不改
type AuditRepository interface {
	// Log 追加一条审计记录
	Log(wxid, nickname string, direction model.AuditDirection, message, claudeSession string) error
	// GetByUser 按时间倒序返回某用户最近 limit 条
	GetByUser(wxid string, limit int) ([]model.AuditLog, error)
	// GetRecent 按时间倒序返回全局最近 limit 条
	GetRecent(limit int) ([]model.AuditLog, error)
}

// RateLimitRepository 限流计数访问接口
type RateLimitRepository interface {
	// CheckAndIncrement 原子地检查当前分钟与当天额度，放行则计数
	// 任一上限为 0 时直接拒绝
	CheckAndIncrement(wxid string, maxPerMinute, maxPerDay int) (RateLimitResult, error)
	// Cleanup 删除一天前的计数窗口，返回删除数
	Cleanup() (int64, error)
}

// Repositories 全部 Repository 的聚合，供上层通过依赖注入使用
type Repositories struct {
	Friend    FriendRepository
	Session   SessionRepository
	Audit     AuditRepository
	RateLimit RateLimitRepository
}

// NewRepositories 创建 Repository 实例集合
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Friend:    NewFriendRepository(db),
		Session:   NewSessionRepository(db),
		Audit:     NewAuditRepository(db),
		RateLimit: NewRateLimitRepository(db),
	}
}
