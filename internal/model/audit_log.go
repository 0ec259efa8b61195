// Package model 定义数据库实体模型
// 本文件定义审计日志模型，出入站消息各记一行，只增不改
package model

// AuditDirection 审计方向，仅允许 in/out
type AuditDirection string

const (
	DirectionIn  AuditDirection = "in"  // 入站（用户 -> 系统）
	DirectionOut AuditDirection = "out" // 出站（系统 -> 用户）
)

// AuditLog 审计日志模型
// 对应数据库 audit_log 表，id 单调递增
type AuditLog struct {
	// Id 自增主键
	Id int64 `gorm:"column:id;primaryKey;autoIncrement"`

	// Wxid 消息所属用户
	Wxid string `gorm:"column:wxid;index;type:text;not null"`

	// Nickname 记录时刻的昵称快照
	Nickname string `gorm:"column:nickname;type:text"`

	// Direction 消息方向
	Direction AuditDirection `gorm:"column:direction;type:text;not null;check:direction IN ('in','out')"`

	// Message 消息体，按配置可被隐藏；持久化前统一截断
	Message string `gorm:"column:message;type:text"`

	// ClaudeSession 当时关联的 Claude 会话 id，可为空
	ClaudeSession string `gorm:"column:claude_session;type:text"`

	// Timestamp 记录时间（字符串，TIME_LAYOUT 格式）
	Timestamp string `gorm:"column:timestamp;index;type:text"`
}

// TableName 指定表名
func (AuditLog) TableName() string {
	return "audit_log"
}
