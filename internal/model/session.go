// Package model 定义数据库实体模型
// 本文件定义会话模型：一个用户与 Claude 的一轮连续对话
package model

// Session 会话模型
// 对应数据库 sessions 表
// "活跃"会话指该 wxid 下 last_active 最新的一行
// 时间戳以字符串存储，格式固定为 constants.TIME_LAYOUT，
// 其他格式视为不可解析（过期处理），不做放宽
type Session struct {
	// Id 会话 UUID，主键
	Id string `gorm:"column:id;primaryKey;type:text"`

	// Wxid 所属用户，外键 friends.wxid
	Wxid string `gorm:"column:wxid;index;type:text;not null"`

	// ClaudeSession Claude CLI 自己的续接 token，事后从 stderr 捕获
	ClaudeSession string `gorm:"column:claude_session;type:text"`

	// CreatedAt 创建时间（字符串，TIME_LAYOUT 格式）
	CreatedAt string `gorm:"column:created_at;type:text"`

	// LastActive 最近活跃时间（字符串，TIME_LAYOUT 格式）
	LastActive string `gorm:"column:last_active;type:text"`

	// MessageCount 本会话已处理的消息数
	MessageCount int64 `gorm:"column:message_count;default:0"`
}

// TableName 指定表名
func (Session) TableName() string {
	return "sessions"
}
