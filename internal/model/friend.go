// Package model 定义数据库实体模型
// 本文件定义好友模型，记录每个聊天用户的身份与授权信息
package model

import "time"

// Friend 好友模型
// 对应数据库 friends 表，wxid 为主键，每个用户恰好一行
// 用户首次发消息时自动注册，之后由管理员命令变更权限
type Friend struct {
	// Wxid 用户的稳定标识（Telegram chat id / 微信 id / 任意字符串）
	Wxid string `gorm:"column:wxid;primaryKey;type:text"`

	// Nickname 用户昵称，来自前端
	Nickname string `gorm:"column:nickname;type:text"`

	// RemarkName 备注名，优先于昵称用于显示
	RemarkName string `gorm:"column:remark_name;type:text"`

	// Permission 权限等级，仅允许 admin/trusted/normal/blocked
	Permission Permission `gorm:"column:permission;type:text;not null;default:normal;check:permission IN ('admin','trusted','normal','blocked')"`

	// AddedAt 注册时间
	AddedAt time.Time `gorm:"column:added_at;autoCreateTime"`

	// AddedBy 授权人 wxid，可为空
	AddedBy string `gorm:"column:added_by;type:text"`

	// Notes 自由备注
	Notes string `gorm:"column:notes;type:text"`

	// Sessions 该用户的会话；由此关联生成 sessions.wxid -> friends.wxid 外键约束
	Sessions []Session `gorm:"foreignKey:Wxid;references:Wxid"`
}

// TableName 指定表名
func (Friend) TableName() string {
	return "friends"
}

// DisplayName 显示名：备注名 > 昵称 > wxid
func (f *Friend) DisplayName() string {
	if f.RemarkName != "" {
		return f.RemarkName
	}
	if f.Nickname != "" {
		return f.Nickname
	}
	return f.Wxid
}
