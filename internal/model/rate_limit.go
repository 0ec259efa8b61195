// Package model 定义数据库实体模型
// 本文件定义限流计数模型，按 (wxid, 分钟窗口) 计数
package model

// RateLimit 限流计数模型
// 对应数据库 rate_limits 表，复合主键 (wxid, window_start)
// 某分钟存在记录当且仅当该分钟至少放行过一次请求
type RateLimit struct {
	// Wxid 用户标识
	Wxid string `gorm:"column:wxid;primaryKey;type:text"`

	// WindowStart 分钟取整的窗口起点（字符串，MINUTE_WINDOW_LAYOUT 格式）
	WindowStart string `gorm:"column:window_start;primaryKey;type:text"`

	// RequestCount 窗口内已放行次数，>= 1
	RequestCount int64 `gorm:"column:request_count;default:1"`
}

// TableName 指定表名
func (RateLimit) TableName() string {
	return "rate_limits"
}
