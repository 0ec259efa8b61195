// Package repository 提供数据访问层的具体实现
// 本文件实现 AuditRepository 接口，审计日志只增不改
package repository

import (
	"time"

	"claude_bridge_server/internal/model"
	"claude_bridge_server/pkg/constants"

	"gorm.io/gorm"
)

// auditRepository AuditRepository 接口的实现
type auditRepository struct {
	db *gorm.DB // GORM 数据库实例
}

// NewAuditRepository 创建 AuditRepository 实例
func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &auditRepository{db: db}
}

// Log 追加一条审计记录
func (r *auditRepository) Log(wxid, nickname string, direction model.AuditDirection, message, claudeSession string) error {
	entry := model.AuditLog{
		Wxid:          wxid,
		Nickname:      nickname,
		Direction:     direction,
		Message:       message,
		ClaudeSession: claudeSession,
		Timestamp:     time.Now().UTC().Format(constants.TIME_LAYOUT),
	}
	err := r.db.Create(&entry).Error
	return wrapDBErrorf(err, "写入审计记录 wxid=%s direction=%s", wxid, direction)
}

// GetByUser 按时间倒序返回某用户最近 limit 条
func (r *auditRepository) GetByUser(wxid string, limit int) ([]model.AuditLog, error) {
	var entries []model.AuditLog
	err := r.db.Where("wxid = ?", wxid).
		Order("timestamp DESC, id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, wrapDBErrorf(err, "查询审计记录 wxid=%s", wxid)
	}
	return entries, nil
}

// GetRecent 按时间倒序返回全局最近 limit 条
func (r *auditRepository) GetRecent(limit int) ([]model.AuditLog, error) {
	var entries []model.AuditLog
	err := r.db.Order("timestamp DESC, id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, wrapDBError(err, "查询审计记录")
	}
	return entries, nil
}
