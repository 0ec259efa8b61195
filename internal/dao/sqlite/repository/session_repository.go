// Package repository 提供数据访问层的具体实现
// 本文件实现 SessionRepository 接口，处理会话相关的数据库操作
package repository

import (
	"time"

	"claude_bridge_server/internal/model"
	"claude_bridge_server/pkg/constants"

	"gorm.io/gorm"
)

// sessionRepository SessionRepository 接口的实现
type sessionRepository struct {
	db *gorm.DB // GORM 数据库实例
}

// NewSessionRepository 创建 SessionRepository 实例
func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &sessionRepository{db: db}
}

// nowStamp 当前 UTC 时间，固定 TIME_LAYOUT 格式
// 窗口比较都走字符串字典序，该格式保证字典序即时间序
func nowStamp() string {
	return time.Now().UTC().Format(constants.TIME_LAYOUT)
}

// GetActive 返回该用户 last_active 最新的会话
func (r *sessionRepository) GetActive(wxid string) (*model.Session, error) {
	var session model.Session
	err := r.db.Where("wxid = ?", wxid).
		Order("last_active DESC, rowid DESC").
		First(&session).Error
	if err != nil {
		return nil, wrapDBErrorf(err, "查询活跃会话 wxid=%s", wxid)
	}
	return &session, nil
}

// Create 创建会话
func (r *sessionRepository) Create(id, wxid, claudeSession string) error {
	now := nowStamp()
	session := model.Session{
		Id:            id,
		Wxid:          wxid,
		ClaudeSession: claudeSession,
		CreatedAt:     now,
		LastActive:    now,
		MessageCount:  0,
	}
	err := r.db.Create(&session).Error
	return wrapDBErrorf(err, "创建会话 id=%s wxid=%s", id, wxid)
}

// Touch 刷新 last_active 并原子递增 message_count
func (r *sessionRepository) Touch(id string) error {
	err := r.db.Model(&model.Session{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_active":   nowStamp(),
			"message_count": gorm.Expr("message_count + 1"),
		}).Error
	return wrapDBErrorf(err, "更新会话 id=%s", id)
}

// SetClaudeSession 记录捕获到的 Claude 续接 id
func (r *sessionRepository) SetClaudeSession(id, claudeSession string) error {
	err := r.db.Model(&model.Session{}).Where("id = ?", id).
		Update("claude_session", claudeSession).Error
	return wrapDBErrorf(err, "记录 claude_session id=%s", id)
}

// ClearUser 删除该用户的全部会话
func (r *sessionRepository) ClearUser(wxid string) error {
	err := r.db.Where("wxid = ?", wxid).Delete(&model.Session{}).Error
	return wrapDBErrorf(err, "清除会话 wxid=%s", wxid)
}

// CleanExpired 删除 last_active 不晚于 now-minutes 的会话
func (r *sessionRepository) CleanExpired(minutes int) (int64, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(minutes) * time.Minute).
		Format(constants.TIME_LAYOUT)
	result := r.db.Where("last_active <= ?", cutoff).Delete(&model.Session{})
	if result.Error != nil {
		return 0, wrapDBError(result.Error, "清理过期会话")
	}
	return result.RowsAffected, nil
}
