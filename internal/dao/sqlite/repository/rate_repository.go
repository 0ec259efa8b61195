// Package repository 提供数据访问层的具体实现
// 本文件实现 RateLimitRepository 接口
// 窗口 key 按 UTC 分钟取整，字符串字典序即时间序
package repository

import (
	"time"

	"claude_bridge_server/internal/model"
	"claude_bridge_server/pkg/constants"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 拒绝原因文案，分钟/天两种可区分
const (
	reasonPerMinute = "请求太频繁，请稍后再试"
	reasonPerDay    = "今日请求额度已用完"
)

// rateLimitRepository RateLimitRepository 接口的实现
type rateLimitRepository struct {
	db *gorm.DB // GORM 数据库实例
}

// NewRateLimitRepository 创建 RateLimitRepository 实例
func NewRateLimitRepository(db *gorm.DB) RateLimitRepository {
	return &rateLimitRepository{db: db}
}

// CheckAndIncrement 原子地检查当前分钟与当天额度，放行则计数
// 上限为 0（或负数）时直接拒绝，不做"首条放行"的特殊处理
func (r *rateLimitRepository) CheckAndIncrement(wxid string, maxPerMinute, maxPerDay int) (RateLimitResult, error) {
	if maxPerMinute <= 0 {
		return RateLimitResult{Allowed: false, Reason: reasonPerMinute}, nil
	}
	if maxPerDay <= 0 {
		return RateLimitResult{Allowed: false, Reason: reasonPerDay}, nil
	}

	now := time.Now().UTC()
	minuteKey := now.Format(constants.MINUTE_WINDOW_LAYOUT)
	dayKey := now.Format("2006-01-02")

	result := RateLimitResult{Allowed: true}
	err := r.db.Transaction(func(tx *gorm.DB) error {
		// 1. 当前分钟计数
		var minuteCount int64
		err := tx.Model(&model.RateLimit{}).
			Select("COALESCE(SUM(request_count), 0)").
			Where("wxid = ? AND window_start = ?", wxid, minuteKey).
			Scan(&minuteCount).Error
		if err != nil {
			return err
		}
		if minuteCount >= int64(maxPerMinute) {
			result = RateLimitResult{Allowed: false, Reason: reasonPerMinute}
			return nil
		}

		// 2. 当天累计（窗口 key 前缀为日期，字典序比较即可）
		var dayTotal int64
		err = tx.Model(&model.RateLimit{}).
			Select("COALESCE(SUM(request_count), 0)").
			Where("wxid = ? AND window_start >= ?", wxid, dayKey).
			Scan(&dayTotal).Error
		if err != nil {
			return err
		}
		if dayTotal >= int64(maxPerDay) {
			result = RateLimitResult{Allowed: false, Reason: reasonPerDay}
			return nil
		}

		// 3. 放行：当前分钟计数 +1（不存在则插入）
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "wxid"}, {Name: "window_start"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"request_count": gorm.Expr("request_count + 1"),
			}),
		}).Create(&model.RateLimit{
			Wxid:         wxid,
			WindowStart:  minuteKey,
			RequestCount: 1,
		}).Error
	})
	if err != nil {
		return RateLimitResult{}, wrapDBErrorf(err, "限流检查 wxid=%s", wxid)
	}
	return result, nil
}

// Cleanup 删除一天前的计数窗口
func (r *rateLimitRepository) Cleanup() (int64, error) {
	cutoff := time.Now().UTC().Add(-24 * time.Hour).Format(constants.MINUTE_WINDOW_LAYOUT)
	result := r.db.Where("window_start < ?", cutoff).Delete(&model.RateLimit{})
	if result.Error != nil {
		return 0, wrapDBError(result.Error, "清理限流计数")
	}
	return result.RowsAffected, nil
}
