// Package sqlite 提供元数据存储的初始化和 Repository 层管理
// 使用嵌入式 SQLite，单进程访问，每个操作一个事务
package sqlite

import (
	"fmt"
	"os"
	"path/filepath"

	"claude_bridge_server/internal/dao/sqlite/repository"
	"claude_bridge_server/internal/model"
	"claude_bridge_server/pkg/errorx"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Init 打开（或创建）数据库并返回 Repository 层实例
// 执行步骤：
//  1. 确保数据库文件所在目录存在
//  2. 以 WAL 模式打开 SQLite，开启外键约束
//  3. 执行 AutoMigrate 自动迁移表结构
//  4. 创建并返回 Repository 实例集合
func Init(path string) (*repository.Repositories, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errorx.Wrapf(err, errorx.CodeStoreError, "创建数据目录 %s", dir)
		}
	}

	// DSN：开启外键约束 + WAL 日志模式
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errorx.Wrapf(err, errorx.CodeStoreError, "打开数据库 %s", path)
	}

	// AutoMigrate 自动迁移表结构
	// 表不存在则创建，字段变更则更新，不删除已有字段或数据
	err = db.AutoMigrate(
		&model.Friend{},    // 好友表
		&model.Session{},   // 会话表
		&model.AuditLog{},  // 审计日志表
		&model.RateLimit{}, // 限流计数表
	)
	if err != nil {
		return nil, errorx.Wrap(err, errorx.CodeStoreError, "迁移表结构失败")
	}

	return repository.NewRepositories(db), nil
}
