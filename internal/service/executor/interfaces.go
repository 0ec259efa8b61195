// Package executor 实现消息到 Claude 的执行管线
// 本文件定义执行器对容器层的依赖接口
// 执行器不关心容器内部细节，容器层不关心会话，二者只通过这里的方法交互
package executor

import (
	"context"

	"claude_bridge_server/internal/infrastructure/docker"
	"claude_bridge_server/internal/model"
)

// ContainerManager 执行器依赖的容器管理能力
// 生产实现是 docker.Manager，测试中用 fake 替代
type ContainerManager interface {
	// ContainerName 返回该用户的容器名
	ContainerName(wxid string) string
	// EnsureContainer 确保容器存在且在运行
	EnsureContainer(ctx context.Context, wxid string, permission model.Permission) (string, error)
	// ExecClaude 在容器内执行 Claude CLI
	ExecClaude(ctx context.Context, wxid, systemPrompt, message string, opts docker.ExecClaudeOptions) docker.ExecClaudeResult
	// KillClaude 强制终止容器内的 Claude 进程
	KillClaude(ctx context.Context, wxid string) bool
	// DiskUsage 查询 workspace 磁盘占用
	DiskUsage(ctx context.Context, wxid string) (string, error)
	// IsRunning 检查容器是否在运行
	IsRunning(ctx context.Context, name string) bool
	// Stats 单次采样容器资源用量
	Stats(ctx context.Context, wxid string) (*docker.ContainerStats, error)
	// StopContainer 优雅停止容器
	StopContainer(ctx context.Context, wxid string) (bool, error)
	// DestroyContainer 强制删除容器（数据保留）
	DestroyContainer(ctx context.Context, wxid string) (bool, error)
	// Rebuild 按指定权限重建容器
	Rebuild(ctx context.Context, wxid string, permission model.Permission) error
	// ListContainers 枚举本系统的全部容器
	ListContainers(ctx context.Context) ([]docker.ContainerInfo, error)
	// StopAll 停止本系统的全部容器
	StopAll(ctx context.Context) error
}
