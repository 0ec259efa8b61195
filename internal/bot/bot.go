// Package bot 定义前端能力契约
// 前端负责产出入站私聊文本消息并发送出站回复，
// 核心对 stdin / Telegram 等不同前端一视同仁
package bot

import "context"

// Contact 一条入站消息的发送者
type Contact struct {
	Wxid       string // 稳定标识（Telegram chat id / 微信 id / 任意字符串）
	Nickname   string // 昵称
	RemarkName string // 备注名，可为空
}

// Frontend 聊天前端的能力契约
// 实现必须只产出私聊文本消息：群聊、非文本、自己发出的消息一律忽略
type Frontend interface {
	// Start 执行启动/登录流程
	Start(ctx context.Context) error
	// Recv 阻塞等待下一条入站消息；流结束返回 io.EOF
	Recv(ctx context.Context) (Contact, string, error)
	// Send 向指定用户发送一条回复
	Send(ctx context.Context, wxid, text string) error
	// Stop 停止前端
	Stop() error
}
