// Package bot 定义前端能力契约
// 本文件实现行式 stdin 前端，用于本地测试
// 输入格式（每行一条）: wxid|nickname|message，只有一个 | 时昵称取 wxid
package bot

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
)

// StdinFrontend 从标准输入读消息、向标准输出写回复的测试前端
type StdinFrontend struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewStdinFrontend 创建 stdin 前端
func NewStdinFrontend() *StdinFrontend {
	return &StdinFrontend{
		reader: bufio.NewReader(os.Stdin),
		out:    os.Stdout,
	}
}

// Start 打印使用说明
func (b *StdinFrontend) Start(ctx context.Context) error {
	zap.L().Info("StdinFrontend 已启动，输入格式: wxid|nickname|message")
	return nil
}

// Recv 读取下一行消息；EOF 时返回 io.EOF
// 格式非法的行跳过并继续读取
func (b *StdinFrontend) Recv(ctx context.Context) (Contact, string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Contact{}, "", err
		}

		line, err := b.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && strings.TrimSpace(line) == "" {
				return Contact{}, "", io.EOF
			}
			if err != io.EOF {
				return Contact{}, "", err
			}
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if err == io.EOF {
				return Contact{}, "", io.EOF
			}
			continue
		}

		contact, message, ok := parseStdinLine(line)
		if !ok {
			zap.L().Warn("非法输入格式，应为 wxid|nickname|message", zap.String("line", line))
			continue
		}
		return contact, message, nil
	}
}

// parseStdinLine 解析 "wxid|nickname|message" 或 "wxid|message"
func parseStdinLine(line string) (Contact, string, bool) {
	parts := strings.SplitN(line, "|", 3)
	switch len(parts) {
	case 3:
		return Contact{Wxid: parts[0], Nickname: parts[1]}, parts[2], true
	case 2:
		return Contact{Wxid: parts[0], Nickname: parts[0]}, parts[1], true
	default:
		return Contact{}, "", false
	}
}

// Send 把回复写到标准输出
func (b *StdinFrontend) Send(ctx context.Context, wxid, text string) error {
	_, err := fmt.Fprintf(b.out, "[%s] %s\n", wxid, text)
	return err
}

// Stop 无需清理
func (b *StdinFrontend) Stop() error {
	return nil
}
