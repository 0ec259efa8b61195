// Package bot 定义前端能力契约
// 本文件实现 Telegram 长轮询前端
// 只接收私聊文本消息；chat id 作为 wxid，username 作为备注名
package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"claude_bridge_server/internal/config"
	"claude_bridge_server/pkg/errorx"

	"go.uber.org/zap"
)

const (
	// tgPollTimeout 长轮询的服务端挂起秒数
	tgPollTimeout = 30
)

// tgResponse Bot API 的统一响应包装
type tgResponse struct {
	Ok          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

// tgUser 消息发送者
type tgUser struct {
	Id        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

// tgChat 会话来源
type tgChat struct {
	Id   int64  `json:"id"`
	Type string `json:"type"`
}

// tgMessage 一条消息
type tgMessage struct {
	From *tgUser `json:"from"`
	Chat tgChat  `json:"chat"`
	Text string  `json:"text"`
}

// tgUpdate 一条更新
type tgUpdate struct {
	UpdateId int64      `json:"update_id"`
	Message  *tgMessage `json:"message"`
}

// TelegramFrontend Telegram 长轮询前端
type TelegramFrontend struct {
	apiBase string
	client  *http.Client
	offset  int64
	buffer  []bufferedMessage
}

type bufferedMessage struct {
	contact Contact
	text    string
}

// NewTelegramFrontend 创建 Telegram 前端
func NewTelegramFrontend(cfg *config.TelegramConfig) *TelegramFrontend {
	return &TelegramFrontend{
		apiBase: "https://api.telegram.org/bot" + cfg.BotToken,
		// 客户端超时要盖过长轮询挂起时间
		client: &http.Client{Timeout: (tgPollTimeout + 5) * time.Second},
	}
}

// Start 调用 getMe 校验 token 并确认连通性
func (b *TelegramFrontend) Start(ctx context.Context) error {
	var me tgUser
	if err := b.call(ctx, "getMe", nil, &me); err != nil {
		return errorx.Wrap(err, errorx.CodeConfigInvalid, "Telegram getMe 失败，请检查 bot_token 和网络")
	}
	zap.L().Info("Telegram bot 已上线",
		zap.String("username", me.Username),
		zap.String("first_name", me.FirstName),
	)
	return nil
}

// Recv 长轮询获取下一条私聊文本消息
func (b *TelegramFrontend) Recv(ctx context.Context) (Contact, string, error) {
	for {
		// 先消费缓冲
		if len(b.buffer) > 0 {
			msg := b.buffer[0]
			b.buffer = b.buffer[1:]
			return msg.contact, msg.text, nil
		}

		if err := ctx.Err(); err != nil {
			return Contact{}, "", err
		}

		var updates []tgUpdate
		params := map[string]any{
			"offset":          b.offset,
			"timeout":         tgPollTimeout,
			"allowed_updates": []string{"message"},
		}
		if err := b.call(ctx, "getUpdates", params, &updates); err != nil {
			return Contact{}, "", err
		}

		for _, update := range updates {
			if update.UpdateId >= b.offset {
				b.offset = update.UpdateId + 1
			}
			msg := update.Message
			if msg == nil {
				continue
			}
			// 只处理私聊
			if msg.Chat.Type != "private" {
				zap.L().Debug("跳过非私聊消息", zap.Int64("chat_id", msg.Chat.Id))
				continue
			}
			// 只处理非空文本
			if msg.Text == "" {
				continue
			}
			// 忽略 bot（含自己）发出的消息
			if msg.From != nil && msg.From.IsBot {
				continue
			}

			nickname := "Unknown"
			remark := ""
			if msg.From != nil {
				nickname = msg.From.FirstName
				if msg.From.LastName != "" {
					nickname = msg.From.FirstName + " " + msg.From.LastName
				}
				remark = msg.From.Username
			}

			b.buffer = append(b.buffer, bufferedMessage{
				contact: Contact{
					Wxid:       strconv.FormatInt(msg.Chat.Id, 10),
					Nickname:   nickname,
					RemarkName: remark,
				},
				text: msg.Text,
			})
		}
	}
}

// Send 通过 sendMessage 发送回复
func (b *TelegramFrontend) Send(ctx context.Context, wxid, text string) error {
	params := map[string]any{
		"chat_id": wxid,
		"text":    text,
	}
	var result json.RawMessage
	return b.call(ctx, "sendMessage", params, &result)
}

// Stop 无需清理（长轮询随 context 取消退出）
func (b *TelegramFrontend) Stop() error {
	return nil
}

// call 调用一个 Bot API 方法并解出 result
func (b *TelegramFrontend) call(ctx context.Context, method string, params map[string]any, out any) error {
	url := b.apiBase + "/" + method

	var body *bytes.Reader
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s 请求失败: %w", method, err)
	}
	defer resp.Body.Close()

	var wrapped tgResponse
	if err := json.NewDecoder(resp.Body).Decode(&wrapped); err != nil {
		return fmt.Errorf("%s 响应解析失败: %w", method, err)
	}
	if !wrapped.Ok {
		return fmt.Errorf("%s 失败: %s", method, wrapped.Description)
	}
	if out != nil && len(wrapped.Result) > 0 {
		if err := json.Unmarshal(wrapped.Result, out); err != nil {
			return fmt.Errorf("%s result 解析失败: %w", method, err)
		}
	}
	return nil
}
