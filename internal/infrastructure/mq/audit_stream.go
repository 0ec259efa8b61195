// Package mq 提供审计事件的异步分发
// 默认走进程内 channel；配置为 kafka 时写入 Kafka topic，
// 供外部审计/告警系统消费。持久化审计始终落在元数据库，
// 这里只是旁路事件流，分发失败不影响消息处理
package mq

import (
	"context"
	"encoding/json"
	"time"

	"claude_bridge_server/internal/config"
	"claude_bridge_server/pkg/constants"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// AuditEvent 一条出入站审计事件
type AuditEvent struct {
	TraceId   string `json:"trace_id"`  // 本次消息执行的 trace id
	Wxid      string `json:"wxid"`      // 用户标识
	Nickname  string `json:"nickname"`  // 昵称快照
	Direction string `json:"direction"` // in / out
	Preview   string `json:"preview"`   // 消息体预览（已截断/脱敏）
	Timestamp string `json:"timestamp"` // TIME_LAYOUT 格式
}

// AuditStream 审计事件分发接口
type AuditStream interface {
	// Publish 异步分发一条事件，不阻塞调用方
	Publish(event AuditEvent)
	// Close 停止分发并释放资源
	Close() error
}

// Init 根据配置创建审计事件流
func Init(cfg *config.AuditConfig) AuditStream {
	if cfg != nil && cfg.StreamMode == "kafka" {
		return newKafkaStream(cfg)
	}
	return newChannelStream()
}

// ==================== channel 模式 ====================

// channelStream 进程内事件流：缓冲 channel + 单消费协程
// 消费端仅落调试日志，保留给进程内订阅者扩展
type channelStream struct {
	events chan AuditEvent
	done   chan struct{}
}

func newChannelStream() *channelStream {
	s := &channelStream{
		events: make(chan AuditEvent, constants.CHANNEL_SIZE),
		done:   make(chan struct{}),
	}
	go s.consume()
	return s
}

func (s *channelStream) consume() {
	for {
		select {
		case event := <-s.events:
			zap.L().Debug("audit event",
				zap.String("trace_id", event.TraceId),
				zap.String("wxid", event.Wxid),
				zap.String("direction", event.Direction),
			)
		case <-s.done:
			return
		}
	}
}

// Publish 投递事件，通道满时丢弃（旁路流允许丢失）
func (s *channelStream) Publish(event AuditEvent) {
	select {
	case s.events <- event:
	default:
		zap.L().Warn("audit event channel full, dropping event",
			zap.String("wxid", event.Wxid))
	}
}

func (s *channelStream) Close() error {
	close(s.done)
	return nil
}

// ==================== kafka 模式 ====================

// kafkaStream 将审计事件写入 Kafka topic
type kafkaStream struct {
	writer *kafka.Writer
}

func newKafkaStream(cfg *config.AuditConfig) *kafkaStream {
	return &kafkaStream{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.KafkaBrokers),
			Topic:                  cfg.KafkaTopic,
			Balancer:               &kafka.Hash{},
			WriteTimeout:           10 * time.Second,
			RequiredAcks:           kafka.RequireNone,
			AllowAutoTopicCreation: true,
			// 异步写入：分发失败只记日志，不反压消息处理
			Async: true,
		},
	}
}

func (s *kafkaStream) Publish(event AuditEvent) {
	value, err := json.Marshal(event)
	if err != nil {
		zap.L().Error("marshal audit event failed", zap.Error(err))
		return
	}
	err = s.writer.WriteMessages(context.Background(), kafka.Message{
		Key:   []byte(event.Wxid),
		Value: value,
	})
	if err != nil {
		zap.L().Warn("write audit event to kafka failed", zap.Error(err))
	}
}

func (s *kafkaStream) Close() error {
	return s.writer.Close()
}
