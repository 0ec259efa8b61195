// Package config 提供应用程序的配置加载和管理功能
// 使用 YAML 格式的配置文件，所有字段带默认值，支持多路径查找
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"claude_bridge_server/pkg/errorx"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ClaudeConfig Claude CLI 调用配置
type ClaudeConfig struct {
	CliPath string `yaml:"cli_path"` // 容器内 CLI 路径，默认 "claude"
	Timeout int    `yaml:"timeout"`  // 单次执行超时（秒）
}

// DockerLimits 容器资源上限
type DockerLimits struct {
	Memory      string  `yaml:"memory"`       // 普通用户内存，如 "512m"
	AdminMemory string  `yaml:"admin_memory"` // 管理员内存，如 "2g"
	Cpus        float64 `yaml:"cpus"`         // 普通用户 CPU 核数
	AdminCpus   float64 `yaml:"admin_cpus"`   // 管理员 CPU 核数
	Pids        int64   `yaml:"pids"`         // 进程数上限
	TmpSize     string  `yaml:"tmp_size"`     // /tmp tmpfs 大小
}

// DockerNetwork 按权限等级选择的容器网络
type DockerNetwork struct {
	Admin   string `yaml:"admin"`   // 默认 bridge
	Trusted string `yaml:"trusted"` // 默认 claude-limited
	Normal  string `yaml:"normal"`  // 默认 none（Docker 的 none 网络，字面传递）
}

// DockerConfig 容器引擎相关配置
type DockerConfig struct {
	Image           string        `yaml:"image"`            // 沙箱镜像
	ContainerPrefix string        `yaml:"container_prefix"` // 容器名前缀
	DataDir         string        `yaml:"data_dir"`         // 宿主机数据根目录，支持 ~ 前缀
	Limits          DockerLimits  `yaml:"limits"`
	Network         DockerNetwork `yaml:"network"`
}

// PermissionsConfig 权限与未授权提示配置
type PermissionsConfig struct {
	DefaultLevel        string `yaml:"default_level" validate:"oneof=admin trusted normal blocked"` // 新用户默认等级
	NotifyUnauthorized  bool   `yaml:"notify_unauthorized"`                                         // 是否回复未授权提示
	UnauthorizedMessage string `yaml:"unauthorized_message"`                                        // 未授权提示文案
}

// SessionConfig 会话配置
type SessionConfig struct {
	ExpireMinutes int `yaml:"expire_minutes"` // 会话过期窗口（分钟）
	MaxHistory    int `yaml:"max_history"`    // 会话历史上限（保留字段）
}

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	MaxPerMinute int `yaml:"max_per_minute"` // 每分钟上限，0 表示全部拒绝
	MaxPerDay    int `yaml:"max_per_day"`    // 每天上限，0 表示全部拒绝
}

// SecurityConfig 安全过滤配置
type SecurityConfig struct {
	BlockedPatterns   []string `yaml:"blocked_patterns"`    // 非管理员消息的拦截正则（大小写不敏感）
	TrustedFileAccess bool     `yaml:"trusted_file_access"` // trusted 用户是否允许文件操作
}

// LoggingConfig 日志配置，使用 lumberjack 进行日志轮转
type LoggingConfig struct {
	Level             string `yaml:"level"`               // debug/info/warn/error
	File              string `yaml:"file"`                // 日志文件路径
	MaxSize           int    `yaml:"max_size"`            // 单个日志文件最大大小（MB）
	MaxBackups        int    `yaml:"max_backups"`         // 保留旧日志文件的最大个数
	MaxAge            int    `yaml:"max_age"`             // 保留旧日志文件的最大天数
	LogMessageContent bool   `yaml:"log_message_content"` // 审计中是否记录消息原文
}

// AuditConfig 审计配置
type AuditConfig struct {
	MaxBodyChars int    `yaml:"max_body_chars"`                             // 持久化消息体上限（字符）
	StreamMode   string `yaml:"stream_mode" validate:"oneof=channel kafka"` // 事件分发模式
	KafkaBrokers string `yaml:"kafka_brokers"`                              // kafka 模式的 broker 地址
	KafkaTopic   string `yaml:"kafka_topic"`                                // kafka 模式的 topic
}

// CacheConfig 容器状态缓存（Redis）配置
type CacheConfig struct {
	Enabled  bool   `yaml:"enabled"`  // 关闭时管理命令直查引擎
	Host     string `yaml:"host"`     // Redis 地址
	Port     int    `yaml:"port"`     // Redis 端口
	Password string `yaml:"password"` // 密码，无密码留空
	Db       int    `yaml:"db"`       // 数据库编号
}

// TelegramConfig Telegram 前端配置
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"` // Bot API token
}

// BotConfig 前端选择
type BotConfig struct {
	Mode string `yaml:"mode" validate:"oneof=stdin telegram"` // stdin 或 telegram
}

// OpsApiConfig 运维 HTTP 接口配置
type OpsApiConfig struct {
	Enabled   bool   `yaml:"enabled"`    // 是否启动运维接口
	Host      string `yaml:"host"`       // 监听地址
	Port      int    `yaml:"port"`       // 监听端口
	JwtSecret string `yaml:"jwt_secret"` // 管理接口 JWT 密钥，留空则管理端点不可用
	SslHost   string `yaml:"ssl_host"`   // 非空时启用 TLS 重定向
}

// Config 应用程序总配置，聚合所有子配置
type Config struct {
	AdminWxid    string            `yaml:"admin_wxid"`    // 管理员用户标识
	DatabasePath string            `yaml:"database_path"` // 元数据库文件路径
	MachineID    int64             `yaml:"machine_id"`    // 雪花算法节点 ID
	Claude       ClaudeConfig      `yaml:"claude"`
	Docker       DockerConfig      `yaml:"docker"`
	Permissions  PermissionsConfig `yaml:"permissions"`
	Session      SessionConfig     `yaml:"session"`
	RateLimit    RateLimitConfig   `yaml:"rate_limit"`
	Security     SecurityConfig    `yaml:"security"`
	Logging      LoggingConfig     `yaml:"logging"`
	Audit        AuditConfig       `yaml:"audit"`
	Cache        CacheConfig       `yaml:"cache"`
	Bot          BotConfig         `yaml:"bot"`
	Telegram     TelegramConfig    `yaml:"telegram"`
	OpsApi       OpsApiConfig      `yaml:"ops_api"`
}

// Default 返回填满默认值的配置
// 先取默认值再叠加文件内容，保证每个字段都有合理取值
func Default() *Config {
	return &Config{
		AdminWxid:    "",
		DatabasePath: "data/bridge.db",
		MachineID:    1,
		Claude: ClaudeConfig{
			CliPath: "claude",
			Timeout: 120,
		},
		Docker: DockerConfig{
			Image:           "claude-sandbox:latest",
			ContainerPrefix: "claude-friend-",
			DataDir:         "~/claude-bridge-data",
			Limits: DockerLimits{
				Memory:      "512m",
				AdminMemory: "2g",
				Cpus:        1,
				AdminCpus:   2,
				Pids:        100,
				TmpSize:     "100m",
			},
			Network: DockerNetwork{
				Admin:   "bridge",
				Trusted: "claude-limited",
				Normal:  "none",
			},
		},
		Permissions: PermissionsConfig{
			DefaultLevel:        "normal",
			NotifyUnauthorized:  true,
			UnauthorizedMessage: "抱歉，你还没有被授权使用此服务。",
		},
		Session: SessionConfig{
			ExpireMinutes: 60,
			MaxHistory:    50,
		},
		RateLimit: RateLimitConfig{
			MaxPerMinute: 10,
			MaxPerDay:    200,
		},
		Security: SecurityConfig{
			BlockedPatterns:   nil,
			TrustedFileAccess: true,
		},
		Logging: LoggingConfig{
			Level:             "info",
			File:              "logs/bridge.log",
			MaxSize:           100,
			MaxBackups:        5,
			MaxAge:            30,
			LogMessageContent: true,
		},
		Audit: AuditConfig{
			MaxBodyChars: 1000,
			StreamMode:   "channel",
			KafkaBrokers: "localhost:9092",
			KafkaTopic:   "claude-bridge-audit",
		},
		Cache: CacheConfig{
			Enabled: false,
			Host:    "localhost",
			Port:    6379,
			Db:      0,
		},
		Bot: BotConfig{
			Mode: "stdin",
		},
		OpsApi: OpsApiConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8090,
		},
	}
}

// LoadFile 从指定路径加载配置
// 缺省字段保持默认值；加载后做结构校验
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errorx.Wrapf(err, errorx.CodeConfigMissing, "读取配置文件 %s", path)
	}

	conf := Default()
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, errorx.Wrapf(err, errorx.CodeConfigInvalid, "解析配置文件 %s", path)
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Load 从多个候选路径加载配置文件
// 按顺序尝试，找到第一个存在的文件即停止；一个都不存在则返回默认配置
func Load() (*Config, error) {
	paths := []string{
		"configs/config_local.yaml", // 本地开发配置（优先）
		"configs/config.yaml",       // 默认配置
		"config.yaml",               // 项目根目录
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}
	}

	conf := Default()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Validate 校验配置取值
// 结构约束交给 validator，数值格式在这里显式检查
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errorx.Wrap(err, errorx.CodeConfigInvalid, "配置校验失败")
	}
	if _, err := ParseMemory(c.Docker.Limits.Memory); err != nil {
		return errorx.Wrapf(err, errorx.CodeConfigInvalid, "docker.limits.memory=%q", c.Docker.Limits.Memory)
	}
	if _, err := ParseMemory(c.Docker.Limits.AdminMemory); err != nil {
		return errorx.Wrapf(err, errorx.CodeConfigInvalid, "docker.limits.admin_memory=%q", c.Docker.Limits.AdminMemory)
	}
	if c.Docker.Limits.Cpus < 0 || c.Docker.Limits.AdminCpus < 0 {
		return errorx.New(errorx.CodeConfigInvalid, "docker.limits.cpus 不能为负数")
	}
	return nil
}

// ExpandedDataDir 返回展开 ~ 前缀后的数据根目录
func (c *DockerConfig) ExpandedDataDir() string {
	dir := c.DataDir
	if strings.HasPrefix(dir, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			rest := strings.TrimPrefix(dir, "~")
			rest = strings.TrimPrefix(rest, string(os.PathSeparator))
			rest = strings.TrimPrefix(rest, "/")
			return filepath.Join(home, rest)
		}
	}
	return dir
}

// ParseMemory 解析内存字符串，如 "512m"、"2G"、"1024k"，无后缀按字节
// 空串和负数是错误
func ParseMemory(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("内存字符串为空")
	}

	multiplier := int64(1)
	switch s[len(s)-1] {
	case 'k':
		multiplier = 1024
		s = s[:len(s)-1]
	case 'm':
		multiplier = 1024 * 1024
		s = s[:len(s)-1]
	case 'g':
		multiplier = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("非法内存数值 %q", s)
	}
	if n < 0 {
		return 0, fmt.Errorf("内存不能为负数: %d", n)
	}
	return n * multiplier, nil
}

// CpusToNano 将 CPU 核数转换为 Docker 的 nano-cpus
func CpusToNano(cpus float64) int64 {
	return int64(math.Round(cpus * 1e9))
}
