package constants

const (
	CHANNEL_SIZE  = 100 // 审计事件通道大小
	REDIS_TIMEOUT = 1   // redis 缓存 timeout (分钟)

	// TIME_LAYOUT 会话/审计时间戳的唯一可识别格式
	// 其他格式（含 ISO-8601 的 T 分隔符）一律视为不可解析
	TIME_LAYOUT = "2006-01-02 15:04:05"

	// MINUTE_WINDOW_LAYOUT 限流窗口 key，按分钟取整（秒固定为 00）
	MINUTE_WINDOW_LAYOUT = "2006-01-02T15:04:00"

	// DOCKER_APP_LABEL 本系统容器的标识 label，枚举/清理时的筛选条件
	DOCKER_APP_LABEL = "claude-bridge"

	// MAX_RESPONSE_CHARS Claude 回复的最大字符数，超出部分截断
	MAX_RESPONSE_CHARS = 4000

	// CHUNK_CHARS 前端单条消息的软上限（字符数），超出按换行拆分
	CHUNK_CHARS = 2000

	// AUDIT_MAX_BODY_CHARS 审计表中持久化消息体的上限
	AUDIT_MAX_BODY_CHARS = 1000

	// EMPTY_WXID_SENTINEL 空 wxid 的容器名占位，避免与真实用户碰撞
	EMPTY_WXID_SENTINEL = "_empty"
)
