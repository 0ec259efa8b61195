// Package redis 提供 Redis 缓存操作的封装
// 缓存未开启时返回 Noop 实现，所有读取都是 miss，上层直查引擎
package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"claude_bridge_server/internal/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// cacheTask 异步缓存任务（纯闭包模式）
type cacheTask struct {
	Action func()
}

// redisCache AsyncCacheService 的 Redis 实现
type redisCache struct {
	client   *redis.Client
	taskChan chan *cacheTask
}

// Init 根据配置创建缓存服务
// cache.enabled 为 false 时返回 Noop 实现
func Init(cfg *config.CacheConfig) AsyncCacheService {
	if cfg == nil || !cfg.Enabled {
		return NewNoopCache()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.Db,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	return NewRedisCache(client, 4, 256)
}

// NewRedisCache 创建 Redis 缓存服务并启动 Worker Pool
func NewRedisCache(client *redis.Client, workerNum, bufferSize int) AsyncCacheService {
	c := &redisCache{
		client:   client,
		taskChan: make(chan *cacheTask, bufferSize),
	}
	for i := 0; i < workerNum; i++ {
		go c.startWorker()
	}
	zap.L().Info("Redis cache workers started",
		zap.Int("workers", workerNum), zap.Int("buffer", bufferSize))
	return c
}

// startWorker 单个 Worker 消费循环，panic 后自动重启
func (c *redisCache) startWorker() {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("Redis worker panic", zap.Any("recover", r))
			go c.startWorker()
		}
	}()

	for task := range c.taskChan {
		if task.Action != nil {
			task.Action()
		}
	}
}

// SubmitTask 提交异步缓存任务，通道满时降级为同步执行
func (c *redisCache) SubmitTask(action func()) {
	select {
	case c.taskChan <- &cacheTask{Action: action}:
	default:
		zap.L().Warn("Redis cache task channel full, executing synchronously")
		action()
	}
}

// Set 设置键值对并指定过期时间
func (c *redisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Get 获取键对应的值，键不存在返回空字符串
func (c *redisCache) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

// Delete 删除键
func (c *redisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// noopCache 缓存关闭时的空实现，读取永远 miss
type noopCache struct{}

// NewNoopCache 创建空缓存实现
func NewNoopCache() AsyncCacheService {
	return noopCache{}
}

func (noopCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return nil
}

func (noopCache) Get(ctx context.Context, key string) (string, error) {
	return "", nil
}

func (noopCache) Delete(ctx context.Context, key string) error {
	return nil
}

func (noopCache) SubmitTask(action func()) {
	if action != nil {
		action()
	}
}
