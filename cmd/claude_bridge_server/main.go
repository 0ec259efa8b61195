package main

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"claude_bridge_server/internal/bot"
	"claude_bridge_server/internal/config"
	myredis "claude_bridge_server/internal/dao/redis"
	"claude_bridge_server/internal/dao/sqlite"
	"claude_bridge_server/internal/dao/sqlite/repository"
	"claude_bridge_server/internal/infrastructure/docker"
	"claude_bridge_server/internal/infrastructure/logger"
	"claude_bridge_server/internal/infrastructure/mq"
	"claude_bridge_server/internal/opsapi"
	"claude_bridge_server/internal/service/executor"
	"claude_bridge_server/internal/service/router"
	"claude_bridge_server/pkg/constants"
	"claude_bridge_server/pkg/util/snowflake"
	"claude_bridge_server/pkg/util/textutil"

	"go.uber.org/zap"
)

// interChunkDelay 拆分长回复时的分条发送间隔
const interChunkDelay = 500 * time.Millisecond

func main() {
	// 1. 加载配置
	conf, err := config.Load()
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// 2. 初始化日志
	if err := logger.Init(&conf.Logging, "dev"); err != nil {
		log.Fatalf("init logger failed: %v", err)
	}
	zap.L().Info("日志初始化成功")

	if conf.AdminWxid == "" {
		zap.L().Warn("admin_wxid 未配置，管理命令将不可用")
	}

	// 3. 初始化雪花节点（trace id）
	snowflake.Init(conf.MachineID)

	// 4. 连接容器引擎并探活
	engine, err := docker.NewEngineClient()
	if err != nil {
		zap.L().Fatal("连接 Docker 引擎失败", zap.Error(err))
	}
	dockerMgr, err := docker.NewManager(engine, conf)
	if err != nil {
		zap.L().Fatal("初始化容器管理器失败", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := dockerMgr.HealthCheck(ctx); err != nil {
		zap.L().Fatal("Docker 引擎不可达，请先安装并启动 Docker", zap.Error(err))
	}

	// 5. 沙箱镜像检查/构建
	imageOk, err := dockerMgr.ImageExists(ctx)
	if err != nil {
		zap.L().Fatal("检查沙箱镜像失败", zap.Error(err))
	}
	if !imageOk {
		zap.L().Info("沙箱镜像不存在，开始构建")
		if _, statErr := os.Stat("docker"); statErr == nil {
			if err := dockerMgr.BuildImage(ctx, "docker"); err != nil {
				zap.L().Fatal("镜像构建失败", zap.Error(err))
			}
		} else {
			zap.L().Warn("docker/ 目录不存在，跳过镜像构建，请确保镜像已就绪")
		}
	}

	// 6. 初始化网络（幂等）
	if err := dockerMgr.InitNetworks(ctx); err != nil {
		zap.L().Fatal("初始化网络失败", zap.Error(err))
	}

	// 7. 打开元数据存储
	repos, err := sqlite.Init(conf.DatabasePath)
	if err != nil {
		zap.L().Fatal("初始化数据库失败", zap.Error(err))
	}
	zap.L().Info("数据库初始化成功", zap.String("path", conf.DatabasePath))

	// 8. 缓存与审计事件流
	cache := myredis.Init(&conf.Cache)
	stream := mq.Init(&conf.Audit)
	defer stream.Close()

	// 9. 执行器与路由器
	exec := executor.NewService(dockerMgr, repos, cache,
		conf.Session.ExpireMinutes, conf.Claude.Timeout, conf.Security.TrustedFileAccess)
	msgRouter := router.NewService(repos, exec, stream, conf)
	zap.L().Info("Service 层初始化成功")

	// 10. 运维接口（可选）
	if conf.OpsApi.Enabled {
		opsapi.MintAdminToken(conf)
		opsServer := opsapi.NewServer(conf, repos, dockerMgr, msgRouter)
		go func() {
			if err := opsServer.Run(); err != nil {
				zap.L().Error("运维接口退出", zap.Error(err))
			}
		}()
	}

	// 11. 周期清理：每小时清理过期会话和过期限流窗口
	go runPeriodicCleanup(ctx, repos, conf.Session.ExpireMinutes)

	// 12. 启动前端并进入消息泵
	frontend, err := buildFrontend(conf)
	if err != nil {
		zap.L().Fatal("初始化前端失败", zap.Error(err))
	}
	if err := frontend.Start(ctx); err != nil {
		zap.L().Fatal("启动前端失败", zap.Error(err))
	}
	zap.L().Info("前端已启动，等待消息", zap.String("mode", conf.Bot.Mode))

	var inFlight sync.WaitGroup
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		runMessagePump(ctx, frontend, msgRouter, &inFlight)
	}()

	// 13. 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		zap.L().Info("收到退出信号，关闭服务器...")
	case <-pumpDone:
		zap.L().Info("输入流已结束，关闭服务器...")
	}

	// 关闭：取消消息泵、停前端；在途执行跑完各自的超时；
	// 容器带 unless-stopped 策略，存活不动
	cancel()
	_ = frontend.Stop()
	waitInFlight(&inFlight, time.Duration(conf.Claude.Timeout)*time.Second+10*time.Second)

	zap.L().Info("服务器已关闭")
}

// waitInFlight 等待在途执行结束，超出上限则放弃等待
func waitInFlight(inFlight *sync.WaitGroup, limit time.Duration) {
	done := make(chan struct{})
	go func() {
		inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(limit):
		zap.L().Warn("在途执行未在限期内结束，放弃等待")
	}
}

// buildFrontend 按配置选择前端实现
func buildFrontend(conf *config.Config) (bot.Frontend, error) {
	switch conf.Bot.Mode {
	case "telegram":
		return bot.NewTelegramFrontend(&conf.Telegram), nil
	default:
		return bot.NewStdinFrontend(), nil
	}
}

// runMessagePump 消息泵主循环
// 每条消息一个 goroutine 处理，跨用户并发；
// 同一用户的串行由执行器的并发守卫保证
func runMessagePump(ctx context.Context, frontend bot.Frontend, msgRouter *router.Service, inFlight *sync.WaitGroup) {
	for {
		contact, text, err := frontend.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				zap.L().Info("输入流结束 (EOF)")
				return
			}
			if ctx.Err() != nil {
				return
			}
			zap.L().Error("接收消息失败", zap.Error(err))
			// 前端瞬时故障，稍等重试
			time.Sleep(time.Second)
			continue
		}

		message := text
		c := contact
		inFlight.Add(1)
		go func() {
			defer inFlight.Done()
			// 关闭时不打断在途执行：处理用独立 context，
			// 单次执行的时长由各自的超时约束
			handleOne(context.Background(), frontend, msgRouter, c, message)
		}()
	}
}

// handleOne 处理一条消息并发送（可能分条的）回复
func handleOne(ctx context.Context, frontend bot.Frontend, msgRouter *router.Service, contact bot.Contact, text string) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("消息处理 panic", zap.Any("recover", r), zap.String("wxid", contact.Wxid))
		}
	}()

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return
	}

	response, ok := msgRouter.HandleMessage(ctx, contact, trimmed)
	if !ok || response == "" {
		return
	}

	// 长回复按字符预算拆条，分条之间稍作停顿
	chunks := textutil.SplitMessage(response, constants.CHUNK_CHARS)
	for i, chunk := range chunks {
		if err := frontend.Send(ctx, contact.Wxid, chunk); err != nil {
			zap.L().Error("发送消息失败", zap.String("wxid", contact.Wxid), zap.Error(err))
		}
		if len(chunks) > 1 && i < len(chunks)-1 {
			time.Sleep(interChunkDelay)
		}
	}
}

// runPeriodicCleanup 每小时清理过期会话和一天前的限流窗口
func runPeriodicCleanup(ctx context.Context, repos *repository.Repositories, expireMinutes int) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := repos.Session.CleanExpired(expireMinutes); err != nil {
				zap.L().Warn("清理过期会话失败", zap.Error(err))
			} else if n > 0 {
				zap.L().Info("已清理过期会话", zap.Int64("count", n))
			}
			if n, err := repos.RateLimit.Cleanup(); err != nil {
				zap.L().Warn("清理限流窗口失败", zap.Error(err))
			} else if n > 0 {
				zap.L().Info("已清理限流窗口", zap.Int64("count", n))
			}
		}
	}
}
