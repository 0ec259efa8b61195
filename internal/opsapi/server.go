// Package opsapi 提供面向运维的 HTTP 接口
// 单操作者使用：/healthz 探活，只读状态查询，
// 以及一个 JWT 保护的管理命令入口（复用路由器的命令表）
package opsapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"claude_bridge_server/internal/config"
	"claude_bridge_server/internal/dao/sqlite/repository"
	"claude_bridge_server/internal/infrastructure/docker"
	"claude_bridge_server/internal/infrastructure/logger"
	"claude_bridge_server/internal/model"
	"claude_bridge_server/internal/service/router"
	"claude_bridge_server/pkg/errorx"
	"claude_bridge_server/pkg/util/jwt"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/unrolled/secure"
	"go.uber.org/zap"
)

// adminCommandRequest 管理命令请求体
type adminCommandRequest struct {
	Command string `json:"command" binding:"required,startswith=/"` // 如 "/list"、"/allow 昵称 trusted"
}

// Server 运维 HTTP 服务
type Server struct {
	engine *gin.Engine
	conf   *config.Config
	repos  *repository.Repositories
	docker *docker.Manager
	router *router.Service
}

// NewServer 创建运维服务并注册路由
func NewServer(conf *config.Config, repos *repository.Repositories, dockerMgr *docker.Manager, msgRouter *router.Service) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logger.GinLogger())
	engine.Use(logger.GinRecovery(true))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"*"}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	engine.Use(cors.New(corsConfig))

	if conf.OpsApi.SslHost != "" {
		engine.Use(tlsHandler(conf.OpsApi.SslHost))
	}

	s := &Server{
		engine: engine,
		conf:   conf,
		repos:  repos,
		docker: dockerMgr,
		router: msgRouter,
	}
	s.registerRoutes()
	return s
}

// registerRoutes 注册全部路由
func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealthz)

	api := s.engine.Group("/api", JWTAuth())
	{
		api.GET("/status", s.handleStatus)
		api.GET("/containers", s.handleContainers)
		api.POST("/admin/command", s.handleAdminCommand)
	}
}

// Run 启动监听（阻塞）
func (s *Server) Run() error {
	addr := s.conf.OpsApi.Host + ":" + strconv.Itoa(s.conf.OpsApi.Port)
	zap.L().Info("运维接口已启动", zap.String("addr", addr))
	return s.engine.Run(addr)
}

// handleHealthz 引擎探活，无需认证
func (s *Server) handleHealthz(c *gin.Context) {
	if err := s.docker.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "engine unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleStatus 好友/会话总览
func (s *Server) handleStatus(c *gin.Context) {
	friends, err := s.repos.Friend.ListAll()
	if err != nil {
		HandleError(c, err)
		return
	}

	byTier := map[string]int{}
	for _, f := range friends {
		byTier[f.Permission.String()]++
	}

	HandleSuccess(c, gin.H{
		"friend_count":    len(friends),
		"friends_by_tier": byTier,
	})
}

// handleContainers 容器列表
func (s *Server) handleContainers(c *gin.Context) {
	containers, err := s.docker.ListContainers(c.Request.Context())
	if err != nil {
		HandleError(c, err)
		return
	}
	HandleSuccess(c, containers)
}

// handleAdminCommand 以管理员身份执行一条命令
func (s *Server) handleAdminCommand(c *gin.Context) {
	var req adminCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		HandleParamError(c, err)
		return
	}

	reply, handled := s.router.ExecCommandAsAdmin(c.Request.Context(), req.Command)
	if !handled {
		HandleError(c, errorx.Newf(errorx.CodeBadArgs, "未知命令 %q", strings.Fields(req.Command)[0]))
		return
	}
	HandleSuccess(c, gin.H{"reply": reply})
}

// JWTAuth JWT 认证中间件，校验运维 Token
func JWTAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": errorx.CodePermissionDenied,
				"msg":  "缺少认证信息",
			})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": errorx.CodePermissionDenied,
				"msg":  "Token 格式错误，请使用 Bearer Token",
			})
			return
		}

		claims, err := jwt.ParseToken(parts[1])
		if err != nil || claims.Subject != "ops_token" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": errorx.CodePermissionDenied,
				"msg":  "Token 已过期或无效",
			})
			return
		}

		c.Set("wxid", claims.Wxid)
		c.Next()
	}
}

// tlsHandler TLS 重定向中间件（由外部反向代理终结 SSL 时不启用）
func tlsHandler(sslHost string) gin.HandlerFunc {
	secureMiddleware := secure.New(secure.Options{
		SSLRedirect: true,
		SSLHost:     sslHost,
	})

	return func(c *gin.Context) {
		if err := secureMiddleware.Process(c.Writer, c.Request); err != nil {
			zap.L().Error("TLS redirection failed", zap.Error(err))
			c.Abort()
			return
		}
		c.Next()
	}
}

// MintAdminToken 为配置的管理员签发 Token 并打印到标准输出（启动时调用一次）
func MintAdminToken(conf *config.Config) {
	secret := conf.OpsApi.JwtSecret
	if secret == "" {
		zap.L().Warn("ops_api.jwt_secret 未配置，运维接口不可用")
		return
	}
	jwt.Init(secret, 24)

	wxid := conf.AdminWxid
	if wxid == "" {
		wxid = string(model.PermissionAdmin)
	}
	token, err := jwt.GenerateAdminToken(wxid)
	if err != nil {
		zap.L().Error("签发运维 Token 失败", zap.Error(err))
		return
	}
	fmt.Printf("运维接口 Token (24h): %s\n", token)
}
