// Package docker 封装容器引擎访问
// 本文件实现按用户的沙箱容器管理：命名、目录布局、
// 按权限等级的资源/网络策略，以及 Claude CLI 的容器内调用
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"claude_bridge_server/internal/config"
	"claude_bridge_server/internal/model"
	"claude_bridge_server/pkg/constants"
	"claude_bridge_server/pkg/errorx"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/strslice"
	"go.uber.org/zap"
)

const (
	// stopGraceSeconds 停止容器时 SIGTERM 的宽限期
	stopGraceSeconds = 10
	// execCommandTimeout 管理类命令的固定超时
	execCommandTimeout = 30 * time.Second
	// killGraceSeconds 超时后 SIGTERM 到 SIGKILL 的间隔
	killGraceSeconds = 5
	// buildTimeout 镜像构建上限
	buildTimeout = 5 * time.Minute
	// workspaceMount / claudeConfigMount 容器内的两个持久化挂载点
	workspaceMount    = "/home/sandbox/workspace"
	claudeConfigMount = "/home/sandbox/.claude"
	// sandboxUser 容器内专用的非 root 账户
	sandboxUser = "sandbox"
)

// ExecClaudeOptions Claude CLI 调用选项
type ExecClaudeOptions struct {
	Timeout       time.Duration    // 执行超时
	ClaudeSession string           // 已学习到的续接 id，空表示新会话
	Permission    model.Permission // 调用者权限，normal 会清空允许工具列表
}

// ExecClaudeResult Claude CLI 调用结果
// Output 始终是可直接回复用户的文本
type ExecClaudeResult struct {
	Ok     bool
	Output string
	Stderr string
}

// ContainerInfo 枚举容器时返回的条目
type ContainerInfo struct {
	Name       string
	Status     string
	Wxid       string
	Permission string
}

// ContainerStats 容器资源采样
type ContainerStats struct {
	CPUPercent  float64
	MemoryUsage uint64
	MemoryLimit uint64
	Pids        uint64
	NetRx       uint64
	NetTx       uint64
}

// Manager 按用户管理沙箱容器
// 不缓存容器状态，每次查询直达引擎；枚举/清理只认自己的 label
type Manager struct {
	engine *EngineClient
	conf   *config.Config

	dataDir       string // 展开 ~ 之后的宿主机数据根目录
	memBytes      int64
	adminMemBytes int64
	nanoCpus      int64
	adminNanoCpus int64
}

// NewManager 创建容器管理器并准备数据根目录
func NewManager(engine *EngineClient, conf *config.Config) (*Manager, error) {
	dataDir := conf.Docker.ExpandedDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errorx.Wrapf(err, errorx.CodeContainerOpFailed, "创建数据目录 %s", dataDir)
	}

	// 配置已在加载时校验过，这里的解析不会失败
	memBytes, err := config.ParseMemory(conf.Docker.Limits.Memory)
	if err != nil {
		return nil, err
	}
	adminMemBytes, err := config.ParseMemory(conf.Docker.Limits.AdminMemory)
	if err != nil {
		return nil, err
	}

	return &Manager{
		engine:        engine,
		conf:          conf,
		dataDir:       dataDir,
		memBytes:      memBytes,
		adminMemBytes: adminMemBytes,
		nanoCpus:      config.CpusToNano(conf.Docker.Limits.Cpus),
		adminNanoCpus: config.CpusToNano(conf.Docker.Limits.AdminCpus),
	}, nil
}

// ==================== 容器命名 ====================

// SanitizeWxid 将 wxid 转换为 Docker 允许的名字片段
// [A-Za-z0-9_.-] 之外的字符替换为下划线；空 wxid 使用固定哨兵，
// 避免与真实用户的容器名碰撞
func SanitizeWxid(wxid string) string {
	if wxid == "" {
		return constants.EMPTY_WXID_SENTINEL
	}
	var b strings.Builder
	b.Grow(len(wxid))
	for _, c := range wxid {
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
			c == '_' || c == '.' || c == '-' {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ContainerName 返回该用户的容器名
func (m *Manager) ContainerName(wxid string) string {
	return m.conf.Docker.ContainerPrefix + SanitizeWxid(wxid)
}

// userDataDir 返回（并创建）该用户的宿主机数据目录
func (m *Manager) userDataDir(wxid string) (string, error) {
	dir := filepath.Join(m.dataDir, wxid)
	for _, sub := range []string{"workspace", "claude-config"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", errorx.Wrapf(err, errorx.CodeContainerOpFailed, "创建用户数据目录 %s", dir)
		}
	}
	return dir, nil
}

// ==================== 容器生命周期 ====================

// EnsureContainer 确保该用户的容器存在且在运行
// 不存在则创建，未运行则启动；幂等，可安全重试
func (m *Manager) EnsureContainer(ctx context.Context, wxid string, permission model.Permission) (string, error) {
	name := m.ContainerName(wxid)

	if !m.engine.ContainerExists(ctx, name) {
		if err := m.createContainer(ctx, wxid, permission); err != nil {
			return "", err
		}
		zap.L().Info("容器已创建", zap.String("container", name), zap.String("wxid", wxid))
	}

	if !m.engine.ContainerRunning(ctx, name) {
		if err := m.engine.ContainerStart(ctx, name); err != nil {
			return "", err
		}
		zap.L().Info("容器已启动", zap.String("container", name))
	}

	return name, nil
}

// createContainer 按权限等级创建容器并做初始修正
// 策略：
//   - 内存/CPU: admin 用 admin_* 上限，其余用普通上限
//   - 网络: admin -> bridge，trusted -> claude-limited，normal -> none
//   - 安全: 只读根文件系统、capability 全部丢弃、no-new-privileges
//   - 挂载: workspace 与 claude-config 两个宿主机目录
func (m *Manager) createContainer(ctx context.Context, wxid string, permission model.Permission) error {
	name := m.ContainerName(wxid)
	dataDir, err := m.userDataDir(wxid)
	if err != nil {
		return err
	}

	memory, nanoCpus := m.memBytes, m.nanoCpus
	if permission == model.PermissionAdmin {
		memory, nanoCpus = m.adminMemBytes, m.adminNanoCpus
	}

	pids := m.conf.Docker.Limits.Pids
	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:    memory,
			NanoCPUs:  nanoCpus,
			PidsLimit: &pids,
		},
		Tmpfs: map[string]string{
			"/tmp": "size=" + m.conf.Docker.Limits.TmpSize,
		},
		ReadonlyRootfs: true,
		SecurityOpt:    []string{"no-new-privileges"},
		CapDrop:        strslice.StrSlice{"ALL"},
		NetworkMode:    container.NetworkMode(m.networkFor(permission)),
		Binds: []string{
			filepath.Join(dataDir, "workspace") + ":" + workspaceMount,
			filepath.Join(dataDir, "claude-config") + ":" + claudeConfigMount,
		},
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
	}

	cfg := &container.Config{
		Image: m.conf.Docker.Image,
		User:  sandboxUser,
		// 长睡眠入口，保持容器存活供后续 exec 附着
		Cmd: strslice.StrSlice{"tail", "-f", "/dev/null"},
		Env: m.containerEnv(wxid),
		Labels: map[string]string{
			"app":        constants.DOCKER_APP_LABEL,
			"wxid":       wxid,
			"permission": permission.String(),
		},
	}

	if err := m.engine.ContainerCreate(ctx, name, cfg, hostConfig); err != nil {
		return err
	}

	// 先启动，修正权限需要 exec 进入容器
	if err := m.engine.ContainerStart(ctx, name); err != nil {
		return err
	}

	m.fixPermissions(ctx, wxid)
	return nil
}

// containerEnv 容器环境变量：WXID + 宿主机上存在的认证变量
func (m *Manager) containerEnv(wxid string) []string {
	return append([]string{"WXID=" + wxid}, authEnv()...)
}

// authEnv 宿主机上存在的认证变量
// 订阅用户通过挂载的 ~/.claude 里的 OAuth 凭据认证，两个变量都可能为空
func authEnv() []string {
	var env []string
	for _, key := range []string{"CLAUDE_CODE_OAUTH_TOKEN", "ANTHROPIC_API_KEY"} {
		if v := os.Getenv(key); v != "" {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// networkFor 按权限等级选择容器网络
func (m *Manager) networkFor(permission model.Permission) string {
	switch permission {
	case model.PermissionAdmin:
		return m.conf.Docker.Network.Admin
	case model.PermissionTrusted:
		return m.conf.Docker.Network.Trusted
	default:
		return m.conf.Docker.Network.Normal
	}
}

// fixPermissions 修正挂载目录属主
// 宿主机创建的目录可能属于 root，在容器内 chown 给 sandbox
// 创建后立即执行可能与容器启动竞争，失败时等待后重试一次；
// 仍失败仅记日志，不阻塞创建流程
func (m *Manager) fixPermissions(ctx context.Context, wxid string) {
	name := m.ContainerName(wxid)
	chown := func() error {
		execCtx, cancel := context.WithTimeout(ctx, execCommandTimeout)
		defer cancel()
		_, err := m.engine.Exec(execCtx, name, types.ExecConfig{
			User: "root",
			Cmd:  []string{"chown", "-R", "sandbox:sandbox", workspaceMount, claudeConfigMount},
		})
		return err
	}

	if err := chown(); err != nil {
		time.Sleep(500 * time.Millisecond)
		if err = chown(); err != nil {
			zap.L().Warn("修正挂载目录属主失败",
				zap.String("container", name),
				zap.Error(err),
			)
		}
	}
}

// Start 启动该用户的容器
func (m *Manager) Start(ctx context.Context, wxid string) error {
	return m.engine.ContainerStart(ctx, m.ContainerName(wxid))
}

// StopContainer 优雅停止该用户的容器
func (m *Manager) StopContainer(ctx context.Context, wxid string) (bool, error) {
	name := m.ContainerName(wxid)
	if err := m.engine.ContainerStop(ctx, name, stopGraceSeconds); err != nil {
		zap.L().Warn("停止容器失败", zap.String("container", name), zap.Error(err))
		return false, nil
	}
	zap.L().Info("容器已停止", zap.String("container", name))
	return true, nil
}

// DestroyContainer 强制删除该用户的容器
// 数据目录是宿主机 bind mount，随删随建不丢数据；容器不存在视为成功
func (m *Manager) DestroyContainer(ctx context.Context, wxid string) (bool, error) {
	name := m.ContainerName(wxid)
	if err := m.engine.ContainerRemove(ctx, name, true); err != nil {
		zap.L().Warn("删除容器失败", zap.String("container", name), zap.Error(err))
		return false, nil
	}
	zap.L().Info("容器已删除", zap.String("container", name))
	return true, nil
}

// Rebuild 重建该用户的容器（删除后按当前权限重新创建）
func (m *Manager) Rebuild(ctx context.Context, wxid string, permission model.Permission) error {
	_, _ = m.DestroyContainer(ctx, wxid)
	if _, err := m.EnsureContainer(ctx, wxid, permission); err != nil {
		return err
	}
	zap.L().Info("容器已重建", zap.String("container", m.ContainerName(wxid)))
	return nil
}

// IsRunning 检查容器是否在运行
func (m *Manager) IsRunning(ctx context.Context, name string) bool {
	return m.engine.ContainerRunning(ctx, name)
}

// ==================== 容器内执行 ====================

// ExecClaude 在该用户的容器内执行 Claude CLI，这是核心方法
// 返回的 Output 始终可以直接回复给用户；内部错误细节进日志和 Stderr
func (m *Manager) ExecClaude(ctx context.Context, wxid, systemPrompt, message string, opts ExecClaudeOptions) ExecClaudeResult {
	name := m.ContainerName(wxid)
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Duration(m.conf.Claude.Timeout) * time.Second
	}

	// 组装 CLI 命令：非交互单次打印，文本输出
	cmd := []string{
		m.conf.Claude.CliPath,
		"--print",
		"--output-format", "text",
		"--system-prompt", systemPrompt,
	}
	if opts.ClaudeSession != "" {
		cmd = append(cmd, "--resume", opts.ClaudeSession)
	}
	// normal 用户清空允许工具列表，禁止一切工具调用
	if opts.Permission == model.PermissionNormal {
		cmd = append(cmd, "--allowedTools", "")
	}
	cmd = append(cmd, message)

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := m.engine.Exec(execCtx, name, types.ExecConfig{
		User:       sandboxUser,
		WorkingDir: workspaceMount,
		Cmd:        cmd,
		Env:        authEnv(),
	})

	if err != nil {
		if errorx.GetCode(err) == errorx.CodeExecTimeout {
			zap.L().Warn("Claude 执行超时",
				zap.String("container", name),
				zap.Duration("timeout", timeout),
			)
			// 超时后先礼后兵：SIGTERM，留出宽限期，再 SIGKILL
			m.terminateClaude(ctx, wxid)
			return ExecClaudeResult{Ok: false, Output: "⏰ 请求超时，请稍后再试", Stderr: result.Stderr}
		}
		zap.L().Error("Claude 执行失败", zap.String("container", name), zap.Error(err))
		return ExecClaudeResult{Ok: false, Output: "❌ 处理出错，请稍后再试", Stderr: err.Error()}
	}

	output := strings.TrimSpace(result.Stdout)
	if output == "" {
		output = "(Claude 没有返回内容)"
	}
	return ExecClaudeResult{Ok: true, Output: output, Stderr: result.Stderr}
}

// terminateClaude 终止容器内的 Claude 进程
// 先 SIGTERM，等待宽限期后仍存活则 SIGKILL
func (m *Manager) terminateClaude(ctx context.Context, wxid string) {
	if _, err := m.ExecCommand(ctx, wxid, "pkill -TERM -f claude || true", true); err != nil {
		zap.L().Warn("发送 SIGTERM 失败", zap.String("wxid", wxid), zap.Error(err))
		return
	}

	time.Sleep(killGraceSeconds * time.Second)

	out, err := m.ExecCommand(ctx, wxid, "pgrep -f claude || true", true)
	if err == nil && strings.TrimSpace(out) != "" {
		if _, err := m.ExecCommand(ctx, wxid, "pkill -KILL -f claude || true", true); err != nil {
			zap.L().Warn("发送 SIGKILL 失败", zap.String("wxid", wxid), zap.Error(err))
		}
	}
}

// KillClaude 强制终止容器内的 Claude 进程（/kill 命令）
func (m *Manager) KillClaude(ctx context.Context, wxid string) bool {
	_, err := m.ExecCommand(ctx, wxid, "pkill -f claude || true", true)
	return err == nil
}

// ExecCommand 在该用户的容器内执行一条短命令，固定管理级超时
func (m *Manager) ExecCommand(ctx context.Context, wxid, command string, asRoot bool) (string, error) {
	name := m.ContainerName(wxid)
	user := sandboxUser
	if asRoot {
		user = "root"
	}

	execCtx, cancel := context.WithTimeout(ctx, execCommandTimeout)
	defer cancel()

	result, err := m.engine.Exec(execCtx, name, types.ExecConfig{
		User: user,
		Cmd:  []string{"sh", "-c", command},
	})
	if err != nil {
		return "", err
	}
	if result.Stderr != "" {
		zap.L().Debug("exec stderr", zap.String("container", name), zap.String("stderr", result.Stderr))
	}
	return strings.TrimSpace(result.Stdout), nil
}

// DiskUsage 返回 workspace 占用（容器内 du -sh）
func (m *Manager) DiskUsage(ctx context.Context, wxid string) (string, error) {
	return m.ExecCommand(ctx, wxid, "du -sh "+workspaceMount, false)
}

// ==================== 状态查询 ====================

// Stats 单次采样该用户容器的资源用量
func (m *Manager) Stats(ctx context.Context, wxid string) (*ContainerStats, error) {
	raw, err := m.engine.ContainerStatsOneShot(ctx, m.ContainerName(wxid))
	if err != nil {
		return nil, err
	}

	stats := &ContainerStats{
		CPUPercent:  calculateCPUPercent(raw),
		MemoryUsage: raw.MemoryStats.Usage,
		MemoryLimit: raw.MemoryStats.Limit,
		Pids:        raw.PidsStats.Current,
	}
	for _, net := range raw.Networks {
		stats.NetRx += net.RxBytes
		stats.NetTx += net.TxBytes
	}
	return stats, nil
}

// calculateCPUPercent 根据两次采样差值计算 CPU 占用百分比
func calculateCPUPercent(stats *types.StatsJSON) float64 {
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	numCpus := float64(stats.CPUStats.OnlineCPUs)
	if numCpus == 0 {
		numCpus = 1
	}
	if systemDelta > 0 && cpuDelta >= 0 {
		return cpuDelta / systemDelta * numCpus * 100
	}
	return 0
}

// ListContainers 枚举本系统的全部容器（按 app label 筛选）
func (m *Manager) ListContainers(ctx context.Context) ([]ContainerInfo, error) {
	containers, err := m.engine.ContainerList(ctx, "app="+constants.DOCKER_APP_LABEL)
	if err != nil {
		return nil, err
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		infos = append(infos, ContainerInfo{
			Name:       name,
			Status:     c.Status,
			Wxid:       c.Labels["wxid"],
			Permission: c.Labels["permission"],
		})
	}
	return infos, nil
}

// ==================== 批量管理 ====================

// StopAll 停止本系统的全部容器
func (m *Manager) StopAll(ctx context.Context) error {
	containers, err := m.ListContainers(ctx)
	if err != nil {
		return err
	}
	for _, c := range containers {
		if c.Wxid != "" {
			_, _ = m.StopContainer(ctx, c.Wxid)
		}
	}
	zap.L().Info("已停止全部容器", zap.Int("count", len(containers)))
	return nil
}

// Cleanup 清理本系统已停止的容器
func (m *Manager) Cleanup(ctx context.Context) error {
	containers, err := m.ListContainers(ctx)
	if err != nil {
		return err
	}
	for _, c := range containers {
		if !strings.Contains(strings.ToLower(c.Status), "up") && c.Wxid != "" {
			_, _ = m.DestroyContainer(ctx, c.Wxid)
		}
	}
	return nil
}

// ==================== 网络与镜像 ====================

// InitNetworks 创建受限网络（不存在时），幂等
func (m *Manager) InitNetworks(ctx context.Context) error {
	name := m.conf.Docker.Network.Trusted
	if name == "" || name == "bridge" || name == "none" {
		return nil
	}
	if m.engine.NetworkExists(ctx, name) {
		zap.L().Debug("网络已存在", zap.String("network", name))
		return nil
	}
	if err := m.engine.NetworkCreate(ctx, name); err != nil {
		zap.L().Warn("创建网络失败", zap.String("network", name), zap.Error(err))
		return nil
	}
	zap.L().Info("网络已创建", zap.String("network", name))
	return nil
}

// HealthCheck 检查引擎可达性
func (m *Manager) HealthCheck(ctx context.Context) error {
	version, err := m.engine.Ping(ctx)
	if err != nil {
		return err
	}
	zap.L().Info("Docker 引擎就绪", zap.String("version", version))
	return nil
}

// ImageExists 检查沙箱镜像是否存在
func (m *Manager) ImageExists(ctx context.Context) (bool, error) {
	return m.engine.ImageExists(ctx, m.conf.Docker.Image)
}

// BuildImage 从 dockerDir 构建沙箱镜像，构建上限 5 分钟
func (m *Manager) BuildImage(ctx context.Context, dockerDir string) error {
	dockerfile := "Dockerfile.sandbox"
	if _, err := os.Stat(filepath.Join(dockerDir, dockerfile)); err != nil {
		return errorx.Wrapf(err, errorx.CodeImageBuildFailed, "找不到 %s", filepath.Join(dockerDir, dockerfile))
	}

	buildContext, err := tarDirectory(dockerDir)
	if err != nil {
		return errorx.Wrap(err, errorx.CodeImageBuildFailed, "打包构建上下文失败")
	}

	buildCtx, cancel := context.WithTimeout(ctx, buildTimeout)
	defer cancel()

	zap.L().Info("开始构建沙箱镜像", zap.String("image", m.conf.Docker.Image))
	if err := m.engine.ImageBuild(buildCtx, bytes.NewReader(buildContext), m.conf.Docker.Image, dockerfile); err != nil {
		return err
	}
	zap.L().Info("镜像构建完成", zap.String("image", m.conf.Docker.Image))
	return nil
}

// tarDirectory 将目录打包为 tar 字节流，作为镜像构建上下文
func tarDirectory(dir string) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		_, err = tw.Write(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// String 便于日志输出关键配置
func (m *Manager) String() string {
	return fmt.Sprintf("Manager{image=%s, prefix=%s, dataDir=%s}",
		m.conf.Docker.Image, m.conf.Docker.ContainerPrefix, m.dataDir)
}
