// Package docker 封装容器引擎访问
// 本文件是 Docker HTTP API 的薄类型封装：每个调用带独立超时，
// 不缓存任何容器状态，所有查询直达引擎
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"claude_bridge_server/pkg/errorx"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// engineCallTimeout 普通引擎调用的单次超时
// exec/镜像构建等长操作由调用方自行给定 deadline
const engineCallTimeout = 30 * time.Second

// ExecResult 容器内命令执行的原始结果
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// EngineClient Docker 引擎客户端
// 通过标准的 unix socket / DOCKER_HOST 环境变量连接
type EngineClient struct {
	cli *client.Client
}

// NewEngineClient 创建引擎客户端
func NewEngineClient() (*EngineClient, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errorx.Wrap(err, errorx.CodeEngineUnavailable, "连接 Docker 引擎失败")
	}
	return &EngineClient{cli: cli}, nil
}

// withTimeout 为单次引擎调用派生带超时的 context
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, engineCallTimeout)
}

// Ping 检查引擎可达性，返回引擎版本号
func (e *EngineClient) Ping(ctx context.Context) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	version, err := e.cli.ServerVersion(ctx)
	if err != nil {
		return "", errorx.Wrap(err, errorx.CodeEngineUnavailable, "Docker 引擎不可达")
	}
	return version.Version, nil
}

// ContainerExists 检查容器是否存在
func (e *EngineClient) ContainerExists(ctx context.Context, name string) bool {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := e.cli.ContainerInspect(ctx, name)
	return err == nil
}

// ContainerRunning 检查容器是否处于运行状态
func (e *EngineClient) ContainerRunning(ctx context.Context, name string) bool {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	info, err := e.cli.ContainerInspect(ctx, name)
	if err != nil || info.State == nil {
		return false
	}
	return info.State.Running
}

// ContainerCreate 创建容器
func (e *EngineClient) ContainerCreate(ctx context.Context, name string, cfg *container.Config, host *container.HostConfig) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := e.cli.ContainerCreate(ctx, cfg, host, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return errorx.Wrapf(err, errorx.CodeContainerOpFailed, "创建容器 %s", name)
	}
	return nil
}

// ContainerStart 启动容器
func (e *EngineClient) ContainerStart(ctx context.Context, name string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	if err := e.cli.ContainerStart(ctx, name, types.ContainerStartOptions{}); err != nil {
		return errorx.Wrapf(err, errorx.CodeContainerOpFailed, "启动容器 %s", name)
	}
	return nil
}

// ContainerStop 停止容器，graceSeconds 为 SIGTERM 宽限期
func (e *EngineClient) ContainerStop(ctx context.Context, name string, graceSeconds int) error {
	// 停止本身可能耗满宽限期，调用超时留出余量
	ctx, cancel := context.WithTimeout(ctx, time.Duration(graceSeconds)*time.Second+engineCallTimeout)
	defer cancel()
	if err := e.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &graceSeconds}); err != nil {
		return errorx.Wrapf(err, errorx.CodeContainerOpFailed, "停止容器 %s", name)
	}
	return nil
}

// ContainerRemove 删除容器；容器不存在视为成功
func (e *EngineClient) ContainerRemove(ctx context.Context, name string, force bool) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	err := e.cli.ContainerRemove(ctx, name, types.ContainerRemoveOptions{Force: force})
	if err != nil && !client.IsErrNotFound(err) {
		return errorx.Wrapf(err, errorx.CodeContainerOpFailed, "删除容器 %s", name)
	}
	return nil
}

// ContainerList 枚举携带指定 label 的容器（含已停止）
func (e *EngineClient) ContainerList(ctx context.Context, label string) ([]types.Container, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	containers, err := e.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", label)),
	})
	if err != nil {
		return nil, errorx.Wrap(err, errorx.CodeContainerOpFailed, "枚举容器失败")
	}
	return containers, nil
}

// ContainerStatsOneShot 单次采样容器资源用量
func (e *EngineClient) ContainerStatsOneShot(ctx context.Context, name string) (*types.StatsJSON, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	resp, err := e.cli.ContainerStatsOneShot(ctx, name)
	if err != nil {
		return nil, errorx.Wrapf(err, errorx.CodeContainerOpFailed, "采样容器 %s", name)
	}
	defer resp.Body.Close()

	var stats types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, errorx.Wrapf(err, errorx.CodeContainerOpFailed, "解析容器 %s 的统计数据", name)
	}
	return &stats, nil
}

// Exec 在容器内执行命令并收集输出
// 执行时长受传入 ctx 的 deadline 约束；超时返回 ctx.Err 包装的错误，
// 已捕获的部分输出仍然返回
func (e *EngineClient) Exec(ctx context.Context, name string, cfg types.ExecConfig) (ExecResult, error) {
	cfg.AttachStdout = true
	cfg.AttachStderr = true

	createCtx, cancel := withTimeout(ctx)
	idResp, err := e.cli.ContainerExecCreate(createCtx, name, cfg)
	cancel()
	if err != nil {
		return ExecResult{}, errorx.Wrapf(err, errorx.CodeExecFailed, "创建 exec 失败 container=%s", name)
	}

	attach, err := e.cli.ContainerExecAttach(ctx, idResp.ID, types.ExecStartCheck{})
	if err != nil {
		return ExecResult{}, errorx.Wrapf(err, errorx.CodeExecFailed, "attach exec 失败 container=%s", name)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		done <- copyErr
	}()

	select {
	case copyErr := <-done:
		result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
		if copyErr != nil {
			return result, errorx.Wrapf(copyErr, errorx.CodeExecFailed, "读取 exec 输出失败 container=%s", name)
		}
		// 进程已结束，取退出码
		inspectCtx, cancelInspect := withTimeout(context.Background())
		defer cancelInspect()
		if inspect, inspectErr := e.cli.ContainerExecInspect(inspectCtx, idResp.ID); inspectErr == nil {
			result.ExitCode = inspect.ExitCode
		}
		return result, nil
	case <-ctx.Done():
		// 超时或取消：断开 attach，返回已捕获的输出
		attach.Close()
		<-done
		return ExecResult{Stdout: stdout.String(), Stderr: stderr.String()},
			errorx.Wrapf(ctx.Err(), errorx.CodeExecTimeout, "exec 超时 container=%s", name)
	}
}

// NetworkExists 检查网络是否存在
func (e *EngineClient) NetworkExists(ctx context.Context, name string) bool {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := e.cli.NetworkInspect(ctx, name, types.NetworkInspectOptions{})
	return err == nil
}

// NetworkCreate 创建 bridge 网络
func (e *EngineClient) NetworkCreate(ctx context.Context, name string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := e.cli.NetworkCreate(ctx, name, types.NetworkCreate{Driver: "bridge"})
	if err != nil {
		return errorx.Wrapf(err, errorx.CodeContainerOpFailed, "创建网络 %s", name)
	}
	return nil
}

// ImageExists 检查镜像是否已存在于本地
func (e *EngineClient) ImageExists(ctx context.Context, ref string) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, _, err := e.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, errorx.Wrapf(err, errorx.CodeContainerOpFailed, "检查镜像 %s", ref)
}

// ImageBuild 从 tar 构建上下文构建镜像
// 构建时长受传入 ctx 的 deadline 约束
func (e *EngineClient) ImageBuild(ctx context.Context, buildContext io.Reader, tag, dockerfile string) error {
	resp, err := e.cli.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: dockerfile,
		Remove:     true,
	})
	if err != nil {
		return errorx.Wrapf(err, errorx.CodeImageBuildFailed, "构建镜像 %s", tag)
	}
	defer resp.Body.Close()

	// 构建输出是 JSON 流，逐条消费并检测错误
	decoder := json.NewDecoder(resp.Body)
	for {
		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return errorx.Wrapf(err, errorx.CodeImageBuildFailed, "读取镜像 %s 构建输出", tag)
		}
		if msg.Error != "" {
			return errorx.New(errorx.CodeImageBuildFailed, fmt.Sprintf("镜像 %s 构建失败: %s", tag, msg.Error))
		}
	}
	return nil
}
