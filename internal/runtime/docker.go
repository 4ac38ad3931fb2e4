package runtime

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"stevedore/internal/common"
)

// DockerRuntime 基于 Docker Engine API 的运行时
type DockerRuntime struct {
	cli    *client.Client
	logger *zap.Logger
}

// NewDockerRuntime 创建 Docker 运行时
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %v", err)
	}
	return &DockerRuntime{
		cli:    cli,
		logger: common.ComponentLogger("docker-runtime"),
	}, nil
}

// Ping 检查 Docker 守护进程是否可达
func (dr *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := dr.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", common.ErrRuntimeUnavailable, err)
	}
	return nil
}

// BuildImage 将构建上下文打包后交给 Docker 构建镜像
func (dr *DockerRuntime) BuildImage(ctx context.Context, contextDir, tag string) error {
	dr.logger.Info("Building image",
		zap.String("context", contextDir),
		zap.String("tag", tag))

	buildContext, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("failed to create build context: %v", err)
	}
	defer buildContext.Close()

	resp, err := dr.cli.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to build image: %v", err)
	}
	defer resp.Body.Close()

	// 构建是流式的，必须读完响应体才算结束
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("failed to read build output: %v", err)
	}

	dr.logger.Info("Image built", zap.String("tag", tag))
	return nil
}

// PullImage 拉取镜像
func (dr *DockerRuntime) PullImage(ctx context.Context, image string) error {
	dr.logger.Info("Pulling image", zap.String("image", image))

	reader, err := dr.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %v", err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to read pull output: %v", err)
	}
	return nil
}

// Create 创建容器
func (dr *DockerRuntime) Create(ctx context.Context, spec Spec) (string, error) {
	exposedPorts := nat.PortSet{}
	portBindings := nat.PortMap{}
	for _, mapping := range spec.Ports {
		port, err := nat.NewPort("tcp", fmt.Sprintf("%d", mapping.ContainerPort))
		if err != nil {
			return "", fmt.Errorf("invalid container port: %v", err)
		}
		exposedPorts[port] = struct{}{}
		portBindings[port] = []nat.PortBinding{{
			HostIP:   "0.0.0.0",
			HostPort: fmt.Sprintf("%d", mapping.HostPort),
		}}
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	config := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Command,
		Env:          env,
		ExposedPorts: exposedPorts,
		Labels: map[string]string{
			"stevedore.service": spec.Name,
		},
	}

	// 重启与日志轮转由守护进程接管，Docker 侧全部关闭
	hostConfig := &container.HostConfig{
		PortBindings: portBindings,
		RestartPolicy: container.RestartPolicy{
			Name: "no",
		},
		LogConfig: container.LogConfig{
			Type: "json-file",
			Config: map[string]string{
				"max-size": "1m",
				"max-file": "1",
			},
		},
	}

	resp, err := dr.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.ContainerName)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %v", err)
	}

	dr.logger.Info("Container created",
		zap.String("service", spec.Name),
		zap.String("container_id", shortID(resp.ID)))
	return resp.ID, nil
}

// Start 启动容器
func (dr *DockerRuntime) Start(ctx context.Context, id string) error {
	if err := dr.cli.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("failed to start container: %v", err)
	}
	return nil
}

// Stop 停止容器
func (dr *DockerRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := dr.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil {
		return fmt.Errorf("failed to stop container: %v", err)
	}
	return nil
}

// Remove 删除容器
func (dr *DockerRuntime) Remove(ctx context.Context, id string) error {
	if err := dr.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove container: %v", err)
	}
	return nil
}

// Wait 等待容器退出
func (dr *DockerRuntime) Wait(ctx context.Context, id string) (<-chan ExitResult, error) {
	resultChan := make(chan ExitResult, 1)
	waitChan, errChan := dr.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	go func() {
		select {
		case resp := <-waitChan:
			resultChan <- ExitResult{Code: int(resp.StatusCode)}
		case err := <-errChan:
			resultChan <- ExitResult{Code: -1, Err: err}
		case <-ctx.Done():
			resultChan <- ExitResult{Code: -1, Err: ctx.Err()}
		}
	}()
	return resultChan, nil
}

// Logs 获取容器输出流并拆分 stdout/stderr
func (dr *DockerRuntime) Logs(ctx context.Context, id string, follow bool) (io.ReadCloser, io.ReadCloser, error) {
	multiplexed, err := dr.cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     follow,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get container logs: %v", err)
	}

	// Docker 的日志流是多路复用的，用 stdcopy 拆分
	stdoutReader, stdoutWriter := io.Pipe()
	stderrReader, stderrWriter := io.Pipe()
	go func() {
		defer multiplexed.Close()
		_, err := stdcopy.StdCopy(stdoutWriter, stderrWriter, multiplexed)
		stdoutWriter.CloseWithError(err)
		stderrWriter.CloseWithError(err)
	}()

	return stdoutReader, stderrReader, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
