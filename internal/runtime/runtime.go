package runtime

import (
	"context"
	"fmt"
	"io"
	"time"

	"stevedore/internal/common"
)

// Spec 运行时无关的服务启动描述
type Spec struct {
	Name          string               `json:"name"`
	Image         string               `json:"image"`
	ContainerName string               `json:"container_name"`
	Command       []string             `json:"command,omitempty"`
	Env           map[string]string    `json:"env,omitempty"`
	Ports         []common.PortMapping `json:"ports,omitempty"`
}

// ExitResult 服务进程退出结果
type ExitResult struct {
	Code int
	Err  error
}

// Runtime 容器运行时接口
//
// 守护进程通过该接口屏蔽 docker 与本地进程两种执行方式。
// 重启策略与日志轮转由守护进程自己实现，运行时只负责单次运行。
type Runtime interface {
	// Ping 检查运行时是否可用
	Ping(ctx context.Context) error

	// BuildImage 从构建上下文构建镜像
	BuildImage(ctx context.Context, contextDir, tag string) error

	// PullImage 拉取镜像
	PullImage(ctx context.Context, image string) error

	// Create 创建服务实例，返回实例 ID
	Create(ctx context.Context, spec Spec) (string, error)

	// Start 启动服务实例
	Start(ctx context.Context, id string) error

	// Stop 停止服务实例，超时后强制终止
	Stop(ctx context.Context, id string, timeout time.Duration) error

	// Remove 删除服务实例
	Remove(ctx context.Context, id string) error

	// Wait 等待服务实例退出，结果通过通道返回
	Wait(ctx context.Context, id string) (<-chan ExitResult, error)

	// Logs 获取服务实例的输出流
	Logs(ctx context.Context, id string, follow bool) (stdout, stderr io.ReadCloser, err error)
}

// New 根据配置创建运行时
func New(config common.RuntimeConfig) (Runtime, error) {
	switch config.Type {
	case "docker":
		return NewDockerRuntime()
	case "exec":
		return NewExecRuntime(config.WorkDir), nil
	default:
		return nil, fmt.Errorf("%w: unknown runtime type %q", common.ErrInvalidConfiguration, config.Type)
	}
}
