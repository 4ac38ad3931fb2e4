package daemon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"stevedore/internal/common"
	"stevedore/internal/health"
	"stevedore/internal/logdriver"
	"stevedore/internal/runtime"
	"stevedore/internal/stack"
	"stevedore/internal/state"
	"stevedore/internal/supervisor"
)

// managedService 守护进程里一个被监督的服务
//
// 作为监督器的 Launcher：每次 Launch 创建新的运行时实例，
// 并重新接线日志管道和健康探测器。
type managedService struct {
	name        string
	descriptor  *stack.Service
	runtimeSpec runtime.Spec
	logOptions  stack.LogDriverOptions
	healthcheck *stack.Healthcheck

	daemon *Daemon

	mu         sync.Mutex
	sup        *supervisor.Supervisor
	instanceID string
	prober     *health.Prober
	pipeline   *logdriver.Pipeline

	building bool
	logger   *zap.Logger
}

// newManagedService 规范化描述并创建监督器
func (d *Daemon) newManagedService(name string, spec *stack.Service, image string) (*managedService, error) {
	ports, err := spec.PortMappings()
	if err != nil {
		return nil, err
	}
	env, err := spec.EnvMap()
	if err != nil {
		return nil, err
	}
	logOptions, err := spec.LogOptions()
	if err != nil {
		return nil, err
	}

	containerName := spec.ContainerName
	if containerName == "" {
		containerName = "stevedore-" + name
	}

	ms := &managedService{
		name:       name,
		descriptor: spec,
		runtimeSpec: runtime.Spec{
			Name:          name,
			Image:         image,
			ContainerName: containerName,
			Command:       spec.Command,
			Env:           env,
			Ports:         ports,
		},
		logOptions:  logOptions,
		healthcheck: spec.HealthcheckOrDefault(),
		daemon:      d,
		logger:      common.ServiceLogger("service", name),
	}
	ms.resetSupervisor()
	return ms, nil
}

// resetSupervisor 创建新的监督器，旧监督循环必须已经结束
func (ms *managedService) resetSupervisor() {
	policy, maxRetries := ms.descriptor.RestartPolicy()
	sup := supervisor.New(ms.name, supervisor.Config{
		Policy:     policy,
		MaxRetries: maxRetries,
	}, ms, ms.daemon.bus)

	ms.mu.Lock()
	ms.sup = sup
	ms.mu.Unlock()
}

// supervisor 读取当前监督器，StartService 会换新实例
func (ms *managedService) supervisor() *supervisor.Supervisor {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.sup
}

// Launch 启动一次服务实例
func (ms *managedService) Launch(ctx context.Context) (string, <-chan runtime.ExitResult, error) {
	ms.cleanupInstance()

	rt := ms.daemon.rt
	instanceID, err := rt.Create(ctx, ms.runtimeSpec)
	if err != nil {
		return "", nil, err
	}
	if err := rt.Start(ctx, instanceID); err != nil {
		_ = rt.Remove(context.Background(), instanceID)
		return "", nil, err
	}

	// Wait 和日志流要跨越 Launch 的生命周期，不挂在启动 ctx 上
	exitChan, err := rt.Wait(context.Background(), instanceID)
	if err != nil {
		_ = rt.Stop(context.Background(), instanceID, ms.daemon.config.Runtime.StopTimeout)
		return "", nil, err
	}

	pipeline, err := logdriver.NewPipeline(ms.name, ms.daemon.config.Logs.Directory, ms.logOptions)
	if err != nil {
		return "", nil, err
	}
	stdout, stderr, err := rt.Logs(context.Background(), instanceID, true)
	if err != nil {
		ms.logger.Warn("Failed to attach log stream", zap.Error(err))
	} else {
		pipeline.Attach(stdout, stderr)
	}

	var prober *health.Prober
	if ms.healthcheck != nil {
		prober = health.NewProber(ms.name, ms.healthcheck, ms.onHealthReport)
		prober.Start()
	}

	ms.mu.Lock()
	ms.instanceID = instanceID
	ms.pipeline = pipeline
	ms.prober = prober
	ms.mu.Unlock()

	// 实例退出后先收尾探测器和日志管道，再把结果交给监督器
	wrapped := make(chan runtime.ExitResult, 1)
	go func() {
		result := <-exitChan
		ms.teardownInstance()
		wrapped <- result
	}()

	return instanceID, wrapped, nil
}

// Terminate 终止服务实例
func (ms *managedService) Terminate(ctx context.Context, instanceID string) error {
	return ms.daemon.rt.Stop(ctx, instanceID, ms.daemon.config.Runtime.StopTimeout)
}

// onHealthReport 健康状态变化回调
func (ms *managedService) onHealthReport(report health.Report) {
	switch report.State {
	case common.HealthStateHealthy:
		ms.daemon.bus.Publish(common.ServiceEvent{
			Service:   ms.name,
			Type:      common.EventTypeServiceHealthy,
			Timestamp: time.Now(),
		})
	case common.HealthStateUnhealthy:
		ms.logger.Warn("Service is unhealthy",
			zap.Int("failures", report.Failures),
			zap.String("message", report.Message))
		ms.supervisor().NotifyUnhealthy(report.Message)
	}
}

// teardownInstance 实例退出后停止探测器并关闭日志管道
func (ms *managedService) teardownInstance() {
	ms.mu.Lock()
	prober := ms.prober
	pipeline := ms.pipeline
	ms.prober = nil
	ms.pipeline = nil
	ms.mu.Unlock()

	if prober != nil {
		prober.Stop()
	}
	if pipeline != nil {
		if err := pipeline.Close(); err != nil {
			ms.logger.Warn("Failed to close log pipeline", zap.Error(err))
		}
	}
}

// cleanupInstance 移除上一个运行时实例
func (ms *managedService) cleanupInstance() {
	ms.mu.Lock()
	instanceID := ms.instanceID
	ms.instanceID = ""
	ms.mu.Unlock()
	if instanceID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ms.daemon.rt.Remove(ctx, instanceID); err != nil {
		ms.logger.Debug("Failed to remove previous instance",
			zap.String("instance_id", instanceID),
			zap.Error(err))
	}
}

// status 汇总服务状态视图
func (ms *managedService) status(store state.Store) common.ServiceStatus {
	status := common.ServiceStatus{
		Name:         ms.name,
		DesiredState: common.DesiredStateRunning,
	}
	if ms.building {
		status.State = common.ServiceStateBuilding
		return status
	}

	status.Image = ms.runtimeSpec.Image
	status.Ports = ms.runtimeSpec.Ports

	sup := ms.supervisor()
	st, instanceID, restarts, exitCode := sup.Status()
	status.State = st
	status.ContainerID = instanceID
	status.Restarts = restarts
	status.ExitCode = exitCode
	status.StartedAt, status.FinishedAt = sup.StartedAt()

	ms.mu.Lock()
	prober := ms.prober
	ms.mu.Unlock()
	if ms.healthcheck == nil {
		status.Health = common.HealthStateNone
	} else if prober != nil {
		status.Health = prober.State()
	} else {
		status.Health = common.HealthStateNone
	}

	if record, ok := store.GetService(ms.name); ok {
		status.DesiredState = record.DesiredState
	}
	return status
}

// tailLogs 读取服务日志尾部
func (ms *managedService) tailLogs(tail int) ([]logdriver.Entry, error) {
	ms.mu.Lock()
	pipeline := ms.pipeline
	ms.mu.Unlock()

	if pipeline != nil {
		return pipeline.Tail(tail)
	}

	// 实例已退出，直接读日志文件
	p, err := logdriver.NewPipeline(ms.name, ms.daemon.config.Logs.Directory, ms.logOptions)
	if err != nil {
		return nil, err
	}
	defer p.Close()
	return p.Tail(tail)
}
