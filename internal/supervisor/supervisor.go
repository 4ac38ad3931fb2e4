package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"stevedore/internal/common"
	"stevedore/internal/runtime"
)

// Launcher 由守护进程提供的服务启动回调
//
// 重启是一次全新的 Launch，运行时实例、日志管道和健康探测
// 都由回调方重新接线。
type Launcher interface {
	// Launch 启动一次服务实例，返回实例 ID 和退出通道
	Launch(ctx context.Context) (string, <-chan runtime.ExitResult, error)

	// Terminate 终止服务实例
	Terminate(ctx context.Context, instanceID string) error
}

// Publisher 事件发布接口
type Publisher interface {
	Publish(event common.ServiceEvent)
}

// Config 监督器配置
type Config struct {
	Policy     common.RestartPolicy
	MaxRetries int // on-failure 的最大重试次数，0 不限

	// 重启退避
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// 运行超过该时长视为稳定，复位退避和重试计数
	StableRunThreshold time.Duration

	// 终止实例后等待退出的上限，超时按强杀处理
	TerminateTimeout time.Duration
}

// 默认退避参数，与 compose 的重启节奏一致
const (
	DefaultInitialBackoff     = 500 * time.Millisecond
	DefaultMaxBackoff         = 1 * time.Minute
	DefaultStableRunThreshold = 10 * time.Second
	DefaultTerminateTimeout   = 1 * time.Minute
)

// Supervisor 单个服务的监督器
//
// 每个已部署服务对应一个监督循环 goroutine，负责启动实例、
// 等待退出、按重启策略拉起，以及响应操作员停止和健康检查失败。
type Supervisor struct {
	service  string
	config   Config
	launcher Launcher
	events   Publisher

	mu         sync.RWMutex
	state      common.ServiceState
	instanceID string
	restarts   int
	exitCode   int
	startedAt  time.Time
	finishedAt time.Time

	operatorStopped bool

	stopChan      chan struct{}
	unhealthyChan chan string
	done          chan struct{}
	stopOnce      sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

// New 创建服务监督器
func New(service string, config Config, launcher Launcher, events Publisher) *Supervisor {
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = DefaultInitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = DefaultMaxBackoff
	}
	if config.StableRunThreshold <= 0 {
		config.StableRunThreshold = DefaultStableRunThreshold
	}
	if config.TerminateTimeout <= 0 {
		config.TerminateTimeout = DefaultTerminateTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		service:       service,
		config:        config,
		launcher:      launcher,
		events:        events,
		state:         common.ServiceStatePending,
		exitCode:      -1,
		stopChan:      make(chan struct{}),
		unhealthyChan: make(chan string, 1),
		done:          make(chan struct{}),
		ctx:           ctx,
		cancel:        cancel,
		logger:        common.ServiceLogger("supervisor", service),
	}
}

// Start 启动监督循环
func (s *Supervisor) Start() {
	go s.run()
}

// Stop 操作员停止服务，阻塞到监督循环退出
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.operatorStopped = true
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopChan) })

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for %s supervisor to stop", common.ErrOperationTimeout, s.service)
	}
}

// NotifyUnhealthy 健康探测失败达到阈值时由探测器调用
func (s *Supervisor) NotifyUnhealthy(message string) {
	select {
	case s.unhealthyChan <- message:
	default:
	}
}

// Done 监督循环结束通知
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Status 返回监督器当前状态
func (s *Supervisor) Status() (common.ServiceState, string, int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.instanceID, s.restarts, s.exitCode
}

// StartedAt 返回当前实例的启动时间
func (s *Supervisor) StartedAt() (time.Time, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt, s.finishedAt
}

func (s *Supervisor) run() {
	defer close(s.done)
	defer s.cancel()

	restartBackoff := backoff.NewExponentialBackOff()
	restartBackoff.InitialInterval = s.config.InitialBackoff
	restartBackoff.MaxInterval = s.config.MaxBackoff
	restartBackoff.MaxElapsedTime = 0 // 退避永不过期，由策略决定是否放弃
	restartBackoff.Reset()

	attempt := 0
	for {
		s.setState(common.ServiceStateStarting)

		instanceID, exitChan, err := s.launcher.Launch(s.ctx)
		if err != nil {
			s.logger.Error("Failed to launch service", zap.Error(err))
			s.publish(common.EventTypeServiceFailed, err.Error(), attempt, -1)
			if s.handleExit(restartBackoff, &attempt, -1, 0) {
				continue
			}
			return
		}

		s.mu.Lock()
		s.instanceID = instanceID
		s.startedAt = time.Now()
		s.finishedAt = time.Time{}
		s.state = common.ServiceStateRunning
		s.mu.Unlock()
		s.publish(common.EventTypeServiceStarted, "", attempt, 0)

		runStart := time.Now()
		exitCode, stopped := s.waitForExit(instanceID, exitChan)
		s.mu.Lock()
		s.finishedAt = time.Now()
		s.exitCode = exitCode
		s.mu.Unlock()

		if stopped {
			s.setState(common.ServiceStateStopped)
			s.publish(common.EventTypeServiceStopped, "", attempt, exitCode)
			return
		}

		s.publish(common.EventTypeServiceExited, "", attempt, exitCode)

		// 稳定运行后复位退避与重试计数
		if time.Since(runStart) >= s.config.StableRunThreshold {
			restartBackoff.Reset()
			attempt = 0
		}

		if !s.handleExit(restartBackoff, &attempt, exitCode, time.Since(runStart)) {
			return
		}
	}
}

// waitForExit 等待实例退出、操作员停止或健康检查失败
func (s *Supervisor) waitForExit(instanceID string, exitChan <-chan runtime.ExitResult) (int, bool) {
	for {
		select {
		case result := <-exitChan:
			if result.Err != nil {
				s.logger.Warn("Wait failed", zap.Error(result.Err))
			}
			return result.Code, false

		case <-s.stopChan:
			s.terminate(instanceID)
			result := s.awaitExit(instanceID, exitChan)
			return result.Code, true

		case message := <-s.unhealthyChan:
			s.logger.Warn("Service became unhealthy, restarting", zap.String("reason", message))
			s.publish(common.EventTypeServiceUnhealthy, message, 0, 0)
			s.terminate(instanceID)
			result := s.awaitExit(instanceID, exitChan)
			code := result.Code
			if code == 0 {
				// 被我们终止的不健康实例按失败处理
				code = 137
			}
			return code, false
		}
	}
}

// awaitExit 终止后等待实例退出，最多等 TerminateTimeout
//
// 终止失败或运行时不报告退出时不能卡死监督循环，
// 超时按 SIGKILL 退出码处理。
func (s *Supervisor) awaitExit(instanceID string, exitChan <-chan runtime.ExitResult) runtime.ExitResult {
	select {
	case result := <-exitChan:
		return result
	case <-time.After(s.config.TerminateTimeout):
		s.logger.Error("Instance did not exit after terminate",
			zap.String("instance_id", instanceID),
			zap.Duration("timeout", s.config.TerminateTimeout))
		return runtime.ExitResult{
			Code: 137,
			Err:  fmt.Errorf("%w: instance did not exit after terminate", common.ErrOperationTimeout),
		}
	}
}

func (s *Supervisor) terminate(instanceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.launcher.Terminate(ctx, instanceID); err != nil {
		s.logger.Error("Failed to terminate instance",
			zap.String("instance_id", instanceID),
			zap.Error(err))
	}
}

// handleExit 判定并执行重启，返回 false 表示监督循环结束
func (s *Supervisor) handleExit(restartBackoff *backoff.ExponentialBackOff, attempt *int, exitCode int, runDuration time.Duration) bool {
	s.mu.RLock()
	operatorStopped := s.operatorStopped
	s.mu.RUnlock()

	if decide(s.config.Policy, s.config.MaxRetries, exitCode, *attempt, operatorStopped) != DecisionRestart {
		if exitCode == 0 {
			s.setState(common.ServiceStateExited)
		} else {
			s.setState(common.ServiceStateFailed)
		}
		return false
	}

	*attempt++
	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()
	common.GetMetrics().IncrementRestarts()

	delay := restartBackoff.NextBackOff()
	s.setState(common.ServiceStateRestarting)
	s.publish(common.EventTypeServiceRestarting,
		fmt.Sprintf("restarting in %s", delay.Round(time.Millisecond)), *attempt, exitCode)
	s.logger.Info("Restarting service",
		zap.Int("attempt", *attempt),
		zap.Int("exit_code", exitCode),
		zap.Duration("delay", delay),
		zap.Duration("run_duration", runDuration))

	select {
	case <-time.After(delay):
		return true
	case <-s.stopChan:
		s.setState(common.ServiceStateStopped)
		s.publish(common.EventTypeServiceStopped, "", *attempt, exitCode)
		return false
	}
}

func (s *Supervisor) setState(state common.ServiceState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Supervisor) publish(eventType, message string, attempt, exitCode int) {
	if s.events == nil {
		return
	}
	s.events.Publish(common.ServiceEvent{
		Service:   s.service,
		Type:      eventType,
		Message:   message,
		Attempt:   attempt,
		ExitCode:  exitCode,
		Timestamp: time.Now(),
	})
}
