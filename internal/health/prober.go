package health

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"stevedore/internal/common"
	"stevedore/internal/stack"
)

// Report 健康状态变化通知
type Report struct {
	Service  string             `json:"service"`
	State    common.HealthState `json:"state"`
	Failures int                `json:"failures"`
	Message  string             `json:"message,omitempty"`
}

// Prober 按描述文件的 healthcheck 配置周期性探测服务
//
// start_period 内的失败不计入失败次数，连续失败 retries 次
// 判定为不健康。一次成功即复位失败计数。
type Prober struct {
	service     string
	test        []string
	interval    time.Duration
	timeout     time.Duration
	retries     int
	startPeriod time.Duration

	notify func(Report)

	mu       sync.Mutex
	state    common.HealthState
	failures int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	logger *zap.Logger

	httpClient *http.Client

	// 测试注入点，默认使用真实探测
	probeFunc func(ctx context.Context) error
}

// NewProber 创建健康探测器，healthcheck 未配置时返回 nil
func NewProber(service string, hc *stack.Healthcheck, notify func(Report)) *Prober {
	if hc == nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Prober{
		service:     service,
		test:        append([]string(nil), hc.Test...),
		interval:    hc.Interval.Std(),
		timeout:     hc.Timeout.Std(),
		retries:     hc.Retries,
		startPeriod: hc.StartPeriod.Std(),
		notify:      notify,
		state:       common.HealthStateStarting,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		logger:      common.ServiceLogger("health-prober", service),
	}
	p.httpClient = &http.Client{Timeout: p.timeout}
	p.probeFunc = p.probe
	return p
}

// Start 启动探测循环
func (p *Prober) Start() {
	go p.run()
}

// Stop 停止探测
func (p *Prober) Stop() {
	p.cancel()
	<-p.done
}

// State 返回当前健康状态
func (p *Prober) State() common.HealthState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Prober) run() {
	defer close(p.done)

	started := time.Now()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}

		probeCtx, cancel := context.WithTimeout(p.ctx, p.timeout)
		err := p.probeFunc(probeCtx)
		cancel()

		if p.ctx.Err() != nil {
			return
		}
		common.GetMetrics().RecordProbe(err != nil)
		p.record(err, time.Since(started) >= p.startPeriod)
	}
}

// record 根据单次探测结果推进健康状态
func (p *Prober) record(err error, afterStartPeriod bool) {
	p.mu.Lock()

	var report *Report
	if err == nil {
		p.failures = 0
		if p.state != common.HealthStateHealthy {
			p.state = common.HealthStateHealthy
			report = &Report{Service: p.service, State: p.state}
		}
	} else if afterStartPeriod {
		p.failures++
		p.logger.Debug("Health probe failed",
			zap.Int("failures", p.failures),
			zap.Int("retries", p.retries),
			zap.Error(err))
		if p.failures >= p.retries && p.state != common.HealthStateUnhealthy {
			p.state = common.HealthStateUnhealthy
			report = &Report{
				Service:  p.service,
				State:    p.state,
				Failures: p.failures,
				Message:  err.Error(),
			}
		}
	}
	p.mu.Unlock()

	if report != nil && p.notify != nil {
		p.notify(*report)
	}
}

// probe 执行一次健康检查
func (p *Prober) probe(ctx context.Context) error {
	switch p.test[0] {
	case "CMD":
		return p.probeCommand(ctx, p.test[1:])
	case "CMD-SHELL":
		return p.probeShell(ctx, strings.Join(p.test[1:], " "))
	default:
		return fmt.Errorf("unsupported healthcheck test type %q", p.test[0])
	}
}

func (p *Prober) probeCommand(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("healthcheck command is empty")
	}

	// curl/wget 探测直接走 HTTP，exec 运行时下不依赖外部二进制
	if url, ok := httpProbeURL(args); ok {
		return p.probeHTTP(ctx, url)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("health command failed: %v: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

func (p *Prober) probeShell(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("health command failed: %v: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

func (p *Prober) probeHTTP(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// httpProbeURL 识别 curl -f URL / wget URL 形式的探测命令
func httpProbeURL(args []string) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	switch args[0] {
	case "curl", "wget":
	default:
		return "", false
	}
	for i := len(args) - 1; i > 0; i-- {
		arg := args[i]
		if strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") {
			return arg, true
		}
	}
	return "", false
}
