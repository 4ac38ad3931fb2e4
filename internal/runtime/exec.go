package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"stevedore/internal/common"
)

// ExecRuntime 把服务作为本地进程运行的运行时
//
// 开发与测试场景使用，不提供隔离。镜像相关操作是空操作，
// 服务必须声明 command。
type ExecRuntime struct {
	mu        sync.RWMutex
	processes map[string]*execProcess
	workDir   string
	logger    *zap.Logger
}

type execProcess struct {
	mu       sync.RWMutex
	spec     Spec
	cmd      *exec.Cmd
	dir      string
	pid      int
	exitCode int
	running  bool
	done     chan struct{}

	stdoutPath string
	stderrPath string
}

// NewExecRuntime 创建本地进程运行时
func NewExecRuntime(workDir string) *ExecRuntime {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "stevedore", "services")
	}
	return &ExecRuntime{
		processes: make(map[string]*execProcess),
		workDir:   workDir,
		logger:    common.ComponentLogger("exec-runtime"),
	}
}

// Ping 本地运行时始终可用
func (er *ExecRuntime) Ping(ctx context.Context) error {
	return nil
}

// BuildImage 本地运行时不构建镜像
func (er *ExecRuntime) BuildImage(ctx context.Context, contextDir, tag string) error {
	er.logger.Debug("Skipping image build for exec runtime", zap.String("tag", tag))
	return nil
}

// PullImage 本地运行时不拉取镜像
func (er *ExecRuntime) PullImage(ctx context.Context, image string) error {
	er.logger.Debug("Skipping image pull for exec runtime", zap.String("image", image))
	return nil
}

// Create 准备服务进程的工作目录和输出文件
func (er *ExecRuntime) Create(ctx context.Context, spec Spec) (string, error) {
	if len(spec.Command) == 0 {
		return "", common.NewValidationError("command", "exec runtime requires an explicit command", spec.Name)
	}

	id := fmt.Sprintf("%s-%d", spec.Name, time.Now().UnixNano())
	dir := filepath.Join(er.workDir, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create service directory: %v", err)
	}

	process := &execProcess{
		spec:       spec,
		dir:        dir,
		exitCode:   -1,
		done:       make(chan struct{}),
		stdoutPath: filepath.Join(dir, "stdout.log"),
		stderrPath: filepath.Join(dir, "stderr.log"),
	}

	er.mu.Lock()
	er.processes[id] = process
	er.mu.Unlock()

	return id, nil
}

// Start 启动服务进程
func (er *ExecRuntime) Start(ctx context.Context, id string) error {
	process, err := er.lookup(id)
	if err != nil {
		return err
	}

	process.mu.Lock()
	defer process.mu.Unlock()
	if process.running {
		return fmt.Errorf("process %s is already running", id)
	}

	var cmd *exec.Cmd
	if len(process.spec.Command) == 1 {
		cmd = exec.Command("/bin/sh", "-c", process.spec.Command[0])
	} else {
		cmd = exec.Command(process.spec.Command[0], process.spec.Command[1:]...)
	}
	cmd.Dir = process.dir
	cmd.Env = er.prepareEnvironment(process.spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	stdoutFile, err := os.OpenFile(process.stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to prepare stdout file: %v", err)
	}
	stderrFile, err := os.OpenFile(process.stderrPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		stdoutFile.Close()
		return fmt.Errorf("failed to prepare stderr file: %v", err)
	}
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile

	if err := cmd.Start(); err != nil {
		stdoutFile.Close()
		stderrFile.Close()
		return fmt.Errorf("failed to start process: %v", err)
	}

	process.cmd = cmd
	process.pid = cmd.Process.Pid
	process.running = true

	er.logger.Info("Service process started",
		zap.String("service", process.spec.Name),
		zap.String("id", id),
		zap.Int("pid", process.pid))

	go func() {
		err := cmd.Wait()
		stdoutFile.Close()
		stderrFile.Close()

		process.mu.Lock()
		process.running = false
		process.exitCode = 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				process.exitCode = exitErr.ExitCode()
			} else {
				process.exitCode = -1
			}
		}
		process.mu.Unlock()
		close(process.done)
	}()

	return nil
}

// Stop 先发 SIGTERM，超时后对进程组发 SIGKILL
func (er *ExecRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	process, err := er.lookup(id)
	if err != nil {
		return err
	}

	process.mu.RLock()
	running := process.running
	pid := process.pid
	process.mu.RUnlock()
	if !running {
		return nil
	}

	_ = syscall.Kill(-pid, syscall.SIGTERM)

	select {
	case <-process.done:
		return nil
	case <-time.After(timeout):
		er.logger.Warn("Process did not exit in time, killing",
			zap.String("id", id),
			zap.Int("pid", pid))
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-process.done:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("process %s did not exit after SIGKILL", id)
	}
	return nil
}

// Remove 清理服务进程的工作目录
func (er *ExecRuntime) Remove(ctx context.Context, id string) error {
	process, err := er.lookup(id)
	if err != nil {
		return err
	}

	process.mu.RLock()
	running := process.running
	process.mu.RUnlock()
	if running {
		return fmt.Errorf("%w: process %s is still running", common.ErrInvalidState, id)
	}

	er.mu.Lock()
	delete(er.processes, id)
	er.mu.Unlock()

	return os.RemoveAll(process.dir)
}

// Wait 等待服务进程退出
func (er *ExecRuntime) Wait(ctx context.Context, id string) (<-chan ExitResult, error) {
	process, err := er.lookup(id)
	if err != nil {
		return nil, err
	}

	resultChan := make(chan ExitResult, 1)
	go func() {
		select {
		case <-process.done:
			process.mu.RLock()
			code := process.exitCode
			process.mu.RUnlock()
			resultChan <- ExitResult{Code: code}
		case <-ctx.Done():
			resultChan <- ExitResult{Code: -1, Err: ctx.Err()}
		}
	}()
	return resultChan, nil
}

// Logs 返回服务进程的输出流
func (er *ExecRuntime) Logs(ctx context.Context, id string, follow bool) (io.ReadCloser, io.ReadCloser, error) {
	process, err := er.lookup(id)
	if err != nil {
		return nil, nil, err
	}

	if !follow {
		stdout, err := os.Open(process.stdoutPath)
		if err != nil {
			return nil, nil, err
		}
		stderr, err := os.Open(process.stderrPath)
		if err != nil {
			stdout.Close()
			return nil, nil, err
		}
		return stdout, stderr, nil
	}

	stdout, err := newTailReader(process.stdoutPath, process.done)
	if err != nil {
		return nil, nil, err
	}
	stderr, err := newTailReader(process.stderrPath, process.done)
	if err != nil {
		stdout.Close()
		return nil, nil, err
	}
	return stdout, stderr, nil
}

func (er *ExecRuntime) lookup(id string) (*execProcess, error) {
	er.mu.RLock()
	defer er.mu.RUnlock()
	process, ok := er.processes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrServiceNotFound, id)
	}
	return process, nil
}

func (er *ExecRuntime) prepareEnvironment(env map[string]string) []string {
	merged := os.Environ()
	for k, v := range env {
		merged = append(merged, k+"="+v)
	}
	return merged
}

// tailReader 跟随写入中的输出文件，进程退出且读到末尾后返回 EOF
type tailReader struct {
	file *os.File
	done <-chan struct{}
}

func newTailReader(path string, done <-chan struct{}) (*tailReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &tailReader{file: file, done: done}, nil
}

func (tr *tailReader) Read(p []byte) (int, error) {
	for {
		n, err := tr.file.Read(p)
		if n > 0 || err != io.EOF {
			return n, err
		}
		select {
		case <-tr.done:
			// 进程已退出，把文件里剩余内容读完
			if n, _ := tr.file.Read(p); n > 0 {
				return n, nil
			}
			return 0, io.EOF
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (tr *tailReader) Close() error {
	return tr.file.Close()
}
