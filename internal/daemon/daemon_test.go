package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stevedore/internal/common"
	"stevedore/internal/runtime"
	"stevedore/internal/stack"
	"stevedore/internal/state"
)

// fakeRuntime 内存运行时，实例一直运行直到 Stop
type fakeRuntime struct {
	mu        sync.Mutex
	builds    map[string]string // tag -> context dir
	pulls     []string
	instances map[string]chan runtime.ExitResult
	removed   []string
	nextID    int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		builds:    make(map[string]string),
		instances: make(map[string]chan runtime.ExitResult),
	}
}

func (f *fakeRuntime) Ping(ctx context.Context) error { return nil }

func (f *fakeRuntime) BuildImage(ctx context.Context, contextDir, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds[tag] = contextDir
	return nil
}

func (f *fakeRuntime) PullImage(ctx context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, image)
	return nil
}

func (f *fakeRuntime) Create(ctx context.Context, spec runtime.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("%s-%d", spec.Name, f.nextID)
	f.instances[id] = make(chan runtime.ExitResult, 1)
	return id, nil
}

func (f *fakeRuntime) Start(ctx context.Context, id string) error { return nil }

func (f *fakeRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.instances[id]; ok {
		select {
		case ch <- runtime.ExitResult{Code: 0}:
		default:
		}
	}
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.instances, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) Wait(ctx context.Context, id string) (<-chan runtime.ExitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.instances[id]
	if !ok {
		return nil, fmt.Errorf("unknown instance %s", id)
	}
	return ch, nil
}

func (f *fakeRuntime) Logs(ctx context.Context, id string, follow bool) (io.ReadCloser, io.ReadCloser, error) {
	return nil, nil, nil
}

func testDaemon(t *testing.T) (*Daemon, *fakeRuntime) {
	t.Helper()
	config := common.GetDefaultConfig()
	config.Runtime.StopTimeout = time.Second
	config.Logs.Directory = t.TempDir()
	config.State.Directory = t.TempDir()

	rt := newFakeRuntime()
	d := New(config, rt, state.NewMemoryStore())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return d, rt
}

func testStack(t *testing.T, yamlText string) *stack.Stack {
	t.Helper()
	st, err := stack.Parse([]byte(yamlText))
	require.NoError(t, err)
	return st
}

func waitForState(t *testing.T, d *Daemon, name string, want common.ServiceState) {
	t.Helper()
	require.Eventually(t, func() bool {
		status, err := d.GetService(name)
		return err == nil && status.State == want
	}, 5*time.Second, 5*time.Millisecond, "service %s never reached %s", name, want)
}

func TestDaemonDeployBuildsImage(t *testing.T) {
	d, rt := testDaemon(t)
	st := testStack(t, `
services:
  pdf-extractor:
    build: .
    ports: ["5000:5000"]
    environment:
      - FLASK_ENV=production
    restart: unless-stopped
`)

	deployed, err := d.Deploy(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, []string{"pdf-extractor"}, deployed)

	// build 且未指定 image 时使用默认标签
	rt.mu.Lock()
	assert.Equal(t, ".", rt.builds["stevedore/pdf-extractor:latest"])
	rt.mu.Unlock()

	waitForState(t, d, "pdf-extractor", common.ServiceStateRunning)

	status, err := d.GetService("pdf-extractor")
	require.NoError(t, err)
	assert.Equal(t, "stevedore/pdf-extractor:latest", status.Image)
	assert.Equal(t, common.DesiredStateRunning, status.DesiredState)
	assert.Equal(t, common.HealthStateNone, status.Health)
	require.Len(t, status.Ports, 1)
	assert.Equal(t, "5000:5000", status.Ports[0].String())
}

func TestDaemonDeployPullsImage(t *testing.T) {
	d, rt := testDaemon(t)
	st := testStack(t, `
services:
  cache:
    image: redis:7-alpine
`)

	_, err := d.Deploy(context.Background(), st)
	require.NoError(t, err)

	rt.mu.Lock()
	assert.Equal(t, []string{"redis:7-alpine"}, rt.pulls)
	rt.mu.Unlock()
}

func TestDaemonDeployOrderFollowsDependencies(t *testing.T) {
	d, _ := testDaemon(t)
	st := testStack(t, `
services:
  web:
    image: web
    depends_on: [db]
  db:
    image: db
`)

	deployed, err := d.Deploy(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, []string{"db", "web"}, deployed)
	assert.Len(t, d.ListServices(), 2)
}

func TestDaemonDeployInvalidStack(t *testing.T) {
	d, _ := testDaemon(t)
	st := &stack.Stack{Services: map[string]*stack.Service{}}
	_, err := d.Deploy(context.Background(), st)
	assert.Error(t, err)
}

func TestDaemonStopStartService(t *testing.T) {
	d, _ := testDaemon(t)
	st := testStack(t, `
services:
  web:
    image: web
    restart: unless-stopped
`)
	_, err := d.Deploy(context.Background(), st)
	require.NoError(t, err)
	waitForState(t, d, "web", common.ServiceStateRunning)

	// 停止：期望状态落盘，实例终止且不被 unless-stopped 拉起
	require.NoError(t, d.StopService(context.Background(), "web"))
	waitForState(t, d, "web", common.ServiceStateStopped)

	record, ok := d.store.GetService("web")
	require.True(t, ok)
	assert.Equal(t, common.DesiredStateStopped, record.DesiredState)

	// 运行中的服务不能重复 start
	status, err := d.GetService("web")
	require.NoError(t, err)
	assert.Equal(t, common.DesiredStateStopped, status.DesiredState)

	require.NoError(t, d.StartService(context.Background(), "web"))
	waitForState(t, d, "web", common.ServiceStateRunning)

	record, ok = d.store.GetService("web")
	require.True(t, ok)
	assert.Equal(t, common.DesiredStateRunning, record.DesiredState)

	// RUNNING 状态下 start 返回状态冲突
	err = d.StartService(context.Background(), "web")
	assert.True(t, errors.Is(err, common.ErrInvalidState))
}

func TestDaemonRestartService(t *testing.T) {
	d, rt := testDaemon(t)
	st := testStack(t, `
services:
  web:
    image: web
`)
	_, err := d.Deploy(context.Background(), st)
	require.NoError(t, err)
	waitForState(t, d, "web", common.ServiceStateRunning)

	require.NoError(t, d.RestartService(context.Background(), "web"))
	waitForState(t, d, "web", common.ServiceStateRunning)

	// 重启后运行的是新实例
	rt.mu.Lock()
	created := rt.nextID
	rt.mu.Unlock()
	assert.Equal(t, 2, created)
}

func TestDaemonRemoveService(t *testing.T) {
	d, _ := testDaemon(t)
	st := testStack(t, `
services:
  web:
    image: web
`)
	_, err := d.Deploy(context.Background(), st)
	require.NoError(t, err)
	waitForState(t, d, "web", common.ServiceStateRunning)

	require.NoError(t, d.RemoveService(context.Background(), "web"))

	_, err = d.GetService("web")
	assert.True(t, errors.Is(err, common.ErrServiceNotFound))
	_, ok := d.store.GetService("web")
	assert.False(t, ok)

	types := make([]string, 0)
	for _, event := range d.Events(0) {
		types = append(types, event.Type)
	}
	assert.Contains(t, types, common.EventTypeServiceRemoved)
}

func TestDaemonUnknownService(t *testing.T) {
	d, _ := testDaemon(t)
	for _, err := range []error{
		d.StopService(context.Background(), "ghost"),
		d.StartService(context.Background(), "ghost"),
		d.RemoveService(context.Background(), "ghost"),
	} {
		assert.True(t, errors.Is(err, common.ErrServiceNotFound))
	}
	_, err := d.ServiceLogs("ghost", 10)
	assert.True(t, errors.Is(err, common.ErrServiceNotFound))
}

func TestDaemonRestore(t *testing.T) {
	config := common.GetDefaultConfig()
	config.Runtime.StopTimeout = time.Second
	config.Logs.Directory = t.TempDir()

	store := state.NewMemoryStore()
	require.NoError(t, store.SaveService(&state.ServiceRecord{
		Name:         "pdf-extractor",
		DesiredState: common.DesiredStateRunning,
		Image:        "stevedore/pdf-extractor:latest",
		Descriptor: &stack.Service{
			Build:   ".",
			Restart: "unless-stopped",
		},
		DeployedAt: time.Now(),
	}))
	// 操作员停止过的服务不恢复
	require.NoError(t, store.SaveService(&state.ServiceRecord{
		Name:         "worker",
		DesiredState: common.DesiredStateStopped,
		Image:        "worker:latest",
		Descriptor:   &stack.Service{Image: "worker:latest"},
		DeployedAt:   time.Now(),
	}))

	rt := newFakeRuntime()
	d := New(config, rt, store)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})

	require.NoError(t, d.Restore(context.Background()))
	waitForState(t, d, "pdf-extractor", common.ServiceStateRunning)

	_, err := d.GetService("worker")
	assert.True(t, errors.Is(err, common.ErrServiceNotFound))
}

func TestDaemonRestoreSkipsInvalidDescriptor(t *testing.T) {
	config := common.GetDefaultConfig()
	config.Runtime.StopTimeout = time.Second
	config.Logs.Directory = t.TempDir()

	// 手改过的状态文件：healthcheck.test 只剩 CMD，没有命令
	store := state.NewMemoryStore()
	require.NoError(t, store.SaveService(&state.ServiceRecord{
		Name:         "broken",
		DesiredState: common.DesiredStateRunning,
		Image:        "broken:latest",
		Descriptor: &stack.Service{
			Image: "broken:latest",
			Healthcheck: &stack.Healthcheck{
				Test: stack.HealthTest{"CMD"},
			},
		},
		DeployedAt: time.Now(),
	}))

	rt := newFakeRuntime()
	d := New(config, rt, store)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})

	require.NoError(t, d.Restore(context.Background()))

	_, err := d.GetService("broken")
	assert.True(t, errors.Is(err, common.ErrServiceNotFound))
	rt.mu.Lock()
	assert.Empty(t, rt.pulls, "invalid descriptor must not reach the runtime")
	rt.mu.Unlock()
}

func TestDaemonConcurrentStatusDuringStart(t *testing.T) {
	// StartService 换监督器实例时并发读取状态不能读到撕裂的指针
	d, _ := testDaemon(t)
	_, err := d.Deploy(context.Background(), testStack(t, `
services:
  web:
    image: web
`))
	require.NoError(t, err)
	waitForState(t, d, "web", common.ServiceStateRunning)
	require.NoError(t, d.StopService(context.Background(), "web"))
	waitForState(t, d, "web", common.ServiceStateStopped)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			d.ListServices()
			_, _ = d.GetService("web")
		}
	}()

	require.NoError(t, d.StartService(context.Background(), "web"))
	<-done
	waitForState(t, d, "web", common.ServiceStateRunning)
}

func TestDaemonRedeployReplacesService(t *testing.T) {
	d, rt := testDaemon(t)
	_, err := d.Deploy(context.Background(), testStack(t, `
services:
  web:
    image: web:v1
`))
	require.NoError(t, err)
	waitForState(t, d, "web", common.ServiceStateRunning)

	_, err = d.Deploy(context.Background(), testStack(t, `
services:
  web:
    image: web:v2
`))
	require.NoError(t, err)
	waitForState(t, d, "web", common.ServiceStateRunning)

	status, err := d.GetService("web")
	require.NoError(t, err)
	assert.Equal(t, "web:v2", status.Image)

	rt.mu.Lock()
	assert.Equal(t, []string{"web:v1", "web:v2"}, rt.pulls)
	rt.mu.Unlock()
}
