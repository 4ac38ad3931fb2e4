package daemon

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"stevedore/internal/common"
	"stevedore/internal/events"
	"stevedore/internal/logdriver"
	"stevedore/internal/runtime"
	"stevedore/internal/stack"
	"stevedore/internal/state"
	"stevedore/internal/supervisor"
)

// Daemon 单机服务编排守护进程核心
//
// 持有服务表，负责部署描述文件：构建镜像、创建并启动实例、
// 为每个服务接线监督器、健康探测器和日志管道。
type Daemon struct {
	mu       sync.RWMutex
	config   *common.Config
	rt       runtime.Runtime
	bus      *events.Bus
	kafka    *events.KafkaPublisher
	store    state.Store
	services map[string]*managedService
	logger   *zap.Logger
}

// New 创建守护进程核心
func New(config *common.Config, rt runtime.Runtime, store state.Store) *Daemon {
	bus := events.NewBus(config.Events)

	d := &Daemon{
		config:   config,
		rt:       rt,
		bus:      bus,
		store:    store,
		services: make(map[string]*managedService),
		logger:   common.ComponentLogger("daemon"),
	}
	if config.Events.Kafka.Enabled {
		d.kafka = events.NewKafkaPublisher(config.Events.Kafka, bus)
	}
	return d
}

// Bus 返回事件总线
func (d *Daemon) Bus() *events.Bus {
	return d.bus
}

// Deploy 部署描述文件，已存在的服务按新描述替换
func (d *Daemon) Deploy(ctx context.Context, st *stack.Stack) ([]string, error) {
	if err := st.Validate(); err != nil {
		return nil, err
	}
	order, err := st.DeployOrder()
	if err != nil {
		return nil, err
	}

	for _, name := range order {
		if err := d.deployService(ctx, name, st.Services[name]); err != nil {
			return nil, fmt.Errorf("failed to deploy service %q: %w", name, err)
		}
	}

	d.updateServiceMetrics()
	return order, nil
}

// deployService 部署单个服务
func (d *Daemon) deployService(ctx context.Context, name string, spec *stack.Service) error {
	// 重新部署先停掉旧实例
	if err := d.removeExisting(ctx, name); err != nil {
		return err
	}

	image := spec.Image
	if spec.Build != "" {
		if image == "" {
			image = fmt.Sprintf("stevedore/%s:latest", name)
		}
		d.setBuildingPlaceholder(name)
		if err := d.rt.BuildImage(ctx, spec.Build, image); err != nil {
			d.clearPlaceholder(name)
			return err
		}
	} else {
		if err := d.rt.PullImage(ctx, image); err != nil {
			return err
		}
	}

	ms, err := d.newManagedService(name, spec, image)
	if err != nil {
		d.clearPlaceholder(name)
		return err
	}

	d.mu.Lock()
	d.services[name] = ms
	d.mu.Unlock()

	record := &state.ServiceRecord{
		Name:         name,
		DesiredState: common.DesiredStateRunning,
		Image:        image,
		Descriptor:   spec,
		DeployedAt:   time.Now(),
	}
	if err := d.store.SaveService(record); err != nil {
		d.logger.Error("Failed to persist service record", zap.String("service", name), zap.Error(err))
	}

	d.bus.Publish(common.ServiceEvent{
		Service:   name,
		Type:      common.EventTypeServiceDeployed,
		Message:   image,
		Timestamp: time.Now(),
	})

	ms.supervisor().Start()
	d.logger.Info("Service deployed",
		zap.String("service", name),
		zap.String("image", image))
	return nil
}

func (d *Daemon) removeExisting(ctx context.Context, name string) error {
	d.mu.Lock()
	existing, ok := d.services[name]
	d.mu.Unlock()
	if !ok {
		return nil
	}

	if sup := existing.supervisor(); sup != nil {
		stopCtx, cancel := context.WithTimeout(ctx, d.config.Runtime.StopTimeout+30*time.Second)
		defer cancel()
		if err := sup.Stop(stopCtx); err != nil {
			return err
		}
	}
	existing.cleanupInstance()

	d.mu.Lock()
	delete(d.services, name)
	d.mu.Unlock()
	return nil
}

// setBuildingPlaceholder 构建期间就能在服务列表里看到 BUILDING 状态
func (d *Daemon) setBuildingPlaceholder(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.services[name]; !ok {
		d.services[name] = &managedService{name: name, building: true}
	}
}

func (d *Daemon) clearPlaceholder(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ms, ok := d.services[name]; ok && ms.building {
		delete(d.services, name)
	}
}

// Restore 守护进程启动时按持久化记录恢复期望运行的服务
func (d *Daemon) Restore(ctx context.Context) error {
	records := d.store.ListServices()
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })

	for _, record := range records {
		if record.DesiredState != common.DesiredStateRunning || record.Descriptor == nil {
			continue
		}
		// 状态文件可能被手改或损坏，描述符要重新过一遍校验
		restored := &stack.Stack{Services: map[string]*stack.Service{record.Name: record.Descriptor}}
		if err := restored.Validate(); err != nil {
			d.logger.Error("Skipping service with invalid persisted descriptor",
				zap.String("service", record.Name),
				zap.Error(err))
			continue
		}
		d.logger.Info("Restoring service", zap.String("service", record.Name))
		if err := d.deployService(ctx, record.Name, record.Descriptor); err != nil {
			d.logger.Error("Failed to restore service",
				zap.String("service", record.Name),
				zap.Error(err))
		}
	}
	return nil
}

// StopService 操作员停止服务，期望状态落盘
func (d *Daemon) StopService(ctx context.Context, name string) error {
	ms, err := d.lookup(name)
	if err != nil {
		return err
	}

	if record, ok := d.store.GetService(name); ok {
		record.DesiredState = common.DesiredStateStopped
		if err := d.store.SaveService(record); err != nil {
			d.logger.Error("Failed to persist desired state", zap.String("service", name), zap.Error(err))
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, d.config.Runtime.StopTimeout+30*time.Second)
	defer cancel()
	if err := ms.supervisor().Stop(stopCtx); err != nil {
		return err
	}
	d.updateServiceMetrics()
	return nil
}

// StartService 重新拉起已停止或已退出的服务
func (d *Daemon) StartService(ctx context.Context, name string) error {
	ms, err := d.lookup(name)
	if err != nil {
		return err
	}

	st, _, _, _ := ms.supervisor().Status()
	switch st {
	case common.ServiceStateStopped, common.ServiceStateExited, common.ServiceStateFailed:
	default:
		return fmt.Errorf("%w: service %s is %s", common.ErrInvalidState, name, st)
	}

	if record, ok := d.store.GetService(name); ok {
		record.DesiredState = common.DesiredStateRunning
		if err := d.store.SaveService(record); err != nil {
			d.logger.Error("Failed to persist desired state", zap.String("service", name), zap.Error(err))
		}
	}

	ms.resetSupervisor()
	ms.supervisor().Start()
	d.updateServiceMetrics()
	return nil
}

// RestartService 停止后重新拉起
func (d *Daemon) RestartService(ctx context.Context, name string) error {
	if err := d.StopService(ctx, name); err != nil {
		return err
	}
	return d.StartService(ctx, name)
}

// RemoveService 停止并移除服务
func (d *Daemon) RemoveService(ctx context.Context, name string) error {
	ms, err := d.lookup(name)
	if err != nil {
		return err
	}

	stopCtx, cancel := context.WithTimeout(ctx, d.config.Runtime.StopTimeout+30*time.Second)
	defer cancel()
	if err := ms.supervisor().Stop(stopCtx); err != nil {
		return err
	}
	ms.cleanupInstance()

	d.mu.Lock()
	delete(d.services, name)
	d.mu.Unlock()

	if err := d.store.DeleteService(name); err != nil {
		d.logger.Error("Failed to delete service record", zap.String("service", name), zap.Error(err))
	}

	d.bus.Publish(common.ServiceEvent{
		Service:   name,
		Type:      common.EventTypeServiceRemoved,
		Timestamp: time.Now(),
	})
	d.updateServiceMetrics()
	return nil
}

// ListServices 返回全部服务状态，按名称排序
func (d *Daemon) ListServices() []common.ServiceStatus {
	d.mu.RLock()
	services := make([]*managedService, 0, len(d.services))
	for _, ms := range d.services {
		services = append(services, ms)
	}
	d.mu.RUnlock()

	statuses := make([]common.ServiceStatus, 0, len(services))
	for _, ms := range services {
		statuses = append(statuses, ms.status(d.store))
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })

	d.updateServiceMetrics()
	return statuses
}

// GetService 返回单个服务状态
func (d *Daemon) GetService(name string) (common.ServiceStatus, error) {
	ms, err := d.lookup(name)
	if err != nil {
		return common.ServiceStatus{}, err
	}
	return ms.status(d.store), nil
}

// ServiceLogs 读取服务日志尾部
func (d *Daemon) ServiceLogs(name string, tail int) ([]logdriver.Entry, error) {
	ms, err := d.lookup(name)
	if err != nil {
		return nil, err
	}
	return ms.tailLogs(tail)
}

// Events 返回最近的生命周期事件
func (d *Daemon) Events(limit int) []common.ServiceEvent {
	return d.bus.History(limit)
}

// Ping 检查运行时是否可用
func (d *Daemon) Ping(ctx context.Context) error {
	return d.rt.Ping(ctx)
}

// Shutdown 优雅关闭：停止所有服务实例、事件转发和状态存储
//
// 关闭只停进程，不改动持久化的期望状态，重启守护进程后
// 期望运行的服务会被恢复。
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	services := make([]*managedService, 0, len(d.services))
	for _, ms := range d.services {
		services = append(services, ms)
	}
	d.mu.Unlock()

	for _, ms := range services {
		sup := ms.supervisor()
		if sup == nil {
			continue
		}
		if err := sup.Stop(ctx); err != nil {
			d.logger.Error("Failed to stop service during shutdown",
				zap.String("service", ms.name),
				zap.Error(err))
		}
		ms.cleanupInstance()
	}

	if d.kafka != nil {
		if err := d.kafka.Close(); err != nil {
			d.logger.Error("Failed to close kafka publisher", zap.Error(err))
		}
	}
	d.bus.Close()
	return d.store.Close()
}

func (d *Daemon) lookup(name string) (*managedService, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ms, ok := d.services[name]
	if !ok || ms.building {
		return nil, fmt.Errorf("%w: %s", common.ErrServiceNotFound, name)
	}
	return ms, nil
}

func (d *Daemon) updateServiceMetrics() {
	d.mu.RLock()
	deployed := int64(len(d.services))
	running := int64(0)
	for _, ms := range d.services {
		sup := ms.supervisor()
		if sup == nil {
			continue
		}
		if st, _, _, _ := sup.Status(); st == common.ServiceStateRunning {
			running++
		}
	}
	d.mu.RUnlock()
	common.GetMetrics().SetServiceCounts(deployed, running)
}

var _ supervisor.Publisher = (*events.Bus)(nil)
