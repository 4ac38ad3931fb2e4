package common

import (
	"sync"
	"time"
)

// Metrics 守护进程指标
type Metrics struct {
	mu sync.RWMutex

	// 系统指标
	StartTime    time.Time        `json:"start_time"`
	RequestCount map[string]int64 `json:"request_count"`
	ErrorCount   map[string]int64 `json:"error_count"`

	// 服务指标
	DeployedServices int64 `json:"deployed_services"`
	RunningServices  int64 `json:"running_services"`
	TotalRestarts    int64 `json:"total_restarts"`
	HealthProbes     int64 `json:"health_probes"`
	FailedProbes     int64 `json:"failed_probes"`
	EventsPublished  int64 `json:"events_published"`
}

var globalMetrics = &Metrics{
	StartTime:    time.Now(),
	RequestCount: make(map[string]int64),
	ErrorCount:   make(map[string]int64),
}

// GetMetrics 获取全局指标实例
func GetMetrics() *Metrics {
	return globalMetrics
}

// IncrementRequestCount 增加请求计数
func (m *Metrics) IncrementRequestCount(endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount[endpoint]++
}

// IncrementErrorCount 增加错误计数
func (m *Metrics) IncrementErrorCount(endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ErrorCount[endpoint]++
}

// SetServiceCounts 更新服务计数
func (m *Metrics) SetServiceCounts(deployed, running int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeployedServices = deployed
	m.RunningServices = running
}

// IncrementRestarts 增加重启计数
func (m *Metrics) IncrementRestarts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalRestarts++
}

// RecordProbe 记录一次健康检查
func (m *Metrics) RecordProbe(failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HealthProbes++
	if failed {
		m.FailedProbes++
	}
}

// IncrementEventsPublished 增加事件发布计数
func (m *Metrics) IncrementEventsPublished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EventsPublished++
}

// MetricsSnapshot 指标的只读副本
type MetricsSnapshot struct {
	StartTime    time.Time        `json:"start_time"`
	RequestCount map[string]int64 `json:"request_count"`
	ErrorCount   map[string]int64 `json:"error_count"`

	DeployedServices int64 `json:"deployed_services"`
	RunningServices  int64 `json:"running_services"`
	TotalRestarts    int64 `json:"total_restarts"`
	HealthProbes     int64 `json:"health_probes"`
	FailedProbes     int64 `json:"failed_probes"`
	EventsPublished  int64 `json:"events_published"`
}

// Snapshot 返回指标副本
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		StartTime:        m.StartTime,
		RequestCount:     make(map[string]int64, len(m.RequestCount)),
		ErrorCount:       make(map[string]int64, len(m.ErrorCount)),
		DeployedServices: m.DeployedServices,
		RunningServices:  m.RunningServices,
		TotalRestarts:    m.TotalRestarts,
		HealthProbes:     m.HealthProbes,
		FailedProbes:     m.FailedProbes,
		EventsPublished:  m.EventsPublished,
	}
	for k, v := range m.RequestCount {
		snapshot.RequestCount[k] = v
	}
	for k, v := range m.ErrorCount {
		snapshot.ErrorCount[k] = v
	}
	return snapshot
}
