package common

import (
	"encoding/json"
	"fmt"
	"time"
)

// ServiceState 服务生命周期状态
type ServiceState int

const (
	ServiceStatePending ServiceState = iota
	ServiceStateBuilding
	ServiceStateStarting
	ServiceStateRunning
	ServiceStateRestarting
	ServiceStateExited
	ServiceStateStopped
	ServiceStateFailed
)

// String 返回服务状态字符串
func (s ServiceState) String() string {
	switch s {
	case ServiceStatePending:
		return "PENDING"
	case ServiceStateBuilding:
		return "BUILDING"
	case ServiceStateStarting:
		return "STARTING"
	case ServiceStateRunning:
		return "RUNNING"
	case ServiceStateRestarting:
		return "RESTARTING"
	case ServiceStateExited:
		return "EXITED"
	case ServiceStateStopped:
		return "STOPPED"
	case ServiceStateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON 以字符串形式序列化状态
func (s ServiceState) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", s.String())), nil
}

// UnmarshalJSON 从字符串形式解析状态
func (s *ServiceState) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw {
	case "PENDING":
		*s = ServiceStatePending
	case "BUILDING":
		*s = ServiceStateBuilding
	case "STARTING":
		*s = ServiceStateStarting
	case "RUNNING":
		*s = ServiceStateRunning
	case "RESTARTING":
		*s = ServiceStateRestarting
	case "EXITED":
		*s = ServiceStateExited
	case "STOPPED":
		*s = ServiceStateStopped
	case "FAILED":
		*s = ServiceStateFailed
	default:
		return fmt.Errorf("unknown service state %q", raw)
	}
	return nil
}

// HealthState 健康检查状态
type HealthState int

const (
	HealthStateNone HealthState = iota // 未配置健康检查
	HealthStateStarting
	HealthStateHealthy
	HealthStateUnhealthy
)

// String 返回健康状态字符串
func (hs HealthState) String() string {
	switch hs {
	case HealthStateStarting:
		return "STARTING"
	case HealthStateHealthy:
		return "HEALTHY"
	case HealthStateUnhealthy:
		return "UNHEALTHY"
	default:
		return "NONE"
	}
}

// MarshalJSON 以字符串形式序列化健康状态
func (hs HealthState) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", hs.String())), nil
}

// UnmarshalJSON 从字符串形式解析健康状态
func (hs *HealthState) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw {
	case "NONE":
		*hs = HealthStateNone
	case "STARTING":
		*hs = HealthStateStarting
	case "HEALTHY":
		*hs = HealthStateHealthy
	case "UNHEALTHY":
		*hs = HealthStateUnhealthy
	default:
		return fmt.Errorf("unknown health state %q", raw)
	}
	return nil
}

// RestartPolicy 重启策略
type RestartPolicy string

const (
	RestartPolicyNo            RestartPolicy = "no"
	RestartPolicyAlways        RestartPolicy = "always"
	RestartPolicyUnlessStopped RestartPolicy = "unless-stopped"
	RestartPolicyOnFailure     RestartPolicy = "on-failure"
)

// Valid 校验重启策略取值
func (rp RestartPolicy) Valid() bool {
	switch rp {
	case RestartPolicyNo, RestartPolicyAlways, RestartPolicyUnlessStopped, RestartPolicyOnFailure:
		return true
	}
	return false
}

// PortMapping 端口映射，HOST:CONTAINER
type PortMapping struct {
	HostPort      uint16 `json:"host_port"`
	ContainerPort uint16 `json:"container_port"`
}

// String 返回 HOST:CONTAINER 形式
func (pm PortMapping) String() string {
	return fmt.Sprintf("%d:%d", pm.HostPort, pm.ContainerPort)
}

// DesiredState 操作员期望的服务状态
type DesiredState string

const (
	DesiredStateRunning DesiredState = "running"
	DesiredStateStopped DesiredState = "stopped"
)

// ServiceStatus 服务运行时状态视图，通过 API 暴露
type ServiceStatus struct {
	Name         string        `json:"name"`
	Image        string        `json:"image"`
	ContainerID  string        `json:"container_id,omitempty"`
	State        ServiceState  `json:"state"`
	Health       HealthState   `json:"health"`
	Restarts     int           `json:"restarts"`
	ExitCode     int           `json:"exit_code"`
	Ports        []PortMapping `json:"ports,omitempty"`
	StartedAt    time.Time     `json:"started_at,omitempty"`
	FinishedAt   time.Time     `json:"finished_at,omitempty"`
	DesiredState DesiredState  `json:"desired_state"`
}

// EventType 服务生命周期事件类型
const (
	EventTypeServiceDeployed   = "SERVICE_DEPLOYED"
	EventTypeServiceStarted    = "SERVICE_STARTED"
	EventTypeServiceExited     = "SERVICE_EXITED"
	EventTypeServiceRestarting = "SERVICE_RESTARTING"
	EventTypeServiceStopped    = "SERVICE_STOPPED"
	EventTypeServiceRemoved    = "SERVICE_REMOVED"
	EventTypeServiceHealthy    = "SERVICE_HEALTHY"
	EventTypeServiceUnhealthy  = "SERVICE_UNHEALTHY"
	EventTypeServiceFailed     = "SERVICE_FAILED"
)

// ServiceEvent 服务生命周期事件
type ServiceEvent struct {
	Service   string    `json:"service"`
	Type      string    `json:"type"`
	Message   string    `json:"message,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	ExitCode  int       `json:"exit_code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
