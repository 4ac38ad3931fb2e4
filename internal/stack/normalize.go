package stack

import (
	"fmt"
	"strconv"
	"strings"

	"stevedore/internal/common"
)

// ParsePortMapping 解析 "HOST:CONTAINER" 形式的端口映射
//
// 只写一个端口时主机端口与容器端口相同。
func ParsePortMapping(raw string) (common.PortMapping, error) {
	var mapping common.PortMapping

	parts := strings.Split(raw, ":")
	switch len(parts) {
	case 1:
		port, err := parsePort(parts[0])
		if err != nil {
			return mapping, err
		}
		mapping.HostPort = port
		mapping.ContainerPort = port
	case 2:
		hostPort, err := parsePort(parts[0])
		if err != nil {
			return mapping, err
		}
		containerPort, err := parsePort(parts[1])
		if err != nil {
			return mapping, err
		}
		mapping.HostPort = hostPort
		mapping.ContainerPort = containerPort
	default:
		return mapping, common.NewValidationError("ports", "must be HOST:CONTAINER", raw)
	}
	return mapping, nil
}

func parsePort(raw string) (uint16, error) {
	port, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, common.NewValidationError("ports", "port is not a number", raw)
	}
	if err := common.ValidatePort("ports", port); err != nil {
		return 0, err
	}
	return uint16(port), nil
}

// PortMappings 返回服务所有端口映射
func (s *Service) PortMappings() ([]common.PortMapping, error) {
	mappings := make([]common.PortMapping, 0, len(s.Ports))
	for _, raw := range s.Ports {
		mapping, err := ParsePortMapping(raw)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, mapping)
	}
	return mappings, nil
}

// ParseEnvironment 将 "KEY=VALUE" 列表规范化为映射
func ParseEnvironment(entries []string) (map[string]string, error) {
	env := make(map[string]string, len(entries))
	for _, entry := range entries {
		key, value, found := strings.Cut(entry, "=")
		if !found || key == "" {
			return nil, common.NewValidationError("environment", "must be KEY=VALUE", entry)
		}
		env[key] = value
	}
	return env, nil
}

// EnvMap 返回服务规范化后的环境变量
func (s *Service) EnvMap() (map[string]string, error) {
	return ParseEnvironment(s.Environment)
}

// ParseByteSize 解析 "10m" / "1g" / "512k" 形式的字节大小
func ParseByteSize(raw string) (int64, error) {
	trimmed := strings.TrimSpace(strings.ToLower(raw))
	if trimmed == "" {
		return 0, common.NewValidationError("max-size", "cannot be empty", raw)
	}

	multiplier := int64(1)
	switch trimmed[len(trimmed)-1] {
	case 'k':
		multiplier = 1024
		trimmed = trimmed[:len(trimmed)-1]
	case 'm':
		multiplier = 1024 * 1024
		trimmed = trimmed[:len(trimmed)-1]
	case 'g':
		multiplier = 1024 * 1024 * 1024
		trimmed = trimmed[:len(trimmed)-1]
	case 'b':
		trimmed = trimmed[:len(trimmed)-1]
	}

	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil || value <= 0 {
		return 0, common.NewValidationError("max-size", "invalid byte size", raw)
	}
	return value * multiplier, nil
}

// parseRestartPolicy 解析重启策略，支持 on-failure:N 写法
func parseRestartPolicy(raw string) (common.RestartPolicy, int) {
	if raw == "" {
		return common.RestartPolicyNo, 0
	}

	policy, suffix, found := strings.Cut(raw, ":")
	if !found {
		return common.RestartPolicy(raw), 0
	}

	maxRetries, err := strconv.Atoi(suffix)
	if err != nil || maxRetries < 0 {
		maxRetries = 0
	}
	return common.RestartPolicy(policy), maxRetries
}

// validateRestartPolicy 校验重启策略写法
func validateRestartPolicy(raw string) error {
	if raw == "" {
		return nil
	}
	policy, suffix, found := strings.Cut(raw, ":")
	if !common.RestartPolicy(policy).Valid() {
		return common.NewValidationError("restart", "must be one of no, always, unless-stopped, on-failure", raw)
	}
	if found {
		if common.RestartPolicy(policy) != common.RestartPolicyOnFailure {
			return common.NewValidationError("restart", "retry count is only valid for on-failure", raw)
		}
		if n, err := strconv.Atoi(suffix); err != nil || n < 0 {
			return common.NewValidationError("restart", "invalid retry count", raw)
		}
	}
	return nil
}

// LogDriverOptions json-file 驱动的规范化配置
type LogDriverOptions struct {
	Driver      string
	MaxSizeByte int64
	MaxFiles    int
}

// 支持的日志驱动
const (
	LogDriverJSONFile = "json-file"
	LogDriverNone     = "none"

	DefaultLogMaxSize  = int64(100 * 1024 * 1024)
	DefaultLogMaxFiles = 1
)

// LogOptions 返回服务规范化后的日志驱动配置
func (s *Service) LogOptions() (LogDriverOptions, error) {
	opts := LogDriverOptions{
		Driver:      LogDriverJSONFile,
		MaxSizeByte: DefaultLogMaxSize,
		MaxFiles:    DefaultLogMaxFiles,
	}
	if s.Logging == nil {
		return opts, nil
	}

	if s.Logging.Driver != "" {
		opts.Driver = s.Logging.Driver
	}
	switch opts.Driver {
	case LogDriverJSONFile, LogDriverNone:
	default:
		return opts, common.NewValidationError("logging.driver", "unsupported log driver", s.Logging.Driver)
	}

	if raw, ok := s.Logging.Options["max-size"]; ok {
		size, err := ParseByteSize(raw)
		if err != nil {
			return opts, err
		}
		opts.MaxSizeByte = size
	}
	if raw, ok := s.Logging.Options["max-file"]; ok {
		count, err := strconv.Atoi(strings.Trim(raw, `"`))
		if err != nil || count <= 0 {
			return opts, common.NewValidationError("logging.options.max-file", "must be a positive integer", raw)
		}
		opts.MaxFiles = count
	}
	for key := range s.Logging.Options {
		if key != "max-size" && key != "max-file" {
			return opts, common.NewValidationError("logging.options", fmt.Sprintf("unknown option %q", key), key)
		}
	}
	return opts, nil
}
