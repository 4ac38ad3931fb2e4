package stack

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"stevedore/internal/common"
)

// Stack 部署描述文件，compose 风格
type Stack struct {
	Version  string              `yaml:"version"`
	Services map[string]*Service `yaml:"services"`
}

// Service 单个服务的描述
type Service struct {
	Build         string      `yaml:"build,omitempty"`
	Image         string      `yaml:"image,omitempty"`
	ContainerName string      `yaml:"container_name,omitempty"`
	Command       StringList  `yaml:"command,omitempty"`
	Ports         []string    `yaml:"ports,omitempty"`
	Environment   Environment `yaml:"environment,omitempty"`
	Restart       string      `yaml:"restart,omitempty"`
	DependsOn     []string    `yaml:"depends_on,omitempty"`
	Healthcheck   *Healthcheck `yaml:"healthcheck,omitempty"`
	Logging       *Logging     `yaml:"logging,omitempty"`
}

// Healthcheck 健康检查描述
type Healthcheck struct {
	Test        HealthTest `yaml:"test"`
	Interval    Duration   `yaml:"interval,omitempty"`
	Timeout     Duration   `yaml:"timeout,omitempty"`
	Retries     int        `yaml:"retries,omitempty"`
	StartPeriod Duration   `yaml:"start_period,omitempty"`
}

// Logging 日志驱动描述
type Logging struct {
	Driver  string            `yaml:"driver"`
	Options map[string]string `yaml:"options,omitempty"`
}

// 健康检查默认值，与 compose 语义一致
const (
	DefaultHealthInterval = 30 * time.Second
	DefaultHealthTimeout  = 30 * time.Second
	DefaultHealthRetries  = 3
)

// Duration 支持 "30s" 形式时长字符串的 YAML 包装类型
type Duration time.Duration

// UnmarshalYAML 解析时长字符串
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %v", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std 转换为标准时长
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// StringList 同时接受标量和序列的命令字段
//
// 标量写法保留为单元素列表，由运行时按 shell 命令执行。
type StringList []string

// UnmarshalYAML 解析命令字段
func (sl *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		*sl = StringList{raw}
		return nil
	case yaml.SequenceNode:
		var raw []string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		*sl = StringList(raw)
		return nil
	default:
		return fmt.Errorf("unexpected YAML node kind %d for string list", value.Kind)
	}
}

// HealthTest 健康检查命令
//
// test: ["CMD", "curl", "-f", "http://localhost:5000/health"]
// test: curl -f http://localhost:5000/health
//
// 标量写法等价于 CMD-SHELL。
type HealthTest []string

// UnmarshalYAML 解析健康检查命令
func (ht *HealthTest) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		*ht = HealthTest{"CMD-SHELL", raw}
		return nil
	case yaml.SequenceNode:
		var raw []string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		*ht = HealthTest(raw)
		return nil
	default:
		return fmt.Errorf("unexpected YAML node kind %d for healthcheck test", value.Kind)
	}
}

// Environment 同时接受 "KEY=VALUE" 列表和映射两种写法
type Environment []string

// UnmarshalYAML 解析环境变量字段
func (e *Environment) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var raw []string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		*e = Environment(raw)
		return nil
	case yaml.MappingNode:
		var raw map[string]string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		list := make(Environment, 0, len(raw))
		for k, v := range raw {
			list = append(list, k+"="+v)
		}
		*e = list
		return nil
	default:
		return fmt.Errorf("unexpected YAML node kind %d for environment", value.Kind)
	}
}

// Load 从文件加载部署描述
func Load(path string) (*Stack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stack file: %v", err)
	}
	return Parse(data)
}

// Parse 解析部署描述
func Parse(data []byte) (*Stack, error) {
	var s Stack
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidDescriptor, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// RestartPolicy 返回服务的重启策略和 on-failure 的最大重试次数
func (s *Service) RestartPolicy() (common.RestartPolicy, int) {
	return parseRestartPolicy(s.Restart)
}

// HealthcheckOrDefault 返回补全默认值后的健康检查配置，未配置或被禁用时返回 nil
func (s *Service) HealthcheckOrDefault() *Healthcheck {
	if s.Healthcheck == nil || len(s.Healthcheck.Test) == 0 {
		return nil
	}
	if s.Healthcheck.Test[0] == "NONE" {
		return nil
	}

	hc := *s.Healthcheck
	if hc.Interval == 0 {
		hc.Interval = Duration(DefaultHealthInterval)
	}
	if hc.Timeout == 0 {
		hc.Timeout = Duration(DefaultHealthTimeout)
	}
	if hc.Retries == 0 {
		hc.Retries = DefaultHealthRetries
	}
	return &hc
}
