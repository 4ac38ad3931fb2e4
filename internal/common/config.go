package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 守护进程全局配置
type Config struct {
	API     APIConfig     `yaml:"api"`
	Runtime RuntimeConfig `yaml:"runtime"`
	Logs    LogsConfig    `yaml:"logs"`
	Events  EventsConfig  `yaml:"events"`
	State   StateConfig   `yaml:"state"`
}

// APIConfig HTTP API 配置
type APIConfig struct {
	Address      string        `yaml:"address"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// RuntimeConfig 容器运行时配置
type RuntimeConfig struct {
	Type        string        `yaml:"type"` // docker, exec
	StopTimeout time.Duration `yaml:"stop_timeout"`
	WorkDir     string        `yaml:"work_dir"` // exec 运行时的工作目录
}

// LogsConfig 服务日志管道配置
type LogsConfig struct {
	Directory  string `yaml:"directory"`
	DaemonFile string `yaml:"daemon_file"` // 守护进程自身日志，空则输出到 stderr
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// EventsConfig 事件总线配置
type EventsConfig struct {
	BufferSize int         `yaml:"buffer_size"`
	Kafka      KafkaConfig `yaml:"kafka"`
	History    int         `yaml:"history"`
}

// KafkaConfig Kafka 事件发布配置
type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// StateConfig 期望状态存储配置
type StateConfig struct {
	Directory string `yaml:"directory"`
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Address:      "0.0.0.0",
			Port:         7373,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Runtime: RuntimeConfig{
			Type:        "docker",
			StopTimeout: 10 * time.Second,
			WorkDir:     "/var/lib/stevedore/services",
		},
		Logs: LogsConfig{
			Directory:  "/var/lib/stevedore/logs",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
		Events: EventsConfig{
			BufferSize: 1000,
			History:    256,
			Kafka: KafkaConfig{
				Enabled:      false,
				Topic:        getEnvOrDefault("STEVEDORE_KAFKA_TOPIC", "stevedore-events"),
				WriteTimeout: 5 * time.Second,
			},
		},
		State: StateConfig{
			Directory: "/var/lib/stevedore/state",
		},
	}
}

// LoadConfig 从文件加载配置，未设置的字段使用默认值
func LoadConfig(path string) (*Config, error) {
	config := GetDefaultConfig()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if err := ValidatePort("api.port", c.API.Port); err != nil {
		return err
	}
	switch c.Runtime.Type {
	case "docker", "exec":
	default:
		return NewValidationError("runtime.type", "must be docker or exec", c.Runtime.Type)
	}
	if c.Events.Kafka.Enabled && len(c.Events.Kafka.Brokers) == 0 {
		return NewValidationError("events.kafka.brokers", "cannot be empty when kafka is enabled", nil)
	}
	return nil
}

// getEnvOrDefault 获取环境变量或使用默认值
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault 获取环境变量整数值或使用默认值
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
