package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"stevedore/internal/common"
	"stevedore/internal/stack"
)

// ServiceRecord 单个服务的持久化记录
//
// 描述符一并落盘，守护进程重启后据此恢复服务。
type ServiceRecord struct {
	Name         string              `json:"name"`
	DesiredState common.DesiredState `json:"desired_state"`
	Image        string              `json:"image"`
	Descriptor   *stack.Service      `json:"descriptor,omitempty"`
	DeployedAt   time.Time           `json:"deployed_at"`
}

// Snapshot 守护进程的持久化状态
type Snapshot struct {
	Services  map[string]*ServiceRecord `json:"services"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// Store 期望状态存储接口
//
// unless-stopped 语义要求操作员的停止动作在守护进程重启后仍然生效，
// 因此期望状态必须落盘。
type Store interface {
	// SaveService 保存服务记录
	SaveService(record *ServiceRecord) error

	// DeleteService 删除服务记录
	DeleteService(name string) error

	// GetService 获取服务记录
	GetService(name string) (*ServiceRecord, bool)

	// ListServices 列出全部服务记录
	ListServices() []*ServiceRecord

	// Close 关闭存储
	Close() error
}

// CreateStore 创建状态存储
func CreateStore(storeType string, directory string) (Store, error) {
	switch storeType {
	case "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(directory)
	default:
		return nil, fmt.Errorf("unsupported state store type: %s", storeType)
	}
}

// MemoryStore 内存状态存储实现，测试用
type MemoryStore struct {
	mu       sync.RWMutex
	services map[string]*ServiceRecord
}

// NewMemoryStore 创建内存状态存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{services: make(map[string]*ServiceRecord)}
}

// SaveService 保存服务记录
func (ms *MemoryStore) SaveService(record *ServiceRecord) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	copied := *record
	ms.services[record.Name] = &copied
	return nil
}

// DeleteService 删除服务记录
func (ms *MemoryStore) DeleteService(name string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.services, name)
	return nil
}

// GetService 获取服务记录
func (ms *MemoryStore) GetService(name string) (*ServiceRecord, bool) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	record, ok := ms.services[name]
	if !ok {
		return nil, false
	}
	copied := *record
	return &copied, true
}

// ListServices 列出全部服务记录
func (ms *MemoryStore) ListServices() []*ServiceRecord {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	records := make([]*ServiceRecord, 0, len(ms.services))
	for _, record := range ms.services {
		copied := *record
		records = append(records, &copied)
	}
	return records
}

// Close 关闭存储
func (ms *MemoryStore) Close() error {
	return nil
}

// FileStore 文件状态存储实现
type FileStore struct {
	mu        sync.RWMutex
	directory string
	snapshot  *Snapshot
	logger    *zap.Logger
}

// NewFileStore 创建文件状态存储并加载已有状态
func NewFileStore(directory string) (*FileStore, error) {
	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %v", err)
	}

	fs := &FileStore{
		directory: directory,
		snapshot:  &Snapshot{Services: make(map[string]*ServiceRecord)},
		logger:    common.ComponentLogger("state-store"),
	}

	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileStore) statePath() string {
	return filepath.Join(fs.directory, "state.json")
}

func (fs *FileStore) load() error {
	data, err := os.ReadFile(fs.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read state file: %v", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("failed to parse state file: %v", err)
	}
	if snapshot.Services == nil {
		snapshot.Services = make(map[string]*ServiceRecord)
	}
	fs.snapshot = &snapshot

	fs.logger.Info("Loaded state",
		zap.Int("services", len(snapshot.Services)),
		zap.Time("updated_at", snapshot.UpdatedAt))
	return nil
}

// persist 原子落盘，先写临时文件再重命名
func (fs *FileStore) persist() error {
	fs.snapshot.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(fs.snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %v", err)
	}

	tempPath := fs.statePath() + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %v", err)
	}
	if err := os.Rename(tempPath, fs.statePath()); err != nil {
		return fmt.Errorf("failed to replace state file: %v", err)
	}
	return nil
}

// SaveService 保存服务记录
func (fs *FileStore) SaveService(record *ServiceRecord) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	copied := *record
	fs.snapshot.Services[record.Name] = &copied
	return fs.persist()
}

// DeleteService 删除服务记录
func (fs *FileStore) DeleteService(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.snapshot.Services[name]; !ok {
		return nil
	}
	delete(fs.snapshot.Services, name)
	return fs.persist()
}

// GetService 获取服务记录
func (fs *FileStore) GetService(name string) (*ServiceRecord, bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	record, ok := fs.snapshot.Services[name]
	if !ok {
		return nil, false
	}
	copied := *record
	return &copied, true
}

// ListServices 列出全部服务记录
func (fs *FileStore) ListServices() []*ServiceRecord {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	records := make([]*ServiceRecord, 0, len(fs.snapshot.Services))
	for _, record := range fs.snapshot.Services {
		copied := *record
		records = append(records, &copied)
	}
	return records
}

// Close 关闭存储
func (fs *FileStore) Close() error {
	return nil
}
