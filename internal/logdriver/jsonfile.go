package logdriver

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"

	"stevedore/internal/common"
	"stevedore/internal/stack"
)

// Entry json-file 驱动的单条日志记录
type Entry struct {
	Log    string    `json:"log"`
	Stream string    `json:"stream"`
	Time   time.Time `json:"time"`
}

// Pipeline 服务日志管道
//
// 逐行消费运行时的输出流，按 json-file 驱动格式写入轮转文件。
// max-file 为 N 时保留 1 个活动文件加 N-1 个轮转文件。
type Pipeline struct {
	service string
	path    string
	discard bool

	mu     sync.Mutex
	writer *lumberjack.Logger
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewPipeline 根据描述文件的 logging 配置创建日志管道
func NewPipeline(service, directory string, opts stack.LogDriverOptions) (*Pipeline, error) {
	p := &Pipeline{
		service: service,
		logger:  common.ServiceLogger("log-pipeline", service),
	}

	if opts.Driver == stack.LogDriverNone {
		p.discard = true
		return p, nil
	}

	serviceDir := filepath.Join(directory, service)
	if err := os.MkdirAll(serviceDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %v", err)
	}
	p.path = filepath.Join(serviceDir, service+"-json.log")

	// lumberjack 以 MB 为单位，向上取整，至少 1MB
	maxSizeMB := int((opts.MaxSizeByte + 1024*1024 - 1) / (1024 * 1024))
	if maxSizeMB < 1 {
		maxSizeMB = 1
	}
	maxBackups := opts.MaxFiles - 1
	if maxBackups < 0 {
		maxBackups = 0
	}

	p.writer = &lumberjack.Logger{
		Filename:   p.path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
	}
	return p, nil
}

// Path 返回活动日志文件路径，driver 为 none 时为空
func (p *Pipeline) Path() string {
	return p.path
}

// Attach 开始消费输出流，流结束后自动停止
func (p *Pipeline) Attach(stdout, stderr io.ReadCloser) {
	p.consume(stdout, "stdout")
	p.consume(stderr, "stderr")
}

func (p *Pipeline) consume(reader io.ReadCloser, streamName string) {
	if reader == nil {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer reader.Close()

		if p.discard {
			_, _ = io.Copy(io.Discard, reader)
			return
		}

		scanner := bufio.NewScanner(reader)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			p.write(Entry{
				Log:    scanner.Text() + "\n",
				Stream: streamName,
				Time:   time.Now().UTC(),
			})
		}
		if err := scanner.Err(); err != nil && err != io.ErrClosedPipe {
			p.logger.Warn("Log stream ended with error",
				zap.String("stream", streamName),
				zap.Error(err))
		}
	}()
}

func (p *Pipeline) write(entry Entry) {
	data, err := json.Marshal(entry)
	if err != nil {
		p.logger.Error("Failed to encode log entry", zap.Error(err))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.writer.Write(append(data, '\n')); err != nil {
		p.logger.Error("Failed to write log entry", zap.Error(err))
	}
}

// Wait 等待所有输出流消费完毕
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Close 等待流结束并关闭轮转文件
func (p *Pipeline) Close() error {
	p.wg.Wait()
	if p.writer == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writer.Close()
}

// Tail 读取活动日志文件末尾的 limit 条记录
func (p *Pipeline) Tail(limit int) ([]Entry, error) {
	if p.discard {
		return nil, nil
	}
	return TailFile(p.path, limit)
}

// TailFile 从 json-file 格式的日志文件读取末尾 limit 条记录
func TailFile(path string, limit int) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open log file: %v", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// 正在轮转或写入中的半行，跳过
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}
