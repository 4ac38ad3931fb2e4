package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"stevedore/internal/common"
	"stevedore/internal/logdriver"
	"stevedore/internal/stack"
)

// DaemonInterface 定义 HTTP 层依赖的守护进程接口
type DaemonInterface interface {
	Deploy(ctx context.Context, st *stack.Stack) ([]string, error)
	ListServices() []common.ServiceStatus
	GetService(name string) (common.ServiceStatus, error)
	StopService(ctx context.Context, name string) error
	StartService(ctx context.Context, name string) error
	RestartService(ctx context.Context, name string) error
	RemoveService(ctx context.Context, name string) error
	ServiceLogs(name string, tail int) ([]logdriver.Entry, error)
	Events(limit int) []common.ServiceEvent
	Ping(ctx context.Context) error
}

// HTTPServer 守护进程 HTTP 服务器
type HTTPServer struct {
	server *http.Server
	logger *zap.Logger
	daemon DaemonInterface
}

// NewHTTPServer 创建新的 HTTP 服务器
func NewHTTPServer(daemon DaemonInterface, logger *zap.Logger) *HTTPServer {
	return &HTTPServer{
		daemon: daemon,
		logger: logger,
	}
}

// Router 构建路由
func (s *HTTPServer) Router() *mux.Router {
	router := mux.NewRouter()

	// 添加中间件
	router.Use(s.loggingMiddleware)
	router.Use(s.corsMiddleware)

	// API 路由
	v1 := router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/stacks", s.handleDeployStack).Methods("POST")

	services := v1.PathPrefix("/services").Subrouter()
	services.HandleFunc("", s.handleServices).Methods("GET")
	services.HandleFunc("/{name}", s.handleService).Methods("GET", "DELETE")
	services.HandleFunc("/{name}/stop", s.handleServiceAction("stop")).Methods("POST")
	services.HandleFunc("/{name}/start", s.handleServiceAction("start")).Methods("POST")
	services.HandleFunc("/{name}/restart", s.handleServiceAction("restart")).Methods("POST")
	services.HandleFunc("/{name}/logs", s.handleServiceLogs).Methods("GET")

	v1.HandleFunc("/events", s.handleEvents).Methods("GET")
	v1.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	v1.HandleFunc("/healthz", s.handleHealthz).Methods("GET")

	return router
}

// Start 启动 HTTP 服务器
func (s *HTTPServer) Start(config common.APIConfig) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Address, config.Port),
		Handler:      s.Router(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	// 在后台启动服务器
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop 停止 HTTP 服务器
func (s *HTTPServer) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// loggingMiddleware 请求日志中间件
func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		common.GetMetrics().IncrementRequestCount(r.URL.Path)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

// corsMiddleware 跨域中间件
func (s *HTTPServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// deployRequest JSON 形式的部署请求
type deployRequest struct {
	Path string `json:"path,omitempty"`
}

// handleDeployStack 部署描述文件
//
// 请求体可以是 YAML 描述文件本身，也可以是 {"path": "..."} 指向
// 守护进程本地的文件。
func (s *HTTPServer) handleDeployStack(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body", err)
		return
	}

	var st *stack.Stack
	contentType := r.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/json") {
		var req deployRequest
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid deploy request", err)
			return
		}
		if req.Path == "" {
			s.writeError(w, http.StatusBadRequest, "path is required", nil)
			return
		}
		st, err = stack.Load(req.Path)
	} else {
		st, err = stack.Parse(body)
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid stack", err)
		return
	}

	deployed, err := s.daemon.Deploy(r.Context(), st)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "deploy failed", err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"deployed": deployed,
	})
}

// handleServices 列出所有服务
func (s *HTTPServer) handleServices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"services": s.daemon.ListServices(),
	})
}

// handleService 获取或删除单个服务
func (s *HTTPServer) handleService(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	switch r.Method {
	case http.MethodGet:
		status, err := s.daemon.GetService(name)
		if err != nil {
			s.writeError(w, http.StatusNotFound, "service not found", err)
			return
		}
		s.writeJSON(w, http.StatusOK, status)
	case http.MethodDelete:
		if err := s.daemon.RemoveService(r.Context(), name); err != nil {
			s.writeError(w, statusForError(err), "failed to remove service", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleServiceAction 服务的停止、启动、重启操作
func (s *HTTPServer) handleServiceAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["name"]

		var err error
		switch action {
		case "stop":
			err = s.daemon.StopService(r.Context(), name)
		case "start":
			err = s.daemon.StartService(r.Context(), name)
		case "restart":
			err = s.daemon.RestartService(r.Context(), name)
		}
		if err != nil {
			s.writeError(w, statusForError(err), fmt.Sprintf("failed to %s service", action), err)
			return
		}

		s.writeJSON(w, http.StatusOK, map[string]string{
			"service": name,
			"action":  action,
		})
	}
}

// handleServiceLogs 读取服务日志尾部
func (s *HTTPServer) handleServiceLogs(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	tail := 100
	if raw := r.URL.Query().Get("tail"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid tail parameter", nil)
			return
		}
		tail = parsed
	}

	entries, err := s.daemon.ServiceLogs(name, tail)
	if err != nil {
		s.writeError(w, statusForError(err), "failed to read logs", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": name,
		"entries": entries,
	})
}

// handleEvents 返回最近的生命周期事件
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit parameter", nil)
			return
		}
		limit = parsed
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": s.daemon.Events(limit),
	})
}

// handleMetrics 返回守护进程指标
func (s *HTTPServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, common.GetMetrics().Snapshot())
}

// handleHealthz 守护进程自身健康检查
func (s *HTTPServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.daemon.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, status int, message string, err error) {
	common.GetMetrics().IncrementErrorCount(message)
	details := ""
	if err != nil {
		details = err.Error()
		s.logger.Warn(message, zap.Error(err))
	}
	s.writeJSON(w, status, common.NewStevedoreError("request_error", status, message, details))
}

func statusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, common.ErrServiceNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrInvalidState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
