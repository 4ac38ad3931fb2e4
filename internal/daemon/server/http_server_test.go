package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stevedore/internal/common"
	"stevedore/internal/logdriver"
	"stevedore/internal/stack"
)

// fakeDaemon 实现 DaemonInterface，记录调用供断言
type fakeDaemon struct {
	services  map[string]common.ServiceStatus
	events    []common.ServiceEvent
	deployed  []string
	actions   []string
	pingErr   error
	deployErr error
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{
		services: map[string]common.ServiceStatus{
			"pdf-extractor": {
				Name:   "pdf-extractor",
				Image:  "stevedore/pdf-extractor:latest",
				State:  common.ServiceStateRunning,
				Health: common.HealthStateHealthy,
			},
		},
	}
}

func (f *fakeDaemon) Deploy(ctx context.Context, st *stack.Stack) ([]string, error) {
	if f.deployErr != nil {
		return nil, f.deployErr
	}
	names, err := st.DeployOrder()
	if err != nil {
		return nil, err
	}
	f.deployed = append(f.deployed, names...)
	return names, nil
}

func (f *fakeDaemon) ListServices() []common.ServiceStatus {
	list := make([]common.ServiceStatus, 0, len(f.services))
	for _, status := range f.services {
		list = append(list, status)
	}
	return list
}

func (f *fakeDaemon) GetService(name string) (common.ServiceStatus, error) {
	status, ok := f.services[name]
	if !ok {
		return common.ServiceStatus{}, fmt.Errorf("%w: %s", common.ErrServiceNotFound, name)
	}
	return status, nil
}

func (f *fakeDaemon) serviceAction(name, action string) error {
	if _, ok := f.services[name]; !ok {
		return fmt.Errorf("%w: %s", common.ErrServiceNotFound, name)
	}
	f.actions = append(f.actions, action+":"+name)
	return nil
}

func (f *fakeDaemon) StopService(ctx context.Context, name string) error {
	return f.serviceAction(name, "stop")
}

func (f *fakeDaemon) StartService(ctx context.Context, name string) error {
	return f.serviceAction(name, "start")
}

func (f *fakeDaemon) RestartService(ctx context.Context, name string) error {
	return f.serviceAction(name, "restart")
}

func (f *fakeDaemon) RemoveService(ctx context.Context, name string) error {
	if _, ok := f.services[name]; !ok {
		return fmt.Errorf("%w: %s", common.ErrServiceNotFound, name)
	}
	delete(f.services, name)
	return nil
}

func (f *fakeDaemon) ServiceLogs(name string, tail int) ([]logdriver.Entry, error) {
	if _, ok := f.services[name]; !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrServiceNotFound, name)
	}
	return []logdriver.Entry{{Log: "listening on :5000\n", Stream: "stdout"}}, nil
}

func (f *fakeDaemon) Events(limit int) []common.ServiceEvent {
	if limit > 0 && limit < len(f.events) {
		return f.events[len(f.events)-limit:]
	}
	return f.events
}

func (f *fakeDaemon) Ping(ctx context.Context) error {
	return f.pingErr
}

func testServer(daemon DaemonInterface) *httptest.Server {
	s := NewHTTPServer(daemon, common.ComponentLogger("http-server-test"))
	return httptest.NewServer(s.Router())
}

func TestHandleDeployStackYAML(t *testing.T) {
	daemon := newFakeDaemon()
	server := testServer(daemon)
	defer server.Close()

	body := `
services:
  pdf-extractor:
    build: .
    ports: ["5000:5000"]
    restart: unless-stopped
`
	resp, err := http.Post(server.URL+"/api/v1/stacks", "application/x-yaml", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var result struct {
		Deployed []string `json:"deployed"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, []string{"pdf-extractor"}, result.Deployed)
	assert.Equal(t, []string{"pdf-extractor"}, daemon.deployed)
}

func TestHandleDeployStackInvalidYAML(t *testing.T) {
	server := testServer(newFakeDaemon())
	defer server.Close()

	resp, err := http.Post(server.URL+"/api/v1/stacks", "application/x-yaml",
		strings.NewReader("services: {}"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var se common.StevedoreError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&se))
	assert.Equal(t, "request_error", se.Type)
	assert.NotEmpty(t, se.Details)
}

func TestHandleDeployStackJSONPathRequired(t *testing.T) {
	server := testServer(newFakeDaemon())
	defer server.Close()

	resp, err := http.Post(server.URL+"/api/v1/stacks", "application/json",
		strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleServices(t *testing.T) {
	server := testServer(newFakeDaemon())
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/v1/services")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var result struct {
		Services []common.ServiceStatus `json:"services"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Len(t, result.Services, 1)
	assert.Equal(t, "pdf-extractor", result.Services[0].Name)
}

func TestHandleGetService(t *testing.T) {
	server := testServer(newFakeDaemon())
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/v1/services/pdf-extractor")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status common.ServiceStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "stevedore/pdf-extractor:latest", status.Image)

	resp, err = http.Get(server.URL + "/api/v1/services/unknown")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleServiceActions(t *testing.T) {
	daemon := newFakeDaemon()
	server := testServer(daemon)
	defer server.Close()

	for _, action := range []string{"stop", "start", "restart"} {
		resp, err := http.Post(server.URL+"/api/v1/services/pdf-extractor/"+action, "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, action)
	}
	assert.Equal(t, []string{"stop:pdf-extractor", "start:pdf-extractor", "restart:pdf-extractor"}, daemon.actions)

	// 未知服务返回 404
	resp, err := http.Post(server.URL+"/api/v1/services/unknown/stop", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleRemoveService(t *testing.T) {
	daemon := newFakeDaemon()
	server := testServer(daemon)
	defer server.Close()

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/api/v1/services/pdf-extractor", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, daemon.services)
}

func TestHandleServiceLogs(t *testing.T) {
	server := testServer(newFakeDaemon())
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/v1/services/pdf-extractor/logs?tail=10")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Entries []logdriver.Entry `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Len(t, result.Entries, 1)
	assert.Equal(t, "stdout", result.Entries[0].Stream)

	// 非法 tail 参数
	resp, err = http.Get(server.URL + "/api/v1/services/pdf-extractor/logs?tail=abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleEvents(t *testing.T) {
	daemon := newFakeDaemon()
	daemon.events = []common.ServiceEvent{
		{Service: "pdf-extractor", Type: common.EventTypeServiceDeployed},
		{Service: "pdf-extractor", Type: common.EventTypeServiceStarted},
	}
	server := testServer(daemon)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/v1/events?limit=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Events []common.ServiceEvent `json:"events"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Len(t, result.Events, 1)
	assert.Equal(t, common.EventTypeServiceStarted, result.Events[0].Type)
}

func TestHandleHealthz(t *testing.T) {
	daemon := newFakeDaemon()
	server := testServer(daemon)
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/v1/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	daemon.pingErr = common.ErrRuntimeUnavailable
	resp, err = http.Get(server.URL + "/api/v1/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCORSHeaders(t *testing.T) {
	server := testServer(newFakeDaemon())
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/v1/services")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
