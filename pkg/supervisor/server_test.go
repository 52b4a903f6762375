package supervisor

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hub-tools/hub-supervisor/pkg/logging"
	"github.com/hub-tools/hub-supervisor/pkg/monitoring"
	"github.com/hub-tools/hub-supervisor/pkg/ports"
	"github.com/hub-tools/hub-supervisor/pkg/units"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() logging.Logger {
	return logging.NewLogger("", logging.LogFuncs{})
}

func createTestSupervisor(t *testing.T, config *Config) *Supervisor {
	s, err := NewSupervisor(*config, testLogger())
	require.NoError(t, err)
	_, err = s.store.CreateDefault()
	require.NoError(t, err)
	return s
}

func doRequest(t *testing.T, s *Supervisor, method string, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	recorder := httptest.NewRecorder()
	s.router().ServeHTTP(recorder, req)
	return recorder
}

func TestHealthEndpoint(t *testing.T) {
	s := createTestSupervisor(t, createValidConfig(t))

	recorder := doRequest(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)

	var response map[string]string
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, "ok", response["status"])
}

func TestStatusEndpoint(t *testing.T) {
	s := createTestSupervisor(t, createValidConfig(t))

	port := 8100
	s.runtime.Set("web", UnitRuntime{PID: 123, Port: &port, Status: "healthy"})
	s.monitor.Track("web", &port, "/healthz", units.RestartAlways)

	recorder := doRequest(t, s, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)

	var response struct {
		Units  map[string]UnitRuntime           `json:"units"`
		Health map[string]monitoring.UnitHealth `json:"health"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	require.Contains(t, response.Units, "web")
	assert.Equal(t, 123, response.Units["web"].PID)
	require.Contains(t, response.Health, "web")
	assert.Equal(t, monitoring.StatusHealthy, response.Health["web"].Status)
}

func TestPortsEndpoint(t *testing.T) {
	s := createTestSupervisor(t, createValidConfig(t))

	_, err := s.ledger.Assign(units.KindCore, "web", true)
	require.NoError(t, err)

	recorder := doRequest(t, s, http.MethodGet, "/api/ports", nil)
	assert.Equal(t, http.StatusOK, recorder.Code)

	var table map[string]*int
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &table))
	require.Contains(t, table, "web")
	require.NotNil(t, table["web"])
	assert.Equal(t, 8100, *table["web"])
}

func TestAssignPortEndpoint(t *testing.T) {
	s := createTestSupervisor(t, createValidConfig(t))

	recorder := doRequest(t, s, http.MethodPost, "/api/ports/assign", assignPortRequest{
		Kind:         "ui",
		Key:          "notes-ui",
		RequiresPort: true,
	})
	assert.Equal(t, http.StatusOK, recorder.Code)

	var response assignPortResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	require.NotNil(t, response.Port)
	assert.Equal(t, 3100, *response.Port)

	// Same key gets the same port back
	again := doRequest(t, s, http.MethodPost, "/api/ports/assign", assignPortRequest{
		Kind:         "ui",
		Key:          "notes-ui",
		RequiresPort: true,
	})
	assert.Equal(t, http.StatusOK, again.Code)
	require.NoError(t, json.Unmarshal(again.Body.Bytes(), &response))
	require.NotNil(t, response.Port)
	assert.Equal(t, 3100, *response.Port)
}

func TestAssignPortEndpointValidation(t *testing.T) {
	s := createTestSupervisor(t, createValidConfig(t))

	badKind := doRequest(t, s, http.MethodPost, "/api/ports/assign", assignPortRequest{
		Kind: "container", Key: "x", RequiresPort: true,
	})
	assert.Equal(t, http.StatusBadRequest, badKind.Code)

	badKey := doRequest(t, s, http.MethodPost, "/api/ports/assign", assignPortRequest{
		Kind: "ui", Key: "Bad Key", RequiresPort: true,
	})
	assert.Equal(t, http.StatusBadRequest, badKey.Code)
}

func TestAssignPortEndpointExhaustion(t *testing.T) {
	config := createValidConfig(t)
	config.Ports = ports.Ranges{UIMin: 3100, UIMax: 3100, ServiceMin: 8100, ServiceMax: 8199}
	s := createTestSupervisor(t, config)

	first := doRequest(t, s, http.MethodPost, "/api/ports/assign", assignPortRequest{
		Kind: "ui", Key: "a-ui", RequiresPort: true,
	})
	assert.Equal(t, http.StatusOK, first.Code)

	second := doRequest(t, s, http.MethodPost, "/api/ports/assign", assignPortRequest{
		Kind: "ui", Key: "b-ui", RequiresPort: true,
	})
	assert.Equal(t, http.StatusInsufficientStorage, second.Code)
}

func TestUnitRestartEndpointUnknownUnit(t *testing.T) {
	s := createTestSupervisor(t, createValidConfig(t))

	recorder := doRequest(t, s, http.MethodPost, "/api/units/ghost/restart", nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestUnitRestartEndpointInvalidName(t *testing.T) {
	s := createTestSupervisor(t, createValidConfig(t))

	recorder := doRequest(t, s, http.MethodPost, "/api/units/Bad%20Name/restart", nil)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestFullRestartEndpoint(t *testing.T) {
	s := createTestSupervisor(t, createValidConfig(t))

	recorder := doRequest(t, s, http.MethodPost, "/api/restart", nil)
	assert.Equal(t, http.StatusAccepted, recorder.Code)

	select {
	case <-s.shutdownCh:
	default:
		t.Fatal("full restart did not request shutdown")
	}

	// A second request must not panic on the already-closed channel
	again := doRequest(t, s, http.MethodPost, "/api/restart", nil)
	assert.Equal(t, http.StatusAccepted, again.Code)
}
