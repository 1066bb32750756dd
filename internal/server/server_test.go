package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quasinewt/NUMIN/internal/config"
	"github.com/quasinewt/NUMIN/internal/logging"
)

func testServer(t *testing.T) (*Server, chi.Router) {
	t.Helper()

	cfg := &config.Config{}
	cfg.LBFGS.Memory = 10
	cfg.LBFGS.Scaling = "diagonal"
	cfg.LBFGS.ValueTolerance = 1e-8
	cfg.LBFGS.GradientTolerance = 1e-8

	srv := NewServer(cfg, logging.Discard(), NewMetrics(prometheus.NewRegistry()))
	r := chi.NewRouter()
	srv.RegisterRoutes(r)
	return srv, r
}

func postMinimize(t *testing.T, r chi.Router, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/minimize", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func getStatus(t *testing.T, r chi.Router, id string) map[string]interface{} {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/minimize/"+id, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

// waitForTerminal polls the status endpoint until the job leaves its running
// states.
func waitForTerminal(t *testing.T, r chi.Router, id string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		body := getStatus(t, r, id)
		switch body["status"] {
		case "completed", "failed", "cancelled":
			return body
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("minimization %s did not finish in time", id)
	return nil
}

func TestMinimizeEndpointRunsToCompletion(t *testing.T) {
	_, r := testServer(t)

	w := postMinimize(t, r, MinimizeRequest{
		Objective: "quadratic",
		Initial:   []float64{1, 1, 1, 1},
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var accepted map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	id, ok := accepted["minimization_id"].(string)
	require.True(t, ok)

	body := waitForTerminal(t, r, id)
	require.Equal(t, "completed", body["status"])

	result, ok := body["result"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, result["successful"])
	assert.Less(t, result["value"].(float64), 1e-10)
	assert.Equal(t, "quadratic", body["objective"])
}

func TestMinimizeEndpointRosenbrock(t *testing.T) {
	_, r := testServer(t)

	w := postMinimize(t, r, MinimizeRequest{
		Objective:     "rosenbrock",
		Initial:       []float64{-1.2, 1},
		MaxIterations: 100,
		Scaling:       "scalar",
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var accepted map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))

	body := waitForTerminal(t, r, accepted["minimization_id"])
	require.Equal(t, "completed", body["status"])

	result := body["result"].(map[string]interface{})
	assert.Equal(t, true, result["successful"])
	x := result["x"].([]interface{})
	require.Len(t, x, 2)
	assert.InDelta(t, 1.0, x[0].(float64), 1e-3)
	assert.InDelta(t, 1.0, x[1].(float64), 1e-3)
}

func TestMinimizeEndpointRejectsUnknownObjective(t *testing.T) {
	_, r := testServer(t)

	w := postMinimize(t, r, MinimizeRequest{
		Objective: "himmelblau",
		Initial:   []float64{0, 0},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMinimizeEndpointRequiresInitialPoint(t *testing.T) {
	_, r := testServer(t)

	w := postMinimize(t, r, MinimizeRequest{
		Objective: "quadratic",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusUnknownJob(t *testing.T) {
	_, r := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/minimize/min_999", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelRaces(t *testing.T) {
	_, r := testServer(t)

	w := postMinimize(t, r, MinimizeRequest{
		Objective: "rosenbrock",
		Initial:   []float64{-1.2, 1},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	var accepted map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	id := accepted["minimization_id"]

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/minimize/"+id, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	// The job may already have completed; both outcomes are acceptable.
	require.Contains(t, []int{http.StatusOK, http.StatusConflict}, rec.Code,
		fmt.Sprintf("unexpected cancel status %d", rec.Code))

	body := waitForTerminal(t, r, id)
	assert.Contains(t, []interface{}{"cancelled", "completed"}, body["status"])
}

func TestCancelCompletedJobConflicts(t *testing.T) {
	_, r := testServer(t)

	w := postMinimize(t, r, MinimizeRequest{
		Objective: "quadratic",
		Initial:   []float64{2, 2},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	var accepted map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	id := accepted["minimization_id"]

	waitForTerminal(t, r, id)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/minimize/"+id, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestObjectivesEndpoint(t *testing.T) {
	_, r := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/objectives", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string][]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body["objectives"], "rosenbrock")
}
