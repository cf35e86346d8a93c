package control

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/Sternrassler/bulk-import-client/pkg/importer"
	"github.com/prometheus/client_golang/prometheus"
)

type fakeController struct {
	mu      sync.Mutex
	state   importer.State
	reasons []string
}

func (f *fakeController) Pause(reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != importer.StateRunning {
		return false
	}
	f.state = importer.StatePaused
	f.reasons = append(f.reasons, reason)
	return true
}

func (f *fakeController) Resume() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != importer.StatePaused {
		return false
	}
	f.state = importer.StateRunning
	return true
}

func (f *fakeController) Stop(reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != importer.StateRunning && f.state != importer.StatePaused {
		return false
	}
	f.state = importer.StateStopped
	f.reasons = append(f.reasons, reason)
	return true
}

func (f *fakeController) Snapshot() importer.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return importer.Snapshot{RunID: "run-1", State: f.state, TotalBatches: 4, CompletedBatches: 1, FailedBatches: []int{}}
}

func newTestServer(t *testing.T, ctrl Controller) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	probe := prometheus.NewCounter(prometheus.CounterOpts{Name: "bulkimport_test_probe_total", Help: "probe"})
	reg.MustRegister(probe)
	probe.Inc()

	srv := httptest.NewServer(NewRouter(ctrl, Config{Gatherer: reg}))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, body
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeController{state: importer.StateRunning})

	resp, body := do(t, http.MethodGet, srv.URL+"/health")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"ok"`) {
		t.Errorf("Unexpected body %s", body)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeController{state: importer.StateRunning})

	resp, body := do(t, http.MethodGet, srv.URL+"/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var snap importer.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.State != importer.StateRunning || snap.TotalBatches != 4 || snap.RunID != "run-1" {
		t.Errorf("Unexpected snapshot %+v", snap)
	}
}

func TestTransitions(t *testing.T) {
	ctrl := &fakeController{state: importer.StateRunning}
	srv := newTestServer(t, ctrl)

	steps := []struct {
		method     string
		path       string
		wantStatus int
		wantState  importer.State
	}{
		{http.MethodPost, "/pause?reason=maintenance", http.StatusOK, importer.StatePaused},
		{http.MethodPost, "/pause", http.StatusConflict, importer.StatePaused},
		{http.MethodPost, "/resume", http.StatusOK, importer.StateRunning},
		{http.MethodPost, "/resume", http.StatusConflict, importer.StateRunning},
		{http.MethodPost, "/stop", http.StatusOK, importer.StateStopped},
		{http.MethodPost, "/stop", http.StatusConflict, importer.StateStopped},
		{http.MethodGet, "/stop", http.StatusMethodNotAllowed, importer.StateStopped},
	}

	for _, s := range steps {
		resp, body := do(t, s.method, srv.URL+s.path)
		if resp.StatusCode != s.wantStatus {
			t.Errorf("%s %s: status = %d, want %d (%s)", s.method, s.path, resp.StatusCode, s.wantStatus, body)
		}
		if got := ctrl.Snapshot().State; got != s.wantState {
			t.Errorf("%s %s: state = %s, want %s", s.method, s.path, got, s.wantState)
		}
	}

	if len(ctrl.reasons) != 2 || ctrl.reasons[0] != "maintenance" || ctrl.reasons[1] != "operator" {
		t.Errorf("reasons = %v", ctrl.reasons)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeController{state: importer.StateRunning})

	resp, body := do(t, http.MethodGet, srv.URL+"/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "bulkimport_test_probe_total 1") {
		t.Errorf("metrics output missing probe counter:\n%s", body)
	}
}

func TestNewServer(t *testing.T) {
	srv := NewServer(&fakeController{}, Config{Addr: ":0"})
	if srv.Addr != ":0" || srv.Handler == nil {
		t.Errorf("Unexpected server %+v", srv)
	}
}
