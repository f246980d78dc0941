package cmd

// The CLI package keeps cobra flags in package-level variables. Tests that
// touch them hold testMu, snapshot the state and restore it via t.Cleanup,
// so they cannot use t.Parallel(). Pure helpers can.

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
)

var testMu sync.Mutex

type globalStateSnapshot struct {
	serverURL         string
	outputFormat      string
	cyclesOwnerID     string
	cyclesLimit       int
	outcomeStatus     string
	outcomePaymentID  string
	reportOwnerID     string
	reportStartDate   string
	reportEndDate     string
	eventDeploymentID string
	eventOwnerID      string
	eventStatus       string
	eventCloudlets    int
	eventStorageGB    int
	deploymentLimit   int
	envBillingURL     string
	envBillingOutput  string
}

func saveGlobalState() globalStateSnapshot {
	return globalStateSnapshot{
		serverURL:         serverURL,
		outputFormat:      outputFormat,
		cyclesOwnerID:     cyclesOwnerID,
		cyclesLimit:       cyclesLimit,
		outcomeStatus:     outcomeStatus,
		outcomePaymentID:  outcomePaymentID,
		reportOwnerID:     reportOwnerID,
		reportStartDate:   reportStartDate,
		reportEndDate:     reportEndDate,
		eventDeploymentID: eventDeploymentID,
		eventOwnerID:      eventOwnerID,
		eventStatus:       eventStatus,
		eventCloudlets:    eventCloudlets,
		eventStorageGB:    eventStorageGB,
		deploymentLimit:   deploymentLimit,
		envBillingURL:     os.Getenv("BILLING_URL"),
		envBillingOutput:  os.Getenv("BILLING_OUTPUT"),
	}
}

func restoreGlobalState(saved globalStateSnapshot) {
	serverURL = saved.serverURL
	outputFormat = saved.outputFormat
	cyclesOwnerID = saved.cyclesOwnerID
	cyclesLimit = saved.cyclesLimit
	outcomeStatus = saved.outcomeStatus
	outcomePaymentID = saved.outcomePaymentID
	reportOwnerID = saved.reportOwnerID
	reportStartDate = saved.reportStartDate
	reportEndDate = saved.reportEndDate
	eventDeploymentID = saved.eventDeploymentID
	eventOwnerID = saved.eventOwnerID
	eventStatus = saved.eventStatus
	eventCloudlets = saved.eventCloudlets
	eventStorageGB = saved.eventStorageGB
	deploymentLimit = saved.deploymentLimit

	if saved.envBillingURL != "" {
		os.Setenv("BILLING_URL", saved.envBillingURL)
	} else {
		os.Unsetenv("BILLING_URL")
	}
	if saved.envBillingOutput != "" {
		os.Setenv("BILLING_OUTPUT", saved.envBillingOutput)
	} else {
		os.Unsetenv("BILLING_OUTPUT")
	}
}

func resetGlobalStateToDefaults() {
	serverURL = defaultServerURL
	outputFormat = defaultOutputFormat
	cyclesOwnerID = ""
	cyclesLimit = 0
	outcomeStatus = ""
	outcomePaymentID = ""
	reportOwnerID = ""
	reportStartDate = ""
	reportEndDate = ""
	eventDeploymentID = ""
	eventOwnerID = ""
	eventStatus = ""
	eventCloudlets = 0
	eventStorageGB = 0
	deploymentLimit = 0
}

// setupTestWithCleanup locks global state, resets it to defaults and
// restores it when the test ends
func setupTestWithCleanup(t *testing.T) {
	t.Helper()

	testMu.Lock()
	saved := saveGlobalState()
	resetGlobalStateToDefaults()

	t.Cleanup(func() {
		restoreGlobalState(saved)
		testMu.Unlock()
	})
}

// setupMockServer points serverURL at a test server. Cleanup is LIFO, so the
// server closes before state is restored.
func setupMockServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		server.Close()
	})
	serverURL = server.URL
	return server
}

// captureOutput captures stdout during function execution
func captureOutput(f func()) string {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	f()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

var mockCycle = map[string]interface{}{
	"id":       "cycle-0001",
	"owner_id": "owner-1",
	"billing_period": map[string]interface{}{
		"start": "2026-01-01T00:00:00Z",
		"end":   "2026-01-31T00:00:00Z",
	},
	"status":        "pending",
	"amount":        "12.345",
	"currency":      "USD",
	"usage_records": []string{"rec-1", "rec-2"},
	"created_at":    "2026-01-01T00:00:00Z",
	"updated_at":    "2026-01-01T00:00:00Z",
}

var mockRecord = map[string]interface{}{
	"id":            "rec-1",
	"owner_id":      "owner-1",
	"deployment_id": "dep-1",
	"resource_type": "compute-unit",
	"quantity":      "4",
	"rate":          "0.006",
	"start_time":    "2026-01-02T10:00:00Z",
	"cost":          "0.024",
	"status":        "billed",
	"created_at":    "2026-01-02T10:00:00Z",
}

func TestUsageCommand(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/usage/owner-1" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"owner_id":       "owner-1",
			"active_cost":    "0.012",
			"billed_cost":    "1.5",
			"total_estimate": "1.512",
			"resources": map[string]interface{}{
				"compute-unit": map[string]string{"quantity": "4", "cost": "1.5"},
			},
			"billing_cycle": map[string]interface{}{
				"cycle_id":       "cycle-0001",
				"start":          "2026-01-01T00:00:00Z",
				"end":            "2026-01-31T00:00:00Z",
				"days_remaining": 12,
			},
			"active_usage": []interface{}{mockRecord},
			"as_of":        "2026-01-19T00:00:00Z",
		})
	})

	output := captureOutput(func() {
		if err := runUsage(nil, []string{"owner-1"}); err != nil {
			t.Errorf("runUsage returned error: %v", err)
		}
	})

	for _, want := range []string{"owner-1", "cycle-0001", "12 days remaining", "1.50", "1.51", "compute-unit", "dep-1"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q, got: %s", want, output)
		}
	}
}

func TestUsageCommand_ServerError(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read current usage"})
	})

	err := runUsage(nil, []string{"owner-1"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "failed to read current usage") {
		t.Errorf("expected server message in error, got: %v", err)
	}
}

func TestCyclesList(t *testing.T) {
	setupTestWithCleanup(t)
	var capturedQuery string
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/cycles" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		capturedQuery = r.URL.RawQuery
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"cycles": []interface{}{mockCycle},
			"count":  1,
		})
	})

	cyclesOwnerID = "owner-1"
	cyclesLimit = 5

	output := captureOutput(func() {
		if err := runCyclesList(nil, nil); err != nil {
			t.Errorf("runCyclesList returned error: %v", err)
		}
	})

	if !strings.Contains(capturedQuery, "owner_id=owner-1") {
		t.Errorf("expected owner filter in query, got: %s", capturedQuery)
	}
	if !strings.Contains(capturedQuery, "limit=5") {
		t.Errorf("expected limit in query, got: %s", capturedQuery)
	}
	if !strings.Contains(output, "cycle-0001") {
		t.Errorf("expected output to contain cycle ID, got: %s", output)
	}
	if !strings.Contains(output, "12.35 USD") {
		t.Errorf("expected output to contain amount, got: %s", output)
	}
	if !strings.Contains(output, "Total: 1 cycles") {
		t.Errorf("expected output to contain count, got: %s", output)
	}
}

func TestCyclesList_Empty(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"cycles": []interface{}{}, "count": 0})
	})

	output := captureOutput(func() {
		if err := runCyclesList(nil, nil); err != nil {
			t.Errorf("runCyclesList returned error: %v", err)
		}
	})

	if !strings.Contains(output, "No billing cycles found") {
		t.Errorf("expected empty message, got: %s", output)
	}
}

func TestCyclesGet_JSON(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/cycles/cycle-0001" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"cycle":   mockCycle,
			"records": []interface{}{mockRecord},
		})
	})
	outputFormat = "json"

	output := captureOutput(func() {
		if err := runCyclesGet(nil, []string{"cycle-0001"}); err != nil {
			t.Errorf("runCyclesGet returned error: %v", err)
		}
	})

	var stmt CycleStatement
	if err := json.Unmarshal([]byte(output), &stmt); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, output)
	}
	if stmt.Cycle == nil || stmt.Cycle.ID != "cycle-0001" {
		t.Errorf("unexpected cycle: %+v", stmt.Cycle)
	}
	if len(stmt.Records) != 1 || stmt.Records[0].Cost.String() != "0.024" {
		t.Errorf("unexpected records: %+v", stmt.Records)
	}
}

func TestCyclesGet_NotFound(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "billing cycle not found"})
	})

	err := runCyclesGet(nil, []string{"missing"})
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("expected 404 error, got: %v", err)
	}
}

func TestCyclesVerify(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/cycles/cycle-0001/verify" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"cycle_id":     "cycle-0001",
			"amount":       "12.345",
			"record_sum":   "12.345",
			"record_count": 2,
			"balanced":     true,
		})
	})

	output := captureOutput(func() {
		if err := runCyclesVerify(nil, []string{"cycle-0001"}); err != nil {
			t.Errorf("runCyclesVerify returned error: %v", err)
		}
	})

	if !strings.Contains(output, "Balanced:    yes") {
		t.Errorf("expected balanced cycle, got: %s", output)
	}
	if !strings.Contains(output, "2 records") {
		t.Errorf("expected record count, got: %s", output)
	}
}

func TestCyclesOutcome(t *testing.T) {
	setupTestWithCleanup(t)
	var received map[string]string
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if r.URL.Path != "/api/v1/cycles/cycle-0001/outcome" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		cycle := map[string]interface{}{}
		for k, v := range mockCycle {
			cycle[k] = v
		}
		cycle["status"] = "completed"
		cycle["payment_id"] = "pay-9"
		writeJSON(w, http.StatusOK, cycle)
	})

	outcomeStatus = "completed"
	outcomePaymentID = "pay-9"

	output := captureOutput(func() {
		if err := runCyclesOutcome(nil, []string{"cycle-0001"}); err != nil {
			t.Errorf("runCyclesOutcome returned error: %v", err)
		}
	})

	if received["status"] != "completed" || received["payment_id"] != "pay-9" {
		t.Errorf("unexpected request body: %v", received)
	}
	if !strings.Contains(output, "cycle-0001 marked completed") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestCyclesOutcome_Conflict(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "billing cycle already finalized"})
	})
	outcomeStatus = "refunded"

	err := runCyclesOutcome(nil, []string{"cycle-0001"})
	if err == nil || !strings.Contains(err.Error(), "already finalized") {
		t.Errorf("expected conflict error, got: %v", err)
	}
}

func TestReportCommand(t *testing.T) {
	setupTestWithCleanup(t)
	var capturedQuery string
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/reports" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		capturedQuery = r.URL.RawQuery
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"filter":          map[string]string{},
			"total_revenue":   "20",
			"pending_revenue": "5.5",
			"failed_amount":   "0",
			"refunded_amount": "1",
			"cycle_count":     3,
			"owner_count":     2,
			"owners": map[string]interface{}{
				"owner-b": map[string]interface{}{"owner_id": "owner-b", "total_billed": "20", "total_pending": "0", "cycles": []interface{}{}},
				"owner-a": map[string]interface{}{"owner_id": "owner-a", "total_billed": "0", "total_pending": "5.5", "cycles": []interface{}{}},
			},
			"generated_at": "2026-02-01T00:00:00Z",
		})
	})

	reportStartDate = "2026-01-01"
	reportEndDate = "2026-01-31"

	output := captureOutput(func() {
		if err := runReport(nil, nil); err != nil {
			t.Errorf("runReport returned error: %v", err)
		}
	})

	if !strings.Contains(capturedQuery, "start_date=2026-01-01") || !strings.Contains(capturedQuery, "end_date=2026-01-31") {
		t.Errorf("expected date range in query, got: %s", capturedQuery)
	}
	if !strings.Contains(output, "Revenue:     20.00") {
		t.Errorf("expected revenue, got: %s", output)
	}
	if strings.Index(output, "owner-a") > strings.Index(output, "owner-b") {
		t.Errorf("expected owners sorted, got: %s", output)
	}
}

func TestDeploymentsEvent(t *testing.T) {
	setupTestWithCleanup(t)
	var received map[string]interface{}
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/deployments/events" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"deployment": map[string]interface{}{"id": "dep-1", "owner_id": "owner-1", "status": "running"},
			"action":     "registered",
		})
	})

	eventDeploymentID = "dep-1"
	eventOwnerID = "owner-1"
	eventStatus = "RUNNING"
	eventCloudlets = 4
	eventStorageGB = 20

	output := captureOutput(func() {
		if err := runDeploymentsEvent(nil, nil); err != nil {
			t.Errorf("runDeploymentsEvent returned error: %v", err)
		}
	})

	if received["status"] != "running" {
		t.Errorf("expected lowercased status, got: %v", received["status"])
	}
	if received["cloudlets"] != float64(4) || received["storage_gb"] != float64(20) {
		t.Errorf("unexpected resources: %v", received)
	}
	if !strings.Contains(output, "dep-1: registered") {
		t.Errorf("unexpected output: %s", output)
	}
}

func TestDeploymentsEvent_InvalidStatus(t *testing.T) {
	setupTestWithCleanup(t)
	called := false
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	eventDeploymentID = "dep-1"
	eventOwnerID = "owner-1"
	eventStatus = "paused"

	if err := runDeploymentsEvent(nil, nil); err == nil {
		t.Error("expected error for unknown status")
	}
	if called {
		t.Error("server should not be called for an invalid status")
	}
}

func TestDeploymentsUsage(t *testing.T) {
	setupTestWithCleanup(t)
	var capturedQuery string
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/deployments/dep-1/usage" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		capturedQuery = r.URL.RawQuery
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"deployment_id": "dep-1",
			"records":       []interface{}{mockRecord},
			"count":         1,
		})
	})
	deploymentLimit = 10

	output := captureOutput(func() {
		if err := runDeploymentsUsage(nil, []string{"dep-1"}); err != nil {
			t.Errorf("runDeploymentsUsage returned error: %v", err)
		}
	})

	if capturedQuery != "limit=10" {
		t.Errorf("expected limit in query, got: %s", capturedQuery)
	}
	if !strings.Contains(output, "compute-unit") || !strings.Contains(output, "0.0240") {
		t.Errorf("expected record row, got: %s", output)
	}
	if !strings.Contains(output, "Total: 1 records") {
		t.Errorf("expected count, got: %s", output)
	}
}

func TestRegistrations(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"registrations": []interface{}{
				map[string]interface{}{
					"deployment_id": "dep-1",
					"owner_id":      "owner-1",
					"resources": []interface{}{
						map[string]string{"type": "compute-unit", "rate": "0.006"},
						map[string]string{"type": "storage", "rate": "0.0002"},
					},
					"registered_at":  "2026-01-02T10:00:00Z",
					"windows_closed": 3,
					"open_windows":   2,
				},
			},
			"count": 1,
		})
	})

	output := captureOutput(func() {
		if err := runRegistrations(nil, nil); err != nil {
			t.Errorf("runRegistrations returned error: %v", err)
		}
	})

	if !strings.Contains(output, "compute-unit,storage") {
		t.Errorf("expected resource list, got: %s", output)
	}
	if !strings.Contains(output, "Total: 1 registrations") {
		t.Errorf("expected count, got: %s", output)
	}
}

func TestServerUnreachable(t *testing.T) {
	setupTestWithCleanup(t)
	serverURL = "http://127.0.0.1:1"

	err := runUsage(nil, []string{"owner-1"})
	if err == nil || !strings.Contains(err.Error(), "failed to connect") {
		t.Errorf("expected connection error, got: %v", err)
	}
}

func TestTruncateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"short", 10, "short"},
		{"exactly-10", 10, "exactly-10"},
		{"a-much-longer-identifier", 10, "a-much-..."},
		{"abcdef", 3, "abc"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			if got := truncateString(tt.in, tt.maxLen); got != tt.want {
				t.Errorf("truncateString(%q, %d) = %q, want %q", tt.in, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestConfigShow(t *testing.T) {
	setupTestWithCleanup(t)
	server := setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "ok",
			"services": map[string]string{
				"scheduler":     "running",
				"registrations": "3",
				"ready":         "true",
			},
		})
	})
	os.Setenv("BILLING_URL", server.URL)
	os.Unsetenv("BILLING_OUTPUT")

	output := captureOutput(func() {
		if err := runConfigShow(nil, nil); err != nil {
			t.Errorf("runConfigShow returned error: %v", err)
		}
	})

	for _, want := range []string{server.URL, "env BILLING_URL", "table (default)", "Status:   ok", "registrations", "scheduler"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q, got: %s", want, output)
		}
	}
}

func TestConfigShow_NotReady(t *testing.T) {
	setupTestWithCleanup(t)
	setupMockServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":   "unavailable",
			"services": map[string]string{"ready": "false"},
		})
	})
	outputFormat = "json"

	output := captureOutput(func() {
		if err := runConfigShow(nil, nil); err != nil {
			t.Errorf("runConfigShow returned error: %v", err)
		}
	})

	var cfg ResolvedConfig
	if err := json.Unmarshal([]byte(output), &cfg); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, output)
	}
	if cfg.Status != "unavailable" {
		t.Errorf("expected status unavailable, got %q", cfg.Status)
	}
	if cfg.Services["ready"] != "false" {
		t.Errorf("expected ready=false, got %v", cfg.Services)
	}
}

func TestConfigShow_Unreachable(t *testing.T) {
	setupTestWithCleanup(t)
	serverURL = "http://127.0.0.1:1"

	output := captureOutput(func() {
		if err := runConfigShow(nil, nil); err != nil {
			t.Errorf("runConfigShow returned error: %v", err)
		}
	})

	if !strings.Contains(output, "Status:   unreachable") {
		t.Errorf("expected unreachable status, got: %s", output)
	}
}

func TestConfigSet(t *testing.T) {
	setupTestWithCleanup(t)

	output := captureOutput(func() {
		if err := runConfigSet(nil, []string{"output", "json"}); err != nil {
			t.Errorf("runConfigSet returned error: %v", err)
		}
	})
	if !strings.Contains(output, "export BILLING_OUTPUT=json") {
		t.Errorf("expected export hint, got: %s", output)
	}

	if err := runConfigSet(nil, []string{"output", "yaml"}); err == nil {
		t.Error("expected error for unsupported output format")
	}
	if err := runConfigSet(nil, []string{"color", "on"}); err == nil {
		t.Error("expected error for unknown key")
	}
}
