package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/shopspring/decimal"

	"github.com/skyvps360/metered-billing/pkg/models"
)

// Re-export API models for CLI use
type (
	BillingCycle   = models.BillingCycle
	CycleStatement = models.CycleStatement
	CurrentUsage   = models.CurrentUsage
	BillingReport  = models.BillingReport
	UsageRecord    = models.UsageRecord
	Deployment     = models.Deployment
)

// Registration is a live accrual chain as listed by the server
type Registration struct {
	DeploymentID string `json:"deployment_id"`
	OwnerID      string `json:"owner_id"`
	Resources    []struct {
		Type string          `json:"type"`
		Rate decimal.Decimal `json:"rate"`
	} `json:"resources"`
	RegisteredAt  string `json:"registered_at"`
	WindowsClosed int    `json:"windows_closed"`
	OpenWindows   int    `json:"open_windows"`
}

// Verification is a cycle's recomputed amount
type Verification struct {
	CycleID     string          `json:"cycle_id"`
	Amount      decimal.Decimal `json:"amount"`
	RecordSum   decimal.Decimal `json:"record_sum"`
	RecordCount int             `json:"record_count"`
	Balanced    bool            `json:"balanced"`
}

// EventResult is the response to a deployment event
type EventResult struct {
	Deployment *Deployment `json:"deployment"`
	Action     string      `json:"action"`
}

// getJSON fetches path from the server and decodes the response into out
func getJSON(path string, out interface{}) error {
	resp, err := http.Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp, out)
}

// postJSON sends body to path and decodes the response into out
func postJSON(path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	resp, err := http.Post(serverURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error string `json:"error"`
		}
		body, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("server error (%d): %s", resp.StatusCode, errResp.Error)
		}
		return fmt.Errorf("server error: %s", string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// truncateString shortens s to maxLen, marking the cut with "..."
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
