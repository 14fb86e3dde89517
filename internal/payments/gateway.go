// Package payments holds the refund call contract against the external
// payment gateway. Capture is handled entirely outside this service.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type RefundResult struct {
	Success          bool   `json:"success"`
	RefundRef        string `json:"refundRef,omitempty"`
	EstimatedArrival string `json:"estimatedArrival,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Gateway issues refunds against a captured payment reference. A returned
// error or Success=false never blocks a cancellation; callers record the
// failure for manual reconciliation.
type Gateway interface {
	IssueRefund(ctx context.Context, paymentRef string, amount int64, reason string) (RefundResult, error)
}

// HTTPGateway calls a JSON refund endpoint.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPGateway(baseURL, apiKey string) *HTTPGateway {
	return &HTTPGateway{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (g *HTTPGateway) IssueRefund(ctx context.Context, paymentRef string, amount int64, reason string) (RefundResult, error) {
	body, _ := json.Marshal(map[string]any{
		"paymentRef": paymentRef,
		"amount":     amount,
		"reason":     reason,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/refunds", bytes.NewBuffer(body))
	if err != nil {
		return RefundResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return RefundResult{}, err
	}
	defer resp.Body.Close()

	var result RefundResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return RefundResult{}, err
	}
	if resp.StatusCode >= 300 && result.Error == "" {
		result.Success = false
		result.Error = fmt.Sprintf("gateway status %s", resp.Status)
	}
	return result, nil
}

// LogGateway accepts every refund and logs it; used when no gateway URL is
// configured (local development).
type LogGateway struct{}

func (LogGateway) IssueRefund(ctx context.Context, paymentRef string, amount int64, reason string) (RefundResult, error) {
	ref := "rf_" + uuid.NewString()
	log.Printf("payments: simulated refund of %d against %s (%s) ref=%s", amount, paymentRef, reason, ref)
	return RefundResult{Success: true, RefundRef: ref, EstimatedArrival: "5-10 business days"}, nil
}
