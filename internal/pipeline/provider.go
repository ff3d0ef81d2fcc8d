package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jpantsjoha/Agentic-Marketing-Campaign-Generator-sub000/pkg/models"
)

// Request is one generation attempt handed to a provider.
type Request struct {
	JobID      string
	CampaignID string
	TargetID   string
	Kind       models.JobKind
	Prompt     string
	Params     map[string]string

	// Progress may be called with fractions in [0,1] while the provider
	// works. Calls after Submit returns are ignored.
	Progress func(fraction float64, step string)
}

// Result is a finished asset.
type Result struct {
	AssetRef string
	Metadata map[string]string
}

// Provider is an external generation service. Submit is slow and may fail;
// it must honour ctx cancellation where it can, although the pipeline
// abandons calls that overrun the timeout either way.
type Provider interface {
	Name() string
	Submit(ctx context.Context, req *Request) (*Result, error)
}

// ── HTTP provider ───────────────────────────────────────────

// HTTPProvider submits generation requests as JSON POSTs to an endpoint
// that answers with {"asset_ref": ..., "metadata": {...}}.
type HTTPProvider struct {
	name     string
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPProvider creates a provider for endpoint. timeout bounds the whole
// exchange at the transport level; the pipeline applies its own deadline on
// top.
func NewHTTPProvider(name, endpoint, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPProvider{
		name:     name,
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Name() string { return p.name }

type httpGenerateRequest struct {
	JobID      string            `json:"job_id"`
	CampaignID string            `json:"campaign_id,omitempty"`
	Kind       models.JobKind    `json:"kind"`
	Prompt     string            `json:"prompt"`
	Params     map[string]string `json:"params,omitempty"`
}

type httpGenerateResponse struct {
	AssetRef string            `json:"asset_ref"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (p *HTTPProvider) Submit(ctx context.Context, req *Request) (*Result, error) {
	body, err := json.Marshal(httpGenerateRequest{
		JobID:      req.JobID,
		CampaignID: req.CampaignID,
		Kind:       req.Kind,
		Prompt:     req.Prompt,
		Params:     req.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.endpoint+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	if req.Progress != nil {
		req.Progress(0, "awaiting provider")
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", p.name, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("%s: status %d: %s", p.name, httpResp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out httpGenerateResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	if out.AssetRef == "" {
		return nil, fmt.Errorf("%s: response carries no asset_ref", p.name)
	}
	if req.Progress != nil {
		req.Progress(1, "asset received")
	}
	return &Result{AssetRef: out.AssetRef, Metadata: out.Metadata}, nil
}
