package governance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/keon-os/marketops/pkg/fcsign"
)

// HTTPClient talks to a governance service over JSON/HTTP. The base URL
// comes from OMEGA_SDK_URL.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient builds a Client backed by the service at baseURL.
func NewHTTPClient(baseURL string, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("governance: base URL is required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	h := &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
	return &Client{Tools: h, Evidence: h}, nil
}

// Invoke posts a tool invocation. Transport failures surface as errors;
// service-level denial comes back in the result.
func (h *HTTPClient) Invoke(ctx context.Context, inv ToolInvocation) (*ToolResult, error) {
	var result ToolResult
	if err := h.post(ctx, "/mcp/tools/invoke", inv, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (h *HTTPClient) Create(ctx context.Context, req EvidenceCreateRequest) (*EvidenceCreateResult, error) {
	if len(req.Content) == 0 {
		return nil, fmt.Errorf("governance: evidence content is empty")
	}
	var result EvidenceCreateResult
	if err := h.post(ctx, "/evidence/create", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Download fails closed: a digest mismatch or missing id is an error, never
// partial content.
func (h *HTTPClient) Download(ctx context.Context, req EvidenceDownloadRequest) (*EvidenceDownloadResult, error) {
	if req.EvidenceID == "" {
		return nil, fmt.Errorf("governance: evidenceId is required")
	}
	var result EvidenceDownloadResult
	if err := h.post(ctx, "/evidence/download", req, &result); err != nil {
		return nil, err
	}
	actual := fcsign.SHA256Bytes(result.Content)
	if result.Digest != "" && actual != result.Digest {
		return nil, fmt.Errorf("governance: downloaded content digest %s does not match reported %s", actual, result.Digest)
	}
	if req.ExpectedDigest != "" && actual != req.ExpectedDigest {
		return nil, fmt.Errorf("governance: downloaded content digest %s does not match expected %s", actual, req.ExpectedDigest)
	}
	return &result, nil
}

func (h *HTTPClient) Verify(ctx context.Context, packHash string) (*EvidenceVerifyResult, error) {
	var result EvidenceVerifyResult
	if err := h.post(ctx, "/evidence/verify", map[string]string{"packHash": packHash}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (h *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("governance: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("governance: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.http.Do(req)
	if err != nil {
		return fmt.Errorf("governance: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNotImplemented {
		return &CapabilityGapError{Capability: path}
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("governance: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("governance: %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("governance: decode response: %w", err)
	}
	return nil
}
