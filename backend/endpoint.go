package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPEndpoint is the default Endpoint implementation: a JSON-over-HTTP local
// inference daemon exposing generate/tags/pull. Modeled
// directly on Ollama's wire shape since it already matches the spec.
type HTTPEndpoint struct {
	name    string
	baseURL string
	gpuID   string
	client  *http.Client
}

// EndpointConfig configures one HTTPEndpoint.
type EndpointConfig struct {
	Name    string
	BaseURL string
	GPUID   string
	Timeout time.Duration
}

func NewHTTPEndpoint(cfg EndpointConfig) *HTTPEndpoint {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	name := cfg.Name
	if name == "" {
		name = cfg.BaseURL
	}
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPEndpoint{
		name:    name,
		baseURL: cfg.BaseURL,
		gpuID:   cfg.GPUID,
		client:  &http.Client{Transport: transport, Timeout: cfg.Timeout},
	}
}

func (e *HTTPEndpoint) Name() string { return e.name }

func (e *HTTPEndpoint) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	req.Stream = false
	resp, err := e.post(ctx, "/generate", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: endpoint %s returned status %d: %s", ErrBackendError, e.name, resp.StatusCode, string(body))
	}
	var out GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrBackendError, err)
	}
	return &out, nil
}

func (e *HTTPEndpoint) GenerateStream(ctx context.Context, req *GenerateRequest) (Stream, error) {
	req.Stream = true
	resp, err := e.post(ctx, "/generate", req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("%w: endpoint %s returned status %d: %s", ErrBackendError, e.name, resp.StatusCode, string(body))
	}
	return NewHTTPStream(resp), nil
}

// Tags lists loaded models — the lightweight health probe (never a full generation).
func (e *HTTPEndpoint) Tags(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: tags probe on %s returned status %d", ErrBackendError, e.name, resp.StatusCode)
	}
	var out struct {
		Models []string `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

func (e *HTTPEndpoint) Pull(ctx context.Context, model string) error {
	body, _ := json.Marshal(map[string]string{"model": normalizeModel(model)})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/pull", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: pull %s on %s: %v", ErrBackendError, model, e.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: pull %s on %s returned status %d", ErrBackendError, model, e.name, resp.StatusCode)
	}
	return nil
}

func (e *HTTPEndpoint) post(ctx context.Context, path string, req *GenerateRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendError, err)
	}
	return resp, nil
}
