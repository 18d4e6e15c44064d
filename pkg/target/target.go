package target

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// Endpoint is a named HTTP base address with a well-known health path.
// Endpoints are immutable and supplied at orchestrator start.
type Endpoint struct {
	Name       string `json:"name"`
	BaseURL    string `json:"base_url"`
	HealthPath string `json:"health_path"`
}

// HealthInfo is the decoded health probe response
type HealthInfo struct {
	Status   string `json:"status"`
	Service  string `json:"service,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// StatusError indicates an unexpected HTTP status code
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.Code)
}

// Common client errors
var (
	ErrNotReady      = errors.New("endpoint not ready")
	ErrInvalidShape  = errors.New("response shape invalid")
	ErrMissingRecord = errors.New("record not found")
)

// Response shapes are checked against JSON schemas so a service that
// answers 200 with garbage still counts as unhealthy or a failed call.
var (
	healthSchema = gojsonschema.NewStringLoader(`{
		"type": "object",
		"required": ["status"],
		"properties": {
			"status":   {"type": "string"},
			"service":  {"type": "string"},
			"instance": {"type": "string"}
		}
	}`)

	createSchema = gojsonschema.NewStringLoader(`{
		"type": "object",
		"required": ["id"],
		"properties": {
			"id": {"type": ["string", "integer", "number"]}
		}
	}`)
)

// Client issues health and business probes against one endpoint
type Client struct {
	endpoint   Endpoint
	httpClient *http.Client
}

// NewClient creates a client for the given endpoint. The timeout bounds
// each individual request; callers use contexts for tighter budgets.
func NewClient(endpoint Endpoint, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Endpoint returns the endpoint this client talks to
func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

// Health issues one health probe. Any transport error, non-200 status,
// malformed body, or a status other than "ok" counts as not ready.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	url := c.endpoint.BaseURL + c.endpoint.HealthPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("health probe failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read health response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health probe: %w", &StatusError{Code: resp.StatusCode})
	}

	if err := validate(healthSchema, body); err != nil {
		return nil, fmt.Errorf("health response: %w", err)
	}

	var info HealthInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}

	if info.Status != "ok" {
		return &info, fmt.Errorf("%w: status %q", ErrNotReady, info.Status)
	}

	return &info, nil
}

// CreateRecord POSTs a resource and returns the id from the creation
// response. Only the id field is relied upon; the rest of the schema is
// owned by the collaborating CRUD services.
func (c *Client) CreateRecord(ctx context.Context, resource string, payload map[string]interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	url := c.endpoint.BaseURL + "/" + strings.Trim(resource, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to build create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read create response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create %s: %w", resource, &StatusError{Code: resp.StatusCode})
	}

	if err := validate(createSchema, body); err != nil {
		return "", fmt.Errorf("create response: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var record map[string]interface{}
	if err := dec.Decode(&record); err != nil {
		return "", fmt.Errorf("failed to decode create response: %w", err)
	}

	return fmt.Sprint(record["id"]), nil
}

// GetRecord reads one resource record back by id
func (c *Client) GetRecord(ctx context.Context, resource, id string) (map[string]interface{}, error) {
	url := c.endpoint.BaseURL + "/" + strings.Trim(resource, "/") + "/" + id
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build get request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read get response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("get %s/%s: %w", resource, id, ErrMissingRecord)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get %s/%s: %w", resource, id, &StatusError{Code: resp.StatusCode})
	}

	var record map[string]interface{}
	if err := json.Unmarshal(body, &record); err != nil {
		return nil, fmt.Errorf("failed to decode get response: %w", err)
	}

	return record, nil
}

// validate checks a response body against a JSON schema
func validate(schema gojsonschema.JSONLoader, body []byte) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidShape, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("%w: %s", ErrInvalidShape, strings.Join(msgs, "; "))
	}
	return nil
}
