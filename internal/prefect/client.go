package prefect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultRateLimit is the default number of requests per second.
	DefaultRateLimit = 10.0

	// PageSize is the number of deployments requested per filter call.
	PageSize = 200
)

// Client is a rate-limited HTTP client for the orchestration API.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	apiKey     string
	baseURL    string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent as a bearer token.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRateLimit caps the request rate; zero or negative disables limiting.
func WithRateLimit(perSecond float64) ClientOption {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// NewClient creates a client for the API rooted at baseURL
// (e.g. http://127.0.0.1:4200/api).
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(DefaultRateLimit), 1),
		baseURL:    strings.TrimRight(baseURL, "/"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ListDeployments returns every registered deployment, following pages
// until a short page is returned.
func (c *Client) ListDeployments(ctx context.Context) ([]Deployment, error) {
	var all []Deployment
	for offset := 0; ; offset += PageSize {
		var page []Deployment
		if err := c.do(ctx, http.MethodPost, "/deployments/filter", filterRequest{Limit: PageSize, Offset: offset}, &page); err != nil {
			return nil, fmt.Errorf("failed to list deployments: %w", err)
		}
		all = append(all, page...)
		if len(page) < PageSize {
			return all, nil
		}
	}
}

// ReadBlockDocument loads a block document by block type slug and name.
// Secret fields are returned in clear so storage credentials can be used.
func (c *Client) ReadBlockDocument(ctx context.Context, slug, name string) (*BlockDocument, error) {
	path := fmt.Sprintf("/block_types/slug/%s/block_documents/name/%s?include_secrets=true", url.PathEscape(slug), url.PathEscape(name))

	var doc BlockDocument
	if err := c.do(ctx, http.MethodGet, path, nil, &doc); err != nil {
		return nil, fmt.Errorf("failed to load block %s/%s: %w", slug, name, err)
	}
	return &doc, nil
}

// CreateFlow registers a flow by name, returning the existing flow when one
// with that name is already registered.
func (c *Client) CreateFlow(ctx context.Context, name string) (*Flow, error) {
	var flow Flow
	if err := c.do(ctx, http.MethodPost, "/flows/", flowCreate{Name: name}, &flow); err != nil {
		return nil, fmt.Errorf("failed to create flow %s: %w", name, err)
	}
	return &flow, nil
}

// CreateDeployment creates or updates a deployment.
func (c *Client) CreateDeployment(ctx context.Context, req DeploymentCreate) (*Deployment, error) {
	var deployment Deployment
	if err := c.do(ctx, http.MethodPost, "/deployments/", req, &deployment); err != nil {
		return nil, fmt.Errorf("failed to create deployment %s: %w", req.Name, err)
	}
	return &deployment, nil
}

// do sends a JSON request and decodes a JSON response into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("%w: reading body: %v", ErrNetwork, err)
	}

	if resp.StatusCode >= 400 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Method:     method,
			Path:       path,
			Detail:     errorDetail(data),
		}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

// errorDetail extracts the "detail" field the API puts in error bodies.
func errorDetail(data []byte) string {
	var body struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Detail == nil {
		return strings.TrimSpace(string(data))
	}
	if s, ok := body.Detail.(string); ok {
		return s
	}
	encoded, _ := json.Marshal(body.Detail)
	return string(encoded)
}
