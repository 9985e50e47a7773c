package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/geoanomaly/internal/auth"
)

// Config holds the configuration for connecting to the detector API.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	AdminSecret string // Sent as X-Admin-Secret; only needed for run_decay_sweep
}

// DetectorClient is a pure HTTP client for the detector API.
type DetectorClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewDetectorClient creates a new client for the detector API.
func NewDetectorClient(cfg Config) *DetectorClient {
	return &DetectorClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *DetectorClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.AdminSecret != "" {
		req.Header.Set(auth.AdminHeader, c.cfg.AdminSecret)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// ScoreTransaction scores one transaction payload.
func (c *DetectorClient) ScoreTransaction(ctx context.Context, payload map[string]any) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/transactions/score", nil, payload)
}

// GetProfile returns a user's learned profile.
func (c *DetectorClient) GetProfile(ctx context.Context, user string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/profiles/"+url.PathEscape(user), nil, nil)
}

// BuildProfile replaces a user's profile with one built from history.
func (c *DetectorClient) BuildProfile(ctx context.Context, user string, history []any) (json.RawMessage, error) {
	body := map[string]any{"transactions": history}
	return c.doRequest(ctx, http.MethodPost, "/v1/profiles/"+url.PathEscape(user)+"/history", nil, body)
}

// ListAssessments returns a user's recent assessments, newest first. cursor
// is the nextCursor of a previous page, or empty for the first page.
func (c *DetectorClient) ListAssessments(ctx context.Context, user string, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/profiles/"+url.PathEscape(user)+"/assessments", q, nil)
}

// RunDecaySweep triggers an immediate decay sweep.
func (c *DetectorClient) RunDecaySweep(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/decay", nil, nil)
}
