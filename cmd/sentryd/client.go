package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/loykin/sentryd/internal/process"
	"github.com/loykin/sentryd/internal/scheduler"
)

// APIClient speaks the REST control plane internal/server exposes over
// *daemon.App: process, group, and schedule lifecycle plus status reads.
type APIClient struct {
	baseURL   string
	client    *http.Client
	authToken string
}

// NewAPIClient creates a new API client. baseURL should include the
// server's base path, e.g. "http://localhost:8080/api".
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// SetAuthToken sets the bearer token attached to every request.
func (c *APIClient) SetAuthToken(token string) {
	c.authToken = token
}

// IsReachable checks whether the daemon answers at all.
func (c *APIClient) IsReachable() bool {
	resp, err := c.doRequest("GET", c.baseURL+"/processes", nil)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return true
}

// StartProcess starts (or restarts a terminal) descriptor.
func (c *APIClient) StartProcess(spec process.Spec) (json.RawMessage, error) {
	data, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}
	return c.doJSONRequest("POST", c.baseURL+"/processes", bytes.NewReader(data))
}

// GetStatus fetches a single descriptor's snapshot by exact name.
func (c *APIClient) GetStatus(name string) (json.RawMessage, error) {
	return c.doJSONRequest("GET", c.baseURL+"/processes/"+url.PathEscape(name), nil)
}

// ListStatus lists descriptors, optionally filtered by group/state, or by
// wildcard pattern if pattern is non-empty (pattern takes precedence).
func (c *APIClient) ListStatus(group, state, pattern string) (json.RawMessage, error) {
	q := url.Values{}
	if pattern != "" {
		q.Set("pattern", pattern)
	} else {
		if group != "" {
			q.Set("group", group)
		}
		if state != "" {
			q.Set("state", state)
		}
	}
	u := c.baseURL + "/processes"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return c.doJSONRequest("GET", u, nil)
}

// StopProcess stops a single descriptor by exact name.
func (c *APIClient) StopProcess(name string, wait time.Duration, force bool) error {
	q := stopQuery(wait, force)
	_, err := c.doJSONRequest("POST", c.baseURL+"/processes/"+url.PathEscape(name)+"/stop?"+q, nil)
	return err
}

// StopMatch stops every descriptor whose name matches a wildcard pattern.
func (c *APIClient) StopMatch(pattern string, wait time.Duration, force bool) error {
	q := stopQuery(wait, force)
	q += "&pattern=" + url.QueryEscape(pattern)
	_, err := c.doJSONRequest("POST", c.baseURL+"/processes/stop?"+q, nil)
	return err
}

func stopQuery(wait time.Duration, force bool) string {
	q := url.Values{}
	if wait > 0 {
		q.Set("wait", wait.String())
	}
	if force {
		q.Set("force", "1")
	}
	return q.Encode()
}

// RestartProcess stops then restarts a descriptor.
func (c *APIClient) RestartProcess(name string) (json.RawMessage, error) {
	return c.doJSONRequest("POST", c.baseURL+"/processes/"+url.PathEscape(name)+"/restart", nil)
}

// RemoveProcess forgets a descriptor entirely.
func (c *APIClient) RemoveProcess(name string) error {
	_, err := c.doJSONRequest("DELETE", c.baseURL+"/processes/"+url.PathEscape(name), nil)
	return err
}

// GetMetrics samples a running descriptor's resource usage.
func (c *APIClient) GetMetrics(name string) (json.RawMessage, error) {
	return c.doJSONRequest("GET", c.baseURL+"/processes/"+url.PathEscape(name)+"/metrics", nil)
}

// GetOutput fetches a descriptor's captured stdout/stderr.
func (c *APIClient) GetOutput(name string) (json.RawMessage, error) {
	return c.doJSONRequest("GET", c.baseURL+"/processes/"+url.PathEscape(name)+"/output", nil)
}

// GroupStart starts every member of a configured group, in Priority order.
func (c *APIClient) GroupStart(name string) error {
	_, err := c.doJSONRequest("POST", c.baseURL+"/groups/"+url.PathEscape(name)+"/start", nil)
	return err
}

// GroupStop stops every member of a configured group.
func (c *APIClient) GroupStop(name string, wait time.Duration) error {
	u := c.baseURL + "/groups/" + url.PathEscape(name) + "/stop"
	if wait > 0 {
		u += "?wait=" + url.QueryEscape(wait.String())
	}
	_, err := c.doJSONRequest("POST", u, nil)
	return err
}

// GroupStatus fetches every group member's current snapshot.
func (c *APIClient) GroupStatus(name string) (json.RawMessage, error) {
	return c.doJSONRequest("GET", c.baseURL+"/groups/"+url.PathEscape(name)+"/status", nil)
}

// scheduleRequest mirrors internal/server's wire shape for POST /schedules.
type scheduleRequest struct {
	Name       string           `json:"name"`
	Kind       scheduler.Kind   `json:"kind"`
	Expression string           `json:"expression"`
	Target     scheduler.Target `json:"target"`
	Enabled    *bool            `json:"enabled"`
}

// AddSchedule registers a new trigger.
func (c *APIClient) AddSchedule(sf ScheduleFlags) error {
	enabled := !sf.Disabled
	req := scheduleRequest{
		Name:       sf.Name,
		Kind:       scheduler.Kind(sf.Kind),
		Expression: sf.Expression,
		Enabled:    &enabled,
		Target: scheduler.Target{
			Command:    sf.Command,
			Args:       sf.Args,
			WorkingDir: sf.WorkingDir,
			Env:        envSliceToMap(sf.Env),
			Group:      sf.Group,
		},
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = c.doJSONRequest("POST", c.baseURL+"/schedules", bytes.NewReader(data))
	return err
}

// ListSchedules lists every configured trigger.
func (c *APIClient) ListSchedules() (json.RawMessage, error) {
	return c.doJSONRequest("GET", c.baseURL+"/schedules", nil)
}

// EnableSchedule re-activates a disabled schedule.
func (c *APIClient) EnableSchedule(name string) error {
	_, err := c.doJSONRequest("POST", c.baseURL+"/schedules/"+url.PathEscape(name)+"/enable", nil)
	return err
}

// DisableSchedule deactivates a schedule without forgetting it.
func (c *APIClient) DisableSchedule(name string) error {
	_, err := c.doJSONRequest("POST", c.baseURL+"/schedules/"+url.PathEscape(name)+"/disable", nil)
	return err
}

// RemoveSchedule deletes a schedule's record entirely.
func (c *APIClient) RemoveSchedule(name string) error {
	_, err := c.doJSONRequest("DELETE", c.baseURL+"/schedules/"+url.PathEscape(name), nil)
	return err
}

// LoginResponse mirrors auth.AuthResult's wire shape.
type LoginResponse struct {
	Success  bool       `json:"success"`
	UserID   string     `json:"user_id"`
	Username string     `json:"username"`
	Roles    []string   `json:"roles"`
	Token    *TokenInfo `json:"token"`
}

// TokenInfo mirrors the JWT token envelope auth.AuthResult carries.
type TokenInfo struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login authenticates against the daemon's /auth/login endpoint.
func (c *APIClient) Login(username, password string) (*LoginResponse, error) {
	data, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return nil, err
	}
	resp, err := c.doRequest("POST", c.baseURL+"/auth/login", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var result LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login failed: HTTP %d", resp.StatusCode)
	}
	return &result, nil
}

// doRequest performs an HTTP request, attaching the bearer token if set.
func (c *APIClient) doRequest(method, u string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, u, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	return c.client.Do(req)
}

// doJSONRequest performs a request and decodes a JSON body on success,
// translating a non-2xx response into an error carrying the server's
// message.
func (c *APIClient) doJSONRequest(method, u string, body io.Reader) (json.RawMessage, error) {
	resp, err := c.doRequest(method, u, body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		if jsonErr := json.Unmarshal(raw, &errResp); jsonErr == nil && errResp.Error != "" {
			return nil, fmt.Errorf("API error: %s", errResp.Error)
		}
		return nil, fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}
	return raw, nil
}
