package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ClashClient talks to the multiplexer's admin HTTP API (§6).
type ClashClient struct {
	baseURL string
	secret  string
	http    *http.Client
}

// NewClashClient creates a client against the multiplexer's admin API.
func NewClashClient(baseURL, secret string) *ClashClient {
	return &ClashClient{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *ClashClient) do(ctx context.Context, method, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling multiplexer admin api: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("multiplexer admin api %s returned status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Version reports the multiplexer's /version response.
func (c *ClashClient) Version(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/version", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Configs reports the multiplexer's /configs response.
func (c *ClashClient) Configs(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/configs", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Proxies reports the multiplexer's /proxies response.
func (c *ClashClient) Proxies(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/proxies", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// delayResponse is the shape of a /proxies/<name>/delay response.
type delayResponse struct {
	Delay int `json:"delay"`
}

// Probe issues a delay probe against a named group/proxy with a hard 10s
// timeout (§4.4.2). Any non-2xx response, timeout, or delay >= 5000ms is
// treated as unhealthy by the caller; Probe itself only reports the raw
// delay or an error.
func (c *ClashClient) Probe(ctx context.Context, name string, timeoutMS int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	q := url.Values{}
	q.Set("timeout", fmt.Sprintf("%d", timeoutMS))
	q.Set("url", probeURL)

	var out delayResponse
	path := fmt.Sprintf("/proxies/%s/delay", url.PathEscape(name))
	if err := c.do(ctx, http.MethodGet, path, q, &out); err != nil {
		return 0, err
	}
	return out.Delay, nil
}
