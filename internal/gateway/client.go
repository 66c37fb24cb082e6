package gateway

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
)

// apiError is a non-2xx provider reply.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string { return fmt.Sprintf("http %d: %s", e.Status, e.Message) }

// restClient is the JSON/form transport shared by the adapters.
type restClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	authorize  func(ctx context.Context, req *http.Request) error
}

func newRestClient(baseURL string, timeout time.Duration, auth func(context.Context, *http.Request) error) *restClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &restClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
		authorize:  auth,
	}
}

func (c *restClient) postJSON(ctx context.Context, path string, headers map[string]string, body, out interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(b), headers, out)
}

func (c *restClient) postForm(ctx context.Context, path string, form url.Values, headers map[string]string, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), headers, out)
}

func (c *restClient) getJSON(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, "", nil, nil, out)
}

func (c *restClient) do(ctx context.Context, method, path, contentType string, body io.Reader, headers map[string]string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if c.authorize != nil {
		if err := c.authorize(ctx, req); err != nil {
			return err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return &apiError{Status: resp.StatusCode, Message: errorMessage(raw, resp.Status)}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// errorMessage digs the human readable reason out of the provider error
// envelopes we know about.
func errorMessage(raw []byte, fallback string) string {
	var env map[string]interface{}
	if err := json.Unmarshal(raw, &env); err != nil {
		if s := strings.TrimSpace(string(raw)); s != "" {
			return s
		}
		return fallback
	}
	for _, k := range []string{"message", "error_description", "detail"} {
		if s, ok := env[k].(string); ok && s != "" {
			return s
		}
	}
	switch e := env["error"].(type) {
	case string:
		return e
	case map[string]interface{}:
		if s, ok := e["message"].(string); ok {
			return s
		}
	}
	if errs, ok := env["errors"].([]interface{}); ok && len(errs) > 0 {
		if first, ok := errs[0].(map[string]interface{}); ok {
			for _, k := range []string{"detail", "message"} {
				if s, ok := first[k].(string); ok && s != "" {
					return s
				}
			}
		}
	}
	return fallback
}

func bearer(token string) func(context.Context, *http.Request) error {
	return func(_ context.Context, req *http.Request) error {
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}
}
