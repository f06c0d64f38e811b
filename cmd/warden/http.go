package main

// ---------------------------------------------------------------------------
// http.go: HTTP client for the warden API
// ---------------------------------------------------------------------------

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type apiClient struct {
	base string
	cred string
	http *http.Client
}

func newClient() *apiClient {
	return &apiClient{
		base: strings.TrimRight(apiBase(), "/"),
		cred: resolveCredential(),
		http: &http.Client{Timeout: opts.timeout},
	}
}

// apiError carries the HTTP status of a failed call.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return fmt.Sprintf("authentication failed (HTTP %d): %s; provide --token or --api-key", e.Status, e.Message)
	}
	return fmt.Sprintf("API returned HTTP %d: %s", e.Status, e.Message)
}

func (c *apiClient) do(method, path string, payload interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cred != "" {
		req.Header.Set("Authorization", "Bearer "+c.cred)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to warden API at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		msg := strings.TrimSpace(string(data))
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return data, &apiError{Status: resp.StatusCode, Message: msg}
	}
	return data, nil
}

func (c *apiClient) get(path string) ([]byte, error) { return c.do(http.MethodGet, path, nil) }

func (c *apiClient) post(path string, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	return c.do(http.MethodPost, path, payload)
}

func (c *apiClient) put(path string, payload interface{}) ([]byte, error) {
	return c.do(http.MethodPut, path, payload)
}

// getJSON fetches path and decodes the response into v.
func (c *apiClient) getJSON(path string, v interface{}) ([]byte, error) {
	data, err := c.get(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	return data, nil
}

// waitTimeout bounds polling loops.
func waitTimeout() time.Duration {
	if opts.timeout > 0 {
		return opts.timeout * 3
	}
	return 30 * time.Second
}
