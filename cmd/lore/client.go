package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kalambet/lore/internal/config"
)

const defaultCallTimeout = 30 * time.Second

var errServerUnreachable = errors.New("server not reachable, is lore running?")

// apiError is a non-2xx answer from the server.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// apiClient talks to the local lore server. timeout bounds call; streams
// run until the server completes them or ctx ends.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	timeout    time.Duration
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      cfg.Server.Token,
		httpClient: &http.Client{},
		timeout:    defaultCallTimeout,
	}, nil
}

// send performs the request and turns transport failures and error
// statuses into errors. On success the caller owns the body.
func (c *apiClient) send(ctx context.Context, method, path string, in any, accept string) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", accept)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w (%v)", errServerUnreachable, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &apiError{Status: resp.StatusCode, Message: apiErrorMessage(raw)}
	}
	return resp, nil
}

// call sends in as JSON and decodes the response into out, if non-nil.
func (c *apiClient) call(ctx context.Context, method, path string, in, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	resp, err := c.send(ctx, method, path, in, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// stream posts in and returns the server-sent event body.
func (c *apiClient) stream(ctx context.Context, path string, in any) (io.ReadCloser, error) {
	resp, err := c.send(ctx, http.MethodPost, path, in, "text/event-stream")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// apiErrorMessage extracts error.message from an API error body.
func apiErrorMessage(body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return string(bytes.TrimSpace(body))
}
