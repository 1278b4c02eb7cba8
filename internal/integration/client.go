// Package integration holds HTTP clients for the payments and state tracking
// services the RMA workflow depends on.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// UpstreamError is a non-2xx answer. Error returns the upstream message as sent.
type UpstreamError struct {
	Service string
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s returned status %d", e.Service, e.Status)
}

// Temporary reports whether the failure is worth retrying later.
func (e *UpstreamError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

type jsonClient struct {
	service    string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func newJSONClient(service, baseURL, apiKey string, timeout time.Duration) jsonClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return jsonClient{
		service:    service,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// post sends body as JSON and decodes a 2xx answer into dest.
func (c jsonClient) post(ctx context.Context, path, idempotencyKey string, body, dest any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s unreachable: %w", c.service, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return &UpstreamError{Service: c.service, Status: resp.StatusCode, Message: upstreamMessage(raw)}
	}
	if dest == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("%s: decode response: %w", c.service, err)
	}
	return nil
}

// Ping checks the health endpoint.
func (c jsonClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s returned status %d", c.service, resp.StatusCode)
	}
	return nil
}

// upstreamMessage pulls the human readable message out of an error body.
func upstreamMessage(raw []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		for _, msg := range []string{body.Message, body.Error, body.Detail} {
			if msg = strings.TrimSpace(msg); msg != "" {
				return msg
			}
		}
	}
	return strings.TrimSpace(string(raw))
}
