// Package report converts receipt HTML into PDF through a Gotenberg instance.
package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	healthPath  = "/health"
	convertPath = "/forms/chromium/convert/html"
	// Gotenberg requires the entry document of an HTML conversion to be index.html.
	indexFile = "index.html"
)

// Paper describes the page size in inches as Gotenberg expects it.
type Paper struct {
	Width  float64
	Height float64
	Margin float64
}

// ReceiptPaper fits 80mm thermal rolls.
var ReceiptPaper = Paper{Width: 3.15, Height: 11, Margin: 0.1}

// StatusError is returned when Gotenberg answers with a non-2xx status.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("gotenberg %s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("gotenberg %s: status %d: %s", e.Op, e.Status, e.Body)
}

// Client talks to the Gotenberg chromium route.
type Client struct {
	baseURL    string
	paper      Paper
	httpClient *http.Client
}

// NewClient constructs a client printing on paper. A zero Paper leaves
// Gotenberg's defaults in place.
func NewClient(baseURL string, paper Paper) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		paper:      paper,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Ping checks if the remote Gotenberg service is available.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return err
	}
	_, err = c.do(req, "health")
	return err
}

// RenderHTML converts a self-contained HTML document into PDF bytes.
func (c *Client) RenderHTML(ctx context.Context, html string) ([]byte, error) {
	body, contentType, err := c.form(html)
	if err != nil {
		return nil, fmt.Errorf("build gotenberg form: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+convertPath, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.do(req, "convert")
}

func (c *Client) do(req *http.Request, op string) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gotenberg %s: %w", op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) form(html string) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	part, err := w.CreateFormFile("files", indexFile)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.WriteString(part, html); err != nil {
		return nil, "", err
	}
	for _, field := range c.paperFields() {
		if err := w.WriteField(field[0], field[1]); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

func (c *Client) paperFields() [][2]string {
	p := c.paper
	if p.Width <= 0 || p.Height <= 0 {
		return nil
	}
	inches := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	margin := inches(p.Margin)
	return [][2]string{
		{"paperWidth", inches(p.Width)},
		{"paperHeight", inches(p.Height)},
		{"marginTop", margin},
		{"marginBottom", margin},
		{"marginLeft", margin},
		{"marginRight", margin},
		{"printBackground", "true"},
	}
}
