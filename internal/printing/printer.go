package printing

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/verdant-pos/verdant/internal/rma"
)

// PDFConverter turns HTML into a PDF document.
type PDFConverter interface {
	RenderHTML(ctx context.Context, html string) ([]byte, error)
}

// Printer renders a receipt and posts it to the store's print endpoint.
// Without a converter the HTML is sent as is.
type Printer struct {
	renderer   *Renderer
	converter  PDFConverter
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewPrinter constructs a Printer. converter may be nil.
func NewPrinter(renderer *Renderer, converter PDFConverter, endpoint string, logger *slog.Logger) *Printer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Printer{
		renderer:   renderer,
		converter:  converter,
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: 20 * time.Second},
		logger:     logger,
	}
}

var _ rma.PrinterPort = (*Printer)(nil)

// Print implements rma.PrinterPort.
func (p *Printer) Print(ctx context.Context, receipt rma.Receipt) error {
	if p.endpoint == "" {
		return fmt.Errorf("printing: no printer endpoint configured")
	}
	html, err := p.renderer.RenderHTML(receipt)
	if err != nil {
		return err
	}
	body := []byte(html)
	contentType := "text/html; charset=utf-8"
	if p.converter != nil {
		pdf, err := p.converter.RenderHTML(ctx, html)
		if err != nil {
			return fmt.Errorf("printing: convert %s to pdf: %w", receipt.Number, err)
		}
		body = pdf
		contentType = "application/pdf"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/jobs", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Receipt-Number", receipt.Number)
	req.Header.Set("X-Receipt-Kind", string(receipt.Kind))

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("printing: send %s: %w", receipt.Number, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("printing: printer rejected %s with status %d: %s", receipt.Number, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	p.logger.Info("receipt printed", slog.String("number", receipt.Number), slog.String("kind", string(receipt.Kind)), slog.Int("bytes", len(body)))
	return nil
}
