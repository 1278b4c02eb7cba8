// Package printing renders receipts to HTML and delivers them to the store printer.
package printing

import (
	"bytes"
	"fmt"
	"html/template"
	"io/fs"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/verdant-pos/verdant/internal/rma"
	"github.com/verdant-pos/verdant/web"
)

// Renderer turns receipts into printable HTML.
type Renderer struct {
	tmpl   *template.Template
	css    template.CSS
	footer string
}

// RendererOption customizes a Renderer.
type RendererOption func(*Renderer)

// WithFooter sets the line printed at the bottom of every receipt.
func WithFooter(footer string) RendererOption {
	return func(r *Renderer) { r.footer = footer }
}

// NewRenderer parses the embedded receipt template.
func NewRenderer(opts ...RendererOption) (*Renderer, error) {
	return newRenderer(web.Templates, web.Static, opts...)
}

func newRenderer(templates, static fs.FS, opts ...RendererOption) (*Renderer, error) {
	printer := message.NewPrinter(language.AmericanEnglish)
	funcs := template.FuncMap{
		"money": func(d decimal.Decimal) string {
			f, _ := d.Round(2).Float64()
			if f < 0 {
				return printer.Sprintf("-$%.2f", -f)
			}
			return printer.Sprintf("$%.2f", f)
		},
		"qty": func(q float64) string {
			if q == float64(int64(q)) {
				return printer.Sprintf("%d", int64(q))
			}
			return printer.Sprintf("%.2f", q)
		},
		"reason": func(code rma.ReasonCode) string { return humanize(string(code)) },
		"method": func(m rma.DestructionMethod) string { return humanize(string(m)) },
	}
	tmpl, err := template.New("receipts").Funcs(funcs).ParseFS(templates, "templates/receipts/*.html")
	if err != nil {
		return nil, fmt.Errorf("printing: parse templates: %w", err)
	}
	css, err := fs.ReadFile(static, "static/css/receipt.css")
	if err != nil {
		return nil, fmt.Errorf("printing: read stylesheet: %w", err)
	}
	r := &Renderer{
		tmpl:   tmpl,
		css:    template.CSS(css),
		footer: "Keep this receipt for your records.",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

var _ rma.ReceiptRenderer = (*Renderer)(nil)

type receiptView struct {
	Title   string
	Receipt rma.Receipt
	CSS     template.CSS
	Footer  string
}

// RenderHTML implements rma.ReceiptRenderer.
func (r *Renderer) RenderHTML(receipt rma.Receipt) (string, error) {
	view := receiptView{
		Title:   title(receipt.Kind),
		Receipt: receipt,
		CSS:     r.css,
		Footer:  r.footer,
	}
	var buf bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&buf, "receipt", view); err != nil {
		return "", fmt.Errorf("printing: render %s: %w", receipt.Number, err)
	}
	return buf.String(), nil
}

func title(kind rma.ReceiptKind) string {
	if kind == rma.ReceiptDestruction {
		return "Destruction Report"
	}
	return "Refund Receipt"
}

func humanize(code string) string {
	words := strings.Fields(strings.ReplaceAll(code, "_", " "))
	if len(words) == 0 {
		return ""
	}
	words[0] = strings.ToUpper(words[0][:1]) + words[0][1:]
	return strings.Join(words, " ")
}
