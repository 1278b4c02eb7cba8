package rma

import (
	"context"

	"github.com/verdant-pos/verdant/internal/platform/cache"
)

// CachedInvoices serves invoices from Redis. Invoices never change once
// issued, so entries only expire by TTL.
type CachedInvoices struct {
	source InvoiceReader
	cache  *cache.JSONCache
}

// NewCachedInvoices wraps source with cache.
func NewCachedInvoices(source InvoiceReader, c *cache.JSONCache) *CachedInvoices {
	return &CachedInvoices{source: source, cache: c}
}

// GetInvoice implements InvoiceReader.
func (c *CachedInvoices) GetInvoice(ctx context.Context, id string) (Invoice, error) {
	var inv Invoice
	err := c.cache.FetchJSON(ctx, c.cache.Key("invoice", id), &inv, func(ctx context.Context) (any, error) {
		return c.source.GetInvoice(ctx, id)
	})
	if err != nil {
		return Invoice{}, err
	}
	return inv, nil
}
