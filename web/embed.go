// Package web embeds the receipt templates and their stylesheet.
package web

import "embed"

// Templates holds the receipt layouts, one file per template name.
//
//go:embed templates/receipts/*.html
var Templates embed.FS

// Static holds assets served under /static and inlined into printed receipts.
//
//go:embed static/css/*.css
var Static embed.FS
