package report

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderHTMLSendsPaperSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/forms/chromium/convert/html", r.URL.Path)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "3.15", r.FormValue("paperWidth"))
		assert.Equal(t, "0.1", r.FormValue("marginLeft"))
		file, _, err := r.FormFile("files")
		if assert.NoError(t, err) {
			html, _ := io.ReadAll(file)
			assert.Equal(t, "<p>hi</p>", string(html))
		}
		_, _ = w.Write([]byte("%PDF-1.7"))
	}))
	defer srv.Close()

	pdf, err := NewClient(srv.URL, ReceiptPaper).RenderHTML(context.Background(), "<p>hi</p>")
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7", string(pdf))
}

func TestRenderHTMLFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.FormValue("paperWidth"))
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("chromium crashed\n"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL+"/", Paper{})
	_, err := client.RenderHTML(context.Background(), "<p>hi</p>")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusInternalServerError, statusErr.Status)
	assert.Equal(t, "chromium crashed", statusErr.Body)
	assert.Equal(t, "convert", statusErr.Op)
	assert.Error(t, client.Ping(context.Background()))
}
