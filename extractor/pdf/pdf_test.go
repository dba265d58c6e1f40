package pdf

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/ferrum-labs/iris/fetchmodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractEmptyContentReturnsEmptyResult(t *testing.T) {
	e := New()
	result, err := e.Extract(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, &Result{}, result)
}

func TestExtractMissingPdftotextReturnsBrowserError(t *testing.T) {
	if _, err := exec.LookPath("pdftotext"); err == nil {
		t.Skip("pdftotext is installed in this environment; cannot exercise the missing-tool path")
	}

	e := New()
	_, err := e.Extract(context.Background(), []byte("%PDF-1.4 not a real pdf"))
	require.Error(t, err)

	var fetchErr *fetchmodel.FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, fetchmodel.ErrorKindBrowserError, fetchErr.Kind)
	assert.False(t, fetchErr.Retryable)
}

func TestRunPdfinfoNonexistentFileReturnsZeroValues(t *testing.T) {
	if _, err := exec.LookPath("pdfinfo"); err != nil {
		t.Skip("pdfinfo not installed in this environment")
	}
	// Without a real PDF fixture this only exercises the not-found path
	// deterministically; a full round trip needs a pdfinfo-readable file,
	// which is out of scope for a unit test that must not shell out to
	// a real rendering pipeline.
	pages, title, author := runPdfinfo(context.Background(), "/nonexistent/file.pdf")
	assert.Equal(t, 0, pages)
	assert.Equal(t, "", title)
	assert.Equal(t, "", author)
}

func TestWrapToolErrorIsNonRetryableBrowserError(t *testing.T) {
	err := wrapToolError("boom", errors.New("cause"))
	var fetchErr *fetchmodel.FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, fetchmodel.ErrorKindBrowserError, fetchErr.Kind)
	assert.False(t, fetchErr.Retryable)
	assert.Contains(t, fetchErr.Message, "boom")
}
