// Package pdf implements PdfExtractor: converting a fetched PDF document
// into plain text plus page count/title/author metadata. Grounded on the
// teacher's parser/pdf.Parser (pdftotext -layout -nopgbrk via os/exec),
// extended per SPEC_FULL.md §4.3 with pdfinfo-derived metadata.
package pdf

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/ferrum-labs/iris/fetchmodel"
)

// Extractor converts PDF bytes to text and metadata by shelling out to the
// poppler-utils pdftotext/pdfinfo binaries, exactly as the teacher does for
// text extraction.
type Extractor struct{}

// New creates a PDF Extractor.
func New() *Extractor {
	return &Extractor{}
}

// Result is PdfExtractor's output: the pieces of FetchResult this package
// populates.
type Result struct {
	Text     string
	PageCount int
	Title    string
	Author   string
}

// Extract writes content to a temp file and runs pdftotext -layout -nopgbrk
// for text and pdfinfo for page count, title, and author. A malformed PDF
// that pdftotext fails to parse surfaces as a non-retryable
// ErrorKindBrowserError, per SPEC_FULL.md §4.3; a pdfinfo failure only
// leaves the page count, title, and author empty.
func (e *Extractor) Extract(ctx context.Context, content []byte) (*Result, error) {
	if len(content) == 0 {
		return &Result{}, nil
	}

	if _, err := exec.LookPath("pdftotext"); err != nil {
		return nil, wrapToolError("pdftotext not found in PATH", err)
	}

	tmpFile, err := os.CreateTemp("", "iris-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	if _, err := tmpFile.Write(content); err != nil {
		return nil, fmt.Errorf("failed to write pdf to temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}

	text, err := runPdftotext(ctx, tmpFile.Name())
	if err != nil {
		return nil, err
	}

	pages, title, author := runPdfinfo(ctx, tmpFile.Name())

	return &Result{
		Text:      text,
		PageCount: pages,
		Title:     title,
		Author:    author,
	}, nil
}

func runPdftotext(ctx context.Context, path string) (string, error) {
	cmd := exec.CommandContext(ctx, "pdftotext", "-layout", "-nopgbrk", path, "-")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", wrapToolError(fmt.Sprintf("pdftotext failed (stderr: %s)", strings.TrimSpace(stderr.String())), err)
	}

	return stdout.String(), nil
}

// runPdfinfo is best-effort: pdfinfo failing (e.g. missing from PATH, or a
// PDF pdftotext could parse but pdfinfo couldn't) doesn't fail the whole
// extraction, it just means metadata is left empty.
func runPdfinfo(ctx context.Context, path string) (pages int, title, author string) {
	if _, err := exec.LookPath("pdfinfo"); err != nil {
		return 0, "", ""
	}

	cmd := exec.CommandContext(ctx, "pdfinfo", path)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return 0, "", ""
	}

	for _, line := range strings.Split(stdout.String(), "\n") {
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		switch key {
		case "Pages":
			if n, err := strconv.Atoi(val); err == nil {
				pages = n
			}
		case "Title":
			title = val
		case "Author":
			author = val
		}
	}

	return pages, title, author
}

// wrapToolError produces a fetchmodel.FetchError of kind BrowserError,
// non-retryable: a malformed or unreadable PDF isn't something retrying
// will fix.
func wrapToolError(message string, cause error) error {
	return fetchmodel.NewFetchError(fetchmodel.ErrorKindBrowserError, fmt.Sprintf("%s: %v", message, cause), 0)
}
