package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/desertthunder/genx/internal/models"
	"github.com/desertthunder/genx/internal/shared"
)

// Upload sends the given files with a multipart POST /upload.
//
// onProgress receives the share of request bytes handed to the transport as a
// percentage. Values never decrease and the last one is 100. It is called from
// the transport's goroutine.
func (a *APIService) Upload(ctx context.Context, pdfPaths, modelPaths []string, onProgress func(int)) (*models.UploadResult, error) {
	if len(pdfPaths) == 0 && len(modelPaths) == 0 {
		return nil, fmt.Errorf("%w: no files to upload", shared.ErrMissingArgument)
	}

	body, contentType, err := buildMultipart(map[string][]string{
		"pdf_files":   pdfPaths,
		"model_files": modelPaths,
	})
	if err != nil {
		return nil, err
	}

	var reader io.Reader = bytes.NewReader(body)
	if onProgress != nil {
		reader = newProgressReader(body, onProgress)
	}

	var out models.UploadResult
	if err := a.call(ctx, http.MethodPost, "/upload", reader, contentType, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// buildMultipart writes every file under its form field, pdf_files first.
func buildMultipart(fields map[string][]string) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for _, field := range []string{"pdf_files", "model_files"} {
		for _, path := range fields[field] {
			if err := addFormFile(mw, field, path); err != nil {
				return nil, "", err
			}
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish multipart body: %w", err)
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

func addFormFile(mw *multipart.Writer, field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %w", shared.ErrInvalidInput, err)
	}
	defer f.Close()

	part, err := mw.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return nil
}

// progressReader reports read progress over an in-memory body.
type progressReader struct {
	r        *bytes.Reader
	total    int64
	read     int64
	reported int
	report   func(int)
}

func newProgressReader(body []byte, report func(int)) *progressReader {
	return &progressReader{r: bytes.NewReader(body), total: int64(len(body)), reported: -1, report: report}
}

func (p *progressReader) Len() int64 { return p.total }

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)

	pct := 100
	if p.total > 0 {
		pct = int(p.read * 100 / p.total)
	}
	if err == io.EOF {
		pct = 100
	}
	if pct > p.reported {
		p.reported = pct
		p.report(pct)
	}
	return n, err
}
