// Package filefetcher implements crawler.Fetcher for file:// URLs.
package filefetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/JakeFAU/crawlfrontier/internal/crawler"
)

// ErrIsDirectory is returned for URLs that name a directory.
var ErrIsDirectory = errors.New("file url names a directory")

// Fetcher reads local files.
type Fetcher struct {
	maxBytes int64
}

// New builds a Fetcher. maxBytes <= 0 reads whole files.
func New(maxBytes int64) *Fetcher {
	return &Fetcher{maxBytes: maxBytes}
}

// Fetch reads the file named by req.URL.
func (f *Fetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (*crawler.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("file fetch canceled: %w", err)
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parse file url: %w", err)
	}
	if u.Scheme != "file" {
		return nil, fmt.Errorf("not a file url: %s", req.URL)
	}
	path := filepath.FromSlash(u.Path)
	start := time.Now()
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s: %w", path, ErrIsDirectory)
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = fh.Close() }()

	limit := f.maxBytes
	if req.MaxBytes > 0 {
		limit = req.MaxBytes
	}
	var r io.Reader = fh
	if limit > 0 {
		r = io.LimitReader(fh, limit)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	headers := http.Header{}
	headers.Set("Content-Type", contentType)
	headers.Set("Last-Modified", info.ModTime().UTC().Format(http.TimeFormat))
	return &crawler.Response{
		URL:         u.String(),
		StatusCode:  http.StatusOK,
		Headers:     headers,
		Body:        body,
		ContentType: contentType,
		FetchedAt:   start.UTC(),
		Duration:    time.Since(start),
	}, nil
}
