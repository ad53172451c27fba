// Package cdr implements clients for the supported sanitization services.
// Each client uploads a file, waits for the rebuilt copy, and reports how
// many embedded threats the service stripped.
package cdr

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// Result is the outcome of sanitizing one file.
type Result struct {
	Sanitized    []byte
	ThreatsFound int
	ProcessingMS int64
}

const defaultTimeout = 10 * time.Minute

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultTimeout}
}

// postMultipart uploads data as a multipart form field named "file".
func postMultipart(ctx context.Context, client *http.Client, url, filename string, data []byte, headers map[string]string) (*http.Response, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return client.Do(req)
}

func readError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
}
