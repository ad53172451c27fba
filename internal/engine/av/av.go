// Package av implements clients for the supported malware scanners.
package av

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Verdict is the outcome of scanning one file.
type Verdict struct {
	Malicious     bool
	ThreatName    string
	Confidence    float64 // 0-100
	EngineVersion string
}

const defaultTimeout = 5 * time.Minute

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultTimeout}
}

func postRaw(ctx context.Context, client *http.Client, url string, data []byte, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return client.Do(req)
}

func readError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
}
