// Package edr implements clients for the supported endpoint detection
// consoles. Each client pulls the alerts a detonation machine raised within
// a time window, paging through the vendor API.
package edr

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 2 * time.Minute

// pageSize bounds one alert query page across all consoles.
const pageSize = 100

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultTimeout}
}

func jsonBody(b []byte) io.Reader {
	return bytes.NewReader(b)
}

func readError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
}

// normalizeSeverity maps vendor severity vocabularies onto
// low/medium/high/critical.
func normalizeSeverity(s string) string {
	switch strings.ToLower(s) {
	case "critical", "4":
		return "critical"
	case "high", "3":
		return "high"
	case "medium", "moderate", "2":
		return "medium"
	case "low", "informational", "info", "1", "0":
		return "low"
	}
	return strings.ToLower(s)
}
