package cdr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Glasswall drives the Halo rebuild API: one synchronous call that returns
// the rebuilt file and an analysis report.
type Glasswall struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewGlasswall(endpoint, apiKey string) *Glasswall {
	return &Glasswall{endpoint: endpoint, apiKey: apiKey, client: newHTTPClient()}
}

func (g *Glasswall) Name() string { return "glasswall" }

func (g *Glasswall) Sanitize(ctx context.Context, filename string, data []byte) (*Result, error) {
	start := time.Now()

	resp, err := postMultipart(ctx, g.client, g.endpoint+"/api/rebuild/file", filename, data, map[string]string{
		"x-api-key": g.apiKey,
		"Accept":    "application/json",
	})
	if err != nil {
		return nil, fmt.Errorf("glasswall rebuild: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("glasswall rebuild %s: %w", filename, readError(resp))
	}

	var body struct {
		RebuiltFile string `json:"rebuiltFile"` // base64
		Report      struct {
			IssueCount int `json:"issueCount"`
		} `json:"report"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("glasswall response: %w", err)
	}

	sanitized, err := base64.StdEncoding.DecodeString(body.RebuiltFile)
	if err != nil {
		return nil, fmt.Errorf("glasswall rebuilt file: %w", err)
	}

	return &Result{
		Sanitized:    sanitized,
		ThreatsFound: body.Report.IssueCount,
		ProcessingMS: time.Since(start).Milliseconds(),
	}, nil
}
