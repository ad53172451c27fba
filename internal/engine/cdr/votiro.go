package cdr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Votiro drives the Positive Selection API: async upload, poll the request
// ID, download the sanitized file.
type Votiro struct {
	endpoint     string
	apiKey       string
	client       *http.Client
	pollInterval time.Duration
}

func NewVotiro(endpoint, apiKey string) *Votiro {
	return &Votiro{
		endpoint:     endpoint,
		apiKey:       apiKey,
		client:       newHTTPClient(),
		pollInterval: 2 * time.Second,
	}
}

func (v *Votiro) Name() string { return "votiro" }

func (v *Votiro) auth() map[string]string {
	return map[string]string{"Authorization": "Bearer " + v.apiKey}
}

func (v *Votiro) Sanitize(ctx context.Context, filename string, data []byte) (*Result, error) {
	start := time.Now()

	resp, err := postMultipart(ctx, v.client, v.endpoint+"/disarmer/api/disarmer/v4/upload-file", filename, data, v.auth())
	if err != nil {
		return nil, fmt.Errorf("votiro upload: %w", err)
	}

	var requestID string
	if resp.StatusCode == http.StatusOK {
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("votiro upload response: %w", readErr)
		}
		// The upload endpoint answers with the bare request ID as a JSON string.
		if err := json.Unmarshal(data, &requestID); err != nil {
			return nil, fmt.Errorf("votiro upload response: %w", err)
		}
	} else {
		defer resp.Body.Close()
		return nil, fmt.Errorf("votiro upload %s: %w", filename, readError(resp))
	}

	threats, err := v.waitDone(ctx, requestID)
	if err != nil {
		return nil, err
	}

	sanitized, err := v.download(ctx, requestID)
	if err != nil {
		return nil, err
	}

	return &Result{
		Sanitized:    sanitized,
		ThreatsFound: threats,
		ProcessingMS: time.Since(start).Milliseconds(),
	}, nil
}

func (v *Votiro) waitDone(ctx context.Context, requestID string) (int, error) {
	ticker := time.NewTicker(v.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			v.endpoint+"/disarmer/api/disarmer/v4/request-status/"+requestID, nil)
		if err != nil {
			return 0, err
		}
		for k, val := range v.auth() {
			req.Header.Set(k, val)
		}

		resp, err := v.client.Do(req)
		if err != nil {
			return 0, fmt.Errorf("votiro status: %w", err)
		}

		var body struct {
			Status string `json:"status"`
			Report struct {
				SuspiciousElementsFound int `json:"suspiciousElementsFound"`
			} `json:"report"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			return 0, fmt.Errorf("votiro status response: %w", err)
		}

		switch body.Status {
		case "Done":
			return body.Report.SuspiciousElementsFound, nil
		case "Error", "Blocked":
			return 0, fmt.Errorf("votiro sanitization status: %s", body.Status)
		}
	}
}

func (v *Votiro) download(ctx context.Context, requestID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		v.endpoint+"/disarmer/api/disarmer/v4/download-file/"+requestID, nil)
	if err != nil {
		return nil, err
	}
	for k, val := range v.auth() {
		req.Header.Set(k, val)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("votiro download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("votiro download: %w", readError(resp))
	}
	return io.ReadAll(resp.Body)
}
