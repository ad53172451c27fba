package cdr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OPSWAT drives MetaDefender Core's Deep CDR: upload, poll the data_id until
// sanitization finishes, then fetch the converted file.
type OPSWAT struct {
	endpoint     string
	apiKey       string
	client       *http.Client
	pollInterval time.Duration
}

func NewOPSWAT(endpoint, apiKey string) *OPSWAT {
	return &OPSWAT{
		endpoint:     endpoint,
		apiKey:       apiKey,
		client:       newHTTPClient(),
		pollInterval: 2 * time.Second,
	}
}

func (o *OPSWAT) Name() string { return "opswat" }

func (o *OPSWAT) Sanitize(ctx context.Context, filename string, data []byte) (*Result, error) {
	start := time.Now()

	dataID, err := o.submit(ctx, filename, data)
	if err != nil {
		return nil, err
	}

	threats, err := o.waitSanitized(ctx, dataID)
	if err != nil {
		return nil, err
	}

	sanitized, err := o.fetchConverted(ctx, dataID)
	if err != nil {
		return nil, err
	}

	return &Result{
		Sanitized:    sanitized,
		ThreatsFound: threats,
		ProcessingMS: time.Since(start).Milliseconds(),
	}, nil
}

func (o *OPSWAT) submit(ctx context.Context, filename string, data []byte) (string, error) {
	resp, err := postMultipart(ctx, o.client, o.endpoint+"/file", filename, data, map[string]string{
		"apikey":   o.apiKey,
		"filename": filename,
		"rule":     "cdr",
	})
	if err != nil {
		return "", fmt.Errorf("opswat submit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("opswat submit %s: %w", filename, readError(resp))
	}

	var body struct {
		DataID string `json:"data_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("opswat submit response: %w", err)
	}
	if body.DataID == "" {
		return "", fmt.Errorf("opswat submit: empty data_id")
	}
	return body.DataID, nil
}

func (o *OPSWAT) waitSanitized(ctx context.Context, dataID string) (int, error) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.endpoint+"/file/"+dataID, nil)
		if err != nil {
			return 0, err
		}
		req.Header.Set("apikey", o.apiKey)

		resp, err := o.client.Do(req)
		if err != nil {
			return 0, fmt.Errorf("opswat poll: %w", err)
		}

		var body struct {
			ProcessInfo struct {
				ProgressPercentage int    `json:"progress_percentage"`
				Result             string `json:"result"`
				PostProcessing     struct {
					SanitizationDetails struct {
						DetailsCount int `json:"details_count"`
					} `json:"sanitization_details"`
				} `json:"post_processing"`
			} `json:"process_info"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			return 0, fmt.Errorf("opswat poll response: %w", err)
		}

		if body.ProcessInfo.ProgressPercentage < 100 {
			continue
		}
		switch body.ProcessInfo.Result {
		case "Allowed", "Sanitized":
			return body.ProcessInfo.PostProcessing.SanitizationDetails.DetailsCount, nil
		default:
			return 0, fmt.Errorf("opswat sanitization result: %s", body.ProcessInfo.Result)
		}
	}
}

func (o *OPSWAT) fetchConverted(ctx context.Context, dataID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.endpoint+"/file/converted/"+dataID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opswat fetch converted: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("opswat fetch converted: %w", readError(resp))
	}
	return io.ReadAll(resp.Body)
}
