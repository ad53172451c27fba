package av

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// OPSWAT scans through MetaDefender Core multiscanning: upload, poll the
// data_id, collapse the per-engine verdicts into one.
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

func (o *OPSWAT) Scan(ctx context.Context, filename string, data []byte) (*Verdict, error) {
	dataID, err := o.submit(ctx, filename, data)
	if err != nil {
		return nil, err
	}
	return o.waitVerdict(ctx, dataID)
}

func (o *OPSWAT) submit(ctx context.Context, filename string, data []byte) (string, error) {
	resp, err := postRaw(ctx, o.client, o.endpoint+"/file", data, map[string]string{
		"apikey":   o.apiKey,
		"filename": filename,
		"rule":     "multiscan",
	})
	if err != nil {
		return "", fmt.Errorf("opswat scan submit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("opswat scan submit %s: %w", filename, readError(resp))
	}

	var body struct {
		DataID string `json:"data_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("opswat scan submit response: %w", err)
	}
	if body.DataID == "" {
		return "", fmt.Errorf("opswat scan submit: empty data_id")
	}
	return body.DataID, nil
}

func (o *OPSWAT) waitVerdict(ctx context.Context, dataID string) (*Verdict, error) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.endpoint+"/file/"+dataID, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("apikey", o.apiKey)

		resp, err := o.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("opswat scan poll: %w", err)
		}

		var body struct {
			ScanResults struct {
				ProgressPercentage int    `json:"progress_percentage"`
				ScanAllResultA     string `json:"scan_all_result_a"`
				TotalDetected      int    `json:"total_detected_avs"`
				TotalAVs           int    `json:"total_avs"`
				ScanDetails        map[string]struct {
					ThreatFound string `json:"threat_found"`
					DefTime     string `json:"def_time"`
				} `json:"scan_details"`
			} `json:"scan_results"`
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("opswat scan poll response: %w", err)
		}

		sr := body.ScanResults
		if sr.ProgressPercentage < 100 {
			continue
		}

		v := &Verdict{Malicious: sr.TotalDetected > 0}
		if sr.TotalAVs > 0 {
			v.Confidence = float64(sr.TotalDetected) / float64(sr.TotalAVs) * 100
		}
		for _, d := range sr.ScanDetails {
			if d.ThreatFound != "" {
				v.ThreatName = d.ThreatFound
				break
			}
		}
		return v, nil
	}
}
