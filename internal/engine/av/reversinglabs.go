package av

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// ReversingLabs scans through the TitaniumScale synchronous endpoint: one
// upload returns the full classification report.
type ReversingLabs struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewReversingLabs(endpoint, apiKey string) *ReversingLabs {
	return &ReversingLabs{endpoint: endpoint, apiKey: apiKey, client: newHTTPClient()}
}

func (r *ReversingLabs) Name() string { return "reversinglabs" }

func (r *ReversingLabs) Scan(ctx context.Context, filename string, data []byte) (*Verdict, error) {
	resp, err := postRaw(ctx, r.client, r.endpoint+"/api/tiscale/v1/upload?full=true", data, map[string]string{
		"Authorization": "Token " + r.apiKey,
		"User-Filename": filename,
	})
	if err != nil {
		return nil, fmt.Errorf("reversinglabs scan: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("reversinglabs scan %s: %w", filename, readError(resp))
	}

	var body struct {
		TCReport struct {
			Classification struct {
				Classification string  `json:"classification"` // goodware, suspicious, malicious
				FactorName     string  `json:"factor_name"`
				RiskScore      float64 `json:"riskscore"` // 0-10
			} `json:"classification"`
			Info struct {
				ScannerVersion string `json:"scanner_version"`
			} `json:"info"`
		} `json:"tc_report"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("reversinglabs response: %w", err)
	}

	c := body.TCReport.Classification
	return &Verdict{
		Malicious:     c.Classification == "malicious",
		ThreatName:    c.FactorName,
		Confidence:    c.RiskScore * 10,
		EngineVersion: body.TCReport.Info.ScannerVersion,
	}, nil
}
