package edr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/oriys/cleanroom/internal/domain"
)

// SentinelOne queries the management console threats API, cursor-paged.
type SentinelOne struct {
	endpoint string
	apiToken string
	client   *http.Client
}

func NewSentinelOne(endpoint, apiToken string) *SentinelOne {
	return &SentinelOne{endpoint: endpoint, apiToken: apiToken, client: newHTTPClient()}
}

func (s *SentinelOne) Label() string { return "sentinelone" }

func (s *SentinelOne) Alerts(ctx context.Context, vmName string, since, until time.Time) ([]domain.Alert, error) {
	var alerts []domain.Alert
	cursor := ""

	for {
		q := url.Values{}
		q.Set("computerName", vmName)
		q.Set("createdAt__gte", since.UTC().Format(time.RFC3339))
		q.Set("createdAt__lte", until.UTC().Format(time.RFC3339))
		q.Set("limit", strconv.Itoa(pageSize))
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			s.endpoint+"/web/api/v2.1/threats?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "ApiToken "+s.apiToken)

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("sentinelone query: %w", err)
		}

		var body struct {
			Data []json.RawMessage `json:"data"`
			Pagination struct {
				NextCursor string `json:"nextCursor"`
			} `json:"pagination"`
		}
		if resp.StatusCode != http.StatusOK {
			err := readError(resp)
			resp.Body.Close()
			return nil, fmt.Errorf("sentinelone query: %w", err)
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("sentinelone response: %w", err)
		}

		for _, raw := range body.Data {
			var t struct {
				ID        string `json:"id"`
				ThreatInfo struct {
					ConfidenceLevel string `json:"confidenceLevel"` // malicious, suspicious
					Classification  string `json:"classification"`
				} `json:"threatInfo"`
			}
			if err := json.Unmarshal(raw, &t); err != nil {
				continue
			}
			severity := "medium"
			if t.ThreatInfo.ConfidenceLevel == "malicious" {
				severity = "high"
			}
			alerts = append(alerts, domain.Alert{
				ID:         t.ID,
				Severity:   severity,
				ThreatType: t.ThreatInfo.Classification,
				Raw:        raw,
			})
		}

		cursor = body.Pagination.NextCursor
		if cursor == "" {
			return alerts, nil
		}
	}
}
