package edr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/oriys/cleanroom/internal/domain"
)

// CrowdStrike queries Falcon detections for a host. Auth is OAuth2 client
// credentials; the token source refreshes itself.
type CrowdStrike struct {
	endpoint string
	client   *http.Client
}

func NewCrowdStrike(endpoint, clientID, clientSecret string) *CrowdStrike {
	cc := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     endpoint + "/oauth2/token",
	}
	return &CrowdStrike{endpoint: endpoint, client: cc.Client(context.Background())}
}

func (c *CrowdStrike) Label() string { return "crowdstrike" }

func (c *CrowdStrike) Alerts(ctx context.Context, vmName string, since, until time.Time) ([]domain.Alert, error) {
	ids, err := c.queryIDs(ctx, vmName, since, until)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return c.fetchDetails(ctx, ids)
}

func (c *CrowdStrike) queryIDs(ctx context.Context, vmName string, since, until time.Time) ([]string, error) {
	filter := fmt.Sprintf(`device.hostname:'%s'+created_timestamp:>'%s'+created_timestamp:<'%s'`,
		vmName, since.UTC().Format(time.RFC3339), until.UTC().Format(time.RFC3339))

	var ids []string
	offset := 0
	for {
		q := url.Values{}
		q.Set("filter", filter)
		q.Set("limit", strconv.Itoa(pageSize))
		q.Set("offset", strconv.Itoa(offset))

		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			c.endpoint+"/alerts/queries/alerts/v2?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("crowdstrike query: %w", err)
		}

		var body struct {
			Resources []string `json:"resources"`
			Meta      struct {
				Pagination struct {
					Total int `json:"total"`
				} `json:"pagination"`
			} `json:"meta"`
		}
		if resp.StatusCode != http.StatusOK {
			err := readError(resp)
			resp.Body.Close()
			return nil, fmt.Errorf("crowdstrike query: %w", err)
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("crowdstrike query response: %w", err)
		}

		ids = append(ids, body.Resources...)
		offset += len(body.Resources)
		if len(body.Resources) == 0 || offset >= body.Meta.Pagination.Total {
			return ids, nil
		}
	}
}

func (c *CrowdStrike) fetchDetails(ctx context.Context, ids []string) ([]domain.Alert, error) {
	alerts := make([]domain.Alert, 0, len(ids))

	for start := 0; start < len(ids); start += pageSize {
		end := start + pageSize
		if end > len(ids) {
			end = len(ids)
		}

		payload, err := json.Marshal(map[string][]string{"composite_ids": ids[start:end]})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.endpoint+"/alerts/entities/alerts/v2", jsonBody(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("crowdstrike details: %w", err)
		}

		var body struct {
			Resources []json.RawMessage `json:"resources"`
		}
		if resp.StatusCode != http.StatusOK {
			err := readError(resp)
			resp.Body.Close()
			return nil, fmt.Errorf("crowdstrike details: %w", err)
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("crowdstrike details response: %w", err)
		}

		for _, raw := range body.Resources {
			var d struct {
				CompositeID  string `json:"composite_id"`
				SeverityName string `json:"severity_name"`
				Tactic       string `json:"tactic"`
			}
			if err := json.Unmarshal(raw, &d); err != nil {
				continue
			}
			alerts = append(alerts, domain.Alert{
				ID:         d.CompositeID,
				Severity:   normalizeSeverity(d.SeverityName),
				ThreatType: d.Tactic,
				Raw:        raw,
			})
		}
	}
	return alerts, nil
}
