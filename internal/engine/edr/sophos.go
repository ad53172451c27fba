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

// Sophos queries Central's SIEM events API, cursor-paged. Auth is OAuth2
// client credentials against the Sophos identity endpoint.
type Sophos struct {
	endpoint string
	client   *http.Client
}

func NewSophos(endpoint, clientID, clientSecret string) *Sophos {
	cc := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     "https://id.sophos.com/api/v2/oauth2/token",
		Scopes:       []string{"token"},
	}
	return &Sophos{endpoint: endpoint, client: cc.Client(context.Background())}
}

func (s *Sophos) Label() string { return "sophos" }

func (s *Sophos) Alerts(ctx context.Context, vmName string, since, until time.Time) ([]domain.Alert, error) {
	var alerts []domain.Alert
	cursor := ""

	for {
		q := url.Values{}
		q.Set("from_date", strconv.FormatInt(since.Unix(), 10))
		q.Set("limit", strconv.Itoa(pageSize))
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			s.endpoint+"/siem/v1/alerts?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("sophos query: %w", err)
		}

		var body struct {
			Items      []json.RawMessage `json:"items"`
			HasMore    bool              `json:"has_more"`
			NextCursor string            `json:"next_cursor"`
		}
		if resp.StatusCode != http.StatusOK {
			err := readError(resp)
			resp.Body.Close()
			return nil, fmt.Errorf("sophos query: %w", err)
		}
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("sophos response: %w", err)
		}

		for _, raw := range body.Items {
			var item struct {
				ID       string `json:"id"`
				Severity string `json:"severity"`
				Type     string `json:"type"`
				Location string `json:"location"` // hostname
				When     string `json:"when"`
			}
			if err := json.Unmarshal(raw, &item); err != nil {
				continue
			}
			// The SIEM feed is tenant-wide; filter down to this machine and
			// window client-side.
			if item.Location != vmName {
				continue
			}
			if ts, err := time.Parse(time.RFC3339, item.When); err == nil && ts.After(until) {
				continue
			}
			alerts = append(alerts, domain.Alert{
				ID:         item.ID,
				Severity:   normalizeSeverity(item.Severity),
				ThreatType: item.Type,
				Raw:        raw,
			})
		}

		if !body.HasMore || body.NextCursor == "" {
			return alerts, nil
		}
		cursor = body.NextCursor
	}
}
