package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/threatmeta/threatmeta/internal/config"
	"github.com/threatmeta/threatmeta/internal/diamond"
	"github.com/threatmeta/threatmeta/internal/normalize"
)

const feodoBlocklistPath = "/downloads/ipblocklist.json"

// FeodoSource pulls the abuse.ch Feodo Tracker botnet C2 blocklist. The
// feed is a full snapshot, so one fetch is one batch and the cursor token
// records the snapshot time for operator visibility only.
type FeodoSource struct {
	cfg        config.FeedConfig
	httpClient *http.Client
}

// NewFeodoSource creates the Feodo Tracker source.
func NewFeodoSource(cfg config.FeedConfig) *FeodoSource {
	return &FeodoSource{cfg: cfg, httpClient: newHTTPClient(cfg)}
}

func (s *FeodoSource) Name() string { return "feodotracker" }
func (s *FeodoSource) Tier() string { return s.cfg.Tier }

// feodoEntry is one blocklist row.
type feodoEntry struct {
	IPAddress  string `json:"ip_address"`
	Port       int    `json:"port"`
	Status     string `json:"status"`
	Hostname   string `json:"hostname"`
	Malware    string `json:"malware"`
	FirstSeen  string `json:"first_seen"`
	LastOnline string `json:"last_online"`
}

// FetchBatch downloads the current blocklist snapshot.
func (s *FeodoSource) FetchBatch(ctx context.Context, cursor string) (*Batch, error) {
	u := strings.TrimSuffix(s.cfg.BaseURL, "/") + feodoBlocklistPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating blocklist request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "threatmeta/1.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: feodotracker: %v", diamond.ErrFeedUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: feodotracker returned %d", diamond.ErrFeedUnavailable, resp.StatusCode)
	}

	var entries []feodoEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decoding blocklist: %w", err)
	}

	now := time.Now().UTC()
	records := make([]normalize.RawRecord, 0, len(entries))
	for _, e := range entries {
		observed := now
		if t, err := time.Parse("2006-01-02 15:04:05", e.LastOnline); err == nil {
			observed = t.UTC()
		} else if t, err := time.Parse("2006-01-02", e.LastOnline); err == nil {
			observed = t.UTC()
		}
		records = append(records, normalize.RawRecord{
			Source:     s.Name(),
			ObservedAt: observed,
			Data: map[string]any{
				"ip_address": e.IPAddress,
				"malware":    e.Malware,
				"status":     e.Status,
			},
		})
	}

	return &Batch{
		Records:    records,
		NextCursor: now.Format(time.RFC3339),
		HasMore:    false,
	}, nil
}
