package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/threatmeta/threatmeta/internal/config"
	"github.com/threatmeta/threatmeta/internal/diamond"
	"github.com/threatmeta/threatmeta/internal/normalize"
)

const otxSubscribedPath = "/api/v1/pulses/subscribed"

// OTXSource pulls subscribed pulses from AlienVault OTX. The cursor token
// carries the modified-since watermark and the page inside the current
// sweep, so a restart mid-sweep resumes on the same page.
type OTXSource struct {
	cfg        config.FeedConfig
	httpClient *http.Client
}

// NewOTXSource creates the OTX source.
func NewOTXSource(cfg config.FeedConfig) *OTXSource {
	return &OTXSource{cfg: cfg, httpClient: newHTTPClient(cfg)}
}

func (s *OTXSource) Name() string { return "otx" }
func (s *OTXSource) Tier() string { return s.cfg.Tier }

// otxCursor is the serialized cursor token.
type otxCursor struct {
	Since string `json:"since"`
	Page  int    `json:"page"`
}

func parseOTXCursor(token string) otxCursor {
	c := otxCursor{Page: 1}
	if token != "" {
		_ = json.Unmarshal([]byte(token), &c)
	}
	if c.Page < 1 {
		c.Page = 1
	}
	return c
}

func (c otxCursor) String() string {
	raw, _ := json.Marshal(c)
	return string(raw)
}

type otxPulsePage struct {
	Results []otxPulse `json:"results"`
	Next    string     `json:"next"`
}

type otxPulse struct {
	Name            string           `json:"name"`
	AuthorName      string           `json:"author_name"`
	Adversary       string           `json:"adversary"`
	Modified        string           `json:"modified"`
	Tags            []string         `json:"tags"`
	AttackIDs       []string         `json:"attack_ids"`
	MalwareFamilies []string         `json:"malware_families"`
	Industries      []string         `json:"industries"`
	Countries       []string         `json:"targeted_countries"`
	Indicators      []map[string]any `json:"indicators"`
}

// FetchBatch fetches one page of subscribed pulses; one pulse is one record.
func (s *OTXSource) FetchBatch(ctx context.Context, cursor string) (*Batch, error) {
	cur := parseOTXCursor(cursor)
	sweepStart := time.Now().UTC()

	limit := s.cfg.BatchSize
	if limit <= 0 {
		limit = 50
	}

	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	q.Set("page", fmt.Sprint(cur.Page))
	if cur.Since != "" {
		q.Set("modified_since", cur.Since)
	}

	u := strings.TrimSuffix(s.cfg.BaseURL, "/") + otxSubscribedPath + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating pulse request: %w", err)
	}
	req.Header.Set("X-OTX-API-KEY", os.Getenv(s.cfg.APIKeyEnv))
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "threatmeta/1.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: otx: %v", diamond.ErrFeedUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: otx rejected API key (%d)", diamond.ErrFeedUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: otx returned %d", diamond.ErrFeedUnavailable, resp.StatusCode)
	}

	var page otxPulsePage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decoding pulse page: %w", err)
	}

	records := make([]normalize.RawRecord, 0, len(page.Results))
	for _, pulse := range page.Results {
		observed := sweepStart
		if t, err := time.Parse("2006-01-02T15:04:05.000000", pulse.Modified); err == nil {
			observed = t.UTC()
		} else if t, err := time.Parse("2006-01-02T15:04:05", pulse.Modified); err == nil {
			observed = t.UTC()
		}
		indicators := make([]any, 0, len(pulse.Indicators))
		for _, ind := range pulse.Indicators {
			indicators = append(indicators, ind)
		}
		records = append(records, normalize.RawRecord{
			Source:     s.Name(),
			ObservedAt: observed,
			Data: map[string]any{
				"name":               pulse.Name,
				"author_name":        pulse.AuthorName,
				"adversary":          pulse.Adversary,
				"tags":               pulse.Tags,
				"attack_ids":         pulse.AttackIDs,
				"malware_families":   pulse.MalwareFamilies,
				"industries":         pulse.Industries,
				"targeted_countries": pulse.Countries,
				"indicators":         indicators,
			},
		})
	}

	// Mid-sweep the watermark stays put and only the page advances; the
	// watermark jumps to the sweep start once the last page is consumed.
	next := otxCursor{Since: cur.Since, Page: cur.Page + 1}
	hasMore := page.Next != ""
	if !hasMore {
		next = otxCursor{Since: sweepStart.Format(time.RFC3339), Page: 1}
	}

	return &Batch{
		Records:    records,
		NextCursor: next.String(),
		HasMore:    hasMore,
	}, nil
}
