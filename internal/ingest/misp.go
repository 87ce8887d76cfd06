package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/threatmeta/threatmeta/internal/config"
	"github.com/threatmeta/threatmeta/internal/diamond"
	"github.com/threatmeta/threatmeta/internal/normalize"
)

const mispSearchPath = "/events/restSearch"

// MISPSource pulls events from a MISP instance via restSearch. The cursor
// token carries the timestamp watermark and the page inside the current
// sweep, so each sweep asks only for events modified since the last one and
// a page full of equal timestamps still pages forward.
type MISPSource struct {
	cfg        config.FeedConfig
	httpClient *http.Client
}

// NewMISPSource creates the MISP source.
func NewMISPSource(cfg config.FeedConfig) *MISPSource {
	return &MISPSource{cfg: cfg, httpClient: newHTTPClient(cfg)}
}

func (s *MISPSource) Name() string { return "misp" }
func (s *MISPSource) Tier() string { return s.cfg.Tier }

// mispCursor is the serialized cursor token. Since is the unix-timestamp
// watermark filtering the search, Page the position inside the current
// sweep, Max the highest event timestamp seen so far in the sweep.
type mispCursor struct {
	Since int64 `json:"since"`
	Page  int   `json:"page"`
	Max   int64 `json:"max,omitempty"`
}

func parseMISPCursor(token string) mispCursor {
	c := mispCursor{Page: 1}
	if token != "" {
		if err := json.Unmarshal([]byte(token), &c); err != nil {
			// Older tokens were a bare unix timestamp.
			if unix, perr := strconv.ParseInt(token, 10, 64); perr == nil {
				c.Since = unix
			}
		}
	}
	if c.Page < 1 {
		c.Page = 1
	}
	return c
}

func (c mispCursor) String() string {
	raw, _ := json.Marshal(c)
	return string(raw)
}

type mispSearchRequest struct {
	ReturnFormat string `json:"returnFormat"`
	Timestamp    string `json:"timestamp,omitempty"`
	Limit        int    `json:"limit"`
	Page         int    `json:"page"`
}

type mispSearchResponse struct {
	Response []struct {
		Event mispEvent `json:"Event"`
	} `json:"response"`
}

type mispEvent struct {
	Info      string `json:"info"`
	Timestamp string `json:"timestamp"`
	Org       struct {
		Name string `json:"name"`
	} `json:"Org"`
	Tag []struct {
		Name string `json:"name"`
	} `json:"Tag"`
	Attribute []struct {
		Type    string `json:"type"`
		Value   string `json:"value"`
		Comment string `json:"comment"`
	} `json:"Attribute"`
}

// FetchBatch fetches one page of events modified since the cursor.
func (s *MISPSource) FetchBatch(ctx context.Context, cursor string) (*Batch, error) {
	cur := parseMISPCursor(cursor)

	limit := s.cfg.BatchSize
	if limit <= 0 {
		limit = 100
	}

	search := mispSearchRequest{
		ReturnFormat: "json",
		Limit:        limit,
		Page:         cur.Page,
	}
	if cur.Since > 0 {
		search.Timestamp = strconv.FormatInt(cur.Since, 10)
	}
	body, err := json.Marshal(search)
	if err != nil {
		return nil, fmt.Errorf("encoding search request: %w", err)
	}

	u := strings.TrimSuffix(s.cfg.BaseURL, "/") + mispSearchPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating search request: %w", err)
	}
	req.Header.Set("Authorization", os.Getenv(s.cfg.APIKeyEnv))
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "threatmeta/1.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: misp: %v", diamond.ErrFeedUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: misp rejected API key (%d)", diamond.ErrFeedUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: misp returned %d", diamond.ErrFeedUnavailable, resp.StatusCode)
	}

	var page mispSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	var pageMax int64
	records := make([]normalize.RawRecord, 0, len(page.Response))
	for _, wrapper := range page.Response {
		ev := wrapper.Event

		observed := time.Now().UTC()
		if unix, err := strconv.ParseInt(ev.Timestamp, 10, 64); err == nil {
			observed = time.Unix(unix, 0).UTC()
			if unix > pageMax {
				pageMax = unix
			}
		}

		tags := make([]string, 0, len(ev.Tag))
		for _, t := range ev.Tag {
			tags = append(tags, t.Name)
		}
		attributes := make([]any, 0, len(ev.Attribute))
		for _, a := range ev.Attribute {
			attributes = append(attributes, map[string]any{
				"type":    a.Type,
				"value":   a.Value,
				"comment": a.Comment,
			})
		}

		records = append(records, normalize.RawRecord{
			Source:     s.Name(),
			ObservedAt: observed,
			Data: map[string]any{
				"info":       ev.Info,
				"org":        ev.Org.Name,
				"tags":       tags,
				"attributes": attributes,
			},
		})
	}

	// Mid-sweep the timestamp filter stays put and only the page advances,
	// so a page full of equal timestamps cannot hide its overflow. The
	// watermark jumps to the highest timestamp seen once the sweep ends.
	if pageMax > cur.Max {
		cur.Max = pageMax
	}
	hasMore := len(page.Response) == limit
	next := mispCursor{Since: cur.Since, Page: cur.Page + 1, Max: cur.Max}
	if !hasMore {
		since := cur.Max
		if since < cur.Since {
			since = cur.Since
		}
		next = mispCursor{Since: since, Page: 1}
	}

	return &Batch{
		Records:    records,
		NextCursor: next.String(),
		HasMore:    hasMore,
	}, nil
}
