package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threatmeta/threatmeta/internal/config"
	"github.com/threatmeta/threatmeta/internal/diamond"
)

func feedConfig(baseURL string) config.FeedConfig {
	return config.FeedConfig{
		Enabled:   true,
		BaseURL:   baseURL,
		Tier:      "community",
		BatchSize: 50,
		Timeout:   5 * time.Second,
		VerifySSL: true,
	}
}

func TestFeodoFetchBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/downloads/ipblocklist.json", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"ip_address": "203.0.113.10", "port": 443, "status": "online",
			 "malware": "Emotet", "last_online": "2026-03-10 08:00:00"},
			{"ip_address": "198.51.100.7", "port": 8080, "status": "offline",
			 "malware": "QakBot", "last_online": "2026-03-09"}
		]`))
	}))
	defer server.Close()

	src := NewFeodoSource(feedConfig(server.URL))
	batch, err := src.FetchBatch(context.Background(), "")
	require.NoError(t, err)

	require.Len(t, batch.Records, 2)
	assert.False(t, batch.HasMore)
	assert.Equal(t, "feodotracker", batch.Records[0].Source)
	assert.Equal(t, "203.0.113.10", batch.Records[0].Data["ip_address"])
	assert.Equal(t, "Emotet", batch.Records[0].Data["malware"])
	assert.Equal(t, time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC), batch.Records[0].ObservedAt)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), batch.Records[1].ObservedAt)
}

func TestFeodoServerErrorIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	src := NewFeodoSource(feedConfig(server.URL))
	_, err := src.FetchBatch(context.Background(), "")
	assert.ErrorIs(t, err, diamond.ErrFeedUnavailable)
}

func TestFeodoConnectionRefusedIsUnavailable(t *testing.T) {
	src := NewFeodoSource(feedConfig("http://127.0.0.1:1"))
	_, err := src.FetchBatch(context.Background(), "")
	assert.ErrorIs(t, err, diamond.ErrFeedUnavailable)
}

func TestOTXFetchBatchPagination(t *testing.T) {
	t.Setenv("OTX_API_KEY", "test-key")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/pulses/subscribed", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-OTX-API-KEY"))
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Query().Get("page") {
		case "1":
			w.Write([]byte(`{
				"results": [{
					"name": "APT28 wave",
					"adversary": "APT28",
					"modified": "2026-03-10T08:00:00",
					"attack_ids": ["T1566.002"],
					"indicators": [{"type": "IPv4", "indicator": "203.0.113.10"}]
				}],
				"next": "https://example.com/page2"
			}`))
		default:
			w.Write([]byte(`{"results": [], "next": ""}`))
		}
	}))
	defer server.Close()

	cfg := feedConfig(server.URL)
	cfg.APIKeyEnv = "OTX_API_KEY"
	src := NewOTXSource(cfg)
	ctx := context.Background()

	first, err := src.FetchBatch(ctx, "")
	require.NoError(t, err)
	require.Len(t, first.Records, 1)
	assert.True(t, first.HasMore)
	assert.Equal(t, "APT28", first.Records[0].Data["adversary"])
	assert.Equal(t, time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC), first.Records[0].ObservedAt)

	// Mid-sweep cursor resumes on page 2 with the same watermark.
	assert.Contains(t, first.NextCursor, `"page":2`)

	second, err := src.FetchBatch(ctx, first.NextCursor)
	require.NoError(t, err)
	assert.Empty(t, second.Records)
	assert.False(t, second.HasMore)
	assert.Contains(t, second.NextCursor, `"page":1`)
}

func TestOTXUnauthorizedIsUnavailable(t *testing.T) {
	t.Setenv("OTX_API_KEY", "bad-key")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	cfg := feedConfig(server.URL)
	cfg.APIKeyEnv = "OTX_API_KEY"
	src := NewOTXSource(cfg)
	_, err := src.FetchBatch(context.Background(), "")
	assert.ErrorIs(t, err, diamond.ErrFeedUnavailable)
}

func TestMISPFetchBatch(t *testing.T) {
	t.Setenv("MISP_API_KEY", "misp-key")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/events/restSearch", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "misp-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"response": [{
				"Event": {
					"info": "Sofacy infra",
					"timestamp": "1772524800",
					"Org": {"name": "CIRCL"},
					"Tag": [{"name": "misp-galaxy:threat-actor=\"Sofacy\""}],
					"Attribute": [
						{"type": "ip-dst", "value": "203.0.113.77", "comment": ""}
					]
				}
			}]
		}`))
	}))
	defer server.Close()

	cfg := feedConfig(server.URL)
	cfg.APIKeyEnv = "MISP_API_KEY"
	cfg.BatchSize = 100
	src := NewMISPSource(cfg)

	batch, err := src.FetchBatch(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, "misp", batch.Records[0].Source)
	assert.Equal(t, "CIRCL", batch.Records[0].Data["org"])
	// One event against a batch size of 100 means the sweep is done and the
	// watermark advances to the event timestamp.
	assert.False(t, batch.HasMore)
	assert.Contains(t, batch.NextCursor, `"since":1772524800`)
	assert.Contains(t, batch.NextCursor, `"page":1`)
}

func TestMISPFetchBatchPagesThroughEqualTimestamps(t *testing.T) {
	t.Setenv("MISP_API_KEY", "misp-key")

	// Two events share one timestamp and the page size is one, so the first
	// page alone cannot tell the sweep is finished.
	events := map[int]string{
		1: `{"response": [{"Event": {"info": "wave one", "timestamp": "1772524800",
			"Org": {"name": "CIRCL"}, "Attribute": [{"type": "ip-dst", "value": "203.0.113.77"}]}}]}`,
		2: `{"response": [{"Event": {"info": "wave two", "timestamp": "1772524800",
			"Org": {"name": "CIRCL"}, "Attribute": [{"type": "ip-dst", "value": "203.0.113.78"}]}}]}`,
	}

	var pages []int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Timestamp string `json:"timestamp"`
			Page      int    `json:"page"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		pages = append(pages, req.Page)
		assert.Empty(t, req.Timestamp)

		w.Header().Set("Content-Type", "application/json")
		if body, ok := events[req.Page]; ok {
			w.Write([]byte(body))
			return
		}
		w.Write([]byte(`{"response": []}`))
	}))
	defer server.Close()

	cfg := feedConfig(server.URL)
	cfg.APIKeyEnv = "MISP_API_KEY"
	cfg.BatchSize = 1
	src := NewMISPSource(cfg)
	ctx := context.Background()

	var infos []string
	cursor := ""
	for i := 0; i < 3; i++ {
		batch, err := src.FetchBatch(ctx, cursor)
		require.NoError(t, err)
		for _, rec := range batch.Records {
			infos = append(infos, rec.Data["info"].(string))
		}
		cursor = batch.NextCursor
		if !batch.HasMore {
			break
		}
	}

	// Both same-timestamp events arrive before the watermark moves.
	assert.Equal(t, []int{1, 2, 3}, pages)
	assert.Equal(t, []string{"wave one", "wave two"}, infos)
	assert.Contains(t, cursor, `"since":1772524800`)
	assert.Contains(t, cursor, `"page":1`)
}
