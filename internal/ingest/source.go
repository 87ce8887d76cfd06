// Package ingest pulls batches from feed sources and drives them through
// normalization, resolution, and correlation. Sources run concurrently;
// within a source, batches are sequential and cursors commit only after the
// batch lands.
package ingest

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/threatmeta/threatmeta/internal/config"
	"github.com/threatmeta/threatmeta/internal/normalize"
)

// Batch is one fetch's worth of raw records plus the cursor to commit once
// every record has been handled.
type Batch struct {
	Records    []normalize.RawRecord
	NextCursor string
	HasMore    bool
}

// Source is one feed. FetchBatch resumes from the given cursor token; an
// empty token means a first run. Transport failures wrap
// diamond.ErrFeedUnavailable so the orchestrator can treat them as
// transient.
type Source interface {
	Name() string
	Tier() string
	FetchBatch(ctx context.Context, cursor string) (*Batch, error)
}

// newHTTPClient builds the shared feed transport. VerifySSL is exposed for
// self-hosted MISP instances with private CAs.
func newHTTPClient(cfg config.FeedConfig) *http.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	if !cfg.VerifySSL {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return client
}
