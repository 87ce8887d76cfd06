package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/threatmeta/threatmeta/internal/diamond"
	"github.com/threatmeta/threatmeta/internal/observability"
	"github.com/threatmeta/threatmeta/internal/storage"
)

// LookupRequest is an attribution query: an indicator value, optionally with
// techniques observed alongside it.
type LookupRequest struct {
	Indicator  string   `json:"indicator"`
	ObservedAt string   `json:"observed_at,omitempty"`
	TTPs       []string `json:"ttps,omitempty"`
}

// Attribution is one candidate adversary with a score in [0,1].
type Attribution struct {
	Adversary string  `json:"adversary"`
	Score     float64 `json:"score"`
	Basis     string  `json:"basis"`
}

// LookupResult is the attribution answer for one indicator.
type LookupResult struct {
	Indicator    string        `json:"indicator"`
	Known        bool          `json:"known"`
	Attributions []Attribution `json:"attributions"`
}

// Lookup answers attribution queries. Known indicators resolve through their
// recorded events; unknown ones fall back to technique-overlap scoring.
// Results are cached in Redis under a TTL; a nil client disables caching.
type Lookup struct {
	store   *storage.Store
	cache   *redis.Client
	ttl     time.Duration
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewLookup creates the lookup service. cache may be nil.
func NewLookup(store *storage.Store, cache *redis.Client, ttl time.Duration, metrics *observability.Metrics, logger *zap.Logger) *Lookup {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Lookup{store: store, cache: cache, ttl: ttl, metrics: metrics, logger: logger}
}

// Query resolves one attribution request.
func (l *Lookup) Query(ctx context.Context, req LookupRequest) (*LookupResult, error) {
	indicator := strings.TrimSpace(req.Indicator)
	if indicator == "" {
		return nil, errors.New("indicator is required")
	}

	if cached := l.fromCache(ctx, indicator, req.TTPs); cached != nil {
		return cached, nil
	}

	result, err := l.query(ctx, indicator, req.TTPs)
	if err != nil {
		return nil, err
	}

	l.toCache(ctx, indicator, req.TTPs, result)
	return result, nil
}

func (l *Lookup) query(ctx context.Context, indicator string, ttps []string) (*LookupResult, error) {
	result := &LookupResult{Indicator: indicator}

	inf, err := l.store.GetInfrastructureByValue(ctx, indicator)
	switch {
	case err == nil:
		result.Known = true
		links, err := l.store.EventsForInfrastructure(ctx, inf.ID)
		if err != nil {
			return nil, err
		}
		result.Attributions = dedupeLinks(links)
	case errors.Is(err, diamond.ErrNotFound):
		// Unknown indicator: only technique overlap can attribute it.
	default:
		return nil, err
	}

	if len(result.Attributions) == 0 && len(ttps) > 0 {
		matches, err := l.store.AdversariesByTechniques(ctx, ttps)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			score := float64(m.MatchCount) / float64(len(ttps))
			if score > 1.0 {
				score = 1.0
			}
			result.Attributions = append(result.Attributions, Attribution{
				Adversary: m.Adversary,
				Score:     score,
				Basis:     "ttp_overlap",
			})
		}
	}

	sort.SliceStable(result.Attributions, func(i, j int) bool {
		return result.Attributions[i].Score > result.Attributions[j].Score
	})
	return result, nil
}

// dedupeLinks collapses repeated events for the same adversary, keeping the
// highest confidence. The direct basis marks event-backed attribution.
func dedupeLinks(links []storage.AttributionLink) []Attribution {
	best := make(map[string]float64, len(links))
	for _, link := range links {
		if link.Confidence > best[link.Adversary] {
			best[link.Adversary] = link.Confidence
		}
	}
	out := make([]Attribution, 0, len(best))
	for adversary, score := range best {
		out = append(out, Attribution{Adversary: adversary, Score: score, Basis: "direct"})
	}
	return out
}

func cacheKey(indicator string, ttps []string) string {
	if len(ttps) == 0 {
		return "lookup:" + indicator
	}
	sorted := append([]string(nil), ttps...)
	sort.Strings(sorted)
	return "lookup:" + indicator + ":" + strings.Join(sorted, ",")
}

func (l *Lookup) fromCache(ctx context.Context, indicator string, ttps []string) *LookupResult {
	if l.cache == nil {
		return nil
	}
	raw, err := l.cache.Get(ctx, cacheKey(indicator, ttps)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			l.logger.Warn("lookup cache read failed", zap.Error(err))
		}
		l.metrics.LookupCacheMiss.Inc()
		return nil
	}
	var result LookupResult
	if err := json.Unmarshal(raw, &result); err != nil {
		l.metrics.LookupCacheMiss.Inc()
		return nil
	}
	l.metrics.LookupCacheHits.Inc()
	return &result
}

func (l *Lookup) toCache(ctx context.Context, indicator string, ttps []string, result *LookupResult) {
	if l.cache == nil {
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := l.cache.Set(ctx, cacheKey(indicator, ttps), raw, l.ttl).Err(); err != nil {
		l.logger.Warn("lookup cache write failed", zap.Error(err))
	}
}
