package threatintel

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync"

	appti "github.com/ahrav/riskscan/internal/app/threatintel"
	"github.com/ahrav/riskscan/internal/domain/config"
	"github.com/ahrav/riskscan/internal/domain/scanning"
	"github.com/ahrav/riskscan/pkg/common"
	"github.com/ahrav/riskscan/pkg/common/logger"
)

var _ appti.SourceResolver = (*Resolver)(nil)

type cachedSource struct {
	cfg     config.SourceConfig
	source  scanning.ThreatIntelSource
	limiter *common.RateLimiter
	stop    context.CancelFunc
}

// Resolver builds adapters from source configuration and reuses them while
// the configuration is unchanged, so rate limiters and downloaded feeds
// survive across scans.
type Resolver struct {
	ctx    context.Context
	client *http.Client
	logger *logger.Logger

	mu    sync.Mutex
	cache map[string]*cachedSource
}

// NewResolver creates a Resolver. Background feed refreshes run until ctx
// is done.
func NewResolver(ctx context.Context, client *http.Client, log *logger.Logger) *Resolver {
	if client == nil {
		client = NewHTTPClient()
	}
	return &Resolver{
		ctx:    ctx,
		client: client,
		logger: log.With("component", "threat_intel_resolver"),
		cache:  make(map[string]*cachedSource),
	}
}

// Resolve implements threatintel.SourceResolver.
func (r *Resolver) Resolve(cfg config.SourceConfig) (scanning.ThreatIntelSource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.cache[cfg.Name]; ok {
		if sameSource(c.cfg, cfg) {
			if c.cfg.RateLimit != cfg.RateLimit {
				c.limiter.UpdateLimits(cfg.RateLimit, 1)
				c.cfg = cfg
			}
			return c.source, nil
		}
		if c.stop != nil {
			c.stop()
		}
		delete(r.cache, cfg.Name)
	}

	c := &cachedSource{cfg: cfg, limiter: common.NewRateLimiter(cfg.RateLimit, 1)}
	base := remote{name: cfg.Name, endpoint: cfg.Endpoint, apiKey: cfg.APIKey, client: r.client, limiter: c.limiter}

	switch cfg.Kind {
	case config.SourceKindURLhaus:
		c.source = &URLhaus{base}
	case config.SourceKindPhishTank:
		c.source = &PhishTank{base}
	case config.SourceKindSafeBrowsing:
		c.source = &SafeBrowsing{base}
	case config.SourceKindList:
		c.source = appti.NewListSource(cfg.Name, cfg.Entries)
	case config.SourceKindFeed:
		feed := newFeed(base, cfg.RefreshInterval, r.logger)
		ctx, cancel := context.WithCancel(r.ctx)
		c.stop = cancel
		go feed.Run(ctx)
		c.source = feed
	default:
		return nil, fmt.Errorf("unsupported source kind %q", cfg.Kind)
	}

	r.cache[cfg.Name] = c
	return c.source, nil
}

// Close stops background feed refreshes.
func (r *Resolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, c := range r.cache {
		if c.stop != nil {
			c.stop()
		}
		delete(r.cache, name)
	}
}

func sameSource(a, b config.SourceConfig) bool {
	return a.Kind == b.Kind &&
		a.Endpoint == b.Endpoint &&
		a.APIKey == b.APIKey &&
		a.RefreshInterval == b.RefreshInterval &&
		slices.Equal(a.Entries, b.Entries)
}
