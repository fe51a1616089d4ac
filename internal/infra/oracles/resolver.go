package oracles

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/ahrav/riskscan/internal/app/consensus"
	"github.com/ahrav/riskscan/internal/domain/config"
	"github.com/ahrav/riskscan/internal/domain/scanning"
)

var _ consensus.OracleResolver = (*Resolver)(nil)

type cachedOracle struct {
	cfg    config.OracleConfig
	oracle scanning.Oracle
}

// Resolver builds oracle adapters from configuration and reuses them while
// the configuration is unchanged.
type Resolver struct {
	client *http.Client

	mu    sync.Mutex
	cache map[string]cachedOracle
}

// NewResolver creates a Resolver. A nil client uses NewHTTPClient.
func NewResolver(client *http.Client) *Resolver {
	if client == nil {
		client = NewHTTPClient()
	}
	return &Resolver{client: client, cache: make(map[string]cachedOracle)}
}

// Resolve implements consensus.OracleResolver.
func (r *Resolver) Resolve(cfg config.OracleConfig) (scanning.Oracle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.cache[cfg.Name]; ok && sameOracle(c.cfg, cfg) {
		return c.oracle, nil
	}

	base := remote{
		name:     cfg.Name,
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		client:   r.client,
	}
	var o scanning.Oracle
	switch cfg.Kind {
	case config.OracleKindOpenAI:
		if base.endpoint == "" {
			base.endpoint = defaultOpenAIEndpoint
		}
		if base.model == "" {
			base.model = defaultOpenAIModel
		}
		o = &OpenAI{base}
	case config.OracleKindWebhook:
		if base.endpoint == "" {
			return nil, fmt.Errorf("webhook oracle %q has no endpoint", cfg.Name)
		}
		o = &Webhook{base}
	default:
		return nil, fmt.Errorf("unsupported oracle kind %q", cfg.Kind)
	}

	r.cache[cfg.Name] = cachedOracle{cfg: cfg, oracle: o}
	return o, nil
}

func sameOracle(a, b config.OracleConfig) bool {
	return a.Kind == b.Kind && a.Endpoint == b.Endpoint && a.APIKey == b.APIKey && a.Model == b.Model
}
