package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/querylab/sibyl/pkg/config"
	"github.com/querylab/sibyl/pkg/provider"
	"github.com/querylab/sibyl/pkg/schema"
)

// expertConfig maps retrieval settings onto the schema expert.
func expertConfig(cfg *config.RetrievalConfig) schema.ExpertConfig {
	return schema.ExpertConfig{TopK: cfg.SchemaTopK}
}

// schemaCacheTTL bounds how stale a cached introspection may get before
// the next request pays for a refresh.
const schemaCacheTTL = 5 * time.Minute

type cachedSchema struct {
	def     *schema.Definition
	fetched time.Time
}

// schemaSource adapts the provider registry to the schema expert's Source
// interface, caching introspection results per provider.
type schemaSource struct {
	providers *provider.ProviderRegistry

	mu    sync.Mutex
	cache map[string]cachedSchema
}

func newSchemaSource(providers *provider.ProviderRegistry) *schemaSource {
	return &schemaSource{
		providers: providers,
		cache:     make(map[string]cachedSchema),
	}
}

func (s *schemaSource) GetSchema(ctx context.Context, providerID string) (*schema.Definition, error) {
	s.mu.Lock()
	if entry, ok := s.cache[providerID]; ok && time.Since(entry.fetched) < schemaCacheTTL {
		s.mu.Unlock()
		return entry.def, nil
	}
	s.mu.Unlock()

	p, err := s.providers.GetProvider(providerID)
	if err != nil {
		return nil, err
	}
	def, err := p.GetSchema(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[providerID] = cachedSchema{def: def, fetched: time.Now()}
	s.mu.Unlock()
	return def, nil
}
