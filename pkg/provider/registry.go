package provider

import (
	"fmt"

	"github.com/querylab/sibyl/pkg/config"
	"github.com/querylab/sibyl/pkg/registry"
)

// ProviderRegistry holds the configured query backends keyed by provider
// id.
type ProviderRegistry struct {
	*registry.BaseRegistry[Provider]
	pool *config.DBPool
}

func NewProviderRegistry(pool *config.DBPool) *ProviderRegistry {
	return &ProviderRegistry{
		BaseRegistry: registry.NewBaseRegistry[Provider](),
		pool:         pool,
	}
}

// CreateFromConfig builds and registers a provider from its data source
// configuration.
func (r *ProviderRegistry) CreateFromConfig(id string, cfg *config.DataSourceConfig) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch cfg.Type {
	case "sql":
		p, err = NewSQLProvider(id, cfg, r.pool)
	case "mongodb":
		p, err = NewMongoProvider(id, cfg)
	case "splunk":
		p = NewSplunkProvider(id, cfg)
	default:
		return nil, fmt.Errorf("unsupported data source type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	if err := r.Register(id, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetProvider returns the named provider.
func (r *ProviderRegistry) GetProvider(id string) (Provider, error) {
	p, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("provider not found: %s", id)
	}
	return p, nil
}

// Close shuts down every registered provider.
func (r *ProviderRegistry) Close() error {
	var firstErr error
	for _, name := range r.Names() {
		if p, ok := r.Get(name); ok {
			if err := p.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
