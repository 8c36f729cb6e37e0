package search

import (
	"fmt"
	"sort"
	"strings"

	"fathom/internal/core"
	"fathom/internal/logger"
)

// Factory holds registered providers and selects among them by id or by
// required capability.
type Factory struct {
	providers map[string]Provider // keyed by lowercase provider id
	defaultID string
}

// NewFactory creates a provider factory. The default id may be empty, in
// which case Default returns an error until one is registered.
func NewFactory(defaultID string) *Factory {
	return &Factory{
		providers: make(map[string]Provider),
		defaultID: strings.ToLower(defaultID),
	}
}

// Register adds a provider to the registry.
func (f *Factory) Register(p Provider) {
	f.providers[strings.ToLower(p.ProviderID())] = p
}

// Available lists the registered provider ids, sorted.
func (f *Factory) Available() []string {
	ids := make([]string, 0, len(f.providers))
	for id := range f.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Default returns the configured default provider.
func (f *Factory) Default() (Provider, error) {
	if f.defaultID == "" {
		return nil, ErrNoDefaultProvider
	}
	p, ok := f.providers[f.defaultID]
	if !ok {
		return nil, fmt.Errorf("%w: default %q (available: %s)", ErrProviderNotFound, f.defaultID, strings.Join(f.Available(), ", "))
	}
	return p, nil
}

// Get returns a provider by id, case-insensitively.
func (f *Factory) Get(id string) (Provider, error) {
	p, ok := f.providers[strings.ToLower(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrProviderNotFound, id, strings.Join(f.Available(), ", "))
	}
	return p, nil
}

// SelectForType picks a provider able to serve the search type. The default
// provider is preferred when capable; otherwise the first capable provider
// is used; with none capable, the default is returned with a warning.
func (f *Factory) SelectForType(t core.SearchType) (Provider, error) {
	required := RequiredCapability(t)

	def, err := f.Default()
	if err != nil {
		return nil, err
	}
	if def.Capabilities().Has(required) {
		return def, nil
	}

	for _, id := range f.Available() {
		p := f.providers[id]
		if p.Capabilities().Has(required) {
			return p, nil
		}
	}

	logger.Warn("no provider supports search type, falling back to default",
		"search_type", string(t), "default", def.ProviderID())
	return def, nil
}
