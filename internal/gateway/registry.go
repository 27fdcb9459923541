package gateway

import (
	"github.com/ankushrana6395/aishield-india-app-V1-sub002/internal/errs"
)

// Registry resolves the gateway-name tag on a transaction to its adapter.
type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway)}
	for _, g := range gateways {
		r.gateways[g.Name()] = g
	}
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(g Gateway) {
	r.gateways[g.Name()] = g
}

// Get returns the adapter for name, or a ValidationError for an unknown tag.
func (r *Registry) Get(name string) (Gateway, error) {
	g, ok := r.gateways[name]
	if !ok {
		return nil, errs.Validation("unsupported payment gateway: %s", name)
	}
	return g, nil
}

// Names lists the registered gateway tags.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	return names
}
