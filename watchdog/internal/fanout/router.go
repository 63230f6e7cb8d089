package fanout

import (
	"strings"

	"github.com/heartwatch/heartwatch/watchdog/internal/config"
)

// DefaultCategory is the category of every service no rule matches.
const DefaultCategory = "default"

// Router maps a service to its category and a category to endpoint ids.
// It holds no mutable state; a config reload builds a new Router.
type Router struct {
	endpoints  []string // all endpoint ids, in configuration order
	defaultID  string
	categories []config.Category
}

// NewRouter builds a Router from a validated watchdog config.
func NewRouter(cfg config.WatchdogConfig) *Router {
	ids := make([]string, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		ids = append(ids, ep.ID)
	}
	return &Router{endpoints: ids, defaultID: cfg.DefaultEndpoint, categories: cfg.Categories}
}

// Category returns the category of service. Exact service names win over
// prefixes; among prefixes the longest match wins.
func (r *Router) Category(service string) string {
	for _, c := range r.categories {
		for _, s := range c.Services {
			if s == service {
				return c.Name
			}
		}
	}

	best, bestLen := DefaultCategory, 0
	for _, c := range r.categories {
		for _, p := range c.Prefixes {
			if len(p) > bestLen && strings.HasPrefix(service, p) {
				best, bestLen = c.Name, len(p)
			}
		}
	}
	return best
}

// Targets returns the endpoint ids that receive alerts of category.
// Unknown categories fall back to the default endpoint.
func (r *Router) Targets(category string) []string {
	for _, c := range r.categories {
		if c.Name != category {
			continue
		}
		if c.Broadcast {
			return r.All()
		}
		return append([]string(nil), c.Endpoints...)
	}
	return []string{r.defaultID}
}

// All returns every endpoint id.
func (r *Router) All() []string {
	return append([]string(nil), r.endpoints...)
}
