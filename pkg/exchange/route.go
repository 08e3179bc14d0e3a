package exchange

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type route struct {
	suffixes []string
	source   PriceSource
}

// Router dispatches price requests by asset quote suffix, falling back to a
// default source.
type Router struct {
	routes   []route
	fallback PriceSource
}

func NewRouter(fallback PriceSource) *Router {
	return &Router{fallback: fallback}
}

// Route sends assets ending in any of the suffixes to source.
func (r *Router) Route(source PriceSource, suffixes ...string) *Router {
	for i, s := range suffixes {
		suffixes[i] = strings.ToUpper(s)
	}
	r.routes = append(r.routes, route{suffixes: suffixes, source: source})
	return r
}

func (r *Router) Price(ctx context.Context, asset string, at time.Time) (decimal.Decimal, error) {
	upper := strings.ToUpper(asset)
	for _, rt := range r.routes {
		for _, s := range rt.suffixes {
			if strings.HasSuffix(upper, s) {
				return rt.source.Price(ctx, asset, at)
			}
		}
	}
	if r.fallback == nil {
		return decimal.Decimal{}, fmt.Errorf("exchange: no price source for %s: %w", asset, ErrPriceUnavailable)
	}
	return r.fallback.Price(ctx, asset, at)
}
