package router_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/vllora/gateway/router"
)

// genMetadataView generates a MetadataView with a random set of tiers
// (possibly none); Variables and Guards are fixed to region "us" and a
// failed "pii" guard.
func genMetadataView() gopter.Gen {
	return gen.SliceOf(gen.OneConstOf("free", "pro", "enterprise")).Map(func(tiers []string) router.MetadataView {
		return router.MetadataView{
			UserTiers: tiers,
			Variables: map[string]any{"region": "us"},
			Guards:    map[string]bool{"pii": false},
		}
	})
}

// genRoutes generates a route table whose predicates may or may not match
// any given MetadataView, including routes whose Target has an empty
// candidate pool (so Resolve can fail and fall through to the next route).
func genRoutes() gopter.Gen {
	return gen.SliceOfN(3, gen.OneConstOf(
		router.Route{Name: "enterprise-only", Predicate: router.In{Tier: "enterprise"}, Target: router.SingleModel("gpt-4o")},
		router.Route{Name: "pro-only", Predicate: router.In{Tier: "pro"}, Target: router.AnyOf{Candidates: []string{"gpt-4o-mini"}}},
		router.Route{Name: "unreachable", Predicate: router.Always{}, Target: router.AnyOf{Candidates: []string{"ghost-model"}}},
	))
}

// TestRouterSelectIsTotalProperty verifies router totality: Select always
// returns a non-empty model whenever the inbound request named one,
// regardless of which (if any) route matched, because the fallback to
// requestModel is unconditional.
func TestRouterSelectIsTotalProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("Select never returns an empty model when requestModel is non-empty", prop.ForAll(
		func(meta router.MetadataView, routes []router.Route, requestModel string) bool {
			rt := router.New(routes)
			model, _ := rt.Select(meta, requestModel, map[string]bool{"gpt-4o": true})
			return model != ""
		},
		genMetadataView(),
		genRoutes(),
		gen.OneConstOf("gpt-4o", "gpt-4o-mini", "claude-3-5-sonnet"),
	))

	properties.TestingRun(t)
}

// TestRouterSelectFallsThroughUnresolvableRoutesProperty verifies that a
// matched route whose Target can't resolve (empty/unavailable candidate
// pool) never short-circuits totality: Select keeps evaluating later
// routes instead of returning a zero-value model.
func TestRouterSelectFallsThroughUnresolvableRoutesProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("an unresolvable matched route falls through rather than returning no model", prop.ForAll(
		func(requestModel string) bool {
			routes := []router.Route{
				{Name: "dead-end", Predicate: router.Always{}, Target: router.AnyOf{Candidates: []string{"unavailable-model"}}},
			}
			rt := router.New(routes)
			model, routeName := rt.Select(router.MetadataView{}, requestModel, map[string]bool{})
			return model == requestModel && routeName == ""
		},
		gen.OneConstOf("gpt-4o", "gpt-4o-mini"),
	))

	properties.TestingRun(t)
}
