package router_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/vllora/gateway/router"
)

func TestSelectFirstMatchWins(t *testing.T) {
	r := router.New([]router.Route{
		{Name: "enterprise", Predicate: router.In{Tier: "enterprise"}, Target: router.SingleModel("gpt-4o")},
		{Name: "default", Predicate: router.Always{}, Target: router.SingleModel("gpt-4o-mini")},
	})

	model, name := r.Select(router.MetadataView{UserTiers: []string{"enterprise"}}, "claude-3-haiku", nil)
	require.Equal(t, "gpt-4o", model)
	require.Equal(t, "enterprise", name)

	model, name = r.Select(router.MetadataView{UserTiers: []string{"free"}}, "claude-3-haiku", nil)
	require.Equal(t, "gpt-4o-mini", model)
	require.Equal(t, "default", name)
}

func TestSelectFallsBackToRequestModelWhenNoRouteMatches(t *testing.T) {
	r := router.New([]router.Route{
		{Name: "enterprise", Predicate: router.In{Tier: "enterprise"}, Target: router.SingleModel("gpt-4o")},
	})
	model, name := r.Select(router.MetadataView{UserTiers: []string{"free"}}, "claude-3-haiku", nil)
	require.Equal(t, "claude-3-haiku", model)
	require.Equal(t, "", name)
}

func TestGtMatchesNumericVariables(t *testing.T) {
	pred := router.Gt{Field: "message_count", Value: 10}

	require.True(t, pred.Eval(router.MetadataView{Variables: map[string]any{"message_count": 11}}))
	require.True(t, pred.Eval(router.MetadataView{Variables: map[string]any{"message_count": 10.5}}))
	require.False(t, pred.Eval(router.MetadataView{Variables: map[string]any{"message_count": 10}}))
	require.False(t, pred.Eval(router.MetadataView{Variables: map[string]any{"message_count": "many"}}))
	require.False(t, pred.Eval(router.MetadataView{}), "a missing key evaluates false, not an error")
}

func TestAnyOfFallsThroughWhenNoCandidateAvailable(t *testing.T) {
	r := router.New([]router.Route{
		{Name: "fallback-pool", Predicate: router.Always{}, Target: router.AnyOf{Candidates: []string{"a", "b"}}},
	})
	model, name := r.Select(router.MetadataView{}, "default-model", map[string]bool{"a": false, "b": false})
	require.Equal(t, "default-model", model)
	require.Equal(t, "", name)
}

// TestSelectIsTotal is a property test over random metadata tiers and
// request models against a fixed single-route table: Select must return a non-empty model whenever
// requestModel is non-empty, regardless of which (if any) predicate
// matches — the router's totality invariant.
func TestSelectIsTotal(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("Select always returns a non-empty model", prop.ForAll(
		func(tier string, requestModel string) bool {
			r := router.New([]router.Route{
				{Name: "maybe", Predicate: router.In{Tier: "enterprise"}, Target: router.SingleModel("gpt-4o")},
			})
			model, _ := r.Select(router.MetadataView{UserTiers: []string{tier}}, requestModel, nil)
			return model != ""
		},
		gen.AlphaString(),
		gen.AlphaString().SuchThat(func(s string) bool { return s != "" }),
	))

	properties.TestingRun(t)
}
