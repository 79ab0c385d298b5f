// Package router implements the gateway's conditional model router:
// ordered predicate-matched routes over request metadata, falling back to
// the request's own model when nothing matches.
package router

import "sort"

// MetadataView is the read-only view a Predicate evaluates against.
// Missing keys evaluate as the zero value rather than erroring, so a
// predicate referencing an absent field returns false instead of failing
// the whole route — the totality invariant.
type MetadataView struct {
	UserTiers []string
	Variables map[string]any
	Guards    map[string]bool // guard id -> passed
}

// Predicate is a small boolean expression tree evaluated against a
// MetadataView.
type Predicate interface {
	Eval(v MetadataView) bool
}

// Eq matches when Variables[Field] == Value.
type Eq struct {
	Field string
	Value any
}

func (p Eq) Eval(v MetadataView) bool {
	got, ok := v.Variables[p.Field]
	return ok && got == p.Value
}

// In matches when UserTiers contains Tier.
type In struct{ Tier string }

func (p In) Eval(v MetadataView) bool {
	for _, t := range v.UserTiers {
		if t == p.Tier {
			return true
		}
	}
	return false
}

// Gt matches when Variables[Field] is a number greater than Value.
// Missing or non-numeric values evaluate false.
type Gt struct {
	Field string
	Value float64
}

func (p Gt) Eval(v MetadataView) bool {
	got, ok := v.Variables[p.Field]
	if !ok {
		return false
	}
	switch n := got.(type) {
	case float64:
		return n > p.Value
	case int:
		return float64(n) > p.Value
	case int64:
		return float64(n) > p.Value
	default:
		return false
	}
}

// GuardPassed matches when the named guardrail check passed.
type GuardPassed struct{ ID string }

func (p GuardPassed) Eval(v MetadataView) bool {
	passed, ok := v.Guards[p.ID]
	return ok && passed
}

// And/Or/Not compose other predicates.
type And []Predicate

func (p And) Eval(v MetadataView) bool {
	for _, sub := range p {
		if !sub.Eval(v) {
			return false
		}
	}
	return true
}

type Or []Predicate

func (p Or) Eval(v MetadataView) bool {
	for _, sub := range p {
		if sub.Eval(v) {
			return true
		}
	}
	return false
}

type Not struct{ Predicate Predicate }

func (p Not) Eval(v MetadataView) bool { return !p.Predicate.Eval(v) }

// Always matches unconditionally, used as a catch-all route's predicate.
type Always struct{}

func (Always) Eval(MetadataView) bool { return true }

// SortKey orders AnyOf candidates by a named numeric metric.
type SortKey struct {
	Metric    func(candidate string) float64
	Ascending bool
}

// Target resolves a matched route to a concrete model name.
type Target interface {
	Resolve(candidates map[string]bool) (model string, ok bool)
}

// SingleModel always resolves to one fixed model name.
type SingleModel string

func (t SingleModel) Resolve(map[string]bool) (string, bool) { return string(t), true }

// AnyOf resolves to the best-ranked candidate (by SortKey) among
// Candidates that are currently available (per the available map passed
// to Resolve); ties break lexicographically by name. Route.Priority is not
// consulted when breaking ties.
type AnyOf struct {
	Candidates []string
	Sort       SortKey
}

func (t AnyOf) Resolve(available map[string]bool) (string, bool) {
	var pool []string
	for _, c := range t.Candidates {
		if available == nil || available[c] {
			pool = append(pool, c)
		}
	}
	if len(pool) == 0 {
		return "", false
	}
	if t.Sort.Metric == nil {
		sort.Strings(pool)
		return pool[0], true
	}
	sort.SliceStable(pool, func(i, j int) bool {
		mi, mj := t.Sort.Metric(pool[i]), t.Sort.Metric(pool[j])
		if mi == mj {
			return pool[i] < pool[j]
		}
		if t.Sort.Ascending {
			return mi < mj
		}
		return mi > mj
	})
	return pool[0], true
}

// Route is one entry in the router's ordered route table.
type Route struct {
	Name      string
	Predicate Predicate
	Target    Target
	Priority  int
}

// Router evaluates routes in declared order and returns the first match.
type Router struct {
	routes []Route
}

// New constructs a Router from an ordered route table.
func New(routes []Route) *Router {
	return &Router{routes: routes}
}

// Select returns the chosen model and the name of the route that matched
// ("" if none matched and requestModel was used as the fallback), per the
// router totality invariant: Select never fails to return a model as long
// as requestModel is non-empty.
func (r *Router) Select(v MetadataView, requestModel string, available map[string]bool) (model string, routeName string) {
	for _, route := range r.routes {
		if !route.Predicate.Eval(v) {
			continue
		}
		if m, ok := route.Target.Resolve(available); ok {
			return m, route.Name
		}
	}
	return requestModel, ""
}
