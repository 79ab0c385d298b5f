// Package ratelimit implements the rate-limiter interceptor stage: token
// buckets keyed by (entity_kind, entity_id, target, period), built on
// golang.org/x/time/rate. Every bucket is local to this process — there is
// no cluster coordination.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vllora/gateway/interceptor"
	"github.com/vllora/gateway/provider"
)

// EntityKind selects which request attribute a rule's buckets are keyed by.
type EntityKind string

const (
	EntityUserID    EntityKind = "user_id"
	EntityUserName  EntityKind = "user_name"
	EntityProjectID EntityKind = "project_id"
	EntityOrgID     EntityKind = "org_id"
	EntityModel     EntityKind = "model"
	EntityProvider  EntityKind = "provider"
)

// Target selects what a rule's limit counts.
type Target string

const (
	TargetInputTokens   Target = "input_tokens"
	TargetOutputTokens  Target = "output_tokens"
	TargetTotalRequests Target = "total_requests"
	TargetCost          Target = "cost"
	TargetCustom        Target = "custom"
)

// Period is the window a rule's limit replenishes over.
type Period string

const (
	PeriodMinute Period = "minute"
	PeriodHour   Period = "hour"
	PeriodDay    Period = "day"
	PeriodMonth  Period = "month"
	PeriodYear   Period = "year"
)

// Duration returns the wall-clock length of one period. Month and year use
// the fixed 30/365-day approximations, since a refill rate — not calendar
// boundaries — is what a token bucket needs.
func (p Period) Duration() time.Duration {
	switch p {
	case PeriodMinute:
		return time.Minute
	case PeriodHour:
		return time.Hour
	case PeriodDay:
		return 24 * time.Hour
	case PeriodMonth:
		return 30 * 24 * time.Hour
	case PeriodYear:
		return 365 * 24 * time.Hour
	default:
		return time.Minute
	}
}

// Action decides what happens when a bucket has insufficient capacity.
type Action string

const (
	ActionBlock    Action = "block"
	ActionThrottle Action = "throttle"
	ActionRedirect Action = "redirect"
	ActionFallback Action = "fallback"
)

// Rule is one rate limit: at most Limit units of Target per Period per
// distinct entity of EntityKind. Model names the substitute model for
// ActionRedirect/ActionFallback. Units, when set, overrides how many units
// one request costs for any target; when unset, TargetCost and
// TargetCustom count one unit per request.
type Rule struct {
	EntityKind EntityKind
	Target     Target
	Period     Period
	Limit      float64
	Action     Action
	Model      string
	Units      func(ictx *interceptor.Context) float64
}

// ruleState holds one rule's buckets, one per entity value observed.
type ruleState struct {
	rule    Rule
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func (rs *ruleState) bucketFor(entity string) *rate.Limiter {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	b, ok := rs.buckets[entity]
	if !ok {
		burst := int(rs.rule.Limit)
		if burst < 1 {
			burst = 1
		}
		b = rate.NewLimiter(rate.Limit(rs.rule.Limit/rs.rule.Period.Duration().Seconds()), burst)
		rs.buckets[entity] = b
	}
	return b
}

// Stage is a PreStage enforcing an ordered list of Rules. Rules are
// checked in declared order; the first one whose bucket lacks capacity
// decides the outcome.
type Stage struct {
	rules []*ruleState
}

var _ interceptor.PreStage = (*Stage)(nil)

// New constructs a Stage from rules. A rule with no Action defaults to
// ActionBlock.
func New(rules ...Rule) *Stage {
	states := make([]*ruleState, 0, len(rules))
	for _, r := range rules {
		if r.Action == "" {
			r.Action = ActionBlock
		}
		states = append(states, &ruleState{rule: r, buckets: make(map[string]*rate.Limiter)})
	}
	return &Stage{rules: states}
}

func (s *Stage) Pre(ctx context.Context, ictx *interceptor.Context) (interceptor.Decision, error) {
	for _, rs := range s.rules {
		entity := entityFor(rs.rule.EntityKind, ictx)
		units := unitsFor(rs.rule, ictx)
		if units <= 0 {
			continue
		}
		b := rs.bucketFor(entity)

		switch rs.rule.Action {
		case ActionThrottle:
			if err := b.WaitN(ctx, units); err != nil {
				return interceptor.Decision{Action: interceptor.ActionBlock, Reason: fmt.Sprintf("rate limiter wait failed: %v", err)}, nil
			}
		case ActionRedirect, ActionFallback:
			if !b.AllowN(time.Now(), units) {
				action := interceptor.ActionRedirect
				if rs.rule.Action == ActionFallback {
					action = interceptor.ActionFallback
				}
				ictx.Result(resultKey(rs.rule), "exceeded")
				return interceptor.Decision{Action: action, Model: rs.rule.Model, Reason: "rate_limited"}, nil
			}
		default:
			if !b.AllowN(time.Now(), units) {
				ictx.Result(resultKey(rs.rule), "exceeded")
				return interceptor.Decision{Action: interceptor.ActionBlock, Reason: "rate_limited"}, nil
			}
		}
	}
	return interceptor.Decision{Action: interceptor.ActionContinue}, nil
}

func resultKey(r Rule) string {
	return fmt.Sprintf("ratelimit.%s.%s.%s", r.EntityKind, r.Target, r.Period)
}

// entityFor resolves the bucket key for a rule's entity kind. Kinds the
// context can't distinguish yet (user_name, org_id) fall back to the
// request's entity id so they still bucket per caller rather than
// globally.
func entityFor(kind EntityKind, ictx *interceptor.Context) string {
	switch kind {
	case EntityProjectID:
		return ictx.ProjectID
	case EntityModel:
		return ictx.Request.Model
	case EntityProvider:
		return ictx.Request.Model // provider resolution happens post-routing; model is the finest pre-dispatch proxy
	default:
		return ictx.EntityID
	}
}

// unitsFor prices one request in the rule's target units. Output tokens
// are metered by the request's max_tokens budget (the most the request
// can consume); cost and custom targets count one unit per request unless
// the rule supplies a Units estimator.
func unitsFor(r Rule, ictx *interceptor.Context) int {
	if r.Units != nil {
		u := r.Units(ictx)
		if u < 0 {
			return 0
		}
		return int(u + 0.5)
	}
	switch r.Target {
	case TargetTotalRequests:
		return 1
	case TargetInputTokens:
		return estimateTokens(ictx.Request)
	case TargetOutputTokens:
		if ictx.Request.MaxTokens > 0 {
			return ictx.Request.MaxTokens
		}
		return 1
	default:
		return 1
	}
}

// estimateTokens is a character-count heuristic: ~1 token per 3
// characters of text/tool-result content, plus a fixed buffer for framing
// overhead.
func estimateTokens(req provider.Request) int {
	charCount := 0
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			switch v := p.(type) {
			case provider.TextPart:
				charCount += len(v.Text)
			case provider.ToolResultPart:
				charCount += len(v.Content)
			}
		}
	}
	if charCount <= 0 {
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}
