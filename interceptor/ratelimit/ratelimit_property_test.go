package ratelimit_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/vllora/gateway/interceptor"
	"github.com/vllora/gateway/interceptor/ratelimit"
	"github.com/vllora/gateway/provider"
)

func requestWithChars(n int) provider.Request {
	text := make([]byte, n)
	for i := range text {
		text[i] = 'a'
	}
	return provider.Request{
		Model:    "gpt-4o-mini",
		Messages: []provider.Message{{Role: provider.RoleUser, Parts: []provider.Part{provider.TextPart{Text: string(text)}}}},
	}
}

// TestRequestLimitAdmitsAtMostLimitProperty checks the admission bound for
// the request-count target: within one unreplenished window, a burst of N
// back-to-back requests admits at most Limit of them per entity before
// ActionBlock starts firing.
func TestRequestLimitAdmitsAtMostLimitProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("admitted requests never exceed the configured limit", prop.ForAll(
		func(limit int, attempts int) bool {
			stage := ratelimit.New(ratelimit.Rule{
				EntityKind: ratelimit.EntityUserID,
				Target:     ratelimit.TargetTotalRequests,
				Period:     ratelimit.PeriodMinute,
				Limit:      float64(limit),
				Action:     ratelimit.ActionBlock,
			})
			var admitted int
			for i := 0; i < attempts; i++ {
				ictx := &interceptor.Context{Request: requestWithChars(1), EntityID: "user-1"}
				decision, err := stage.Pre(context.Background(), ictx)
				if err != nil {
					return false
				}
				if decision.Action == interceptor.ActionContinue {
					admitted++
				}
			}
			// The refill over the test's sub-millisecond runtime is under
			// one request, so admissions are bounded by the burst plus at
			// most one refilled unit.
			return admitted <= limit+1
		},
		gen.IntRange(1, 50),
		gen.IntRange(1, 200),
	))

	properties.TestingRun(t)
}

// TestTokenLimitAdmitsAtMostLimitUnitsProperty checks the same bound for
// the input-token target: admitted volume stays within the configured
// budget before ActionBlock starts firing.
func TestTokenLimitAdmitsAtMostLimitUnitsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("admitted requests never exceed the configured token budget", prop.ForAll(
		func(limitTokens float64, attempts int) bool {
			stage := ratelimit.New(ratelimit.Rule{
				EntityKind: ratelimit.EntityUserID,
				Target:     ratelimit.TargetInputTokens,
				Period:     ratelimit.PeriodMinute,
				Limit:      limitTokens,
				Action:     ratelimit.ActionBlock,
			})
			var admitted int
			for i := 0; i < attempts; i++ {
				ictx := &interceptor.Context{Request: requestWithChars(1), EntityID: "user-1"}
				decision, err := stage.Pre(context.Background(), ictx)
				if err != nil {
					return false
				}
				if decision.Action == interceptor.ActionContinue {
					admitted++
				}
			}
			// Each admitted request costs at least 500 estimated tokens
			// (the estimator's floor), so admissions can never exceed the
			// burst divided by that floor, plus one refilled unit.
			return admitted <= int(limitTokens)/500+1
		},
		gen.Float64Range(1, 50000),
		gen.IntRange(1, 200),
	))

	properties.TestingRun(t)
}

// TestTokenLimitBlocksOnceBucketExhaustedProperty checks that once a
// token bucket's burst is exhausted, further requests in the same instant
// are blocked rather than silently admitted.
func TestTokenLimitBlocksOnceBucketExhaustedProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("a request beyond burst capacity is blocked", prop.ForAll(
		func(limitTokens float64) bool {
			stage := ratelimit.New(ratelimit.Rule{
				EntityKind: ratelimit.EntityUserID,
				Target:     ratelimit.TargetInputTokens,
				Period:     ratelimit.PeriodMinute,
				Limit:      limitTokens,
				Action:     ratelimit.ActionBlock,
			})
			entity := "user-2"

			// Exhaust the bucket with oversized single requests.
			for i := 0; i < int(limitTokens)/400+2; i++ {
				ictx := &interceptor.Context{Request: requestWithChars(1200), EntityID: entity}
				_, _ = stage.Pre(context.Background(), ictx)
			}

			ictx := &interceptor.Context{Request: requestWithChars(1200), EntityID: entity}
			decision, err := stage.Pre(context.Background(), ictx)
			if err != nil {
				return false
			}
			return decision.Action == interceptor.ActionBlock
		},
		gen.Float64Range(1, 500),
	))

	properties.TestingRun(t)
}
