package interceptor_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vllora/gateway/interceptor"
	"github.com/vllora/gateway/provider"
)

func TestRunPreExecutesInOrderAndStopsAtFirstNonContinue(t *testing.T) {
	var order []string
	chain := interceptor.New([]interceptor.PreStage{
		interceptor.PreStageFunc(func(ctx context.Context, ictx *interceptor.Context) (interceptor.Decision, error) {
			order = append(order, "first")
			return interceptor.Decision{Action: interceptor.ActionContinue}, nil
		}),
		interceptor.PreStageFunc(func(ctx context.Context, ictx *interceptor.Context) (interceptor.Decision, error) {
			order = append(order, "second")
			return interceptor.Decision{Action: interceptor.ActionBlock, Reason: "quota"}, nil
		}),
		interceptor.PreStageFunc(func(ctx context.Context, ictx *interceptor.Context) (interceptor.Decision, error) {
			order = append(order, "third")
			return interceptor.Decision{Action: interceptor.ActionContinue}, nil
		}),
	}, nil)

	decision, err := chain.RunPre(context.Background(), &interceptor.Context{})
	require.NoError(t, err)
	require.Equal(t, interceptor.ActionBlock, decision.Action)
	require.Equal(t, "quota", decision.Reason)
	require.Equal(t, []string{"first", "second"}, order, "stages after the blocking one must not run")
}

func TestRunPreRedirectSwapsModelAndContinues(t *testing.T) {
	var sawModel string
	chain := interceptor.New([]interceptor.PreStage{
		interceptor.PreStageFunc(func(ctx context.Context, ictx *interceptor.Context) (interceptor.Decision, error) {
			return interceptor.Decision{Action: interceptor.ActionRedirect, Model: "gpt-4o-mini"}, nil
		}),
		interceptor.PreStageFunc(func(ctx context.Context, ictx *interceptor.Context) (interceptor.Decision, error) {
			sawModel = ictx.Request.Model
			return interceptor.Decision{Action: interceptor.ActionContinue}, nil
		}),
	}, nil)

	ictx := &interceptor.Context{Request: provider.Request{Model: "gpt-4o"}}
	decision, err := chain.RunPre(context.Background(), ictx)
	require.NoError(t, err)
	require.Equal(t, interceptor.ActionContinue, decision.Action)
	require.Equal(t, "gpt-4o-mini", ictx.Request.Model)
	require.Equal(t, "gpt-4o-mini", sawModel, "later stages see the redirected model")
}

func TestRunPreStageMayRewriteRequest(t *testing.T) {
	chain := interceptor.New([]interceptor.PreStage{
		interceptor.PreStageFunc(func(ctx context.Context, ictx *interceptor.Context) (interceptor.Decision, error) {
			ictx.Request.Model = "gpt-4o-mini"
			return interceptor.Decision{Action: interceptor.ActionContinue}, nil
		}),
	}, nil)

	ictx := &interceptor.Context{Request: provider.Request{Model: "gpt-4o"}}
	decision, err := chain.RunPre(context.Background(), ictx)
	require.NoError(t, err)
	require.Equal(t, interceptor.ActionContinue, decision.Action)
	require.Equal(t, "gpt-4o-mini", ictx.Request.Model)
}

func TestRunPostRunsAllStagesAndReturnsFirstError(t *testing.T) {
	wantErr := errors.New("guardrail failed")
	var ran []string
	chain := interceptor.New(nil, []interceptor.PostStage{
		interceptor.PostStageFunc(func(ctx context.Context, ictx *interceptor.Context, resp *provider.Response) error {
			ran = append(ran, "scorer")
			return wantErr
		}),
		interceptor.PostStageFunc(func(ctx context.Context, ictx *interceptor.Context, resp *provider.Response) error {
			ran = append(ran, "auditor")
			return errors.New("second error, never surfaced")
		}),
	})

	err := chain.RunPost(context.Background(), &interceptor.Context{}, &provider.Response{})
	require.ErrorIs(t, err, wantErr)
	require.Equal(t, []string{"scorer", "auditor"}, ran, "a failing post stage must not skip later ones")
}

func TestContextResultAccumulates(t *testing.T) {
	ictx := &interceptor.Context{}
	ictx.Result("guards.pii", true)
	ictx.Result("ratelimit.bucket_key", "user-1|gpt-4o")

	require.Equal(t, true, ictx.Results["guards.pii"])
	require.Equal(t, "user-1|gpt-4o", ictx.Results["ratelimit.bucket_key"])
}
