// Package interceptor implements the gateway's interceptor chain:
// pre-dispatch stages that may rewrite the outgoing request or short-
// circuit with a decision, and post-dispatch stages that only observe and
// score the finished exchange. Pre and post are distinct interfaces so a
// post-only stage (a guardrail scoring already-streamed content) cannot
// accidentally be wired somewhere it could rewrite bytes already sent to
// the client.
package interceptor

import (
	"context"

	"github.com/vllora/gateway/provider"
)

// Action is what a PreStage decided to do with the request.
type Action string

const (
	ActionContinue Action = "continue"
	ActionBlock    Action = "block"
	ActionRedirect Action = "redirect"
	ActionFallback Action = "fallback"
)

// Decision is the outcome of running a PreStage. Model names the
// substitute model for ActionRedirect/ActionFallback; Reason is the
// human-readable cause surfaced on blocks.
type Decision struct {
	Action Action
	Reason string
	Model  string
}

// Context carries per-request state through the chain: the canonical
// request (mutable by PreStages), accumulated named results (guardrail
// scores, rate-limit decisions), and identifying metadata used by Stage
// implementations and the router.
type Context struct {
	Request   provider.Request
	EntityID  string
	ThreadID  string
	ProjectID string
	Results   map[string]any
}

// Result stashes a named result for later stages or for recording onto
// the span.
func (c *Context) Result(key string, value any) {
	if c.Results == nil {
		c.Results = make(map[string]any)
	}
	c.Results[key] = value
}

// PreStage runs before dispatch and may rewrite Context.Request or return
// a non-continue Decision to short-circuit the pipeline.
type PreStage interface {
	Pre(ctx context.Context, ictx *Context) (Decision, error)
}

// PostStage runs after the exchange completes (whether it streamed or
// not) and can only observe — it never sees bytes it could still mutate,
// since transport has already delivered them to the client.
type PostStage interface {
	Post(ctx context.Context, ictx *Context, resp *provider.Response) error
}

// PreStageFunc adapts a plain function to PreStage.
type PreStageFunc func(ctx context.Context, ictx *Context) (Decision, error)

func (f PreStageFunc) Pre(ctx context.Context, ictx *Context) (Decision, error) { return f(ctx, ictx) }

// PostStageFunc adapts a plain function to PostStage.
type PostStageFunc func(ctx context.Context, ictx *Context, resp *provider.Response) error

func (f PostStageFunc) Post(ctx context.Context, ictx *Context, resp *provider.Response) error {
	return f(ctx, ictx, resp)
}

// Chain runs an ordered list of pre-stages then post-stages around a
// dispatch function. The first registered PreStage runs first and can
// veto everything after it.
type Chain struct {
	pre  []PreStage
	post []PostStage
}

// New constructs a Chain from ordered pre- and post-stages.
func New(pre []PreStage, post []PostStage) *Chain {
	return &Chain{pre: pre, post: post}
}

// RunPre executes every PreStage in order. A block decision (or error)
// stops the chain; a redirect/fallback decision swaps the outbound model
// in place and the remaining stages still run against the new model.
func (c *Chain) RunPre(ctx context.Context, ictx *Context) (Decision, error) {
	for _, stage := range c.pre {
		d, err := stage.Pre(ctx, ictx)
		if err != nil {
			return Decision{Action: ActionBlock, Reason: err.Error()}, err
		}
		switch d.Action {
		case ActionRedirect, ActionFallback:
			if d.Model != "" {
				ictx.Request.Model = d.Model
			}
		case ActionBlock:
			return d, nil
		}
	}
	return Decision{Action: ActionContinue}, nil
}

// RunPost executes every PostStage in order, collecting (not
// short-circuiting on) errors so one guardrail's failure doesn't silently
// skip the others; the first error is returned to the caller after all
// stages have run.
func (c *Chain) RunPost(ctx context.Context, ictx *Context, resp *provider.Response) error {
	var first error
	for _, stage := range c.post {
		if err := stage.Post(ctx, ictx, resp); err != nil && first == nil {
			first = err
		}
	}
	return first
}
