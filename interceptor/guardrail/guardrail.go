// Package guardrail implements named, typed content checks that run as
// either pre- or post-request interceptor stages, producing a scored
// result instead of rewriting content. Post-request guardrails are
// PostStage-only by type: they can observe and score already-streamed
// output but can never rewrite it.
package guardrail

import (
	"context"

	"github.com/vllora/gateway/interceptor"
	"github.com/vllora/gateway/provider"
)

// Kind classifies what a Checker evaluates.
type Kind string

const (
	KindSemantic   Kind = "semantic"
	KindToxicity   Kind = "toxicity"
	KindCompliance Kind = "compliance"
)

// Result is a guardrail's verdict, stored on the interceptor Context under
// "guards.<name>" so the conditional router can reference
// extra.guards.<id>.passed in a predicate.
type Result struct {
	Passed     bool
	Score      float64
	Categories []string
}

// Checker evaluates one named guardrail against the text content of a
// request or response. Concrete checkers (regex deny-lists, an external
// moderation API call, a JSON-Schema-validated structured-output check via
// the schema package) implement this directly.
type Checker interface {
	Check(ctx context.Context, text string) (Result, error)
}

// CheckerFunc adapts a plain function to Checker.
type CheckerFunc func(ctx context.Context, text string) (Result, error)

func (f CheckerFunc) Check(ctx context.Context, text string) (Result, error) { return f(ctx, text) }

// PreStage runs a named Checker against the inbound request's text content
// before dispatch, and may deny the request outright if FailClosed is set
// and the check fails to pass.
type PreStage struct {
	Name       string
	Kind       Kind
	Checker    Checker
	FailClosed bool
}

var _ interceptor.PreStage = (*PreStage)(nil)

func (g *PreStage) Pre(ctx context.Context, ictx *interceptor.Context) (interceptor.Decision, error) {
	result, err := g.Checker.Check(ctx, concatText(ictx.Request))
	if err != nil {
		return interceptor.Decision{}, err
	}
	ictx.Result("guards."+g.Name, result)
	if g.FailClosed && !result.Passed {
		return interceptor.Decision{Action: interceptor.ActionBlock, Reason: "guardrail " + g.Name + " failed"}, nil
	}
	return interceptor.Decision{Action: interceptor.ActionContinue}, nil
}

// PostStage runs a named Checker against the assembled response's text
// content after dispatch. It can never rewrite the response — it
// implements only interceptor.PostStage, so the type system rules out
// wiring a content-mutating guardrail into the post chain.
type PostStage struct {
	Name    string
	Kind    Kind
	Checker Checker
}

var _ interceptor.PostStage = (*PostStage)(nil)

func (g *PostStage) Post(ctx context.Context, ictx *interceptor.Context, resp *provider.Response) error {
	var text string
	if resp != nil {
		text = concatText(provider.Request{Messages: []provider.Message{resp.Message}})
	}
	result, err := g.Checker.Check(ctx, text)
	if err != nil {
		return err
	}
	ictx.Result("guards."+g.Name, result)
	return nil
}

func concatText(req provider.Request) string {
	var out string
	for _, msg := range req.Messages {
		for _, part := range msg.Parts {
			if text, ok := part.(provider.TextPart); ok {
				out += text.Text
			}
		}
	}
	return out
}
