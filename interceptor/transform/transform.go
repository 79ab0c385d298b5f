// Package transform implements the message-transformer interceptor stage:
// an ordered list of regex rewrite rules applied to message content. It is
// pre-only by type: a transformer can never be wired as a PostStage
// because it only implements interceptor.PreStage, so it cannot mutate
// content the transport has already streamed to the client.
package transform

import (
	"context"
	"fmt"
	"regexp"

	"github.com/vllora/gateway/interceptor"
	"github.com/vllora/gateway/provider"
)

// Direction selects which messages a Rule applies to.
type Direction string

const (
	DirectionInbound  Direction = "inbound"  // rewrites the user-authored request
	DirectionOutbound Direction = "outbound" // rewrites the model's generated output
	DirectionBoth     Direction = "both"
)

// Rule is one ordered regex rewrite: every match of Pattern in a text
// part's content is replaced with Replacement (capture-group references
// like "$1" are honored, per regexp.ReplaceAll semantics).
type Rule struct {
	Pattern     *regexp.Regexp
	Replacement string
	Direction   Direction
}

// Compile builds a Rule from a raw pattern string, surfacing a regexp
// compile error instead of panicking at request time.
func Compile(pattern, replacement string, direction Direction) (Rule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("transform: compile pattern %q: %w", pattern, err)
	}
	return Rule{Pattern: re, Replacement: replacement, Direction: direction}, nil
}

// Stage applies an ordered list of Rules to inbound request messages. Only
// DirectionInbound/DirectionBoth rules run here; DirectionOutbound rules
// are applied only by ApplyOutbound. Stage satisfies only
// interceptor.PreStage, and the pipeline does not call ApplyOutbound, so
// outbound rules are not applied to model responses.
type Stage struct {
	rules []Rule
}

var _ interceptor.PreStage = (*Stage)(nil)

// New constructs a Stage from an ordered rule list.
func New(rules []Rule) *Stage {
	return &Stage{rules: rules}
}

// Pre rewrites every text part of every message in ictx.Request in place,
// preserving role structure and tool-call metadata (only TextPart content
// is ever rewritten; ToolUsePart/ToolResultPart/ImagePart/ThinkingPart
// pass through untouched).
func (s *Stage) Pre(ctx context.Context, ictx *interceptor.Context) (interceptor.Decision, error) {
	rewritten := 0
	for mi, msg := range ictx.Request.Messages {
		for pi, part := range msg.Parts {
			text, ok := part.(provider.TextPart)
			if !ok {
				continue
			}
			for _, rule := range s.rules {
				if rule.Direction != DirectionInbound && rule.Direction != DirectionBoth {
					continue
				}
				if before := text.Text; rule.Pattern.MatchString(before) {
					text.Text = rule.Pattern.ReplaceAllString(before, rule.Replacement)
					if text.Text != before {
						rewritten++
					}
				}
			}
			ictx.Request.Messages[mi].Parts[pi] = text
		}
	}
	if rewritten > 0 {
		ictx.Result("transform.rewritten_parts", rewritten)
	}
	return interceptor.Decision{Action: interceptor.ActionContinue}, nil
}

// ApplyOutbound rewrites the text parts of an assembled response message
// using DirectionOutbound/DirectionBoth rules, for callers that need to
// normalize model output before recording it on a span (never after it has
// been streamed to the client).
func (s *Stage) ApplyOutbound(msg provider.Message) provider.Message {
	out := provider.Message{Role: msg.Role, Parts: make([]provider.Part, len(msg.Parts))}
	for i, part := range msg.Parts {
		text, ok := part.(provider.TextPart)
		if !ok {
			out.Parts[i] = part
			continue
		}
		for _, rule := range s.rules {
			if rule.Direction != DirectionOutbound && rule.Direction != DirectionBoth {
				continue
			}
			text.Text = rule.Pattern.ReplaceAllString(text.Text, rule.Replacement)
		}
		out.Parts[i] = text
	}
	return out
}
