// Package bedrock adapts provider.Client onto the AWS Bedrock Converse
// API: a RuntimeClient seam over *bedrockruntime.Client, split
// system/conversational message encoding, and Converse/ConverseStream
// translation back into the canonical response shape.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"github.com/vllora/gateway/provider"
)

// RuntimeClient mirrors the subset of *bedrockruntime.Client this adapter
// calls, allowing tests to substitute a fake.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Options configures the adapter.
type Options struct {
	Runtime      RuntimeClient
	DefaultModel string
	MaxTokens    int
	Temperature  float32
}

// Client implements provider.Client on top of Bedrock Converse.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	maxTokens    int
	temperature  float32
}

var _ provider.Client = (*Client)(nil)

// New builds a Client from a configured Bedrock runtime client.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	return &Client{runtime: opts.Runtime, defaultModel: opts.DefaultModel, maxTokens: opts.MaxTokens, temperature: opts.Temperature}, nil
}

func (c *Client) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	input, modelID, err := c.buildConverseInput(req)
	if err != nil {
		return provider.Response{}, err
	}
	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return provider.Response{}, translateErr(err)
	}
	return translateResponse(out, modelID)
}

func (c *Client) Stream(ctx context.Context, req provider.Request) (provider.Streamer, error) {
	input, _, err := c.buildConverseInput(req)
	if err != nil {
		return nil, err
	}
	streamInput := &bedrockruntime.ConverseStreamInput{
		ModelId:         input.ModelId,
		Messages:        input.Messages,
		System:          input.System,
		InferenceConfig: input.InferenceConfig,
		ToolConfig:      input.ToolConfig,
	}
	out, err := c.runtime.ConverseStream(ctx, streamInput)
	if err != nil {
		return nil, translateErr(err)
	}
	stream := out.GetStream()
	if stream == nil {
		return nil, errors.New("bedrock: stream output missing event stream")
	}
	return &streamer{events: stream}, nil
}

func (c *Client) CountTokens(ctx context.Context, model, text string) (int, error) {
	return (len(text) + 3) / 4, nil
}

func (c *Client) buildConverseInput(req provider.Request) (*bedrockruntime.ConverseInput, string, error) {
	if len(req.Messages) == 0 {
		return nil, "", errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	if modelID == "" {
		return nil, "", errors.New("bedrock: model is required")
	}

	var system []brtypes.SystemContentBlock
	var msgs []brtypes.Message
	for _, m := range req.Messages {
		if m.Role == provider.RoleSystem {
			for _, p := range m.Parts {
				if v, ok := p.(provider.TextPart); ok && v.Text != "" {
					system = append(system, &brtypes.SystemContentBlockMemberText{Value: v.Text})
				}
			}
			continue
		}
		var blocks []brtypes.ContentBlock
		for _, p := range m.Parts {
			switch v := p.(type) {
			case provider.TextPart:
				if v.Text != "" {
					blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: v.Text})
				}
			case provider.ToolUsePart:
				var doc map[string]any
				_ = json.Unmarshal(v.Input, &doc)
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String(v.ID), Name: aws.String(v.Name), Input: document.NewLazyDocument(doc),
				}})
			case provider.ToolResultPart:
				blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{Value: brtypes.ToolResultBlock{
					ToolUseId: aws.String(v.ToolUseID),
					Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: v.Content}},
				}})
			}
		}
		if len(blocks) == 0 {
			continue
		}
		var role brtypes.ConversationRole
		switch m.Role {
		case provider.RoleUser, provider.RoleTool:
			role = brtypes.ConversationRoleUser
		case provider.RoleAssistant:
			role = brtypes.ConversationRoleAssistant
		default:
			return nil, "", fmt.Errorf("bedrock: unsupported role %q", m.Role)
		}
		msgs = append(msgs, brtypes.Message{Role: role, Content: blocks})
	}
	if len(msgs) == 0 {
		return nil, "", errors.New("bedrock: at least one user/assistant message is required")
	}

	inferCfg := &brtypes.InferenceConfiguration{}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens > 0 {
		v := int32(maxTokens)
		inferCfg.MaxTokens = &v
	}
	if req.Temperature != nil {
		v := float32(*req.Temperature)
		inferCfg.Temperature = &v
	} else if c.temperature > 0 {
		inferCfg.Temperature = &c.temperature
	}

	var toolConfig *brtypes.ToolConfiguration
	if len(req.Tools) > 0 {
		var specs []brtypes.Tool
		for _, def := range req.Tools {
			var schema map[string]any
			_ = json.Unmarshal(def.Schema, &schema)
			specs = append(specs, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
				Name: aws.String(def.Name), Description: aws.String(def.Description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			}})
		}
		toolConfig = &brtypes.ToolConfiguration{Tools: specs}
	}

	return &bedrockruntime.ConverseInput{
		ModelId:         aws.String(modelID),
		Messages:        msgs,
		System:          system,
		InferenceConfig: inferCfg,
		ToolConfig:      toolConfig,
	}, modelID, nil
}

func translateResponse(out *bedrockruntime.ConverseOutput, modelID string) (provider.Response, error) {
	if out == nil || out.Output == nil {
		return provider.Response{}, errors.New("bedrock: empty converse output")
	}
	msgOut, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return provider.Response{}, errors.New("bedrock: unexpected output type")
	}
	var parts []provider.Part
	for _, block := range msgOut.Value.Content {
		switch v := block.(type) {
		case *brtypes.ContentBlockMemberText:
			parts = append(parts, provider.TextPart{Text: v.Value})
		case *brtypes.ContentBlockMemberToolUse:
			input, _ := v.Value.Input.MarshalSmithyDocument()
			parts = append(parts, provider.ToolUsePart{
				ID: aws.ToString(v.Value.ToolUseId), Name: aws.ToString(v.Value.Name), Input: input,
			})
		}
	}
	usage := provider.TokenUsage{}
	var rawUsage []byte
	if out.Usage != nil {
		usage.InputTokens = int(aws.ToInt32(out.Usage.InputTokens))
		usage.OutputTokens = int(aws.ToInt32(out.Usage.OutputTokens))
		rawUsage, _ = json.Marshal(out.Usage)
	}
	return provider.Response{
		Model:      modelID,
		Message:    provider.Message{Role: provider.RoleAssistant, Parts: parts},
		StopReason: string(out.StopReason),
		Usage:      usage,
		RawUsage:   rawUsage,
	}, nil
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var throttling *brtypes.ThrottlingException
	var apiErr smithy.APIError
	if errors.As(err, &throttling) {
		return fmt.Errorf("%w: %w", provider.ErrRateLimited, err)
	}
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ThrottlingException" {
		return fmt.Errorf("%w: %w", provider.ErrRateLimited, err)
	}
	return fmt.Errorf("bedrock: %w", err)
}

type streamer struct {
	events      *bedrockruntime.ConverseStreamEventStream
	pendingStop string
	done        bool
}

// Recv holds the messageStop event's stop reason back until the trailing
// metadata event delivers usage, so End is always the last chunk and
// carries the final token counts the way the canonical contract expects.
func (s *streamer) Recv() (provider.Chunk, error) {
	for {
		event, ok := <-s.events.Events()
		if !ok {
			if err := s.events.Err(); err != nil {
				return provider.Chunk{}, translateErr(err)
			}
			if s.pendingStop != "" && !s.done {
				s.done = true
				return provider.Chunk{Type: provider.ChunkTypeEnd, StopReason: s.pendingStop}, nil
			}
			return provider.Chunk{}, io.EOF
		}
		switch v := event.(type) {
		case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
			if textDelta, ok := v.Value.Delta.(*brtypes.ContentBlockDeltaMemberText); ok {
				return provider.Chunk{Type: provider.ChunkTypeContentDelta, TextDelta: textDelta.Value}, nil
			}
			return provider.Chunk{Type: provider.ChunkTypeContentDelta}, nil
		case *brtypes.ConverseStreamOutputMemberMessageStop:
			s.pendingStop = string(v.Value.StopReason)
		case *brtypes.ConverseStreamOutputMemberMetadata:
			rawUsage, _ := json.Marshal(v.Value.Usage)
			u := v.Value.Usage
			usage := &provider.TokenUsage{InputTokens: int(aws.ToInt32(u.InputTokens)), OutputTokens: int(aws.ToInt32(u.OutputTokens))}
			if s.pendingStop != "" {
				s.done = true
				return provider.Chunk{Type: provider.ChunkTypeEnd, StopReason: s.pendingStop, Usage: usage, RawUsage: rawUsage}, nil
			}
			return provider.Chunk{Type: provider.ChunkTypeUsageTick, Usage: usage, RawUsage: rawUsage}, nil
		default:
			return provider.Chunk{Type: provider.ChunkTypeStart}, nil
		}
	}
}

func (s *streamer) Close() error                { return s.events.Close() }
func (s *streamer) Metadata() map[string]string { return nil }
