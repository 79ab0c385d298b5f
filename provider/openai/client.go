// Package openai adapts provider.Client onto the OpenAI Chat Completions
// API via github.com/openai/openai-go, following the same ChatClient-seam/
// prepare-request/translate-response structure as the sibling Anthropic
// and Bedrock adapters so all three providers share one idiom.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/vllora/gateway/provider"
)

// ChatClient captures the subset of the OpenAI SDK this adapter calls.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
	NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
}

// EmbeddingsClient captures the subset of the OpenAI SDK's embeddings
// service this adapter calls, mirroring ChatClient's narrow-interface
// seam so the adapter stays testable against a fake.
type EmbeddingsClient interface {
	New(ctx context.Context, body openai.EmbeddingNewParams, opts ...option.RequestOption) (*openai.CreateEmbeddingResponse, error)
}

// Options configures adapter defaults.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float64
}

// Client implements provider.Client on top of OpenAI Chat Completions, and
// provider.Embedder when an EmbeddingsClient is wired in.
type Client struct {
	chat         ChatClient
	embeddings   EmbeddingsClient
	defaultModel string
	maxTokens    int
	temperature  float64
}

var _ provider.Client = (*Client)(nil)
var _ provider.Embedder = (*Client)(nil)

// New builds a Client from an explicit ChatClient with no embeddings
// support wired in; use NewFull to also wire an EmbeddingsClient.
func New(chat ChatClient, opts Options) (*Client, error) {
	return NewFull(chat, nil, opts)
}

// NewFull builds a Client from an explicit ChatClient and, optionally, an
// EmbeddingsClient. embed may be nil, in which case Embed returns
// provider.ErrEmbeddingsUnsupported.
func NewFull(chat ChatClient, embed EmbeddingsClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	return &Client{chat: chat, embeddings: embed, defaultModel: opts.DefaultModel, maxTokens: opts.MaxTokens, temperature: opts.Temperature}, nil
}

// NewFromAPIKey constructs a Client using openai-go's default transport,
// wired for both chat completions and embeddings.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	oc := openai.NewClient(option.WithAPIKey(apiKey))
	return NewFull(&oc.Chat.Completions, &oc.Embeddings, Options{DefaultModel: defaultModel})
}

// Embed implements provider.Embedder via the OpenAI Embeddings API.
func (c *Client) Embed(ctx context.Context, req provider.EmbedRequest) (provider.EmbedResponse, error) {
	if c.embeddings == nil {
		return provider.EmbedResponse{}, provider.ErrEmbeddingsUnsupported
	}
	if len(req.Input) == 0 {
		return provider.EmbedResponse{}, errors.New("openai: embeddings input is required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(modelID),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: req.Input},
	}
	resp, err := c.embeddings.New(ctx, params)
	if err != nil {
		return provider.EmbedResponse{}, translateErr(err)
	}
	vectors := make([][]float64, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(vectors) {
			continue
		}
		vectors[d.Index] = d.Embedding
	}
	rawUsage, _ := json.Marshal(resp.Usage)
	return provider.EmbedResponse{
		Model:   resp.Model,
		Vectors: vectors,
		Usage: provider.TokenUsage{
			InputTokens: int(resp.Usage.PromptTokens),
		},
		RawUsage: rawUsage,
	}, nil
}

func (c *Client) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return provider.Response{}, err
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return provider.Response{}, translateErr(err)
	}
	return translateResponse(resp)
}

func (c *Client) Stream(ctx context.Context, req provider.Request) (provider.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	stream := c.chat.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, translateErr(err)
	}
	return &streamer{stream: stream}, nil
}

func (c *Client) CountTokens(ctx context.Context, model, text string) (int, error) {
	return (len(text) + 3) / 4, nil
}

func (c *Client) prepareRequest(req provider.Request) (openai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return openai.ChatCompletionNewParams{}, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	if modelID == "" {
		return openai.ChatCompletionNewParams{}, errors.New("openai: model is required")
	}
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelID),
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	} else if c.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(c.maxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	} else if c.temperature > 0 {
		params.Temperature = openai.Float(c.temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}
	return params, nil
}

func encodeMessages(msgs []provider.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		text := flattenText(m.Parts)
		switch m.Role {
		case provider.RoleSystem:
			out = append(out, openai.SystemMessage(text))
		case provider.RoleUser:
			out = append(out, openai.UserMessage(text))
		case provider.RoleAssistant:
			out = append(out, openai.AssistantMessage(text))
		case provider.RoleTool:
			toolCallID := ""
			for _, p := range m.Parts {
				if v, ok := p.(provider.ToolResultPart); ok {
					toolCallID = v.ToolUseID
				}
			}
			out = append(out, openai.ToolMessage(text, toolCallID))
		default:
			return nil, fmt.Errorf("openai: unsupported role %q", m.Role)
		}
	}
	return out, nil
}

func flattenText(parts []provider.Part) string {
	var out string
	for _, p := range parts {
		switch v := p.(type) {
		case provider.TextPart:
			out += v.Text
		case provider.ToolResultPart:
			out += v.Content
		}
	}
	return out
}

func encodeTools(defs []provider.ToolDefinition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		var schema map[string]any
		_ = json.Unmarshal(def.Schema, &schema)
		out = append(out, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  shared.FunctionParameters(schema),
			},
		})
	}
	return out
}

func translateResponse(resp *openai.ChatCompletion) (provider.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return provider.Response{}, errors.New("openai: empty response")
	}
	choice := resp.Choices[0]
	var parts []provider.Part
	if choice.Message.Content != "" {
		parts = append(parts, provider.TextPart{Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		parts = append(parts, provider.ToolUsePart{ID: tc.ID, Name: tc.Function.Name, Input: []byte(tc.Function.Arguments)})
	}
	rawUsage, _ := json.Marshal(resp.Usage)
	return provider.Response{
		Model:      resp.Model,
		Message:    provider.Message{Role: provider.RoleAssistant, Parts: parts},
		StopReason: string(choice.FinishReason),
		Usage: provider.TokenUsage{
			InputTokens:       int(resp.Usage.PromptTokens),
			OutputTokens:      int(resp.Usage.CompletionTokens),
			CachedInputTokens: int(resp.Usage.PromptTokensDetails.CachedTokens),
		},
		RawUsage: rawUsage,
	}, nil
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == 429 {
		return fmt.Errorf("%w: %w", provider.ErrRateLimited, err)
	}
	return fmt.Errorf("openai: %w", err)
}

type streamer struct {
	stream      *ssestream.Stream[openai.ChatCompletionChunk]
	pendingStop string
	done        bool
}

// Recv normalizes OpenAI's chunk ordering: with stream_options.include_usage
// the upstream sends the finish_reason chunk first and a trailing
// zero-choice usage chunk after it, but the canonical contract is that End
// arrives last and carries the final usage. The finish reason is held back
// until the usage chunk (or stream end) is seen.
func (s *streamer) Recv() (provider.Chunk, error) {
	for {
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				return provider.Chunk{}, translateErr(err)
			}
			if s.pendingStop != "" && !s.done {
				s.done = true
				return provider.Chunk{Type: provider.ChunkTypeEnd, StopReason: s.pendingStop}, nil
			}
			return provider.Chunk{}, io.EOF
		}
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			if chunk.Usage.TotalTokens > 0 {
				rawUsage, _ := json.Marshal(chunk.Usage)
				usage := &provider.TokenUsage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
				}
				if s.pendingStop != "" {
					s.done = true
					return provider.Chunk{Type: provider.ChunkTypeEnd, StopReason: s.pendingStop, Usage: usage, RawUsage: rawUsage}, nil
				}
				return provider.Chunk{Type: provider.ChunkTypeUsageTick, Usage: usage, RawUsage: rawUsage}, nil
			}
			return provider.Chunk{Type: provider.ChunkTypeStart}, nil
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			s.pendingStop = choice.FinishReason
			continue
		}
		if len(choice.Delta.ToolCalls) > 0 {
			tc := choice.Delta.ToolCalls[0]
			return provider.Chunk{Type: provider.ChunkTypeToolCallDelta, ToolCallDelta: &provider.ToolCallDelta{
				Index: int(tc.Index), ID: tc.ID, Name: tc.Function.Name, ArgsFragment: tc.Function.Arguments,
			}}, nil
		}
		return provider.Chunk{Type: provider.ChunkTypeContentDelta, TextDelta: choice.Delta.Content}, nil
	}
}

func (s *streamer) Close() error                { return s.stream.Close() }
func (s *streamer) Metadata() map[string]string { return nil }
