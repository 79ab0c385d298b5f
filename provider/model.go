// Package provider defines the gateway's canonical request/response model
// and the Client contract every upstream adapter implements: a Parts-based
// Message, a tagged-union streaming Chunk, and a single Complete/Stream
// Client interface independent of any one provider's wire format.
package provider

import "context"

// Role identifies the speaker of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Part is a marker interface implemented by every message content part.
type Part interface{ isPart() }

// TextPart is plain text content.
type TextPart struct {
	Text string
}

func (TextPart) isPart() {}

// ImagePart references image content by URL or inline base64 data.
type ImagePart struct {
	URL       string
	MediaType string
	Data      []byte
}

func (ImagePart) isPart() {}

// ThinkingPart carries a model's extended-thinking/reasoning trace, when
// the provider surfaces one.
type ThinkingPart struct {
	Text      string
	Signature string
}

func (ThinkingPart) isPart() {}

// ToolUsePart is a model-emitted tool invocation.
type ToolUsePart struct {
	ID    string
	Name  string
	Input []byte // JSON
}

func (ToolUsePart) isPart() {}

// ToolResultPart carries the caller-supplied result of a prior ToolUsePart.
type ToolResultPart struct {
	ToolUseID string
	Content   string
	IsError   bool
}

func (ToolResultPart) isPart() {}

// Message is one turn in a conversation, expressed as an ordered list of
// Parts rather than a single flat string, so multi-modal and tool-call
// turns share one representation.
type Message struct {
	Role  Role
	Parts []Part
}

// ToolChoiceMode constrains whether/how the model may call tools.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceSpecific ToolChoiceMode = "specific"
)

// ToolChoice selects the model's tool-calling behavior for a request.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string // set when Mode == ToolChoiceSpecific
}

// ToolDefinition describes one callable tool exposed to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      []byte // JSON Schema
}

// CacheOptions controls provider-side prompt caching, where supported.
type CacheOptions struct {
	Enabled  bool
	TTL      string // provider-specific cache TTL hint, e.g. "5m"
	CacheKey string
}

// ThinkingOptions requests extended reasoning output, where supported.
type ThinkingOptions struct {
	Enabled      bool
	BudgetTokens int
}

// ModelClass loosely buckets a model by capability tier. The router's
// AnyOf target does not consult it; it ranks candidates by SortKey.
type ModelClass string

const (
	ModelClassFast      ModelClass = "fast"
	ModelClassBalanced  ModelClass = "balanced"
	ModelClassReasoning ModelClass = "reasoning"
)

// Request is the canonical, provider-independent completion request.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolDefinition
	ToolChoice  ToolChoice
	Temperature *float64
	TopP        *float64
	MaxTokens   int
	Stop        []string
	Cache       CacheOptions
	Thinking    ThinkingOptions
	Stream      bool
	RetriesLeft int
}

// TokenUsage is the normalized per-request token accounting.
type TokenUsage struct {
	InputTokens       int
	OutputTokens      int
	CachedInputTokens int
	CachedWriteTokens int
}

// Response is a complete, non-streamed model reply.
type Response struct {
	Model      string
	Message    Message
	StopReason string
	Usage      TokenUsage
	RawUsage   []byte // provider's verbatim usage payload, for RawUsage attribute
}

// ChunkType discriminates the tagged union of streaming events: one
// struct, a type tag, and the fields relevant to that tag.
type ChunkType string

const (
	ChunkTypeStart         ChunkType = "start"
	ChunkTypeContentDelta  ChunkType = "content_delta"
	ChunkTypeToolCallDelta ChunkType = "tool_call_delta"
	ChunkTypeEnd           ChunkType = "end"
	ChunkTypeUsageTick     ChunkType = "usage_tick"
	ChunkTypeError         ChunkType = "error"
)

// ToolCallDelta is an incremental fragment of a tool call's arguments as
// they stream in.
type ToolCallDelta struct {
	Index        int
	ID           string
	Name         string
	ArgsFragment string
}

// Chunk is a single streamed event.
type Chunk struct {
	Type          ChunkType
	TextDelta     string
	ToolCallDelta *ToolCallDelta
	StopReason    string
	Usage         *TokenUsage
	RawUsage      []byte
	Err           error
}

// Streamer delivers Chunks for one in-flight streaming request.
type Streamer interface {
	// Recv returns the next Chunk, or io.EOF once the stream has ended
	// cleanly.
	Recv() (Chunk, error)
	Close() error
	// Metadata returns provider-specific metadata available only once the
	// stream has started (e.g. upstream request ID), empty before then.
	Metadata() map[string]string
}

// Client is the single contract every upstream provider adapter
// implements.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Stream(ctx context.Context, req Request) (Streamer, error)
	// CountTokens estimates token count for text under the given model,
	// without dispatching a completion.
	CountTokens(ctx context.Context, model, text string) (int, error)
}

// EmbedRequest is the canonical POST /v1/embeddings body: one model, one
// or more input strings batched in a single upstream call.
type EmbedRequest struct {
	Model string
	Input []string
}

// EmbedResponse carries one vector per EmbedRequest.Input entry, in the
// same order, plus the usage consumed producing them. Embeddings have no
// output-token cost, only input (cost.Compute is still used, with
// Usage.OutputTokens left at zero).
type EmbedResponse struct {
	Model    string
	Vectors  [][]float64
	Usage    TokenUsage
	RawUsage []byte
}

// Embedder is an optional capability a Client may additionally implement
// when its upstream exposes an embeddings endpoint. Not every adapter in
// this gateway does (Anthropic's Messages API, Bedrock's Converse API, and
// this gateway's Gemini adapter's generateContent surface carry no
// embeddings path), so httpapi type-asserts for it rather than requiring
// it on Client itself.
type Embedder interface {
	Embed(ctx context.Context, req EmbedRequest) (EmbedResponse, error)
}
