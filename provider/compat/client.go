// Package compat adapts provider.Client onto any OpenAI-wire-compatible
// chat completions endpoint (OpenRouter, Groq, Together, vLLM, etc).
package compat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vllora/gateway/provider"
)

// Client implements provider.Client against any OpenAI-compatible
// /chat/completions endpoint.
type Client struct {
	apiKey       string
	defaultModel string
	baseURL      string
	http         *http.Client
}

var _ provider.Client = (*Client)(nil)
var _ provider.Embedder = (*Client)(nil)

// New constructs a Client. baseURL is the API root (e.g.
// "https://openrouter.ai/api/v1"); "/chat/completions" is appended
// automatically.
func New(apiKey, defaultModel, baseURL string) *Client {
	return &Client{apiKey: apiKey, defaultModel: defaultModel, baseURL: baseURL, http: &http.Client{}}
}

type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function toolCallFunc `json:"function"`
}

type toolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatToolFunc `json:"function"`
}

type chatToolFunc struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type chatRequest struct {
	Model         string        `json:"model"`
	Messages      []chatMessage `json:"messages"`
	Tools         []chatTool    `json:"tools,omitempty"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	Temperature   *float64      `json:"temperature,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
	StreamOptions *streamOpts   `json:"stream_options,omitempty"`
}

type streamOpts struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage usage `json:"usage"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content   string     `json:"content"`
			ToolCalls []toolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage usage `json:"usage"`
}

func (c *Client) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	body := c.buildBody(req)
	resp, err := c.sendWithRetry(ctx, body, req.RetriesLeft)
	if err != nil {
		return provider.Response{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return provider.Response{}, httpErr(resp)
	}
	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return provider.Response{}, fmt.Errorf("compat: decode response: %w", err)
	}
	return translateResponse(cr)
}

func (c *Client) Stream(ctx context.Context, req provider.Request) (provider.Streamer, error) {
	body := c.buildBody(req)
	body.Stream = true
	body.StreamOptions = &streamOpts{IncludeUsage: true}
	resp, err := c.sendWithRetry(ctx, body, req.RetriesLeft)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, httpErr(resp)
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	return &streamer{body: resp.Body, scanner: scanner}, nil
}

// sendWithRetry retries transient failures (connection errors, 429, 5xx)
// up to retries times before the request begins streaming; once a 200
// arrives the stream is never replayed. A 429's Retry-After header is
// honored when parseable, otherwise a short fixed backoff applies.
func (c *Client) sendWithRetry(ctx context.Context, body chatRequest, retries int) (*http.Response, error) {
	for {
		resp, err := c.sendHTTP(ctx, body)
		if err == nil && !transientStatus(resp.StatusCode) {
			return resp, nil
		}
		if retries <= 0 {
			return resp, err
		}
		retries--
		delay := 500 * time.Millisecond
		if err == nil {
			if ra, parseErr := strconv.Atoi(resp.Header.Get("Retry-After")); parseErr == nil && ra > 0 {
				delay = time.Duration(ra) * time.Second
			}
			_ = resp.Body.Close()
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func transientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func (c *Client) CountTokens(ctx context.Context, model, text string) (int, error) {
	return (len(text) + 3) / 4, nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Usage usage `json:"usage"`
}

// Embed implements provider.Embedder against any OpenAI-compatible
// /embeddings endpoint, mirroring Complete's request/response shape.
func (c *Client) Embed(ctx context.Context, req provider.EmbedRequest) (provider.EmbedResponse, error) {
	if len(req.Input) == 0 {
		return provider.EmbedResponse{}, fmt.Errorf("compat: embeddings input is required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	payload, err := json.Marshal(embeddingRequest{Model: modelID, Input: req.Input})
	if err != nil {
		return provider.EmbedResponse{}, fmt.Errorf("compat: marshal embeddings request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return provider.EmbedResponse{}, fmt.Errorf("compat: create embeddings request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return provider.EmbedResponse{}, fmt.Errorf("compat: embeddings request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return provider.EmbedResponse{}, httpErr(resp)
	}
	var er embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return provider.EmbedResponse{}, fmt.Errorf("compat: decode embeddings response: %w", err)
	}
	vectors := make([][]float64, len(req.Input))
	for _, d := range er.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			continue
		}
		vectors[d.Index] = d.Embedding
	}
	rawUsage, _ := json.Marshal(er.Usage)
	return provider.EmbedResponse{
		Model:    er.Model,
		Vectors:  vectors,
		Usage:    provider.TokenUsage{InputTokens: er.Usage.PromptTokens},
		RawUsage: rawUsage,
	}, nil
}

func (c *Client) buildBody(req provider.Request) chatRequest {
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	body := chatRequest{Model: modelID, MaxTokens: req.MaxTokens, Temperature: req.Temperature}
	for _, m := range req.Messages {
		var role string
		switch m.Role {
		case provider.RoleSystem:
			role = "system"
		case provider.RoleUser:
			role = "user"
		case provider.RoleAssistant:
			role = "assistant"
		case provider.RoleTool:
			role = "tool"
		}
		cm := chatMessage{Role: role, Content: flattenText(m.Parts)}
		for _, p := range m.Parts {
			if v, ok := p.(provider.ToolResultPart); ok {
				cm.ToolCallID = v.ToolUseID
			}
			if v, ok := p.(provider.ToolUsePart); ok {
				cm.ToolCalls = append(cm.ToolCalls, toolCall{
					ID: v.ID, Type: "function",
					Function: toolCallFunc{Name: v.Name, Arguments: string(v.Input)},
				})
			}
		}
		body.Messages = append(body.Messages, cm)
	}
	for _, def := range req.Tools {
		var schema map[string]any
		_ = json.Unmarshal(def.Schema, &schema)
		body.Tools = append(body.Tools, chatTool{
			Type:     "function",
			Function: chatToolFunc{Name: def.Name, Description: def.Description, Parameters: schema},
		})
	}
	return body
}

func flattenText(parts []provider.Part) string {
	var out string
	for _, p := range parts {
		if v, ok := p.(provider.TextPart); ok {
			out += v.Text
		}
	}
	return out
}

func (c *Client) sendHTTP(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("compat: marshal request: %w", err)
	}
	url := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("compat: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return c.http.Do(httpReq)
}

func httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: compat status %d: %s", provider.ErrRateLimited, resp.StatusCode, string(body))
	}
	return fmt.Errorf("compat: status %d: %s", resp.StatusCode, string(body))
}

func translateResponse(cr chatResponse) (provider.Response, error) {
	if len(cr.Choices) == 0 {
		return provider.Response{}, fmt.Errorf("compat: no choices returned")
	}
	choice := cr.Choices[0]
	var parts []provider.Part
	if choice.Message.Content != "" {
		parts = append(parts, provider.TextPart{Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
		parts = append(parts, provider.ToolUsePart{ID: tc.ID, Name: tc.Function.Name, Input: []byte(tc.Function.Arguments)})
	}
	rawUsage, _ := json.Marshal(cr.Usage)
	return provider.Response{
		Model:      cr.Model,
		Message:    provider.Message{Role: provider.RoleAssistant, Parts: parts},
		StopReason: choice.FinishReason,
		Usage:      provider.TokenUsage{InputTokens: cr.Usage.PromptTokens, OutputTokens: cr.Usage.CompletionTokens},
		RawUsage:   rawUsage,
	}, nil
}

type streamer struct {
	body        io.ReadCloser
	scanner     *bufio.Scanner
	pendingStop string
	done        bool
}

// Recv holds the finish_reason back until the trailing usage chunk (sent
// after it when stream_options.include_usage is set) so End is always the
// last chunk and carries the final usage, matching the canonical contract.
func (s *streamer) Recv() (provider.Chunk, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "" {
			continue
		}
		if data == "[DONE]" {
			return s.finish()
		}
		var cc chatChunk
		if err := json.Unmarshal([]byte(data), &cc); err != nil {
			continue
		}
		if len(cc.Choices) == 0 {
			if cc.Usage.CompletionTokens > 0 || cc.Usage.PromptTokens > 0 {
				rawUsage, _ := json.Marshal(cc.Usage)
				usage := &provider.TokenUsage{InputTokens: cc.Usage.PromptTokens, OutputTokens: cc.Usage.CompletionTokens}
				if s.pendingStop != "" {
					s.done = true
					return provider.Chunk{Type: provider.ChunkTypeEnd, StopReason: s.pendingStop, Usage: usage, RawUsage: rawUsage}, nil
				}
				return provider.Chunk{Type: provider.ChunkTypeUsageTick, Usage: usage, RawUsage: rawUsage}, nil
			}
			continue
		}
		choice := cc.Choices[0]
		if choice.FinishReason != "" {
			s.pendingStop = choice.FinishReason
			continue
		}
		if len(choice.Delta.ToolCalls) > 0 {
			tc := choice.Delta.ToolCalls[0]
			return provider.Chunk{Type: provider.ChunkTypeToolCallDelta, ToolCallDelta: &provider.ToolCallDelta{
				ID: tc.ID, Name: tc.Function.Name, ArgsFragment: tc.Function.Arguments,
			}}, nil
		}
		if choice.Delta.Content != "" {
			return provider.Chunk{Type: provider.ChunkTypeContentDelta, TextDelta: choice.Delta.Content}, nil
		}
	}
	if err := s.scanner.Err(); err != nil {
		return provider.Chunk{}, fmt.Errorf("compat: stream scan: %w", err)
	}
	return s.finish()
}

func (s *streamer) finish() (provider.Chunk, error) {
	if s.pendingStop != "" && !s.done {
		s.done = true
		return provider.Chunk{Type: provider.ChunkTypeEnd, StopReason: s.pendingStop}, nil
	}
	return provider.Chunk{}, io.EOF
}

func (s *streamer) Close() error                { return s.body.Close() }
func (s *streamer) Metadata() map[string]string { return nil }
