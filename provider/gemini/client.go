// Package gemini adapts provider.Client onto the Google Gemini
// generateContent REST API, talking to it directly with net/http and a
// buffered SSE scanner for streaming.
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vllora/gateway/provider"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Client implements provider.Client against the Gemini REST API.
type Client struct {
	apiKey       string
	defaultModel string
	baseURL      string
	http         *http.Client
}

var _ provider.Client = (*Client)(nil)

// New constructs a Client. baseURL defaults to the public Gemini endpoint
// when empty, so tests can point it at an httptest.Server instead.
func New(apiKey, defaultModel, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{apiKey: apiKey, defaultModel: defaultModel, baseURL: baseURL, http: &http.Client{}}
}

type genContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []genPart `json:"parts"`
}

type genPart struct {
	Text             string       `json:"text,omitempty"`
	FunctionCall     *genFuncCall `json:"functionCall,omitempty"`
	FunctionResponse *genFuncResp `json:"functionResponse,omitempty"`
}

type genFuncCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type genFuncResp struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type genRequest struct {
	Contents          []genContent `json:"contents"`
	SystemInstruction *genContent  `json:"systemInstruction,omitempty"`
	Tools             []genTool    `json:"tools,omitempty"`
	GenerationConfig  genGenConfig `json:"generationConfig,omitempty"`
}

type genTool struct {
	FunctionDeclarations []genFuncDecl `json:"functionDeclarations"`
}

type genFuncDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type genGenConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type genResponse struct {
	Candidates []struct {
		Content      genContent `json:"content"`
		FinishReason string     `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (c *Client) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	modelID, body, err := c.buildRequest(req)
	if err != nil {
		return provider.Response{}, err
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, modelID, c.apiKey)
	payload, err := json.Marshal(body)
	if err != nil {
		return provider.Response{}, fmt.Errorf("gemini: marshal request: %w", err)
	}
	resp, err := c.post(ctx, url, payload, req.RetriesLeft)
	if err != nil {
		return provider.Response{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return provider.Response{}, httpErr(resp)
	}
	var gr genResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return provider.Response{}, fmt.Errorf("gemini: decode response: %w", err)
	}
	return translateResponse(modelID, gr)
}

func (c *Client) Stream(ctx context.Context, req provider.Request) (provider.Streamer, error) {
	modelID, body, err := c.buildRequest(req)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", c.baseURL, modelID, c.apiKey)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}
	resp, err := c.post(ctx, url, payload, req.RetriesLeft)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, httpErr(resp)
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 16*1024*1024), 16*1024*1024)
	return &streamer{body: resp.Body, scanner: scanner, modelID: modelID}, nil
}

func (c *Client) CountTokens(ctx context.Context, model, text string) (int, error) {
	return (len(text) + 3) / 4, nil
}

// post issues the request, retrying connection errors, 429, and 5xx up to
// retries times with a short backoff. Retries only ever cover the time
// before a 200 arrives; an established stream is never replayed.
func (c *Client) post(ctx context.Context, url string, payload []byte, retries int) (*http.Response, error) {
	for {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("gemini: create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, doErr := c.http.Do(httpReq)
		if doErr == nil && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
			return resp, nil
		}
		if retries <= 0 {
			if doErr != nil {
				return nil, fmt.Errorf("gemini: request failed: %w", doErr)
			}
			return resp, nil
		}
		retries--
		if doErr == nil {
			_ = resp.Body.Close()
		}
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) buildRequest(req provider.Request) (string, genRequest, error) {
	if len(req.Messages) == 0 {
		return "", genRequest{}, fmt.Errorf("gemini: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	var system *genContent
	var contents []genContent
	for _, m := range req.Messages {
		if m.Role == provider.RoleSystem {
			parts := textParts(m.Parts)
			if len(parts) > 0 {
				system = &genContent{Parts: parts}
			}
			continue
		}
		role := "user"
		if m.Role == provider.RoleAssistant {
			role = "model"
		}
		var parts []genPart
		for _, p := range m.Parts {
			switch v := p.(type) {
			case provider.TextPart:
				if v.Text != "" {
					parts = append(parts, genPart{Text: v.Text})
				}
			case provider.ToolUsePart:
				var args map[string]any
				_ = json.Unmarshal(v.Input, &args)
				parts = append(parts, genPart{FunctionCall: &genFuncCall{Name: v.Name, Args: args}})
			case provider.ToolResultPart:
				parts = append(parts, genPart{FunctionResponse: &genFuncResp{
					Name:     v.ToolUseID,
					Response: map[string]any{"content": v.Content},
				}})
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, genContent{Role: role, Parts: parts})
	}
	if len(contents) == 0 {
		return "", genRequest{}, fmt.Errorf("gemini: at least one user/model message is required")
	}

	var tools []genTool
	if len(req.Tools) > 0 {
		decls := make([]genFuncDecl, 0, len(req.Tools))
		for _, def := range req.Tools {
			var schema map[string]any
			_ = json.Unmarshal(def.Schema, &schema)
			decls = append(decls, genFuncDecl{Name: def.Name, Description: def.Description, Parameters: schema})
		}
		tools = []genTool{{FunctionDeclarations: decls}}
	}

	cfg := genGenConfig{MaxOutputTokens: req.MaxTokens}
	if req.Temperature != nil {
		cfg.Temperature = req.Temperature
	}

	return modelID, genRequest{
		Contents:          contents,
		SystemInstruction: system,
		Tools:             tools,
		GenerationConfig:  cfg,
	}, nil
}

func textParts(parts []provider.Part) []genPart {
	var out []genPart
	for _, p := range parts {
		if v, ok := p.(provider.TextPart); ok && v.Text != "" {
			out = append(out, genPart{Text: v.Text})
		}
	}
	return out
}

func translateResponse(modelID string, gr genResponse) (provider.Response, error) {
	if len(gr.Candidates) == 0 {
		return provider.Response{}, fmt.Errorf("gemini: no candidates returned")
	}
	cand := gr.Candidates[0]
	var parts []provider.Part
	for _, p := range cand.Content.Parts {
		if p.Text != "" {
			parts = append(parts, provider.TextPart{Text: p.Text})
		}
		if p.FunctionCall != nil {
			input, _ := json.Marshal(p.FunctionCall.Args)
			parts = append(parts, provider.ToolUsePart{Name: p.FunctionCall.Name, Input: input})
		}
	}
	rawUsage, _ := json.Marshal(gr.UsageMetadata)
	return provider.Response{
		Model:      modelID,
		Message:    provider.Message{Role: provider.RoleAssistant, Parts: parts},
		StopReason: cand.FinishReason,
		Usage: provider.TokenUsage{
			InputTokens:  gr.UsageMetadata.PromptTokenCount,
			OutputTokens: gr.UsageMetadata.CandidatesTokenCount,
		},
		RawUsage: rawUsage,
	}, nil
}

func httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: gemini status %d: %s", provider.ErrRateLimited, resp.StatusCode, string(body))
	}
	return fmt.Errorf("gemini: status %d: %s", resp.StatusCode, string(body))
}

type streamer struct {
	body       io.ReadCloser
	scanner    *bufio.Scanner
	modelID    string
	pendingEnd *provider.Chunk
}

// Recv translates one SSE event at a time. The final Gemini event carries
// both the last text part and the finishReason/usage, so an End chunk built
// from it is held pending while the text delta is returned first.
func (s *streamer) Recv() (provider.Chunk, error) {
	if s.pendingEnd != nil {
		end := *s.pendingEnd
		s.pendingEnd = nil
		return end, nil
	}
	for s.scanner.Scan() {
		line := s.scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "" {
			continue
		}
		var gr genResponse
		if err := json.Unmarshal([]byte(data), &gr); err != nil {
			continue
		}
		if len(gr.Candidates) == 0 {
			continue
		}
		cand := gr.Candidates[0]
		var end *provider.Chunk
		if cand.FinishReason != "" {
			rawUsage, _ := json.Marshal(gr.UsageMetadata)
			end = &provider.Chunk{
				Type:       provider.ChunkTypeEnd,
				StopReason: cand.FinishReason,
				Usage: &provider.TokenUsage{
					InputTokens:  gr.UsageMetadata.PromptTokenCount,
					OutputTokens: gr.UsageMetadata.CandidatesTokenCount,
				},
				RawUsage: rawUsage,
			}
		}
		for _, p := range cand.Content.Parts {
			if p.Text != "" {
				s.pendingEnd = end
				return provider.Chunk{Type: provider.ChunkTypeContentDelta, TextDelta: p.Text}, nil
			}
		}
		if end != nil {
			return *end, nil
		}
	}
	if err := s.scanner.Err(); err != nil {
		return provider.Chunk{}, fmt.Errorf("gemini: stream scan: %w", err)
	}
	return provider.Chunk{}, io.EOF
}

func (s *streamer) Close() error                { return s.body.Close() }
func (s *streamer) Metadata() map[string]string { return nil }
