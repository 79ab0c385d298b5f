package tracing

import "encoding/json"

// Attributes is the typed view over a span's JSON attribute bag. Known
// vocabulary gets typed accessors; anything else rides in Extra so the
// store's "attribute" JSON column still round-trips keys this version of
// the gateway doesn't know about.
type Attributes struct {
	Request       json.RawMessage `json:"request,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	Usage         *Usage          `json:"usage,omitempty"`
	RawUsage      json.RawMessage `json:"raw_usage,omitempty"`
	Cost          *float64        `json:"cost,omitempty"`
	TTFTMicros    *uint64         `json:"ttft,omitempty"`
	Model         string          `json:"model,omitempty"`
	ProviderName  string          `json:"provider_name,omitempty"`
	RetriesLeft   *int            `json:"retries_left,omitempty"`
	Tags          []string        `json:"tags,omitempty"`
	Error         *ErrorInfo      `json:"error,omitempty"`
	MessageID     string          `json:"message_id,omitempty"`
	Title         string          `json:"title,omitempty"`
	Label         string          `json:"label,omitempty"`
	DroppedEvents *int            `json:"dropped_events,omitempty"`

	Extra map[string]any `json:"-"`
}

// ErrorInfo is the structured error recorded on a span when a request or
// stream fails; Code matches an apierr.Kind code slug (e.g.
// "receiver_dropped", "client_disconnected") so downstream consumers can
// filter by json_extract(attribute, '$.error.code') without parsing prose.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Usage is the gateway's normalized token usage, distinct from RawUsage,
// which preserves the provider's verbatim payload so consumers can
// cross-check normalization.
type Usage struct {
	InputTokens       int `json:"input"`
	OutputTokens      int `json:"output"`
	CachedInputTokens int `json:"cached_input,omitempty"`
	CachedWriteTokens int `json:"cached_write,omitempty"`
}

// Set stores an arbitrary key into Extra, for attributes that don't have a
// typed field (custom tags, experiment-specific metadata).
func (a *Attributes) Set(key string, value any) {
	if a.Extra == nil {
		a.Extra = make(map[string]any)
	}
	a.Extra[key] = value
}

// MarshalJSON merges the typed fields with Extra into one flat JSON object,
// so the stored attribute column is queryable by both known and ad hoc
// keys uniformly.
func (a Attributes) MarshalJSON() ([]byte, error) {
	type alias Attributes
	base, err := json.Marshal(alias(a))
	if err != nil {
		return nil, err
	}
	if len(a.Extra) == 0 {
		return base, nil
	}
	merged := map[string]any{}
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range a.Extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}
