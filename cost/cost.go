// Package cost computes per-request and per-trace spend from normalized
// token usage and a model's pricing table, turning the TokenUsage
// accounting carried on the canonical provider.Response/Chunk into dollar
// amounts.
package cost

// Pricing holds per-million-token prices for one model, in USD.
type Pricing struct {
	InputPerMToken       float64
	OutputPerMToken      float64
	CachedInputPerMToken float64
	CachedWritePerMToken float64
}

// Usage is the normalized token count for one request, mirroring
// provider.TokenUsage so this package doesn't need to import provider.
type Usage struct {
	InputTokens       int
	OutputTokens      int
	CachedInputTokens int
	CachedWriteTokens int
}

// Breakdown itemizes how a total cost was computed.
type Breakdown struct {
	Input       float64
	Output      float64
	CachedInput float64
	CachedWrite float64
	Total       float64
}

// Compute returns the dollar cost of usage under pricing.
func Compute(pricing Pricing, usage Usage) Breakdown {
	b := Breakdown{
		Input:       float64(usage.InputTokens) / 1_000_000 * pricing.InputPerMToken,
		Output:      float64(usage.OutputTokens) / 1_000_000 * pricing.OutputPerMToken,
		CachedInput: float64(usage.CachedInputTokens) / 1_000_000 * pricing.CachedInputPerMToken,
		CachedWrite: float64(usage.CachedWriteTokens) / 1_000_000 * pricing.CachedWritePerMToken,
	}
	b.Total = b.Input + b.Output + b.CachedInput + b.CachedWrite
	return b
}

// Aggregator accumulates usage across streaming chunks. Cost is computed
// exactly once, when the stream closes, rather than incrementally per
// chunk.
type Aggregator struct {
	pricing Pricing
	usage   Usage
}

// NewAggregator constructs an Aggregator for the given model's pricing.
func NewAggregator(pricing Pricing) *Aggregator {
	return &Aggregator{pricing: pricing}
}

// Add folds one chunk's incremental usage (if any) into the running total.
func (a *Aggregator) Add(u *Usage) {
	if u == nil {
		return
	}
	a.usage.InputTokens += u.InputTokens
	a.usage.OutputTokens += u.OutputTokens
	a.usage.CachedInputTokens += u.CachedInputTokens
	a.usage.CachedWriteTokens += u.CachedWriteTokens
}

// Usage returns the accumulated usage so far.
func (a *Aggregator) Usage() Usage { return a.usage }

// Finish computes the final Breakdown over all accumulated usage.
func (a *Aggregator) Finish() Breakdown {
	return Compute(a.pricing, a.usage)
}
