package provider

import "github.com/vllora/gateway/apierr"

// Shared sentinels, built on apierr so every adapter reports the same
// well-known failure modes the same way.
var (
	ErrRateLimited           = apierr.New(apierr.KindRateLimited, "provider_rate_limited", "the upstream provider rate-limited this request")
	ErrStreamingUnsupported  = apierr.New(apierr.KindBadRequest, "streaming_unsupported", "the requested model does not support streaming")
	ErrEmbeddingsUnsupported = apierr.New(apierr.KindBadRequest, "embeddings_unsupported", "the selected model's provider does not support embeddings")
)
