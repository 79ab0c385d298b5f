// Command gatewayd is the gateway's composition root: it loads
// configuration, wires the span store, tracer, event bus, provider
// adapters, interceptor chain, conditional router, breakpoint manager, and
// pipeline, and serves the httpapi transport over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/vllora/gateway/breakpoint"
	"github.com/vllora/gateway/cost"
	"github.com/vllora/gateway/hooks"
	"github.com/vllora/gateway/httpapi"
	"github.com/vllora/gateway/idempotency"
	"github.com/vllora/gateway/interceptor"
	"github.com/vllora/gateway/interceptor/ratelimit"
	"github.com/vllora/gateway/internal/config"
	"github.com/vllora/gateway/pipeline"
	"github.com/vllora/gateway/provider"
	"github.com/vllora/gateway/provider/anthropic"
	"github.com/vllora/gateway/provider/bedrock"
	"github.com/vllora/gateway/provider/compat"
	"github.com/vllora/gateway/provider/gemini"
	"github.com/vllora/gateway/provider/openai"
	"github.com/vllora/gateway/router"
	"github.com/vllora/gateway/telemetry"
	"github.com/vllora/gateway/tracing"
	"github.com/vllora/gateway/tracing/store"
	"github.com/vllora/gateway/tracing/store/postgres"
	"github.com/vllora/gateway/tracing/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfgPath := os.Getenv("GATEWAY_CONFIG_FILE")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("gatewayd: load config: %w", err)
	}

	logger := telemetry.NewClue()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Install a real tracer provider so the tracing package's parallel
	// OTEL spans reach whatever exporter the environment configures; with
	// none configured the provider is a cheap in-process no-op.
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("gatewayd: open span store: %w", err)
	}
	defer func() { _ = st.Close() }()

	bus := hooks.NewBus()
	tracer := tracing.New(st, bus, logger)
	bp := breakpoint.NewManager()

	providers, err := buildProviders(ctx, cfg.Providers)
	if err != nil {
		return fmt.Errorf("gatewayd: build providers: %w", err)
	}

	models := make(map[string]pipeline.ModelInfo, len(cfg.Models))
	catalog := make([]store.ModelDescriptor, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		models[m.Name] = pipeline.ModelInfo{
			Provider: m.Provider,
			Pricing: cost.Pricing{
				InputPerMToken:       m.InputPricePerMToken,
				OutputPerMToken:      m.OutputPricePerMToken,
				CachedInputPerMToken: m.CachedInputPrice,
				CachedWritePerMToken: m.CachedInputWritePrice,
			},
		}
		catalog = append(catalog, store.ModelDescriptor{
			Name: m.Name, Provider: m.Provider,
			InputPricePerMToken: m.InputPricePerMToken, OutputPricePerMToken: m.OutputPricePerMToken,
			CachedInputPrice: m.CachedInputPrice, CachedInputWritePrice: m.CachedInputWritePrice,
			SupportsStreaming: m.SupportsStreaming,
		})
	}
	if len(models) == 0 {
		logger.Warn(ctx, "gatewayd: no models configured; every chat/responses request will fail model lookup")
	}

	routes, err := buildRoutes(cfg.Routes)
	if err != nil {
		return fmt.Errorf("gatewayd: build routes: %w", err)
	}
	rt := router.New(routes)

	rateLimitStage := ratelimit.New(ratelimit.Rule{
		EntityKind: ratelimit.EntityUserID,
		Target:     ratelimit.TargetInputTokens,
		Period:     ratelimit.PeriodMinute,
		Limit:      60000,
		Action:     ratelimit.ActionThrottle,
	})
	chain := interceptor.New(
		[]interceptor.PreStage{rateLimitStage},
		nil,
	)

	idem := buildIdempotencyStore(cfg)

	p := pipeline.New(tracer, bus, rt, chain, bp, providers, models, idem, logger)
	if metrics, err := telemetry.NewOtelMetrics(); err == nil {
		p.Metrics = metrics
	} else {
		logger.Warn(ctx, "gatewayd: metrics disabled", "error", err)
	}

	server := httpapi.NewServer(p, st, bp, httpapi.WithLogger(logger), httpapi.WithModels(catalog))

	httpServer := &http.Server{
		Addr:              cfg.BindAddress,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "gatewayd: listening", "addr", cfg.BindAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.SpanStoreDriver {
	case "postgres":
		return postgres.New(ctx, cfg.SpanStoreDSN)
	case "sqlite", "":
		st, err := sqlite.New(cfg.SpanStoreDSN)
		if err != nil {
			return nil, err
		}
		if err := st.Init(ctx); err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("gatewayd: unknown span store driver %q", cfg.SpanStoreDriver)
	}
}

func buildProviders(ctx context.Context, creds []config.ProviderCredential) (map[string]provider.Client, error) {
	clients := make(map[string]provider.Client, len(creds))
	for _, c := range creds {
		switch c.Kind {
		case "openai":
			client, err := openai.NewFromAPIKey(c.APIKey, c.DefaultModel)
			if err != nil {
				return nil, fmt.Errorf("provider %q: %w", c.Name, err)
			}
			clients[c.Name] = client
		case "anthropic":
			client, err := anthropic.NewFromAPIKey(c.APIKey, c.DefaultModel)
			if err != nil {
				return nil, fmt.Errorf("provider %q: %w", c.Name, err)
			}
			clients[c.Name] = client
		case "gemini":
			clients[c.Name] = gemini.New(c.APIKey, c.DefaultModel, c.BaseURL)
		case "compat":
			clients[c.Name] = compat.New(c.APIKey, c.DefaultModel, c.BaseURL)
		case "bedrock":
			runtime, err := newBedrockRuntime(ctx, c)
			if err != nil {
				return nil, fmt.Errorf("provider %q: %w", c.Name, err)
			}
			client, err := bedrock.New(bedrock.Options{Runtime: runtime, DefaultModel: c.DefaultModel})
			if err != nil {
				return nil, fmt.Errorf("provider %q: %w", c.Name, err)
			}
			clients[c.Name] = client
		default:
			return nil, fmt.Errorf("provider %q: unknown kind %q", c.Name, c.Kind)
		}
	}
	return clients, nil
}

// newBedrockRuntime resolves AWS credentials from the ambient environment
// (the standard SDK chain), honoring an explicit region from the credential
// envelope when set.
func newBedrockRuntime(ctx context.Context, c config.ProviderCredential) (bedrock.RuntimeClient, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if c.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(c.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return bedrockruntime.NewFromConfig(awsCfg), nil
}

func buildRoutes(routes []config.RouteConfig) ([]router.Route, error) {
	out := make([]router.Route, 0, len(routes))
	for _, rc := range routes {
		var target router.Target
		switch {
		case rc.Model != "":
			target = router.SingleModel(rc.Model)
		case len(rc.AnyOf) > 0:
			target = router.AnyOf{Candidates: rc.AnyOf}
		default:
			return nil, fmt.Errorf("route %q: must set model or any_of", rc.Name)
		}
		out = append(out, router.Route{
			Name:      rc.Name,
			Predicate: compilePredicate(rc.When),
			Target:    target,
			Priority:  rc.Priority,
		})
	}
	return out, nil
}

// compilePredicate builds an And-of-Eq/In predicate from a route's `when`
// map: the "user_tier" key compiles to router.In (checked against
// MetadataView.UserTiers), every other key compiles to router.Eq against
// MetadataView.Variables.
func compilePredicate(when map[string]any) router.Predicate {
	if len(when) == 0 {
		return router.Always{}
	}
	var clauses router.And
	for field, value := range when {
		if field == "user_tier" {
			if tier, ok := value.(string); ok {
				clauses = append(clauses, router.In{Tier: tier})
				continue
			}
		}
		clauses = append(clauses, router.Eq{Field: field, Value: value})
	}
	return clauses
}

func buildIdempotencyStore(cfg config.Config) pipeline.IdempotencyStore {
	if cfg.RedisAddr == "" {
		return idempotency.NewInMemoryStore()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return idempotency.NewRedisStore(client, "")
}
