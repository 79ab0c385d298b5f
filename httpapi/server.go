package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vllora/gateway/breakpoint"
	"github.com/vllora/gateway/pipeline"
	"github.com/vllora/gateway/telemetry"
	"github.com/vllora/gateway/tracing/store"
)

// Option configures a Server, mirroring the functional-options
// construction style of sqlite.New.
type Option func(*Server)

// WithLogger sets the logger used for request-scoped error logging.
func WithLogger(log telemetry.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithModels sets the model catalog served by GET /v1/models.
func WithModels(models []store.ModelDescriptor) Option {
	return func(s *Server) { s.models = models }
}

// Server is the thin HTTP/SSE transport over one Pipeline, one span
// Store, and one breakpoint Manager. No dispatch logic lives here —
// every handler decodes a wire request, calls into pipeline/tracing/
// breakpoint, and encodes the result.
type Server struct {
	pipeline    *pipeline.Pipeline
	store       store.Store
	breakpoints *breakpoint.Manager
	models      []store.ModelDescriptor
	log         telemetry.Logger

	router chi.Router
}

// NewServer constructs a Server and mounts its routes.
func NewServer(p *pipeline.Pipeline, st store.Store, bp *breakpoint.Manager, opts ...Option) *Server {
	s := &Server{pipeline: p, store: st, breakpoints: bp, log: telemetry.NewNop()}
	for _, o := range opts {
		o(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", s.handleChatCompletions)
		r.Post("/embeddings", s.handleEmbeddings)
		r.Get("/models", s.handleListModels)
		r.Route("/responses", func(r chi.Router) {
			r.Post("/", s.handleCreateResponse)
		})
	})

	r.Get("/threads", s.handleListThreads)
	r.Post("/threads", s.handleListThreads) // pagination honored from the JSON body, see pagination.go

	r.Get("/spans", s.handleListSpans)

	r.Route("/breakpoints", func(r chi.Router) {
		r.Post("/arm", s.handleBreakpointArm)
		r.Get("/list", s.handleBreakpointList)
		r.Post("/resume", s.handleBreakpointResume)
		r.Get("/subscribe", s.handleBreakpointSubscribe)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }
