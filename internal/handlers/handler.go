package handlers

import (
	"net/http"

	"github.com/asakaida/kiroku/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Handler exposes the schema and instance services as JSON endpoints.
type Handler struct {
	schema    services.SchemaServiceInterface
	instances services.InstanceServiceInterface
	resolver  services.OptionResolverInterface
	logger    *zap.Logger
}

// NewHandler creates a new Handler
func NewHandler(
	schema services.SchemaServiceInterface,
	instances services.InstanceServiceInterface,
	resolver services.OptionResolverInterface,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		schema:    schema,
		instances: instances,
		resolver:  resolver,
		logger:    logger,
	}
}

// Routes returns the API router.
func (h *Handler) Routes(extra ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	for _, m := range extra {
		r.Use(m)
	}

	r.Get("/healthz", h.health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/definitions", func(r chi.Router) {
			r.Get("/", h.listDefinitions)
			r.Post("/", h.createDefinition)
			r.Route("/{definitionID}", func(r chi.Router) {
				r.Get("/", h.getDefinition)
				r.Put("/", h.updateDefinition)
				r.Delete("/", h.deleteDefinition)
				r.Post("/fields", h.createField)
				r.Get("/options", h.resolveOptions)
				r.Route("/projects/{project}/instances", func(r chi.Router) {
					r.Get("/", h.listInstances)
					r.Post("/", h.createInstance)
				})
			})
		})
		r.Route("/fields/{fieldID}", func(r chi.Router) {
			r.Put("/", h.updateField)
			r.Delete("/", h.deleteField)
		})
		r.Route("/instances/{instanceID}", func(r chi.Router) {
			r.Get("/", h.getInstance)
			r.Patch("/", h.updateInstance)
			r.Delete("/", h.deleteInstance)
		})
	})

	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
