package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/wiremesh/chatcore/core"
	"github.com/wiremesh/chatcore/internal/bus"
	"github.com/wiremesh/chatcore/internal/channelsvc"
	"github.com/wiremesh/chatcore/internal/dispatcher"
	"github.com/wiremesh/chatcore/internal/jobs"
	"github.com/wiremesh/chatcore/internal/persistence"
	"github.com/wiremesh/chatcore/internal/security"
	"github.com/wiremesh/chatcore/internal/session"
)

// MediaStore is the narrow storage surface upload-media needs once
// validation passes. Actual media persistence is out of scope per
// spec §1; httpapi only validates and hands the accepted bytes off.
type MediaStore interface {
	Store(channelID, filename string, size int64, contentType string, body []byte) (url string, err error)
}

// Deps bundles every collaborator the HTTP surface needs. AgentRuntime
// and MediaStore may be nil: a nil AgentRuntime falls back to
// echoAgentRuntime, a nil MediaStore makes upload-media fail closed with
// CodeRuntimeError after validation succeeds.
type Deps struct {
	Store           persistence.Store
	Channels        *channelsvc.Service
	Sessions        *session.Manager
	Jobs            *jobs.Router
	Socket          http.Handler
	Bus             *bus.Bus
	Limiters        *security.Limiters
	ChannelFailures *security.ChannelIDFailureCounter
	Config          core.Config
	Logger          core.Logger
	AgentRuntime    dispatcher.AgentRuntime
	MediaStore      MediaStore
	CurrentServerID string
}

// API holds the dependencies every handler closes over.
type API struct {
	deps Deps
}

// NewRouter builds the full chi.Mux: middleware chain, every canonical
// route in spec §6, the websocket upgrade endpoint, and the deprecated
// alias forwarders.
func NewRouter(deps Deps) *chi.Mux {
	if deps.Logger == nil {
		deps.Logger = &core.NoOpLogger{}
	}
	if cal, ok := deps.Logger.(core.ComponentAwareLogger); ok {
		deps.Logger = cal.WithComponent("httpapi")
	}
	if deps.AgentRuntime == nil {
		deps.AgentRuntime = echoAgentRuntime{}
	}
	if deps.Limiters == nil {
		deps.Limiters = security.NewLimiters(deps.Config, deps.Logger)
	}
	if deps.ChannelFailures == nil {
		deps.ChannelFailures = security.NewChannelIDFailureCounter(
			deps.Config.ChannelIDFailureThreshold,
			time.Duration(deps.Config.ChannelIDFailureWindowSeconds)*time.Second,
		)
	}

	api := &API{deps: deps}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(security.HeadersMiddleware(headersConfig(deps.Config)))
	r.Use(security.APIKeyMiddleware(deps.Config.ServerAuthToken))

	r.With(deps.Limiters.HealthMiddleware).Get("/healthz", api.handleLiveness)

	r.Group(func(r chi.Router) {
		r.Use(deps.Limiters.GeneralMiddleware)

		api.mountChannels(r)
		api.mountServers(r)
		api.mountSessions(r)
		api.mountJobs(r)
	})

	r.With(deps.Limiters.UploadMiddleware).Post("/channels/{channelID}/upload-media", api.handleUploadMedia)

	if deps.Socket != nil {
		r.Handle("/ws", deps.Socket)
	}

	api.mountDeprecatedAliases(r)

	return r
}

func headersConfig(cfg core.Config) security.HeadersConfig {
	origins := corsOrigins(cfg)
	return security.HeadersConfig{
		CORS: security.CORSConfig{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "Authorization", "X-API-Key"},
			AllowCredentials: true,
			MaxAgeSeconds:    600,
		},
	}
}

func corsOrigins(cfg core.Config) []string {
	var origins []string
	for _, o := range []string{cfg.CORSOrigin, cfg.APICORSOrigin} {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func (api *API) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}
