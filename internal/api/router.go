package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HMasataka/chathub/internal/logging"
	"github.com/HMasataka/chathub/internal/metrics"
	"github.com/HMasataka/chathub/pkg/chat"
	"github.com/HMasataka/chathub/pkg/domain"
	"github.com/HMasataka/chathub/pkg/transport/websocket"
)

// RouterOptions holds the collaborators served by the router.
type RouterOptions struct {
	Hub            *chat.Hub
	Auth           domain.AuthResolver
	WebSocket      *websocket.Server
	Logger         *logging.Logger
	AllowedOrigins []string
}

// NewRouter creates and configures the HTTP router.
func NewRouter(opts RouterOptions) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	r := chi.NewRouter()

	r.Use(metrics.Middleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(chimw.Recoverer)

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	h := NewHandler(opts.Hub)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.Health)
	r.Get("/stats", h.Stats)

	if opts.WebSocket != nil {
		r.Get("/ws", opts.WebSocket.ServeHTTP)
		r.Get("/ws/chat/{roomID}", opts.WebSocket.RoomHandler(func(req *http.Request) string {
			return chi.URLParam(req, "roomID")
		}).ServeHTTP)
	}

	r.Route("/api/rooms", func(r chi.Router) {
		r.Use(RequireAuth(opts.Auth))

		r.Post("/direct", h.CreateDirect)
		r.Post("/group", h.CreateGroup)
		r.Get("/{roomID}", h.GetRoom)
		r.Post("/{roomID}/members", h.AddMember)
		r.Delete("/{roomID}/members/{userID}", h.RemoveMember)
	})

	return r
}
