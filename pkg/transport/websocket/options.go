package websocket

import (
	"net/http"
	"slices"

	"golang.org/x/time/rate"

	"github.com/HMasataka/chathub/internal/config"
	"github.com/HMasataka/chathub/internal/eventbus"
	"github.com/HMasataka/chathub/internal/logging"
	"github.com/HMasataka/chathub/pkg/domain"
)

// ServerOptions represents websocket server options
type ServerOptions struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
	Hub             domain.Hub
	Auth            domain.AuthResolver
	Logger          *logging.Logger
	EventBus        eventbus.Publisher
	Client          ClientOptions
}

// ServerOption is a function that configures ServerOptions
type ServerOption func(*ServerOptions)

// WithHub sets the hub for the server
func WithHub(hub domain.Hub) ServerOption {
	return func(o *ServerOptions) {
		o.Hub = hub
	}
}

// WithAuth sets the resolver used to authenticate connection tokens
func WithAuth(auth domain.AuthResolver) ServerOption {
	return func(o *ServerOptions) {
		o.Auth = auth
	}
}

// WithLogger sets the logger for the server
func WithLogger(logger *logging.Logger) ServerOption {
	return func(o *ServerOptions) {
		o.Logger = logger
	}
}

// WithEventBus sets the event bus for the server
func WithEventBus(eventBus eventbus.Publisher) ServerOption {
	return func(o *ServerOptions) {
		o.EventBus = eventBus
	}
}

// WithCheckOrigin sets the check origin function
func WithCheckOrigin(checkOrigin func(r *http.Request) bool) ServerOption {
	return func(o *ServerOptions) {
		o.CheckOrigin = checkOrigin
	}
}

// WithAllowedOrigins accepts upgrades only from the listed origins.
// Requests without an Origin header (non-browser clients) are accepted.
func WithAllowedOrigins(origins []string) ServerOption {
	return WithCheckOrigin(func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(origins, "*") || slices.Contains(origins, origin)
	})
}

// WithClientOptions sets the options every accepted connection gets
func WithClientOptions(options ClientOptions) ServerOption {
	return func(o *ServerOptions) {
		o.Client = options
	}
}

// ClientOptionsFromConfig maps hub configuration onto connection options.
func ClientOptionsFromConfig(cfg config.HubConfig) ClientOptions {
	limit := rate.Inf
	if cfg.RateLimit.PerSecond > 0 {
		limit = rate.Limit(cfg.RateLimit.PerSecond)
	}

	return ClientOptions{
		WriteTimeout:      cfg.WriteTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		PingInterval:      cfg.PingInterval,
		IdleTimeout:       cfg.IdleTimeout,
		MaxMessageSize:    cfg.MaxFrameSize,
		SendBufferSize:    cfg.SendBufferSize,
		MaxQueuedFrames:   cfg.SendBufferSize * 4,
		SlowConsumerGrace: cfg.SlowConsumerGrace,
		RateLimit:         limit,
		RateBurst:         cfg.RateLimit.Burst,
	}
}
