package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"speech-relay-service/internal/app"
	"speech-relay-service/internal/observability/logging"
	"speech-relay-service/internal/service/relay"
)

// NewRouter constructs the HTTP router for the service.
func NewRouter(application *app.Application) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if !application.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// API routes
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", statusHandler(application))
	})

	// Client audio streams
	r.Get("/ws/audio", relayHandler(application, relay.ModeSingle))
	r.Get("/ws/dual", relayHandler(application, relay.ModeDual))

	return r
}

type statusResponse struct {
	Service     string         `json:"service"`
	Provider    string         `json:"provider"`
	Ready       bool           `json:"ready"`
	StartedAt   time.Time      `json:"startedAt"`
	Sinks       []string       `json:"sinks"`
	ActiveCount int            `json:"activeCount"`
	Sessions    []relay.Status `json:"sessions"`
}

func statusHandler(a *app.Application) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		sessions := a.Registry.List()
		resp := statusResponse{
			Service:     a.Cfg.Service.Principal,
			Provider:    a.Cfg.STT.Provider,
			Ready:       a.Ready(),
			StartedAt:   a.StartupTime,
			Sinks:       a.Dispatcher.Sinks(),
			ActiveCount: len(sessions),
			Sessions:    sessions,
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// relayHandler upgrades the request and runs one relay on it until the
// client, the provider or the application ends it.
func relayHandler(a *app.Application, mode relay.Mode) http.HandlerFunc {
	log := logging.WithComponent("ingress")

	return func(w http.ResponseWriter, r *http.Request) {
		if !a.Ready() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		a.Metrics.RecordClientUpgrade(string(mode), err)
		if err != nil {
			// Upgrade has already replied with an HTTP error.
			log.Warn().Err(err).Str("mode", string(mode)).Msg("Websocket upgrade failed")
			return
		}

		q := r.URL.Query()
		index := q.Get("index_name")
		if index == "" {
			index = q.Get("context_key")
		}
		client := newWSClient(conn, a.Cfg.Relay.ClientWriteTTL)
		rl := relay.New(a.RelayConfig(mode, q.Get("role"), index), client, a.RelayDeps())

		a.Registry.Add(rl)
		defer a.Registry.Remove(rl.ID())

		log.Info().
			Str("sessionId", rl.ID()).
			Str("mode", string(mode)).
			Str("remote", r.RemoteAddr).
			Str("requestId", middleware.GetReqID(r.Context())).
			Msg("Client connected")

		// The hijacked request context is not cancelled on server shutdown.
		runErr := rl.Run(a.Context())

		code, reason := websocket.CloseNormalClosure, ""
		if runErr != nil {
			code, reason = websocket.CloseInternalServerErr, "provider connection failed"
		}
		if err := client.Close(code, reason); err != nil {
			log.Debug().Err(err).Str("sessionId", rl.ID()).Msg("Client close returned error")
		}
	}
}
