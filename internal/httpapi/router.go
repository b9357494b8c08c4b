package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/forgepad/nodeagent/internal/agenterr"
	"github.com/forgepad/nodeagent/internal/authgate"
	"github.com/forgepad/nodeagent/internal/enum"
	"github.com/forgepad/nodeagent/internal/realtime"
)

// Options configures NewRouter.
type Options struct {
	Controller       *Controller
	Gate             *authgate.Gate
	SSE              *realtime.SSEHandler
	Terminal         *realtime.TerminalHandler
	InternalAPIToken string
	MountTarget      string
	CORSOrigins      []string
	// OnAppDeleted is invoked when the control plane reports an app was
	// deleted (spec.md §4.8, "per-app cleanup hook").
	OnAppDeleted func(ctx context.Context, userID, appID string) error
}

// NewRouter builds the agent's HTTP surface (spec.md §6, SPEC_FULL.md §12):
// an unauthenticated loopback health check, a token-or-loopback port
// lookup for the nginx gateway, and the Auth-Gate-protected internal API
// (debug, status stream, terminal, and app run lifecycle).
//
// Middleware stack and route-registration style grounded on the teacher's
// cmd/server/main.go chi wiring.
func NewRouter(o Options) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   o.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-WS-Timestamp", "X-WS-Nonce", "X-WS-Signature"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/internal/health", healthHandler)
	r.Get("/internal/port", portLookupHandler(o.Controller, o.InternalAPIToken))

	r.Group(func(gr chi.Router) {
		gr.Use(o.Gate.Handler)
		gr.Get("/internal/debug/activity", debugActivityHandler(o.Controller))
		gr.Post("/internal/apps/{userId}/ensure", ensureHandler(o.Controller))
		gr.Post("/internal/apps/{userId}/{appId}/launch", launchHandler(o.Controller))
		gr.Post("/internal/apps/{userId}/stop", stopHandler(o.Controller))
		gr.Get("/internal/apps/{userId}/status", statusStreamHandler(o.SSE))
		gr.Get("/internal/apps/{userId}/{appId}/terminal", terminalHandler(o.Controller, o.Terminal, o.MountTarget))
		gr.Delete("/internal/apps/{userId}/{appId}", deleteAppHandler(o.OnAppDeleted))
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host != "127.0.0.1" && host != "::1" {
		http.Error(w, "loopback only", http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// portLookupHandler implements spec.md §6's nginx-gateway lookup: returns
// the user's host port in X-WS-Port with a 204, guarded by a shared token
// (header or query) or loopback — a lighter-weight guard than the full
// Auth Gate, since this is the one endpoint an edge proxy calls on every
// preview request.
func portLookupHandler(c *Controller, token string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !portLookupAllowed(r, token) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		userID := r.URL.Query().Get("userId")
		if userID == "" {
			http.Error(w, "missing userId", http.StatusBadRequest)
			return
		}
		port, err := c.HostPort(r.Context(), userID)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("X-WS-Port", strconv.Itoa(port))
		w.WriteHeader(http.StatusNoContent)
	}
}

func portLookupAllowed(r *http.Request, token string) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "127.0.0.1" || host == "::1" {
		return true
	}
	if token == "" {
		return false
	}
	if r.Header.Get("X-Internal-Token") == token {
		return true
	}
	return r.URL.Query().Get("token") == token
}

func debugActivityHandler(c *Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(c.ActivitySnapshot())
	}
}

func ensureHandler(c *Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userId")
		meta, err := c.EnsureWorkspace(r.Context(), userID)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(meta)
	}
}

func launchHandler(c *Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userId")
		appID := chi.URLParam(r, "appId")
		runType := enum.RunType(r.URL.Query().Get("type"))
		if runType == "" {
			runType = enum.RunTypeDev
		}
		outcome, err := c.LaunchRun(r.Context(), userID, appID, runType)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(outcome)
	}
}

func stopHandler(c *Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userId")
		if err := c.StopRun(r.Context(), userID); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func statusStreamHandler(sse *realtime.SSEHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userId")
		sse.ServeUser(w, r, userID)
	}
}

func terminalHandler(c *Controller, term *realtime.TerminalHandler, mountTarget string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userId")
		appID := chi.URLParam(r, "appId")
		containerName := c.ContainerName(userID)
		appDir := mountTarget + "/apps/" + appID
		term.Serve(w, r, userID, appID, containerName, appDir)
	}
}

func deleteAppHandler(onDeleted func(ctx context.Context, userID, appID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if onDeleted == nil {
			http.Error(w, "cleanup hook not configured", http.StatusNotImplemented)
			return
		}
		userID := chi.URLParam(r, "userId")
		appID := chi.URLParam(r, "appId")
		if err := onDeleted(r.Context(), userID, appID); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// writeError maps an agenterr.Kind to an HTTP status and writes a JSON
// error envelope (spec.md §7: propagation policy — "controllers translate
// to the response envelope").
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch agenterr.KindOf(err) {
	case agenterr.KindInputInvalid:
		status = http.StatusBadRequest
	case agenterr.KindStateConflict:
		status = http.StatusConflict
	case agenterr.KindPreconditionMissing:
		status = http.StatusPreconditionFailed
	case agenterr.KindTransient:
		status = http.StatusServiceUnavailable
	case agenterr.KindSubprocessFailure:
		status = http.StatusBadGateway
	case agenterr.KindFatal:
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
