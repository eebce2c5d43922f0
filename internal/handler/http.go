package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/chat-identity/internal/cache"
	"github.com/chat-identity/internal/domain"
	"github.com/chat-identity/internal/service"
	"github.com/chat-identity/internal/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// Users is the slice of the user manager the HTTP API drives
type Users interface {
	ProfileByUUID(ctx context.Context, id uuid.UUID) domain.ResolutionResult
	ProfileByName(ctx context.Context, name string) domain.ResolutionResult
	Players(ctx context.Context) []*service.Player
	Wrap(p *domain.PlayerProfile) *service.Player
	SetDisplayName(ctx context.Context, id uuid.UUID, displayName string) error
	SetMuted(ctx context.Context, id uuid.UUID, muted bool) error
	SetDeafened(ctx context.Context, id uuid.UUID, deafened bool) error
	SetSpying(ctx context.Context, id uuid.UUID, spying bool) error
	SetSelectedChannel(ctx context.Context, id uuid.UUID, channel string) error
	SetLastWhisperTarget(ctx context.Context, id, target uuid.UUID) error
	SetWhisperReplyTarget(ctx context.Context, id, target uuid.UUID) error
	AddIgnore(ctx context.Context, id, other uuid.UUID) error
	RemoveIgnore(ctx context.Context, id, other uuid.UUID) error
	CacheStats() cache.Stats
}

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler provides HTTP handlers for the identity API
type Handler struct {
	users  Users
	hub    *websocket.Hub
	checks map[string]Pinger
	logger *slog.Logger
}

// NewHandler creates a new HTTP handler. checks are pinged by /ready.
func NewHandler(users Users, hub *websocket.Hub, checks map[string]Pinger, logger *slog.Logger) *Handler {
	return &Handler{
		users:  users,
		hub:    hub,
		checks: checks,
		logger: logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/players", func(r chi.Router) {
			r.Get("/", h.ListPlayers)
			r.Get("/by-name/{name}", h.GetPlayerByName)

			r.Route("/{playerID}", func(r chi.Router) {
				r.Get("/", h.GetPlayer)
				r.Put("/display-name", h.SetDisplayName)
				r.Put("/muted", h.SetMuted)
				r.Put("/deafened", h.SetDeafened)
				r.Put("/spying", h.SetSpying)
				r.Put("/channel", h.SetChannel)
				r.Put("/whisper-target", h.SetWhisperTarget)
				r.Put("/reply-target", h.SetReplyTarget)
				r.Put("/ignores/{otherID}", h.AddIgnore)
				r.Delete("/ignores/{otherID}", h.RemoveIgnore)
			})
		})

		r.Get("/stats", h.GetStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// writeResult maps a resolution onto a response. A definitive miss is a 404
// carrying the diagnostic; a retryable failure is a 503.
func (h *Handler) writeResult(w http.ResponseWriter, res domain.ResolutionResult) {
	switch res.Kind {
	case domain.KindFound:
		h.writeSuccess(w, h.users.Wrap(res.Profile).View())
	case domain.KindNotFound:
		h.writeError(w, http.StatusNotFound, errors.New(res.Message))
	default:
		h.logger.Warn("profile lookup unavailable", "error", res.Err)
		w.Header().Set("Retry-After", "1")
		h.writeError(w, http.StatusServiceUnavailable, errors.New(res.Message))
	}
}

// writeMutationError maps a mutator error onto a response
func (h *Handler) writeMutationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrSelfIgnore), errors.Is(err, domain.ErrInvalidRequest):
		h.writeError(w, http.StatusBadRequest, err)
	case domain.IsNotFoundError(err):
		h.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrShuttingDown), domain.IsTransient(err):
		w.Header().Set("Retry-After", "1")
		h.writeError(w, http.StatusServiceUnavailable, domain.ErrTransient)
	default:
		h.logger.Error("failed to update profile", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
	}
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck pings every dependency and reports which are down
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := make(map[string]string, len(h.checks))
	ready := true
	for name, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", "dependency", name, "error", err)
			status[name] = "down"
			ready = false
			continue
		}
		status[name] = "up"
	}

	if !ready {
		h.writeJSON(w, http.StatusServiceUnavailable, APIResponse{
			Success: false,
			Data:    status,
			Error:   "not ready",
		})
		return
	}
	status["status"] = "ready"
	h.writeSuccess(w, status)
}

// GetStats returns cache and connection statistics
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"cache": h.users.CacheStats(),
	}
	if h.hub != nil {
		stats["websocket_connections"] = h.hub.GetTotalConnections()
	}
	h.writeSuccess(w, stats)
}

// ListPlayers returns every connected player
func (h *Handler) ListPlayers(w http.ResponseWriter, r *http.Request) {
	players := h.users.Players(r.Context())
	views := make([]service.PlayerView, 0, len(players))
	for _, p := range players {
		views = append(views, p.View())
	}
	h.writeSuccess(w, views)
}

// GetPlayer returns a player by uuid
func (h *Handler) GetPlayer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.playerID(w, r, "playerID")
	if !ok {
		return
	}
	h.writeResult(w, h.users.ProfileByUUID(r.Context(), id))
}

// GetPlayerByName returns a player by name
func (h *Handler) GetPlayerByName(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	h.writeResult(w, h.users.ProfileByName(r.Context(), name))
}

// boolBody and stringBody are the PUT payloads
type boolBody struct {
	Value *bool `json:"value"`
}

type stringBody struct {
	Value *string `json:"value"`
}

// SetMuted handles PUT /players/{playerID}/muted
func (h *Handler) SetMuted(w http.ResponseWriter, r *http.Request) {
	h.setBool(w, r, h.users.SetMuted)
}

// SetDeafened handles PUT /players/{playerID}/deafened
func (h *Handler) SetDeafened(w http.ResponseWriter, r *http.Request) {
	h.setBool(w, r, h.users.SetDeafened)
}

// SetSpying handles PUT /players/{playerID}/spying
func (h *Handler) SetSpying(w http.ResponseWriter, r *http.Request) {
	h.setBool(w, r, h.users.SetSpying)
}

// SetDisplayName handles PUT /players/{playerID}/display-name; "" clears it
func (h *Handler) SetDisplayName(w http.ResponseWriter, r *http.Request) {
	h.setString(w, r, h.users.SetDisplayName)
}

// SetChannel handles PUT /players/{playerID}/channel; "" selects the default
func (h *Handler) SetChannel(w http.ResponseWriter, r *http.Request) {
	h.setString(w, r, h.users.SetSelectedChannel)
}

// SetWhisperTarget handles PUT /players/{playerID}/whisper-target
func (h *Handler) SetWhisperTarget(w http.ResponseWriter, r *http.Request) {
	h.setTarget(w, r, h.users.SetLastWhisperTarget)
}

// SetReplyTarget handles PUT /players/{playerID}/reply-target
func (h *Handler) SetReplyTarget(w http.ResponseWriter, r *http.Request) {
	h.setTarget(w, r, h.users.SetWhisperReplyTarget)
}

// AddIgnore handles PUT /players/{playerID}/ignores/{otherID}
func (h *Handler) AddIgnore(w http.ResponseWriter, r *http.Request) {
	h.ignore(w, r, h.users.AddIgnore)
}

// RemoveIgnore handles DELETE /players/{playerID}/ignores/{otherID}
func (h *Handler) RemoveIgnore(w http.ResponseWriter, r *http.Request) {
	h.ignore(w, r, h.users.RemoveIgnore)
}

func (h *Handler) setBool(w http.ResponseWriter, r *http.Request, set func(context.Context, uuid.UUID, bool) error) {
	id, ok := h.playerID(w, r, "playerID")
	if !ok {
		return
	}
	var body boolBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Value == nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	if err := set(r.Context(), id, *body.Value); err != nil {
		h.writeMutationError(w, err)
		return
	}
	h.writeUpdated(w, r, id)
}

func (h *Handler) setString(w http.ResponseWriter, r *http.Request, set func(context.Context, uuid.UUID, string) error) {
	id, ok := h.playerID(w, r, "playerID")
	if !ok {
		return
	}
	var body stringBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Value == nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	if err := set(r.Context(), id, *body.Value); err != nil {
		h.writeMutationError(w, err)
		return
	}
	h.writeUpdated(w, r, id)
}

// setTarget accepts a uuid, or "" to clear the target
func (h *Handler) setTarget(w http.ResponseWriter, r *http.Request, set func(context.Context, uuid.UUID, uuid.UUID) error) {
	id, ok := h.playerID(w, r, "playerID")
	if !ok {
		return
	}
	var body stringBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Value == nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	target := uuid.Nil
	if *body.Value != "" {
		parsed, err := uuid.Parse(*body.Value)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
			return
		}
		target = parsed
	}
	if err := set(r.Context(), id, target); err != nil {
		h.writeMutationError(w, err)
		return
	}
	h.writeUpdated(w, r, id)
}

func (h *Handler) ignore(w http.ResponseWriter, r *http.Request, apply func(context.Context, uuid.UUID, uuid.UUID) error) {
	id, ok := h.playerID(w, r, "playerID")
	if !ok {
		return
	}
	other, ok := h.playerID(w, r, "otherID")
	if !ok {
		return
	}
	if err := apply(r.Context(), id, other); err != nil {
		h.writeMutationError(w, err)
		return
	}
	h.writeUpdated(w, r, id)
}

// writeUpdated responds with the profile as it is now in memory
func (h *Handler) writeUpdated(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	h.writeResult(w, h.users.ProfileByUUID(r.Context(), id))
}

func (h *Handler) playerID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil || id == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return uuid.Nil, false
	}
	return id, true
}
