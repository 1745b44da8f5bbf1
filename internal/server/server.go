// Package server exposes the conversation engine over HTTP and SSE under
// /api/v2.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gptme/gptme/internal/config"
	"github.com/gptme/gptme/internal/logstore"
	"github.com/gptme/gptme/internal/sessions"
	"github.com/gptme/gptme/internal/step"
	"github.com/gptme/gptme/internal/toolreg"
)

// Server wires the engine, stores, and session registry behind the API.
type Server struct {
	Logs     *logstore.Manager
	Sessions *sessions.Manager
	Engine   *step.Engine
	Tools    *toolreg.Registry
	User     config.UserConfig
	Logger   *slog.Logger

	// Token enables bearer auth when non-empty and RequireAuth is set.
	Token       string
	RequireAuth bool
}

// New creates a server.
func New(s Server) *Server {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	s.Logger = s.Logger.With("component", "server")
	return &s
}

// Router builds the chi router for /api/v2.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.auth)

	r.Route("/api/v2", func(r chi.Router) {
		r.Get("/conversations", s.handleList)
		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Put("/", s.handleCreate)
			r.Get("/", s.handleGet)
			r.Post("/", s.handleAppend)
			r.Delete("/", s.handleDelete)
			r.Get("/config", s.handleGetConfig)
			r.Patch("/config", s.handlePatchConfig)
			r.Get("/events", s.handleEvents)
			r.Post("/step", s.handleStep)
			r.Post("/tool/confirm", s.handleToolConfirm)
			r.Post("/interrupt", s.handleInterrupt)
		})
	})
	return r
}

// auth enforces the bearer token. SSE clients may pass ?token= since
// EventSource cannot set headers; it leaks into access logs, hence
// header-first.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.RequireAuth || s.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		presented := ""
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			presented = strings.TrimPrefix(h, "Bearer ")
		} else if strings.HasSuffix(r.URL.Path, "/events") {
			presented = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.Token)) != 1 {
			s.error(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) json(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Error("encode response", "error", err)
	}
}

func (s *Server) error(w http.ResponseWriter, status int, msg string) {
	s.json(w, status, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// chatConfigJSON renders a chat config for API responses.
func chatConfigJSON(cfg logstore.ChatConfig) map[string]any {
	chat := map[string]any{
		"name":        cfg.Chat.Name,
		"model":       cfg.Chat.Model,
		"tools":       cfg.Chat.Tools,
		"tool_format": cfg.Chat.ToolFormat,
		"stream":      cfg.Chat.Stream,
		"interactive": cfg.Chat.Interactive,
		"workspace":   cfg.Chat.Workspace,
	}
	return map[string]any{"chat": chat, "env": cfg.Env, "mcp": cfg.MCP}
}
