package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gptme/gptme/internal/config"
	"github.com/gptme/gptme/internal/logstore"
	"github.com/gptme/gptme/internal/step"
	"github.com/gptme/gptme/pkg/models"
)

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	metas, err := s.Logs.List(limit)
	if err != nil {
		s.error(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.json(w, http.StatusOK, map[string]any{"conversations": metas})
}

type createRequest struct {
	Messages []models.Message   `json:"messages"`
	Config   *configPatch       `json:"config,omitempty"`
	Prompt   string             `json:"prompt,omitempty"`
	MCP      *logstore.MCPSection `json:"mcp,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body createRequest
	if err := decodeBody(r, &body); err != nil {
		s.error(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if s.Logs.Exists(id) {
		s.error(w, http.StatusConflict, "conversation exists")
		return
	}

	cfg := logstore.DefaultChatConfig()
	if body.Config != nil {
		body.Config.apply(&cfg)
	}
	if body.MCP != nil {
		cfg.MCP = *body.MCP
	}

	initial := []models.Message{models.NewSystemMessage(s.systemPrompt(cfg, body.Prompt))}
	for _, m := range body.Messages {
		if m.Role == models.RoleSystem && len(initial) == 1 && m.Content != "" {
			// An explicit system message from the client replaces the
			// generated prompt.
			initial[0] = m
			continue
		}
		initial = append(initial, m)
	}

	log, err := s.Logs.Create(id, initial)
	if err != nil {
		s.error(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer log.Close()
	if err := logstore.SaveChatConfig(s.Logs.Dir(id), cfg); err != nil {
		s.error(w, http.StatusInternalServerError, err.Error())
		return
	}

	session := s.Sessions.Create(id)
	s.json(w, http.StatusOK, map[string]string{
		"conversation_id": id,
		"session_id":      session.ID,
	})
}

func (s *Server) systemPrompt(cfg logstore.ChatConfig, variant string) string {
	project, _ := config.LoadProject(cfg.Chat.Workspace)
	active := s.Tools.Subset(cfg.Chat.Tools)
	return config.SystemPrompt(config.PromptOptions{
		Variant:          variant,
		User:             s.User,
		Project:          project,
		Interactive:      cfg.Chat.Interactive,
		ToolInstructions: active.Instructions(models.ToolFormat(cfg.Chat.ToolFormat)),
		Workspace:        cfg.Chat.Workspace,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	log, err := s.Logs.Open(id, false)
	if err != nil {
		s.notFoundOr(w, err)
		return
	}
	defer log.Close()
	if branch := r.URL.Query().Get("branch"); branch != "" {
		log.SetBranch(branch)
	}
	msgs, err := log.Read()
	if err != nil {
		s.error(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	s.json(w, http.StatusOK, map[string]any{"id": id, "log": msgs})
}

type appendRequest struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
	Files   []string    `json:"files,omitempty"`
	Branch  string      `json:"branch,omitempty"`
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body appendRequest
	if err := decodeBody(r, &body); err != nil {
		s.error(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if !body.Role.Valid() {
		s.error(w, http.StatusBadRequest, "invalid role")
		return
	}
	log, err := s.Logs.Open(id, true)
	if err != nil {
		s.notFoundOr(w, err)
		return
	}
	defer log.Close()
	if body.Branch != "" {
		log.SetBranch(body.Branch)
	}
	msg := models.NewMessage(body.Role, body.Content).WithFiles(body.Files...)
	if err := log.Append(msg); err != nil {
		s.error(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.Sessions.Broadcast(id, models.Event{Type: models.EventMessageAdded, Message: &msg})
	s.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Logs.Delete(id); err != nil {
		s.notFoundOr(w, err)
		return
	}
	s.Sessions.Remove(id)
	s.json(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.Logs.Exists(id) {
		s.error(w, http.StatusNotFound, "conversation not found")
		return
	}
	cfg, err := logstore.LoadChatConfig(s.Logs.Dir(id))
	if err != nil {
		s.error(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.json(w, http.StatusOK, chatConfigJSON(cfg))
}

// configPatch is a partial chat config update; nil fields are unchanged.
type configPatch struct {
	Chat struct {
		Name        *string   `json:"name,omitempty"`
		Model       *string   `json:"model,omitempty"`
		Tools       *[]string `json:"tools,omitempty"`
		ToolFormat  *string   `json:"tool_format,omitempty"`
		Stream      *bool     `json:"stream,omitempty"`
		Interactive *bool     `json:"interactive,omitempty"`
		Workspace   *string   `json:"workspace,omitempty"`
	} `json:"chat"`
}

func (p *configPatch) apply(cfg *logstore.ChatConfig) []string {
	var changed []string
	if p.Chat.Name != nil {
		cfg.Chat.Name = *p.Chat.Name
		changed = append(changed, "name")
	}
	if p.Chat.Model != nil {
		cfg.Chat.Model = *p.Chat.Model
		changed = append(changed, "model")
	}
	if p.Chat.Tools != nil {
		cfg.Chat.Tools = *p.Chat.Tools
		changed = append(changed, "tools")
	}
	if p.Chat.ToolFormat != nil {
		cfg.Chat.ToolFormat = *p.Chat.ToolFormat
		changed = append(changed, "tool_format")
	}
	if p.Chat.Stream != nil {
		cfg.Chat.Stream = *p.Chat.Stream
		changed = append(changed, "stream")
	}
	if p.Chat.Interactive != nil {
		cfg.Chat.Interactive = *p.Chat.Interactive
		changed = append(changed, "interactive")
	}
	if p.Chat.Workspace != nil {
		cfg.Chat.Workspace = *p.Chat.Workspace
		changed = append(changed, "workspace")
	}
	return changed
}

func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.Logs.Exists(id) {
		s.error(w, http.StatusNotFound, "conversation not found")
		return
	}
	var patch configPatch
	if err := decodeBody(r, &patch); err != nil {
		s.error(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	cfg, err := logstore.LoadChatConfig(s.Logs.Dir(id))
	if err != nil {
		s.error(w, http.StatusInternalServerError, err.Error())
		return
	}
	changed := patch.apply(&cfg)
	if cfg.Chat.ToolFormat != "" && !models.ToolFormat(cfg.Chat.ToolFormat).Valid() {
		s.error(w, http.StatusBadRequest, "invalid tool_format")
		return
	}
	if err := logstore.SaveChatConfig(s.Logs.Dir(id), cfg); err != nil {
		s.error(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Tooling and prompt-affecting changes regenerate the leading system
	// prompt so the next step sees the new configuration.
	log, err := s.Logs.Open(id, true)
	if err != nil {
		s.notFoundOr(w, err)
		return
	}
	if err := log.ReplaceLeadingSystem(s.systemPrompt(cfg, "")); err != nil {
		s.Logger.Warn("could not regenerate system prompt", "conversation_id", id, "error", err)
	}
	log.Close()

	s.Sessions.Broadcast(id, models.Event{
		Type:          models.EventConfigChanged,
		Config:        chatConfigJSON(cfg),
		ChangedFields: changed,
	})
	s.json(w, http.StatusOK, chatConfigJSON(cfg))
}

type stepRequest struct {
	SessionID   string `json:"session_id,omitempty"`
	Branch      string `json:"branch,omitempty"`
	AutoConfirm bool   `json:"auto_confirm,omitempty"`
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.Logs.Exists(id) {
		s.error(w, http.StatusNotFound, "conversation not found")
		return
	}
	var body stepRequest
	if err := decodeBody(r, &body); err != nil {
		s.error(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if s.Sessions.Generating(id) {
		s.error(w, http.StatusConflict, "generation already in progress")
		return
	}
	session := s.Sessions.GetOrCreate(id, body.SessionID)
	cfg, err := logstore.LoadChatConfig(s.Logs.Dir(id))
	if err != nil {
		s.error(w, http.StatusInternalServerError, err.Error())
		return
	}

	opts := step.Options{
		ConversationID: id,
		Session:        session,
		Model:          cfg.Chat.Model,
		Workspace:      cfg.Chat.Workspace,
		Branch:         body.Branch,
		AutoConfirm:    body.AutoConfirm,
		Stream:         cfg.Chat.Stream,
	}
	go func() {
		if err := s.Engine.Run(context.Background(), opts); err != nil && !errors.Is(err, step.ErrBusy) {
			s.Logger.Error("step worker failed", "conversation_id", id, "error", err)
		}
	}()
	s.json(w, http.StatusAccepted, map[string]string{
		"status":     "started",
		"session_id": session.ID,
	})
}

type confirmRequest struct {
	SessionID string `json:"session_id"`
	ToolID    string `json:"tool_id"`
	Action    string `json:"action"`
	Content   string `json:"content,omitempty"`
	Count     int    `json:"count,omitempty"`
}

func (s *Server) handleToolConfirm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body confirmRequest
	if err := decodeBody(r, &body); err != nil {
		s.error(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	session, ok := s.Sessions.Get(body.SessionID)
	if !ok || session.ConversationID != id {
		s.error(w, http.StatusNotFound, "session not found")
		return
	}
	if _, ok := session.PendingTool(body.ToolID); !ok {
		s.error(w, http.StatusNotFound, "no such pending tool")
		return
	}
	if s.Sessions.Generating(id) {
		s.error(w, http.StatusConflict, "generation already in progress")
		return
	}
	cfg, err := logstore.LoadChatConfig(s.Logs.Dir(id))
	if err != nil {
		s.error(w, http.StatusInternalServerError, err.Error())
		return
	}

	opts := step.Options{
		ConversationID: id,
		Session:        session,
		Model:          cfg.Chat.Model,
		Workspace:      cfg.Chat.Workspace,
		Stream:         cfg.Chat.Stream,
	}
	go func() {
		if err := s.Engine.Confirm(context.Background(), opts, body.ToolID, body.Action, body.Content, body.Count); err != nil && !errors.Is(err, step.ErrBusy) {
			s.Logger.Error("tool confirm failed", "conversation_id", id, "error", err)
			session.Publish(models.Event{Type: models.EventError, Error: err.Error()})
		}
	}()
	s.json(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	live := s.Sessions.ForConversation(id)
	if len(live) == 0 && !s.Logs.Exists(id) {
		s.error(w, http.StatusNotFound, "conversation not found")
		return
	}
	for _, session := range live {
		session.Interrupt()
	}
	s.json(w, http.StatusOK, map[string]string{"status": "interrupted"})
}

func (s *Server) notFoundOr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, logstore.ErrNotFound):
		s.error(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, logstore.ErrLocked):
		s.error(w, http.StatusConflict, "conversation is locked by another writer")
	default:
		s.error(w, http.StatusInternalServerError, err.Error())
	}
}
