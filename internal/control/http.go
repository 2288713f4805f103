package control

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/softwell/mailproxy-core/internal/pkg/logger"
)

// Handler exposes Controller.Dispatch over a thin POST /commands/{name}
// surface. Auth/parsing detail is explicitly out of scope (spec §1); this
// adapter checks a single opaque bearer token and nothing more.
type Handler struct {
	controller *Controller
	apiToken   string
}

// NewHandler builds the chi router. apiToken, if non-empty, is required
// as a Bearer token on every request.
func NewHandler(controller *Controller, apiToken string) chi.Router {
	h := &Handler{controller: controller, apiToken: apiToken}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	r.Post("/commands/{name}", h.handleCommand)
	return r
}

func (h *Handler) handleCommand(w http.ResponseWriter, req *http.Request) {
	if h.apiToken != "" && !h.authorized(req) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "unauthorized"})
		return
	}

	name := chi.URLParam(req, "name")
	cmd, err := decodeCommand(name, req.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
		return
	}

	result, err := h.controller.Dispatch(req.Context(), cmd)
	if err != nil {
		logger.Error("command dispatch failed", "command", name, "error", err.Error())
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) authorized(req *http.Request) bool {
	auth := req.Header.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer ") == h.apiToken
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
