package api

import (
	"net/http"
	"strings"

	"github.com/ayusman/watchpost/internal/plugin"
)

// HookHandler lists the discovered incident hooks.
type HookHandler struct {
	manager *plugin.Manager
}

// NewHookHandler creates a new HookHandler.
func NewHookHandler(manager *plugin.Manager) *HookHandler {
	return &HookHandler{manager: manager}
}

type hookResponse struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Events      []string `json:"events"`
	Labels      []string `json:"labels,omitempty"`
}

type listHooksResponse struct {
	Hooks []hookResponse `json:"hooks"`
}

// ServeHTTP handles GET /api/hooks and POST /api/hooks/reload.
func (h *HookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/hooks")
	path = strings.TrimPrefix(path, "/")

	switch {
	case path == "" && r.Method == http.MethodGet:
		h.list(w)
	case path == "reload" && r.Method == http.MethodPost:
		if err := h.manager.Discover(); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to discover hooks")
			return
		}
		h.list(w)
	case path == "" || path == "reload":
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	default:
		http.NotFound(w, r)
	}
}

func (h *HookHandler) list(w http.ResponseWriter) {
	hooks := h.manager.List()
	response := listHooksResponse{Hooks: make([]hookResponse, 0, len(hooks))}
	for _, p := range hooks {
		response.Hooks = append(response.Hooks, hookResponse{
			Name:        p.Manifest.Name,
			Version:     p.Manifest.Version,
			Description: p.Manifest.Description,
			Events:      p.Manifest.Events,
			Labels:      p.Manifest.Labels,
		})
	}
	writeJSON(w, http.StatusOK, response)
}
