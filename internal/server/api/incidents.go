package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ayusman/watchpost/internal/incident"
	"github.com/ayusman/watchpost/internal/store"
)

// DefaultPageSize is the number of incidents returned when no limit is given.
const DefaultPageSize = 50

// IncidentRepository is the read side of the incident log.
type IncidentRepository interface {
	List(ctx context.Context, limit, offset int) ([]incident.Record, error)
	Get(ctx context.Context, id string) (*incident.Record, error)
	Count(ctx context.Context) (int, error)
	Delete(ctx context.Context, id string) error
}

// IncidentHandler handles HTTP requests for incident records.
type IncidentHandler struct {
	repo IncidentRepository
}

// NewIncidentHandler creates a new IncidentHandler backed by repo.
func NewIncidentHandler(repo IncidentRepository) *IncidentHandler {
	return &IncidentHandler{repo: repo}
}

// ServeHTTP routes /api/incidents and /api/incidents/{id}.
func (h *IncidentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/incidents")
	path = strings.TrimPrefix(path, "/")

	if path == "" {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.list(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.get(w, r, path)
	case http.MethodDelete:
		h.delete(w, r, path)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type listIncidentsResponse struct {
	Incidents []incident.Record `json:"incidents"`
	Total     int               `json:"total"`
	Limit     int               `json:"limit"`
	Offset    int               `json:"offset"`
}

// list handles GET /api/incidents?limit=&offset=, newest first.
func (h *IncidentHandler) list(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", DefaultPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}

	records, err := h.repo.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list incidents")
		return
	}
	total, err := h.repo.Count(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count incidents")
		return
	}
	if records == nil {
		records = []incident.Record{}
	}

	writeJSON(w, http.StatusOK, listIncidentsResponse{
		Incidents: records,
		Total:     total,
		Limit:     limit,
		Offset:    offset,
	})
}

func (h *IncidentHandler) get(w http.ResponseWriter, r *http.Request, id string) {
	rec, err := h.repo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Incident not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get incident")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *IncidentHandler) delete(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Incident not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete incident")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// queryInt parses a non-negative integer query parameter.
func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, strconv.ErrRange
	}
	return n, nil
}
