package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ayusman/watchpost/internal/cascade"
	"github.com/ayusman/watchpost/internal/incident"
)

// ThresholdHandler exposes the live confidence thresholds.
type ThresholdHandler struct {
	store  *incident.ThresholdStore
	labels cascade.Names
}

// NewThresholdHandler creates a handler over store. labels lists the
// detector classes that accept per-class overrides; nil accepts any label.
func NewThresholdHandler(store *incident.ThresholdStore, labels cascade.Names) *ThresholdHandler {
	return &ThresholdHandler{store: store, labels: labels}
}

// ServeHTTP routes /api/thresholds and /api/thresholds/{label}.
func (h *ThresholdHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/thresholds")
	path = strings.TrimPrefix(path, "/")

	if path == "" {
		switch r.Method {
		case http.MethodGet:
			h.get(w, r)
		case http.MethodPut:
			h.replace(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	if !h.knownLabel(path) {
		writeError(w, http.StatusNotFound, "Unknown label")
		return
	}
	switch r.Method {
	case http.MethodPut:
		h.setLabel(w, r, path)
	case http.MethodDelete:
		h.clearLabel(w, r, path)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type thresholdsResponse struct {
	incident.Thresholds
	Labels []string `json:"labels,omitempty"`
}

type labelThresholdRequest struct {
	Value *float64 `json:"value"`
}

func (h *ThresholdHandler) respond(w http.ResponseWriter, th incident.Thresholds) {
	if th.PerClass == nil {
		th.PerClass = map[string]float64{}
	}
	writeJSON(w, http.StatusOK, thresholdsResponse{Thresholds: th, Labels: h.labels})
}

func (h *ThresholdHandler) get(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.store.Snapshot())
}

// replace handles PUT /api/thresholds with a complete threshold set.
func (h *ThresholdHandler) replace(w http.ResponseWriter, r *http.Request) {
	var req incident.Thresholds
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	for label := range req.PerClass {
		if !h.knownLabel(label) {
			writeError(w, http.StatusBadRequest, "Unknown label: "+label)
			return
		}
	}
	th, err := h.store.Update(func(t *incident.Thresholds) { *t = req })
	if err != nil {
		h.updateError(w, err)
		return
	}
	h.respond(w, th)
}

// setLabel handles PUT /api/thresholds/{label} with {"value": x}.
func (h *ThresholdHandler) setLabel(w http.ResponseWriter, r *http.Request, label string) {
	var req labelThresholdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Value == nil {
		writeError(w, http.StatusBadRequest, "Value is required")
		return
	}
	th, err := h.store.Update(func(t *incident.Thresholds) {
		if t.PerClass == nil {
			t.PerClass = make(map[string]float64)
		}
		t.PerClass[label] = *req.Value
	})
	if err != nil {
		h.updateError(w, err)
		return
	}
	h.respond(w, th)
}

// clearLabel handles DELETE /api/thresholds/{label}, restoring the detector
// default for that label.
func (h *ThresholdHandler) clearLabel(w http.ResponseWriter, r *http.Request, label string) {
	th, err := h.store.Update(func(t *incident.Thresholds) {
		delete(t.PerClass, label)
	})
	if err != nil {
		h.updateError(w, err)
		return
	}
	h.respond(w, th)
}

func (h *ThresholdHandler) updateError(w http.ResponseWriter, err error) {
	if errors.Is(err, incident.ErrInvalidThreshold) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, "Failed to update thresholds")
}

func (h *ThresholdHandler) knownLabel(label string) bool {
	if h.labels == nil {
		return label != ""
	}
	return h.labels.Index(label) >= 0
}
