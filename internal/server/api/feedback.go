package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ayusman/watchpost/internal/incident"
)

// FeedbackSubmitter passes reviewer feedback to the threshold feedback loop.
type FeedbackSubmitter interface {
	Submit(ctx context.Context, fb incident.Feedback) (incident.Thresholds, error)
}

// FeedbackHandler accepts reviewer verdicts on incidents.
type FeedbackHandler struct {
	queue FeedbackSubmitter
}

// NewFeedbackHandler creates a new FeedbackHandler.
func NewFeedbackHandler(queue FeedbackSubmitter) *FeedbackHandler {
	return &FeedbackHandler{queue: queue}
}

type feedbackRequest struct {
	incident.Feedback
	// IncidentID optionally names the incident the verdict is about.
	IncidentID string `json:"incident_id,omitempty"`
}

type feedbackResponse struct {
	IncidentID string              `json:"incident_id,omitempty"`
	Thresholds incident.Thresholds `json:"thresholds"`
}

// ServeHTTP handles POST /api/feedback.
func (h *FeedbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Verdict == "" {
		writeError(w, http.StatusBadRequest, "Verdict is required")
		return
	}

	th, err := h.queue.Submit(r.Context(), req.Feedback)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "Feedback loop unavailable")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, feedbackResponse{IncidentID: req.IncidentID, Thresholds: th})
}
