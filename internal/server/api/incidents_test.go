package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ayusman/watchpost/internal/incident"
	"github.com/ayusman/watchpost/internal/store"
)

// newTestStore creates a new Store with a temporary database for testing.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func seedIncidents(t *testing.T, s *store.Store) {
	t.Helper()
	records := []incident.Record{
		{ID: "inc-a", Timestamp: "2024-03-09 14:30:05", Description: "Detected: Knife", Labels: []string{"Knife"}},
		{ID: "inc-b", Timestamp: "2024-03-09 14:30:07", Description: "Detected: Pistol, Knife", Labels: []string{"Pistol", "Knife"}},
		{ID: "inc-c", Timestamp: "2024-03-09 14:30:06", Description: "Detected: Rifle", Labels: []string{"Rifle"}},
	}
	for _, rec := range records {
		if err := s.Incidents().Append(context.Background(), rec); err != nil {
			t.Fatalf("failed to append %s: %v", rec.ID, err)
		}
	}
}

func TestIncidentHandler_List(t *testing.T) {
	s := newTestStore(t)
	seedIncidents(t, s)
	handler := NewIncidentHandler(s.Incidents())

	tests := []struct {
		name    string
		query   string
		wantIDs []string
	}{
		{"default page", "", []string{"inc-b", "inc-c", "inc-a"}},
		{"limit", "?limit=2", []string{"inc-b", "inc-c"}},
		{"offset", "?limit=2&offset=2", []string{"inc-a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/incidents"+tt.query, nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected Content-Type application/json, got %s", ct)
			}

			var response listIncidentsResponse
			if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if response.Total != 3 {
				t.Errorf("total = %d, want 3", response.Total)
			}
			if len(response.Incidents) != len(tt.wantIDs) {
				t.Fatalf("got %d incidents, want %d", len(response.Incidents), len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if response.Incidents[i].ID != id {
					t.Errorf("incidents[%d] = %s, want %s", i, response.Incidents[i].ID, id)
				}
			}
		})
	}
}

func TestIncidentHandler_ListEmpty(t *testing.T) {
	handler := NewIncidentHandler(newTestStore(t).Incidents())

	req := httptest.NewRequest(http.MethodGet, "/api/incidents", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var response map[string]json.RawMessage
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if string(response["incidents"]) != "[]" {
		t.Errorf("incidents = %s, want []", response["incidents"])
	}
}

func TestIncidentHandler_ListInvalidQuery(t *testing.T) {
	handler := NewIncidentHandler(newTestStore(t).Incidents())

	for _, query := range []string{"?limit=abc", "?limit=-1", "?offset=x"} {
		req := httptest.NewRequest(http.MethodGet, "/api/incidents"+query, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected status %d, got %d", query, http.StatusBadRequest, rec.Code)
		}
	}
}

func TestIncidentHandler_Get(t *testing.T) {
	s := newTestStore(t)
	seedIncidents(t, s)
	handler := NewIncidentHandler(s.Incidents())

	t.Run("existing incident", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/incidents/inc-b", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
		var got incident.Record
		if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if got.Description != "Detected: Pistol, Knife" {
			t.Errorf("description = %q", got.Description)
		}
		if len(got.Labels) != 2 || got.Labels[0] != "Pistol" {
			t.Errorf("labels = %v, want [Pistol Knife]", got.Labels)
		}
	})

	t.Run("missing incident", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/incidents/nope", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})
}

func TestIncidentHandler_Delete(t *testing.T) {
	s := newTestStore(t)
	seedIncidents(t, s)
	handler := NewIncidentHandler(s.Incidents())

	req := httptest.NewRequest(http.MethodDelete, "/api/incidents/inc-a", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, rec.Code)
	}

	if _, err := s.Incidents().Get(context.Background(), "inc-a"); err != store.ErrNotFound {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/incidents/inc-a", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete: expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestIncidentHandler_MethodNotAllowed(t *testing.T) {
	handler := NewIncidentHandler(newTestStore(t).Incidents())

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/incidents"},
		{http.MethodDelete, "/api/incidents"},
		{http.MethodPut, "/api/incidents/inc-a"},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: expected status %d, got %d", tt.method, tt.path, http.StatusMethodNotAllowed, rec.Code)
		}
	}
}
