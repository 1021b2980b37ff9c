// Package plugin runs incident hooks: external executables that are told
// about every persisted incident.
package plugin

import "encoding/json"

// EventIncident is sent once per persisted incident record.
const EventIncident = "incident"

// Manifest describes a hook's metadata and subscriptions.
type Manifest struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Executable  string `json:"executable"`
	// Events lists the events the hook receives. Empty means all.
	Events []string `json:"events"`
	// Labels restricts incident events to records carrying one of these
	// labels. Empty means every incident.
	Labels       []string        `json:"labels,omitempty"`
	Config       json.RawMessage `json:"config,omitempty"`
	ConfigSchema json.RawMessage `json:"configSchema,omitempty"`
}

// IncidentPayload is the incident as a hook sees it.
type IncidentPayload struct {
	ID          string   `json:"id"`
	Timestamp   string   `json:"timestamp"`
	Description string   `json:"description"`
	Labels      []string `json:"labels"`
}

// Request is written to the hook's stdin as JSON.
type Request struct {
	Event    string           `json:"event"`
	Incident *IncidentPayload `json:"incident,omitempty"`
	Config   json.RawMessage  `json:"config,omitempty"`
}

// Response is read from the hook's stdout.
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Plugin is a discovered hook with its manifest and location.
type Plugin struct {
	Manifest   Manifest
	Path       string
	Executable string
}

// Wants reports whether the hook subscribes to event for a record with the
// given labels.
func (p *Plugin) Wants(event string, labels []string) bool {
	if len(p.Manifest.Events) > 0 && !contains(p.Manifest.Events, event) {
		return false
	}
	if event != EventIncident || len(p.Manifest.Labels) == 0 {
		return true
	}
	for _, l := range labels {
		if contains(p.Manifest.Labels, l) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
