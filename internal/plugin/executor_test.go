package plugin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// writeHook writes an executable shell script into dir and returns a Plugin
// pointing at it.
func writeHook(t *testing.T, dir, name, script string) *Plugin {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("skipping test on Windows")
	}
	path := filepath.Join(dir, name+".sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return &Plugin{
		Manifest: Manifest{
			Name:       name,
			Version:    "1.0.0",
			Executable: name + ".sh",
			Events:     []string{EventIncident},
		},
		Path:       dir,
		Executable: path,
	}
}

func incidentRequest() *Request {
	return &Request{
		Event: EventIncident,
		Incident: &IncidentPayload{
			ID:          "inc-1",
			Timestamp:   "2024-03-09 14:30:05",
			Description: "Detected: Knife",
			Labels:      []string{"Knife"},
		},
	}
}

func TestExecutor_Execute(t *testing.T) {
	hook := writeHook(t, t.TempDir(), "ok-hook", `echo '{"success":true,"data":{"message":"notified"}}'
`)

	response, err := NewExecutor(5000).Execute(context.Background(), hook, incidentRequest())
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if !response.Success || response.Error != "" {
		t.Errorf("response = %+v, want success", response)
	}

	var data map[string]string
	if err := json.Unmarshal(response.Data, &data); err != nil {
		t.Fatalf("failed to unmarshal response data: %v", err)
	}
	if data["message"] != "notified" {
		t.Errorf("message = %q, want notified", data["message"])
	}
}

func TestExecutor_Execute_ReadsStdin(t *testing.T) {
	hook := writeHook(t, t.TempDir(), "echo-hook", `INPUT=$(cat)
echo "{\"success\":true,\"data\":$INPUT}"
`)
	hook.Manifest.Config = json.RawMessage(`{"channel":"alerts"}`)

	response, err := NewExecutor(5000).Execute(context.Background(), hook, incidentRequest())
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}

	var received Request
	if err := json.Unmarshal(response.Data, &received); err != nil {
		t.Fatalf("failed to unmarshal echoed request: %v", err)
	}
	if received.Event != EventIncident {
		t.Errorf("event = %q, want %q", received.Event, EventIncident)
	}
	if received.Incident == nil || received.Incident.Description != "Detected: Knife" {
		t.Errorf("incident = %+v", received.Incident)
	}
	if string(received.Config) != `{"channel":"alerts"}` {
		t.Errorf("config = %s, want manifest config", received.Config)
	}
}

func TestExecutor_Failures(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		timeout int
		wantErr string
	}{
		{"timeout", "sleep 10\necho '{\"success\":true}'\n", 100, "timed out"},
		{"invalid json", "echo 'not valid json'\n", 5000, "parse hook response"},
		{"non-zero exit", "echo 'Error: something failed' >&2\nexit 1\n", 5000, "something failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hook := writeHook(t, t.TempDir(), "bad-hook", tt.script)
			_, err := NewExecutor(tt.timeout).Execute(context.Background(), hook, incidentRequest())
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestExecutor_Execute_ErrorResponse(t *testing.T) {
	hook := writeHook(t, t.TempDir(), "error-hook", `echo '{"success":false,"error":"webhook unreachable"}'
`)

	response, err := NewExecutor(5000).Execute(context.Background(), hook, incidentRequest())
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if response.Success {
		t.Error("expected success=false")
	}
	if response.Error != "webhook unreachable" {
		t.Errorf("error = %q, want %q", response.Error, "webhook unreachable")
	}
}

func TestExecutor_Execute_Cancelled(t *testing.T) {
	hook := writeHook(t, t.TempDir(), "slow-hook", "sleep 10\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewExecutor(5000).Execute(ctx, hook, incidentRequest()); err == nil {
		t.Fatal("expected error for a cancelled context")
	}
}

func TestNewExecutor(t *testing.T) {
	executor := NewExecutor(3000)
	if executor.timeoutMs != 3000 {
		t.Errorf("expected timeoutMs=3000, got %d", executor.timeoutMs)
	}
}
