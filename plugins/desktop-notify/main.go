// Package main is an incident hook that raises a desktop notification.
// It uses AppleScript on macOS and notify-send elsewhere.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// Request is the input from the hook executor.
type Request struct {
	Event    string          `json:"event"`
	Incident *Incident       `json:"incident"`
	Config   json.RawMessage `json:"config"`
}

// Incident is the persisted incident record.
type Incident struct {
	ID          string   `json:"id"`
	Timestamp   string   `json:"timestamp"`
	Description string   `json:"description"`
	Labels      []string `json:"labels"`
}

// Config is the hook configuration from plugin.json.
type Config struct {
	Sound string `json:"sound"`
	// DryRun reports the command instead of running it.
	DryRun bool `json:"dry_run"`
}

// Response is the output to the hook executor.
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func main() {
	var req Request
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		writeErrorResponse(fmt.Sprintf("failed to decode request: %v", err))
		return
	}
	if req.Event != "incident" || req.Incident == nil {
		writeErrorResponse(fmt.Sprintf("unsupported event: %q", req.Event))
		return
	}

	var cfg Config
	if len(req.Config) > 0 {
		if err := json.Unmarshal(req.Config, &cfg); err != nil {
			writeErrorResponse(fmt.Sprintf("invalid config: %v", err))
			return
		}
	}
	if os.Getenv("WATCHPOST_NOTIFY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	args := notifyCommand(runtime.GOOS, req.Incident, cfg)
	if cfg.DryRun {
		data, _ := json.Marshal(map[string][]string{"command": args})
		writeSuccessResponse(data)
		return
	}

	if output, err := exec.Command(args[0], args[1:]...).CombinedOutput(); err != nil {
		writeErrorResponse(fmt.Sprintf("notify failed: %v: %s", err, strings.TrimSpace(string(output))))
		return
	}
	writeSuccessResponse(nil)
}

// notifyCommand builds the platform notification command for inc.
func notifyCommand(goos string, inc *Incident, cfg Config) []string {
	title := "Watchpost incident"
	body := fmt.Sprintf("%s at %s", inc.Description, inc.Timestamp)

	if goos == "darwin" {
		script := fmt.Sprintf("display notification %s with title %s", quote(body), quote(title))
		if cfg.Sound != "" {
			script += " sound name " + quote(cfg.Sound)
		}
		return []string{"osascript", "-e", script}
	}
	return []string{"notify-send", "--urgency=critical", title, body}
}

// quote renders s as an AppleScript string literal.
func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func writeErrorResponse(errMsg string) {
	json.NewEncoder(os.Stdout).Encode(Response{Success: false, Error: errMsg})
}

func writeSuccessResponse(data json.RawMessage) {
	json.NewEncoder(os.Stdout).Encode(Response{Success: true, Data: data})
}
