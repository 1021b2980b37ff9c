package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/ayusman/watchpost/internal/app"
	"github.com/ayusman/watchpost/internal/config"
	"github.com/ayusman/watchpost/internal/logging"
	"github.com/ayusman/watchpost/internal/tray"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	envFile := flag.String("env", ".env", "path to a .env file (ignored when missing)")
	streamURL := flag.String("stream", "", "MJPEG stream URL (overrides config)")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	noWindow := flag.Bool("no-window", false, "disable the local display window")
	withTray := flag.Bool("tray", false, "show a system tray menu")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "watchpost: %v\n", err)
		os.Exit(2)
	}
	if *streamURL != "" {
		cfg.Source.URL = *streamURL
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *noWindow {
		cfg.Display.Window = false
	}
	if *withTray {
		cfg.Display.Tray = true
	}
	if cfg.Server.StaticDir == "" {
		cfg.Server.StaticDir = findWebDir()
	}
	if err := checkDisplay(cfg.Display, runtime.GOOS); err != nil {
		fmt.Fprintf(os.Stderr, "watchpost: %v\n", err)
		os.Exit(2)
	}

	logger := logging.New("watchpost", logging.Config{
		Level:  cfg.Log.Level,
		Format: logging.Format(cfg.Log.Format),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !cfg.Display.Tray {
		if err := run(ctx, cfg, logger, nil); err != nil {
			logger.Error().Err(err).Msg("watchpost stopped")
			os.Exit(1)
		}
		return
	}

	// The tray owns the main goroutine; the pipeline runs beside it.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	tr := tray.New()
	tr.OnQuit(cancel)

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, cfg, logger, tr)
		tr.Quit()
	}()
	tr.Run()
	cancel()

	if err := <-errCh; err != nil {
		logger.Error().Err(err).Msg("watchpost stopped")
		os.Exit(1)
	}
}

// run builds every component from cfg and processes the stream until it
// ends, ctx is cancelled or the display asks to quit.
func run(ctx context.Context, cfg config.Config, logger zerolog.Logger, tr *tray.Tray) error {
	// The OpenCV window is created, drawn and destroyed on this goroutine and
	// must stay on one OS thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.close(logger)

	if tr != nil {
		// A paused state restored from the settings table must show in the
		// menu, as must changes made through the API.
		tr.SetEnabled(c.control.IsEnabled())
		c.control.onChange = tr.SetEnabled
		tr.OnToggle(c.control.SetEnabled)
		tr.OnDashboard(func() {
			if err := openBrowser(dashboardURL(cfg.Server.Addr)); err != nil {
				logger.Warn().Err(err).Msg("failed to open dashboard")
			}
		})
		c.app.Incidents().Subscribe(tr.IncidentListener())
	}

	if c.server != nil {
		go func() {
			if err := c.server.Run(ctx, cfg.Server.Addr); err != nil {
				logger.Error().Err(err).Msg("http server failed")
			}
		}()
	}

	logger.Info().
		Str("source", cfg.Source.URL).
		Str("runtime", cfg.Cascade.Runtime).
		Str("gating", cfg.Cascade.Gating).
		Str("store", cfg.Incidents.Store).
		Msg("watchpost started")

	err = c.app.Run(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Info().Msg("shutting down")
		return nil
	case errors.Is(err, app.ErrStreamEnded):
		logger.Info().Err(err).Msg("stream ended")
		return nil
	default:
		return err
	}
}

// checkDisplay rejects display combinations the platform cannot drive. On
// macOS both the tray and the OpenCV window need the process main thread.
func checkDisplay(cfg config.DisplayConfig, goos string) error {
	if goos == "darwin" && cfg.Window && cfg.Tray {
		return errors.New("the display window and the tray cannot run together on macOS; use -no-window")
	}
	return nil
}

// findWebDir searches for the web directory in common locations.
// It checks: "web", "../web", "../../web", and ~/.watchpost/web.
// Returns the first existing directory or empty string if none found.
func findWebDir() string {
	relativePaths := []string{"web", "../web", "../../web"}
	for _, p := range relativePaths {
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			absPath, err := filepath.Abs(p)
			if err == nil {
				return absPath
			}
			return p
		}
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	homeWebDir := filepath.Join(homeDir, ".watchpost", "web")
	if info, err := os.Stat(homeWebDir); err == nil && info.IsDir() {
		return homeWebDir
	}

	return ""
}
