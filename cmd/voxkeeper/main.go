// Command voxkeeper is the main entry point for the Voxkeeper session agent.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxkeeper/voxkeeper/internal/config"
	"github.com/voxkeeper/voxkeeper/internal/health"
	"github.com/voxkeeper/voxkeeper/internal/observe"
	"github.com/voxkeeper/voxkeeper/internal/script"
	"github.com/voxkeeper/voxkeeper/internal/session"
	"github.com/voxkeeper/voxkeeper/pkg/channel"
	"github.com/voxkeeper/voxkeeper/pkg/channel/gemini"
	"github.com/voxkeeper/voxkeeper/pkg/device"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Configuration (with hot reload) ───────────────────────────────────────
	logLevel := new(slog.LevelVar)

	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Compare(old, new)
		if d.LogLevelChanged {
			logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.AgentChanged {
			slog.Info("agent config changed; takes effect on next session start")
		}
		if d.AudioChanged {
			slog.Warn("audio config changed; restart required to apply")
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxkeeper: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxkeeper: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel.Set(slogLevel(cfg.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("voxkeeper starting",
		"version", version,
		"config", *configPath,
		"log_level", cfg.LogLevel,
		"model", cfg.Agent.Model,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxkeeper",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Channel provider ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	provider, err := reg.CreateChannel(cfg.Agent)
	if err != nil {
		slog.Error("failed to build channel provider", "err", err)
		return 1
	}

	// ── Audio devices ─────────────────────────────────────────────────────────
	mic, err := device.OpenMicrophone(cfg.Audio.InputSampleRate, cfg.Audio.FrameSamples)
	if err != nil {
		slog.Error("failed to open microphone", "err", err)
		return 1
	}
	defer mic.Close()
	if err := mic.Start(); err != nil {
		slog.Error("failed to start microphone", "err", err)
		return 1
	}

	speaker, err := device.OpenSpeaker(cfg.Audio.OutputSampleRate, cfg.Audio.FrameSamples)
	if err != nil {
		slog.Error("failed to open speaker", "err", err)
		return 1
	}
	defer speaker.Close()

	// ── Session controller ────────────────────────────────────────────────────
	ctrl := session.NewController(session.Config{
		Provider:         provider,
		Sink:             speaker,
		Clock:            device.NewClock(),
		Mic:              mic,
		Model:            cfg.Agent.Model,
		Voice:            cfg.Agent.Voice,
		Persona:          cfg.Agent.Persona,
		OutputSampleRate: cfg.Audio.OutputSampleRate,
		Logger:           logger,
		Metrics:          metrics,
	})
	defer ctrl.Stop()

	// ── Metrics / health HTTP server ──────────────────────────────────────────
	var srv *http.Server
	if cfg.MetricsAddr != "" {
		srv = newHTTPServer(cfg.MetricsAddr, ctrl, metrics)
		go func() {
			slog.Info("metrics server listening", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "err", err)
			}
		}()
	}

	// ── Command loop ──────────────────────────────────────────────────────────
	fmt.Println("voxkeeper ready — type 'help' for commands")
	commandLoop(ctx, ctrl, watcher)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutting down")
	ctrl.Stop()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics server shutdown error", "err", err)
		}
	}
	slog.Info("goodbye")
	return 0
}

// registerBuiltinProviders wires all built-in channel provider factories
// into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterChannel("gemini-live", func(agent config.AgentConfig) (channel.Provider, error) {
		var opts []gemini.Option
		if agent.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(agent.BaseURL))
		}
		return gemini.New(agent.APIKey, opts...), nil
	})
}

// newHTTPServer assembles the metrics, health, and status endpoints.
func newHTTPServer(addr string, ctrl *session.Controller, metrics *observe.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	h := health.New(
		func() health.SessionStatus {
			return health.SessionStatus{
				Session:    ctrl.Status().String(),
				Detail:     ctrl.StatusLine(),
				ID:         ctrl.SessionID(),
				MicEnabled: ctrl.MicEnabled(),
			}
		},
		health.Checker{Name: "session", Check: func(_ context.Context) error {
			if ctrl.Status() == session.StatusError {
				return errors.New(ctrl.StatusLine())
			}
			return nil
		}},
	)
	h.Register(mux)

	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// commandLoop reads operator commands from stdin until EOF, "quit", or
// signal-driven context cancellation.
func commandLoop(ctx context.Context, ctrl *session.Controller, watcher *config.Watcher) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !dispatch(ctx, ctrl, watcher.Current(), strings.Fields(line)) {
				return
			}
		}
	}
}

// dispatch executes a single operator command. It returns false when the
// loop should exit.
func dispatch(ctx context.Context, ctrl *session.Controller, cfg *config.Config, args []string) bool {
	if len(args) == 0 {
		return true
	}

	switch args[0] {
	case "load":
		if len(args) < 2 {
			fmt.Println("usage: load <scene.txt> [scene.jpg]")
			return true
		}
		sc, err := script.LoadText(args[1], cfg.Script.MaxPreviewChars)
		if err != nil {
			fmt.Println("load failed:", err)
			return true
		}
		if len(args) > 2 {
			img, err := script.LoadImage(args[2])
			if err != nil {
				fmt.Println("load failed:", err)
				return true
			}
			sc = sc.WithImage(img.Image)
		}
		if err := ctrl.LoadContext(sc); err != nil {
			fmt.Println("load failed:", err)
			return true
		}

	case "start":
		if err := ctrl.Start(ctx); err != nil {
			fmt.Println("start failed:", err)
		}

	case "mic":
		if len(args) < 2 || (args[1] != "on" && args[1] != "off") {
			fmt.Println("usage: mic on|off")
			return true
		}
		if err := ctrl.SetMicEnabled(ctx, args[1] == "on"); err != nil {
			fmt.Println("mic failed:", err)
		}

	case "stop":
		ctrl.Stop()

	case "status":
		// handled by the fallthrough print below

	case "help":
		fmt.Println("commands: load <scene.txt> [scene.jpg] | start | mic on|off | stop | status | quit")
		return true

	case "quit", "exit":
		return false

	default:
		fmt.Printf("unknown command %q — type 'help'\n", args[0])
		return true
	}

	fmt.Println(ctrl.StatusLine())
	return true
}

// slogLevel maps a config log level onto its slog equivalent.
func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
