// Command fretmaster is the live guitar tutoring client. It streams the
// microphone and camera to a realtime model, plays the tutor's voice, and
// keeps a chat transcript, driven from a console and a local HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/fretmaster/internal/archive"
	"github.com/MrWong99/fretmaster/internal/config"
	"github.com/MrWong99/fretmaster/internal/health"
	"github.com/MrWong99/fretmaster/internal/observe"
	"github.com/MrWong99/fretmaster/internal/recorder"
	"github.com/MrWong99/fretmaster/internal/server"
	"github.com/MrWong99/fretmaster/internal/session"
	"github.com/MrWong99/fretmaster/pkg/audio/portaudio"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "path to a KEY=VALUE file with credentials")
	flag.Parse()

	// ── Credentials and configuration ────────────────────────────────────────
	if err := config.LoadEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "fretmaster: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	haveFile := err == nil
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "fretmaster: %v\n", err)
			return 1
		}
		fmt.Fprintf(os.Stderr, "fretmaster: config file %q not found, using defaults (see configs/example.yaml)\n", *configPath)
		cfg = config.Default()
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(observe.ParseLevel(string(cfg.Server.LogLevel)))
	slog.SetDefault(observe.NewLogger(&level))

	slog.Info("fretmaster starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"provider", cfg.Live.Provider,
		"video", cfg.Video.Source,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(tel.MeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Live provider ─────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	credential := cfg.Credential()
	provider, err := newLiveProvider(reg, cfg.Live, credential)
	if err != nil {
		slog.Error("failed to build live provider", "err", err, "available", reg.LiveNames())
		return 1
	}

	// ── Devices ───────────────────────────────────────────────────────────────
	capDev, err := newCapture(cfg)
	if err != nil {
		slog.Error("failed to configure capture", "err", err)
		return 1
	}

	// ── Archive (optional) ────────────────────────────────────────────────────
	var store *archive.Store
	if cfg.Archive.PostgresDSN != "" {
		store, err = archive.Open(ctx, cfg.Archive.PostgresDSN, archive.WithOnDropped(func(error) {
			metrics.ArchiveDropped.Add(context.Background(), 1)
		}))
		if err != nil {
			slog.Error("failed to open archive", "err", err)
			return 1
		}
		defer store.Close()
		slog.Info("chat archive enabled")
	}

	// ── Session and recorder ──────────────────────────────────────────────────
	con := newConsole(nil, nil, os.Stdout)
	con.connectTimeout = cfg.Live.ConnectTimeout
	if cfg.Server.ListenAddr != "-" {
		con.baseURL = "http://" + cfg.Server.ListenAddr
	}

	opts := []session.Option{
		session.WithOnState(con.onState),
		session.WithOnMessage(con.onMessage),
		session.WithOnNotice(con.onNotice),
	}
	if store != nil {
		opts = append(opts, session.WithArchiver(store))
	}
	mgr := session.NewManager(session.Config{
		Provider:         provider,
		Capture:          capDev,
		Playback:         portaudio.NewSpeaker(),
		Session:          cfg.Live.SessionConfig(),
		Credential:       credential,
		InputSampleRate:  cfg.Audio.InputSampleRate,
		OutputSampleRate: cfg.Audio.OutputSampleRate,
		VideoInterval:    cfg.Video.Interval,
		Metrics:          metrics,
	}, opts...)

	rec := recorder.New(mgr,
		recorder.WithMetrics(metrics),
		recorder.WithOnRecorded(func(r recorder.Recording) {
			con.onRecorded(r)
			if store != nil {
				store.ArchiveRecording(mgr.SessionID(), r)
			}
		}),
	)
	con.sess, con.rec = mgr, rec

	// ── Config hot reload ─────────────────────────────────────────────────────
	if haveFile {
		w, err := config.NewWatcher(*configPath, func(_, next *config.Config, d config.Diff) {
			if d.LogLevelChanged {
				level.Set(observe.ParseLevel(string(d.NewLogLevel)))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			if d.SessionChanged {
				mgr.SetSessionConfig(next.Live.SessionConfig())
				slog.Info("session settings changed, applied on next connect", "model", next.Live.Model, "voice", next.Live.Voice)
			}
			if d.RestartRequired {
				slog.Warn("config change requires a restart to take effect")
			}
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	// ── HTTP API ──────────────────────────────────────────────────────────────
	checkers := []health.Checker{
		health.Credential(func() string { return credential }),
		health.Devices("audio_input", inputDevices),
	}
	srvOpts := []server.Option{
		server.WithMetrics(metrics),
		server.WithMetricsHandler(tel.MetricsHandler()),
		server.WithConnectTimeout(cfg.Live.ConnectTimeout),
	}
	if store != nil {
		checkers = append(checkers, health.Ping("archive", store))
		srvOpts = append(srvOpts, server.WithHistory(store))
	}
	srvOpts = append(srvOpts, server.WithHealth(health.New(checkers,
		health.WithState(func() string { return mgr.State().String() }),
	)))

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           server.New(mgr, rec, srvOpts...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	printStartupSummary(cfg, credential != "", store != nil)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Server.ListenAddr != "-" {
		g.Go(func() error {
			slog.Info("http api listening", "addr", httpSrv.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpSrv.Shutdown(sctx)
		})
	} else {
		slog.Info("http api disabled")
	}
	g.Go(func() error {
		return con.run(gctx, os.Stdin)
	})

	runErr := g.Wait()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutting down")
	if _, ok := rec.Stop(); ok {
		slog.Info("recording stopped on exit")
	}
	if err := mgr.Close(); err != nil {
		slog.Warn("session close", "err", err)
	}
	rec.ReleaseAll()

	if runErr != nil && !errors.Is(runErr, errQuit) {
		slog.Error("run error", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, haveKey, archived bool) {
	key := "(missing)"
	if haveKey {
		key = "configured"
	}
	arch := "(disabled)"
	if archived {
		arch = "postgres"
	}
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       FretMaster startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", cfg.Live.Provider)
	if cfg.Live.FallbackProvider != "" {
		printRow("Fallback", cfg.Live.FallbackProvider)
	}
	printRow("Model", cfg.Live.Model)
	printRow("Voice", cfg.Live.Voice)
	printRow("API key", key)
	printRow("Video", string(cfg.Video.Source))
	printRow("Archive", arch)
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
	fmt.Println("type /help for commands")
}

func printRow(label, value string) {
	if value == "" {
		value = "(default)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}
