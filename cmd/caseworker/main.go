// Command caseworker runs the live claim assistant: a local HTTP and WebSocket
// surface over one voice session with the Gemini Live service.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/vango-go/vai-caseworker/internal/dotenv"
	"github.com/vango-go/vai-caseworker/pkg/core/audio"
	"github.com/vango-go/vai-caseworker/pkg/gateway/config"
	gatewayserver "github.com/vango-go/vai-caseworker/pkg/gateway/server"
	"github.com/vango-go/vai-caseworker/pkg/live/capture"
	"github.com/vango-go/vai-caseworker/pkg/live/channel"
	"github.com/vango-go/vai-caseworker/pkg/live/metrics"
	"github.com/vango-go/vai-caseworker/pkg/live/playback"
	"github.com/vango-go/vai-caseworker/pkg/live/session"
)

type caseworkerDeps struct {
	loadConfig   func() (config.Config, error)
	newMachine   func(config.Config, *slog.Logger, *metrics.Metrics) (*session.Machine, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultCaseworkerDeps() caseworkerDeps {
	return caseworkerDeps{
		loadConfig: config.LoadFromEnv,
		newMachine: newMachine,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func sessionConfig(cfg config.Config) session.Config {
	sc := session.DefaultConfig()
	sc.Channel.Model = cfg.Model
	sc.Channel.OutputTranscription = cfg.OutputTranscription
	sc.FrameSize = cfg.FrameSize
	sc.VolumeGain = cfg.VolumeGain
	sc.ConnectTimeout = cfg.ConnectTimeout
	sc.TurnTimeout = cfg.TurnTimeout
	sc.MaxUploadBytes = cfg.MaxUploadBytes
	return sc
}

func newMachine(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) (*session.Machine, error) {
	return session.New(session.Dependencies{
		Dialer: channel.NewGeminiDialer(cfg.GeminiAPIKey, logger, m),
		Microphone: capture.FFmpegOpener{
			Path:   cfg.FFmpegPath,
			Device: cfg.MicDevice,
			Logger: logger,
		},
		Speaker: playback.FFplayOpener{
			Config: playback.FFplayConfig{
				Path:   cfg.FFplayPath,
				Format: audio.OutputFormat(),
				Volume: cfg.PlaybackVolume,
			},
			Silent: cfg.Silent,
			Logger: logger,
		},
		Logger:  logger,
		Metrics: m,
		Config:  sessionConfig(cfg),
	})
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runCaseworker(ctx context.Context, logger *slog.Logger, level *slog.LevelVar, deps caseworkerDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newMachine == nil {
		return errors.New("missing newMachine dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if level != nil {
		level.Set(parseLevel(cfg.LogLevel))
	}
	if cfg.GeminiAPIKey == "" {
		logger.Warn("no API key configured; connecting will fail until GEMINI_API_KEY is set")
	}

	m := metrics.New()
	machine, err := deps.newMachine(cfg, logger, m)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	machineCtx, stopMachine := context.WithCancel(context.Background())
	defer stopMachine()
	go func() {
		if err := machine.Run(machineCtx); err != nil {
			logger.Error("session loop exited", "error", err)
		}
	}()

	gw := gatewayserver.New(cfg, logger, machine, m)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting caseworker", "addr", cfg.Addr, "model", cfg.Model, "silent", cfg.Silent)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	var runErr error
	select {
	case err := <-listenErrCh:
		if err != nil {
			runErr = fmt.Errorf("serve: %w", err)
		}
		stopMachine()
		<-machine.Done()
		return runErr
	case <-ctx.Done():
		logger.Info("context cancelled; shutting down")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.Lifecycle().BeginDrain()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown http server", "error", err)
	}

	// Stopping the loop releases the microphone, speaker and live channel.
	stopMachine()
	select {
	case <-machine.Done():
	case <-shutdownCtx.Done():
		logger.Warn("session did not stop within grace period")
	}

	if err := <-listenErrCh; err != nil && runErr == nil {
		runErr = fmt.Errorf("serve: %w", err)
	}
	if runErr == nil {
		logger.Info("caseworker stopped")
	}
	return runErr
}

func runMain(ctx context.Context, stderr io.Writer, deps caseworkerDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if err := dotenv.LoadFirst(".env.local", ".env"); err != nil {
		fmt.Fprintf(stderr, "caseworker: %v\n", err)
		return 1
	}

	if err := runCaseworker(ctx, logger, level, deps); err != nil {
		fmt.Fprintf(stderr, "caseworker: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultCaseworkerDeps()))
}
