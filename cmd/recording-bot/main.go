package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/CX-Karim/teams-recording-bot/internal/call"
	"github.com/CX-Karim/teams-recording-bot/internal/config"
	"github.com/CX-Karim/teams-recording-bot/internal/logging"
	"github.com/CX-Karim/teams-recording-bot/internal/media"
	"github.com/CX-Karim/teams-recording-bot/internal/metrics"
	"github.com/CX-Karim/teams-recording-bot/internal/runtime/ipc"
	"github.com/CX-Karim/teams-recording-bot/internal/runtime/rtc"
	"github.com/CX-Karim/teams-recording-bot/internal/status"
	"github.com/CX-Karim/teams-recording-bot/internal/storage"
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Usage:   "path to YAML config file",
		EnvVars: []string{"RECORDER_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "call-id",
		Usage: "identifier of the recorded call",
	},
	&cli.StringFlag{
		Name:  "runtime",
		Usage: "media runtime: ipc or rtc",
	},
	&cli.IntFlag{
		Name:  "video-sockets",
		Usage: "number of video decode channels",
	},
	&cli.StringFlag{
		Name:  "output-dir",
		Usage: "directory recordings are written to",
	},
	&cli.StringFlag{
		Name:  "http-addr",
		Usage: "status server listen address",
	},
	&cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn or error",
	},
	&cli.BoolFlag{
		Name:  "dev",
		Usage: "console log output",
	},
}

func main() {
	app := &cli.App{
		Name:   "recording-bot",
		Usage:  "records the media of one call",
		Flags:  flags,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	if c.IsSet("call-id") {
		cfg.CallID = c.String("call-id")
	}
	if c.IsSet("runtime") {
		cfg.Runtime = c.String("runtime")
	}
	if c.IsSet("video-sockets") {
		cfg.VideoSockets = c.Int("video-sockets")
	}
	if c.IsSet("output-dir") {
		cfg.OutputDir = c.String("output-dir")
	}
	if c.IsSet("http-addr") {
		cfg.HTTPListenAddr = c.String("http-addr")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type runtimeSession struct {
	media.Session
	ended    <-chan struct{}
	answerer status.Answerer
}

func openSession(cfg *config.Config, log zerolog.Logger) (*runtimeSession, error) {
	switch cfg.Runtime {
	case "rtc":
		s, err := rtc.NewSession(rtc.Config{
			VideoChannels: cfg.VideoSockets,
			ScreenShare:   cfg.ScreenShare,
			ICEServers:    cfg.ICEServers,
		}, log)
		if err != nil {
			return nil, err
		}
		return &runtimeSession{Session: s, ended: s.Ended(), answerer: s}, nil
	default:
		s, err := ipc.NewSession(ipc.Config{
			SocketPath:    cfg.IPCSocketPath,
			VideoChannels: cfg.VideoSockets,
			ScreenShare:   cfg.ScreenShare,
			// The wire limit leaves room for frame prefixes.
			MaxFrameBytes: uint32(cfg.MaxFrameBytes) + 1<<16,
		}, log)
		if err != nil {
			return nil, err
		}
		return &runtimeSession{Session: s, ended: s.Ended()}, nil
	}
}

func startSession(s media.Session) error {
	if starter, ok := s.(interface{ Start() error }); ok {
		return starter.Start()
	}
	return nil
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	log := logging.New(cfg.LogLevel, c.Bool("dev"))
	log.Info().Str("config", cfg.String()).Msg("recording bot starting")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg, cfg.CallID)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	codec, err := storage.NewCodec(cfg.PayloadEncoding)
	if err != nil {
		return err
	}
	store, err := storage.NewFileStore(cfg.OutputDir, cfg.CallID, codec, log)
	if err != nil {
		return err
	}

	session, err := openSession(cfg, log)
	if err != nil {
		return fmt.Errorf("open %s session: %w", cfg.Runtime, err)
	}

	lc, err := call.NewLifecycle(session, store, call.Options{
		CallID:                          cfg.CallID,
		Resolution:                      cfg.SubscribeResolution(),
		ScreenShare:                     cfg.ScreenShare,
		ForceSubscribeOnDominantSpeaker: cfg.ForceSubscribeOnDominantSpeaker,
		MaxFrameBytes:                   cfg.MaxFrameBytes,
		FlushConcurrency:                cfg.FlushConcurrency,
		Metrics:                         m,
		Logger:                          log,
	})
	if err != nil {
		session.Close()
		return err
	}

	// Callbacks are registered before the runtime delivers anything.
	if err := startSession(session.Session); err != nil {
		lc.Close(context.Background())
		return err
	}

	srv := status.New(cfg.HTTPListenAddr, lc, session.answerer, reg, log)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			log.Info().Msg("shutting down")
		case <-session.ended:
			log.Info().Msg("call ended")
		}

		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := lc.Close(closeCtx)
		if serr := srv.Shutdown(closeCtx); serr != nil && err == nil {
			err = serr
		}
		return err
	})

	err = g.Wait()
	stats := lc.Stats()
	log.Info().
		Int64("captured", stats.Captured).
		Int64("bytes", stats.Bytes).
		Int64("dropped", stats.Dropped).
		Msg("recording bot stopped")
	return err
}
