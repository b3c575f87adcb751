package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/SpiNNakerManchester/spinnaker-udp-proxy/internal/config"
	"github.com/SpiNNakerManchester/spinnaker-udp-proxy/internal/httpserver"
	"github.com/SpiNNakerManchester/spinnaker-udp-proxy/internal/jobsource"
	"github.com/SpiNNakerManchester/spinnaker-udp-proxy/internal/metrics"
	"github.com/SpiNNakerManchester/spinnaker-udp-proxy/internal/relay"
)

// Set via -ldflags at build time. Values may be empty in local/dev builds.
var (
	buildCommit = ""
	buildTime   = ""
)

func main() {
	flags, fs, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if flags.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\nnote: if env_file is provided, config from the environment is ignored\n", os.Args[0], fs.FlagUsages())
		return
	}

	cfg, err := config.Load(flags.EnvFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := cfg.NewLogger()

	logger.Info().
		Str("listen_addr", cfg.ListenAddr).
		Int("max_sessions", cfg.MaxSessions).
		Int("max_channels_per_session", cfg.MaxChannelsPerSession).
		Bool("unconnected_sockets_enabled", cfg.UnconnectedLocalIP != "").
		Msg("starting spinnaker-udp-proxy")

	if cfg.UnconnectedLocalIP == "" {
		logger.Warn().Msg("SPINNPROXY_UNCONNECTED_LOCAL_IP is unset: OPEN_UNCONNECTED requests will be rejected")
	}

	var boards relay.JobBoardSource
	if cfg.JobBoardSourceURL != "" {
		boards = &jobsource.HTTPSource{
			BaseURL: cfg.JobBoardSourceURL,
			APIKey:  cfg.JobBoardSourceAPIKey,
			Timeout: cfg.JobBoardSourceTimeout,
		}
	} else {
		logger.Error().Msg("SPINNPROXY_JOB_BOARD_SOURCE_URL is unset: no way to resolve job board lists, refusing to start")
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error().Err(err).Msg("failed to listen")
		os.Exit(1)
	}

	commit, bTime := resolveBuildInfo(buildCommit, buildTime)
	httpSrv := httpserver.New(
		httpserver.Config{ListenAddr: cfg.ListenAddr, AllowedOrigins: cfg.AllowedOrigins},
		logger,
		httpserver.BuildInfo{Commit: commit, BuildTime: bTime},
	)

	reg := metrics.New()
	sessionMgr := relay.NewSessionManager(cfg.RelayConfig(), reg, logger)
	relaySrv := relay.NewServer(cfg.RelayConfig(), sessionMgr, boards, cfg.AllowedOrigins, logger)

	httpSrv.Mux().Handle("GET /udp", relaySrv)
	httpSrv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(reg))

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server exited")
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("http server exited after shutdown")
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	return commit, buildTime
}
