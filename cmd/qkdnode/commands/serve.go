package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jaskrrish/qkd-node/internal/config"
	"github.com/jaskrrish/qkd-node/internal/metrics"
	"github.com/jaskrrish/qkd-node/internal/qkd/align"
	"github.com/jaskrrish/qkd-node/internal/qkd/connector"
	"github.com/jaskrrish/qkd-node/internal/qkd/keypkg"
	"github.com/jaskrrish/qkd-node/internal/qkd/pipeline"
	"github.com/jaskrrish/qkd-node/internal/qkd/rng"
	"github.com/jaskrrish/qkd-node/internal/qkd/session"
	"github.com/jaskrrish/qkd-node/internal/rpc"
)

// shutdownTimeout bounds how long the HTTP servers are given to drain on
// graceful shutdown.
const shutdownTimeout = 10 * time.Second

// sessionStates lists every session.State value, in declaration order, for
// the exclusive session_state gauge.
var sessionStates = []string{
	session.Idle.String(),
	session.Listening.String(),
	session.Connected.String(),
	session.SessionStarted.String(),
	session.Ending.String(),
	session.Faulted.String(),
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the qkdnode daemon",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe(configPath)
		},
	}
}

func runServe(path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration", slog.Any("error", err))
		return err
	}

	logger := newLogger(cfg.Log)
	logger.Info("qkdnode starting",
		slog.String("side", string(cfg.Side)),
		slog.String("rpc_listen_addr", cfg.RPC.ListenAddr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	conn := connector.New(cfg.RPC.ListenAddr, rpc.Dial, logger)
	ctrl := session.New(cfg.RPC.ListenAddr, conn)

	setSessionState := func() {
		collector.SetSessionState(ctrl.State().String(), sessionStates)
	}
	setSessionState()

	registerStage, err := attachPipelineSide(cfg, ctrl, collector, logger)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)
	lc := net.ListenConfig{}

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr), slog.String("path", cfg.Metrics.Path))
		return listenAndServe(gCtx, &lc, metricsSrv, cfg.Metrics.Addr)
	})

	rpcSrv := &http.Server{
		Addr: cfg.RPC.ListenAddr,
		Handler: rpc.ListenerHandler(gCtx, logger, func(ep *rpc.Endpoint) {
			ctrl.RegisterOn(ep)
			registerStage(ep)
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("rpc server listening", slog.String("addr", cfg.RPC.ListenAddr))
		return listenAndServe(gCtx, &lc, rpcSrv, cfg.RPC.ListenAddr)
	})

	if err := ctrl.StartListening(); err != nil {
		return fmt.Errorf("start listening: %w", err)
	}
	setSessionState()

	if cfg.RPC.PeerAddr != "" {
		g.Go(func() error {
			connectTimeout := time.Duration(cfg.Session.PeerConnectTimeoutMS) * time.Millisecond
			if _, err := ctrl.Connect(gCtx, cfg.RPC.PeerAddr, connectTimeout); err != nil {
				logger.Error("failed to connect to peer", slog.String("peer_addr", cfg.RPC.PeerAddr), slog.Any("error", err))
				setSessionState()
				return nil
			}
			setSessionState()

			params := cfg.Frame.ToSystemParameters()
			if err := ctrl.StartSession(gCtx, params); err != nil {
				logger.Error("failed to start session", slog.Any("error", err))
			}
			setSessionState()
			return nil
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, metricsSrv, rpcSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	logger.Info("qkdnode stopped")
	return nil
}

// attachPipelineSide builds this node's stage chain per cfg.Side (spec.md
// §2's transmitter or detector data flow), registers it with ctrl so the
// session controller connects/disconnects it with every session, and
// returns the RPC registration func for the stage's own server-side
// handlers (TransmitterStore/ReferenceSide or RxSifter, depending on side).
func attachPipelineSide(cfg *config.Config, ctrl *session.Controller, collector *metrics.Collector, logger *slog.Logger) (func(*rpc.Endpoint), error) {
	params := cfg.Frame.ToSystemParameters()
	source := rng.NewCryptoSource()
	hub := collector.AsHub()
	emitInterval := time.Duration(cfg.Demo.EmitIntervalMS) * time.Millisecond

	switch cfg.Side {
	case config.SideTransmitter:
		side, err := pipeline.NewTransmitterSide(params, cfg.Key.SizeBytes, cfg.Privacy.SecurityMarginBits,
			cfg.Sift.MinFramesBeforeVerify, emitInterval, source, ctrl.SharedSecret, hub)
		if err != nil {
			return nil, err
		}
		ctrl.AddStage(side)
		go logEmittedKeys(side.Packager.Output, logger)
		return side.RegisterOn, nil

	case config.SideDetector:
		// How this node actually receives photon detections is a driver
		// concern outside this module's scope; absent real hardware the
		// detector side measures its own synthetic emission stream through
		// a simulated noisy channel (align.LoopbackDetectionSource), giving
		// the rest of the chain real frames to operate on.
		shadowStore := align.NewTransmitterStore(source)
		shadowEmitter := align.NewEmitter(params, source, shadowStore, hub)
		go func() { _ = shadowEmitter.Run(context.Background(), emitInterval) }()
		detectionSource := align.NewLoopbackDetectionSource(params, cfg.Demo.ChannelNoiseLevel, source, shadowEmitter.Reports)

		waitForLocal := time.Duration(cfg.Sift.WaitForLocalFrameMS) * time.Millisecond
		side, err := pipeline.NewDetectorSide(params, cfg.Key.SizeBytes, cfg.Privacy.SecurityMarginBits,
			waitForLocal, detectionSource, ctrl.SharedSecret, hub)
		if err != nil {
			return nil, err
		}
		ctrl.AddStage(side)
		go logEmittedKeys(side.Packager.Output, logger)
		return side.RegisterOn, nil

	default:
		return nil, fmt.Errorf("unknown side %q", cfg.Side)
	}
}

// logEmittedKeys reports each key the packager cuts; production deployments
// would instead forward KeyRecord to whatever consumes application keys,
// which is outside this module's scope (spec.md treats the packager's
// Output as the pipeline's terminal interface).
func logEmittedKeys(records <-chan keypkg.KeyRecord, logger *slog.Logger) {
	for rec := range records {
		logger.Info("key emitted", slog.Uint64("key_id", rec.ID), slog.Int("bytes", len(rec.Bytes)))
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.Level)}
	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}
