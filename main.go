package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"minerva/broker/internal/appio"
	"minerva/broker/internal/auth"
	"minerva/broker/internal/config"
	"minerva/broker/internal/controlplane"
	"minerva/broker/internal/httpapi"
	"minerva/broker/internal/logging"
	"minerva/broker/internal/netutil"
	"minerva/broker/internal/tracker"
	"minerva/broker/internal/transport"

	"google.golang.org/grpc"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "minerva: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "minerva: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.ReplaceGlobals(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("minerva broker exited with error", logging.Error(err))
		os.Exit(1)
	}
}

// broker bundles the long-lived components a single process wires together:
// a stream tracker, the three wire transports, the operational HTTP surface,
// and the control-plane gRPC service (spec.md §4, §6).
type broker struct {
	cfg       *config.Config
	logger    *logging.Logger
	tracker   *tracker.Tracker
	bandwidth *netutil.BandwidthRegulator
	startedAt time.Time
	startErr  atomic.Value // error
}

func run(cfg *config.Config, logger *logging.Logger) error {
	trk, err := tracker.New(logger)
	if err != nil {
		return fmt.Errorf("construct tracker: %w", err)
	}

	b := &broker{
		cfg:       cfg,
		logger:    logger,
		tracker:   trk,
		bandwidth: netutil.NewBandwidthRegulator(cfg.BandwidthBytesPerSecond, nil),
		startedAt: time.Now(),
	}

	factory := appio.FactoryFunc(func(streamID string) (appio.Handler, error) {
		return b.newEchoHandler(streamID), nil
	})

	authorizer, err := helloAuthorizer(cfg.HelloAuthSecret)
	if err != nil {
		return fmt.Errorf("construct hello authorizer: %w", err)
	}

	mux := http.NewServeMux()
	handlerSet := httpapi.NewHandlerSet(httpapi.Options{
		Logger:       logger,
		Readiness:    b,
		Stats:        b.stats,
		Bandwidth:    b.bandwidth,
		ReceiveStats: b.receiveStats,
		AdminToken:   cfg.AdminToken,
		StreamHandler: transport.NewHTTPHandler(trk, factory,
			transport.WithHTTPLogger(logger),
			transport.WithHTTPMaxLength(int(cfg.MaxPayloadBytes)),
			transport.WithHTTPAuthorizer(authorizer),
		),
	})
	handlerSet.Register(mux)

	wsHandler := transport.NewWebSocketHandler(trk, factory,
		transport.WithWebSocketLogger(logger),
		transport.WithWebSocketOriginChecker(originChecker(cfg.AllowedOrigins)),
		transport.WithWebSocketAuthorizer(authorizer),
	)
	mux.Handle("/minerva/ws", wsHandler)

	httpServer := &http.Server{
		Addr:    cfg.Address,
		Handler: mux,
	}

	socketServer := transport.NewSocketServer(trk, factory,
		transport.WithSocketLogger(logger),
		transport.WithSocketAuthorizer(authorizer),
	)
	socketListener, err := net.Listen("tcp", cfg.SocketAddress)
	if err != nil {
		return fmt.Errorf("listen on socket address %s: %w", cfg.SocketAddress, err)
	}

	grpcOpts, grpcCleanup, err := configureGRPCSecurity(cfg, logger)
	if err != nil {
		b.startErr.Store(err)
		return fmt.Errorf("configure grpc security: %w", err)
	}
	defer grpcCleanup()

	grpcServer := grpc.NewServer(grpcOpts...)
	controlplaneService := controlplane.NewService(controlplane.TrackerSource{Tracker: trk})
	grpcServer.RegisterService(&controlplane.ServiceDesc, controlplaneService)
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddress)
	if err != nil {
		return fmt.Errorf("listen on grpc address %s: %w", cfg.GRPCAddress, err)
	}

	errCh := make(chan error, 3)
	go func() {
		logger.Info("http transport listening", logging.String("url", listenerURL(cfg.Address, cfg.TLSCertPath != "")))
		if err := serveHTTP(httpServer, cfg); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		logger.Info("socket transport listening", logging.String("addr", cfg.SocketAddress))
		if err := socketServer.Serve(socketListener); err != nil {
			errCh <- fmt.Errorf("socket server: %w", err)
		}
	}()
	go func() {
		logger.Info("control-plane grpc listening", logging.String("addr", cfg.GRPCAddress))
		if err := grpcServer.Serve(grpcListener); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", logging.String("signal", sig.String()))
	case err := <-errCh:
		b.startErr.Store(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	_ = socketListener.Close()

	return nil
}

func serveHTTP(server *http.Server, cfg *config.Config) error {
	if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
		return server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
	}
	return server.ListenAndServe()
}

// helloAuthorizer builds the Hello credentialsData check from the shared
// secret operators configure via MINERVA_HELLO_AUTH_SECRET. With no secret
// configured, every Hello is accepted unconditionally (spec.md §4.5).
func helloAuthorizer(secret string) (transport.Authorizer, error) {
	if secret == "" {
		return transport.NoAuthorization, nil
	}
	verifier, err := auth.NewHMACTokenVerifier(secret, 0)
	if err != nil {
		return nil, err
	}
	return transport.HMACCredentialsAuthorizer{Verifier: verifier}, nil
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// SnapshotStreamCounts implements httpapi.ReadinessProvider.
func (b *broker) SnapshotStreamCounts() (streams, pendingHandshakes int) {
	return b.tracker.StreamCount(), 0
}

// StartupError implements httpapi.ReadinessProvider.
func (b *broker) StartupError() error {
	if err, ok := b.startErr.Load().(error); ok {
		return err
	}
	return nil
}

// Uptime implements httpapi.ReadinessProvider.
func (b *broker) Uptime() time.Duration {
	return time.Since(b.startedAt)
}

// stats reports the tracker's stream count; deliveries are not counted, so
// framesDelivered is always 0.
func (b *broker) stats() (framesDelivered, streams int) {
	return 0, b.tracker.StreamCount()
}

// receiveStats does not aggregate receive buffers across streams; every
// field it reports is 0.
func (b *broker) receiveStats() httpapi.ReceiveBufferStats {
	return httpapi.ReceiveBufferStats{}
}

// echoHandler is the default application adapter: it acknowledges stream
// lifecycle events and echoes every delivered message back out on the same
// stream, giving operators a minimal reachable target for conformance
// testing without requiring a bespoke application layer (spec.md §2, §4.7).
type echoHandler struct {
	streamID string
	logger   *logging.Logger
	tr       *tracker.Tracker
}

func (b *broker) newEchoHandler(streamID string) *echoHandler {
	return &echoHandler{streamID: streamID, logger: b.logger, tr: b.tracker}
}

func (h *echoHandler) OnStreamStarted(streamID string) {
	h.logger.Info("stream started", logging.String("stream_id", streamID))
}

func (h *echoHandler) OnMessages(streamID string, messages []json.RawMessage) {
	s, err := h.tr.GetStream(streamID)
	if err != nil {
		return
	}
	if err := s.SendBoxes(messages); err != nil {
		h.logger.Warn("echo send failed", logging.String("stream_id", streamID), logging.Error(err))
	}
}

func (h *echoHandler) OnReset(streamID string, reason appio.ResetReason) {
	h.logger.Info("stream reset", logging.String("stream_id", streamID), logging.String("reason", string(reason)))
}
