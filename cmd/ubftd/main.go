// Command ubftd runs the RDMA connection and dispatch daemon: it binds
// a control block to one RDMA port, multiplexes its completion queue
// across registered work-request kinds, runs the connection handshake
// protocol over an RPC listener, and serves internal state as
// Prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yuuki/ubft-rdma-core/internal/config"
	"github.com/yuuki/ubft-rdma-core/internal/ctrl"
	"github.com/yuuki/ubft-rdma-core/internal/directory"
	"github.com/yuuki/ubft-rdma-core/internal/handshake"
	"github.com/yuuki/ubft-rdma-core/internal/identifier"
	"github.com/yuuki/ubft-rdma-core/internal/metrics"
	"github.com/yuuki/ubft-rdma-core/internal/netdev"
	"github.com/yuuki/ubft-rdma-core/internal/poller"
	"github.com/yuuki/ubft-rdma-core/internal/rpcserver"
	"github.com/yuuki/ubft-rdma-core/internal/verbs"
	"github.com/yuuki/ubft-rdma-core/internal/verbs/rdmadiscovery"
)

// handshakeKind is the RPC kind byte the connection handshake protocol
// is dispatched under; this daemon speaks no other RPC kind yet.
const handshakeKind rpcserver.RpcKind = 1

// maxPeerOrdinal bounds the peer id space the identifier codec and
// poller manager are built over. Not yet exposed as its own flag since
// nothing else in the daemon depends on tuning it independently of
// peer-id itself; see DESIGN.md.
const maxPeerOrdinal = 255

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if cfg.ShowVersion {
		fmt.Println("ubftd (development build)")
		return
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("starting ubftd",
		"rpc_listen_address", cfg.RPCListenAddress,
		"metrics_listen_address", cfg.MetricsListenAddress,
		"peer_id", cfg.PeerID,
		"device_index", cfg.DeviceIndex,
		"port_index", cfg.PortIndex,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	vctx, port, err := bindControlBlockPort(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to bind RDMA port", "err", err)
		os.Exit(1)
	}
	defer vctx.Close()

	cb := ctrl.New(vctx, port)
	if err := cb.RegisterCq("main"); err != nil {
		logger.Error("failed to create completion queue", "err", err)
		os.Exit(1)
	}
	cq, err := cb.Cq("main")
	if err != nil {
		logger.Error("failed to look up completion queue", "err", err)
		os.Exit(1)
	}

	packer, err := identifier.NewPacker[uint8, uint32, uint32](uint8(cfg.MaxKindOrdinal), uint32(maxPeerOrdinal))
	if err != nil {
		logger.Error("failed to build identifier packer", "err", err)
		os.Exit(1)
	}
	pollerMgr := poller.NewManager[uint8, uint32, uint32](cq, packer)
	for k := 0; k <= cfg.MaxKindOrdinal; k++ {
		if err := pollerMgr.RegisterContext(uint8(k)); err != nil {
			logger.Error("failed to register poller kind", "kind", k, "err", err)
			os.Exit(1)
		}
	}
	if err := pollerMgr.EndRegistrations(cfg.MaxKindOrdinal + 1); err != nil {
		logger.Error("failed to close poller registration", "err", err)
		os.Exit(1)
	}

	rpc := rpcserver.New(logger)

	manager := handshake.NewInMemoryManager(
		func(peerID handshake.PeerID, clientBlob []byte) (bool, []byte) {
			return true, []byte(strconv.FormatUint(uint64(cfg.PeerID), 10))
		},
		func(peerID handshake.PeerID) bool { return true },
	)
	handshakeHandler := handshake.NewHandler(rpc, handshakeKind, manager, logger)
	if err := rpc.AttachHandler(handshakeHandler); err != nil {
		logger.Error("failed to attach handshake handler", "err", err)
		os.Exit(1)
	}

	rpcHost, rpcStartPort, err := splitHostPort(cfg.RPCListenAddress)
	if err != nil {
		logger.Error("invalid rpc-listen-address", "err", err)
		os.Exit(1)
	}
	if _, boundPort, err := rpc.StartOrChangePort(rpcHost, rpcStartPort); err != nil {
		logger.Error("failed to start rpc server", "err", err)
		os.Exit(1)
	} else {
		logger.Info("rpc server started", "address", rpc.Addr(), "port", boundPort)
	}
	defer rpc.Stop()

	go handshakeHandler.Run(ctx)

	dir := directory.NewMemcachedDirectory(directory.EndpointFromEnv(cfg.DirectoryEndpoint))
	peerKey := fmt.Sprintf("peer-%d", cfg.PeerID)
	if err := dir.Announce(ctx, peerKey, rpc.Addr()); err != nil {
		logger.Warn("failed to announce this process in the directory", "key", peerKey, "err", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	collectorOpts := []metrics.Option{
		metrics.WithPollerStats(pollerMgr),
		metrics.WithResourceCounter(cb),
		metrics.WithHandshakeStats(handshakeHandler),
	}
	if netDevProvider, err := netdev.NewEthtoolStatsProvider(); err != nil {
		logger.Warn("roce pfc metrics disabled", "err", err)
	} else {
		defer netDevProvider.Close()
		collectorOpts = append(collectorOpts, metrics.WithNetDevStats(netDevProvider, nil))
	}
	col := metrics.NewCollector(logger, collectorOpts...)
	registry.MustRegister(col)

	metricsSrv := metrics.New(metrics.Options{
		ListenAddress: cfg.MetricsListenAddress,
		MetricsPath:   cfg.MetricsPath,
		HealthPath:    cfg.HealthPath,
		ScrapeTimeout: cfg.ScrapeTimeout,
	}, registry, col, logger)

	errCh := make(chan error, 1)
	go func() {
		if serveErr := metricsSrv.ListenAndServe(); serveErr != nil {
			errCh <- serveErr
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("signal received, shutting down")
	case serveErr := <-errCh:
		logger.Error("metrics server exited with error", "err", serveErr)
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

// bindControlBlockPort enumerates RDMA devices via rdmadiscovery,
// selects cfg.DeviceIndex, and resolves cfg.PortIndex on it.
func bindControlBlockPort(ctx context.Context, cfg config.Config, logger *slog.Logger) (verbs.Context, ctrl.ResolvedPort, error) {
	provider := rdmadiscovery.NewSysfsProvider()
	if cfg.SysfsRoot != "" {
		provider.SetSysfsRoot(cfg.SysfsRoot)
	}
	lister := rdmadiscovery.NewDeviceLister()

	devices, err := lister.ListDevices(ctx)
	if err != nil {
		return nil, ctrl.ResolvedPort{}, fmt.Errorf("listing rdma devices: %w", err)
	}
	if cfg.DeviceIndex < 0 || cfg.DeviceIndex >= len(devices) {
		return nil, ctrl.ResolvedPort{}, fmt.Errorf("device index %d out of range (found %d devices)", cfg.DeviceIndex, len(devices))
	}
	deviceName := devices[cfg.DeviceIndex].Name

	vctx := rdmadiscovery.NewContext(deviceName, provider)
	port, err := ctrl.ResolvePort(ctx, vctx, deviceName, cfg.PortIndex, verbs.LinkLayerUnspecified)
	if err != nil {
		return nil, ctrl.ResolvedPort{}, fmt.Errorf("resolving port: %w", err)
	}
	logger.Info("bound rdma port", "device", deviceName, "port", port.PortID, "link_layer", port.LinkLayer.String())
	return vctx, port, nil
}

func splitHostPort(addr string) (host string, port int, err error) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	portNum, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", p, err)
	}
	return h, portNum, nil
}

func newLogger(level slog.Level) *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
