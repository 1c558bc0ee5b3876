package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"log/slog"
)

const (
	defaultMetricsListenAddress = ":9879"
	defaultMetricsPath          = "/metrics"
	defaultHealthPath           = "/healthz"
	defaultLogLevel             = "info"
	defaultSysfsRoot            = "/sys"
	defaultTimeout              = 5 * time.Second
	defaultRPCListenAddress     = ":7471"
	defaultDeviceIndex          = 0
	defaultPortIndex            = 0
	defaultMaxKindOrdinal       = 15
	defaultDirectoryEndpoint    = "127.0.0.1:11211"
)

// Config captures runtime configuration options.
type Config struct {
	MetricsListenAddress string
	MetricsPath          string
	HealthPath           string
	LogLevel             slog.Level
	SysfsRoot            string
	ScrapeTimeout        time.Duration
	ShowVersion          bool

	// RPCListenAddress is the address the connection/handshake RPC
	// server binds to. StartOrChangePort probes upward from its port
	// if it is already taken.
	RPCListenAddress string
	// PeerID identifies this process to its peers during the
	// connection handshake.
	PeerID uint32
	// DeviceIndex and PortIndex select which RDMA device and port
	// this process's control block binds to: DeviceIndex in device
	// enumeration order, PortIndex in ResolvePort's active-port
	// enumeration order on that device.
	DeviceIndex int
	PortIndex   int
	// MaxKindOrdinal bounds the work-request kind space this process's
	// identifier codec and poller manager are built over.
	MaxKindOrdinal int
	// DirectoryEndpoint is the process directory's address
	// ("host[:port]"), resolved from UBFT_REGISTRY_ADDR when set.
	DirectoryEndpoint string
}

// Parse constructs a Config from command-line flags and environment variables.
func Parse(args []string) (Config, error) {
	var cfg Config

	fs := flag.NewFlagSet("ubftd", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	metricsListen := fs.String("metrics-listen-address", envOrDefault("RDMA_CORE_METRICS_LISTEN_ADDRESS", defaultMetricsListenAddress), "Address to listen on for HTTP metrics requests.")
	metricsPath := fs.String("metrics-path", envOrDefault("RDMA_CORE_METRICS_PATH", defaultMetricsPath), "HTTP path under which metrics are served.")
	healthPath := fs.String("health-path", envOrDefault("RDMA_CORE_HEALTH_PATH", defaultHealthPath), "HTTP path for health checks.")
	logLevel := fs.String("log-level", envOrDefault("RDMA_CORE_LOG_LEVEL", defaultLogLevel), "Log level (debug, info, warn, error).")
	sysfsRoot := fs.String("sysfs-root", envOrDefault("RDMA_CORE_SYSFS_ROOT", defaultSysfsRoot), "Root of the sysfs tree to read RDMA data from.")
	rpcListen := fs.String("rpc-listen-address", envOrDefault("RDMA_CORE_RPC_LISTEN_ADDRESS", defaultRPCListenAddress), "Address the connection/handshake RPC server listens on.")
	peerID := fs.Uint("peer-id", uint(envUintOrDefault("RDMA_CORE_PEER_ID", 0)), "This process's peer id, sent during the connection handshake.")
	deviceIndex := fs.Int("device-index", envIntOrDefault("RDMA_CORE_DEVICE_INDEX", defaultDeviceIndex), "Index of the RDMA device to bind to, in device enumeration order.")
	portIndex := fs.Int("port-index", envIntOrDefault("RDMA_CORE_PORT_INDEX", defaultPortIndex), "Index of the active port to bind to within the selected device.")
	maxKindOrdinal := fs.Int("max-kind-ordinal", envIntOrDefault("RDMA_CORE_MAX_KIND_ORDINAL", defaultMaxKindOrdinal), "Highest RPC/work-request kind ordinal this process's codec and poller must represent.")
	directoryEndpoint := fs.String("directory-endpoint", defaultDirectoryEndpoint, "Process directory endpoint (host[:port]); overridden by "+directoryEndpointEnvVar+" when set.")

	timeoutDefault := defaultTimeout
	if envTimeout := os.Getenv("RDMA_CORE_SCRAPE_TIMEOUT"); envTimeout != "" {
		parsed, err := time.ParseDuration(envTimeout)
		if err != nil {
			return cfg, fmt.Errorf("invalid RDMA_CORE_SCRAPE_TIMEOUT: %w", err)
		}
		timeoutDefault = parsed
	}
	scrapeTimeout := fs.Duration("scrape-timeout", timeoutDefault, "Maximum duration to spend gathering metrics per scrape.")
	showVersion := fs.Bool("version", false, "Print version information and exit.")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return cfg, err
		}
		return cfg, fmt.Errorf("parse flags: %w", err)
	}

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		return cfg, err
	}

	cfg = Config{
		MetricsListenAddress: *metricsListen,
		MetricsPath:          *metricsPath,
		HealthPath:           *healthPath,
		LogLevel:             level,
		SysfsRoot:            *sysfsRoot,
		ScrapeTimeout:        *scrapeTimeout,
		ShowVersion:          *showVersion,
		RPCListenAddress:     *rpcListen,
		PeerID:               uint32(*peerID),
		DeviceIndex:          *deviceIndex,
		PortIndex:            *portIndex,
		MaxKindOrdinal:       *maxKindOrdinal,
		DirectoryEndpoint:    envOrDefault(directoryEndpointEnvVar, *directoryEndpoint),
	}
	return cfg, nil
}

// directoryEndpointEnvVar names the environment variable carrying the
// process directory's endpoint; it matches directory.RegistryAddrEnvVar
// without importing internal/directory here, to keep config free of a
// dependency on the package it configures.
const directoryEndpointEnvVar = "UBFT_REGISTRY_ADDR"

func envIntOrDefault(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envUintOrDefault(key string, fallback uint64) uint64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", value)
	}
}
