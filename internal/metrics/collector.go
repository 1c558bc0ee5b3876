// Package metrics exposes the daemon's internal state as Prometheus
// metrics: completions delivered and holdover depth per poller kind,
// control-block resource counts, handshake session/outcome counters,
// and (carried from the teacher's RDMA exporter) RoCE PFC link
// counters sourced via ethtool.
package metrics

import (
	"context"
	"log/slog"
	"regexp"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// PollerStats is the subset of poller.Manager's surface the collector
// needs. It is an interface rather than a direct dependency because
// poller.Manager is generic over its kind/peer/sequence types, and the
// collector must work for whichever instantiation the daemon builds.
type PollerStats interface {
	HoldoverDepths() map[string]int
	CompletionsDelivered() map[string]uint64
}

// ResourceCounter is the subset of ctrl.ControlBlock's surface the
// collector needs.
type ResourceCounter interface {
	ResourceCounts() map[string]int
}

// HandshakeStats is the subset of handshake.Handler's surface the
// collector needs.
type HandshakeStats interface {
	ActiveSessions() int64
	Successes() uint64
	Failures() uint64
}

// NetDevStatsProvider fetches ethtool-like statistics for a network
// device, satisfied by internal/netdev.EthtoolStatsProvider.
type NetDevStatsProvider interface {
	Stats(ctx context.Context, netDev string) (map[string]uint64, error)
}

// LinkTarget names one RoCE-capable netdev to scrape PFC counters
// from, labeled by the RDMA device/port it backs.
type LinkTarget struct {
	Device string
	Port   string
	NetDev string
}

// Option configures Collector behavior.
type Option func(*Collector)

// Collector implements prometheus.Collector over the daemon's runtime
// components. Any of the stats sources may be nil, in which case the
// metrics that depend on it are simply not reported.
type Collector struct {
	logger *slog.Logger

	poller      PollerStats
	resources   ResourceCounter
	handshake   HandshakeStats
	netDev      NetDevStatsProvider
	linkTargets []LinkTarget

	completionsDeliveredDesc *prometheus.Desc
	holdoverDepthDesc        *prometheus.Desc
	controlResourcesDesc     *prometheus.Desc
	handshakeActiveDesc      *prometheus.Desc

	handshakeSuccessDesc *prometheus.Desc
	handshakeFailureDesc *prometheus.Desc

	rocePFCPauseFramesDesc      *prometheus.Desc
	rocePFCPauseDurationDesc    *prometheus.Desc
	rocePFCPauseTransitionsDesc *prometheus.Desc

	scrapeErrors        prometheus.Counter
	rocePFCScrapeErrors prometheus.Counter

	collectMu sync.Mutex
	ctxValue  atomic.Value // stores contextHolder
}

type contextHolder struct {
	ctx context.Context
}

var rocePFCStatPattern = regexp.MustCompile(`^(rx|tx)_prio([0-7])_pause(?:_(duration|transition))?$`)

type rocePFCMetricKind int

const (
	rocePFCMetricKindFrames rocePFCMetricKind = iota
	rocePFCMetricKindDuration
	rocePFCMetricKindTransitions
)

// NewCollector builds a Collector. Use the With* options to wire in
// the stats sources the daemon actually has available.
func NewCollector(logger *slog.Logger, opts ...Option) *Collector {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Collector{
		logger: logger,
		completionsDeliveredDesc: prometheus.NewDesc(
			"rdma_core_completions_delivered_total",
			"Total number of work completions delivered to a poller kind.",
			[]string{"kind"},
			nil,
		),
		holdoverDepthDesc: prometheus.NewDesc(
			"rdma_core_holdover_depth",
			"Number of completions currently queued in a poller kind's holdover FIFO.",
			[]string{"kind"},
			nil,
		),
		controlResourcesDesc: prometheus.NewDesc(
			"rdma_core_control_resources",
			"Number of names registered in the control block, by resource kind.",
			[]string{"resource"},
			nil,
		),
		handshakeActiveDesc: prometheus.NewDesc(
			"rdma_core_handshake_active_sessions",
			"Number of connections with an in-progress or completed handshake session.",
			nil,
			nil,
		),
		handshakeSuccessDesc: prometheus.NewDesc(
			"rdma_core_handshake_success_total",
			"Total number of handshakes completed with the peer granted.",
			nil,
			nil,
		),
		handshakeFailureDesc: prometheus.NewDesc(
			"rdma_core_handshake_failure_total",
			"Total number of handshakes completed with the peer rejected.",
			nil,
			nil,
		),
		rocePFCPauseFramesDesc: prometheus.NewDesc(
			"rdma_core_roce_pfc_pause_frames_total",
			"RoCEv2 PFC pause frame counter sourced from ethtool stats.",
			[]string{"device", "port", "netdev", "direction", "priority"},
			nil,
		),
		rocePFCPauseDurationDesc: prometheus.NewDesc(
			"rdma_core_roce_pfc_pause_duration_total",
			"RoCEv2 PFC pause duration counter sourced from ethtool stats.",
			[]string{"device", "port", "netdev", "direction", "priority"},
			nil,
		),
		rocePFCPauseTransitionsDesc: prometheus.NewDesc(
			"rdma_core_roce_pfc_pause_transitions_total",
			"RoCEv2 PFC pause transition counter sourced from ethtool stats.",
			[]string{"device", "port", "netdev", "direction", "priority"},
			nil,
		),
		scrapeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rdma_core_scrape_errors_total",
			Help: "Total number of errors encountered while gathering internal state.",
		}),
		rocePFCScrapeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rdma_core_roce_pfc_scrape_errors_total",
			Help: "Total number of errors encountered while scraping RoCEv2 PFC ethtool stats.",
		}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	c.ctxValue.Store(contextHolder{ctx: context.Background()})

	return c
}

// WithPollerStats wires in the poller manager's completions/holdover
// surface.
func WithPollerStats(stats PollerStats) Option {
	return func(c *Collector) { c.poller = stats }
}

// WithResourceCounter wires in the control block's resource counts.
func WithResourceCounter(counter ResourceCounter) Option {
	return func(c *Collector) { c.resources = counter }
}

// WithHandshakeStats wires in the handshake handler's session and
// outcome counters.
func WithHandshakeStats(stats HandshakeStats) Option {
	return func(c *Collector) { c.handshake = stats }
}

// WithNetDevStats wires in an ethtool-backed stats provider and the
// set of netdevs to scrape RoCE PFC counters from.
func WithNetDevStats(provider NetDevStatsProvider, targets []LinkTarget) Option {
	return func(c *Collector) {
		c.netDev = provider
		c.linkTargets = targets
	}
}

// SetContext updates the context used by the next Collect invocation.
func (c *Collector) SetContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.ctxValue.Store(contextHolder{ctx: ctx})
}

// ResetContext resets the collector back to the background context.
func (c *Collector) ResetContext() {
	c.ctxValue.Store(contextHolder{ctx: context.Background()})
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.completionsDeliveredDesc
	ch <- c.holdoverDepthDesc
	ch <- c.controlResourcesDesc
	ch <- c.handshakeActiveDesc
	ch <- c.handshakeSuccessDesc
	ch <- c.handshakeFailureDesc
	ch <- c.rocePFCPauseFramesDesc
	ch <- c.rocePFCPauseDurationDesc
	ch <- c.rocePFCPauseTransitionsDesc
	c.scrapeErrors.Describe(ch)
	c.rocePFCScrapeErrors.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.collectMu.Lock()
	defer c.collectMu.Unlock()

	holder, _ := c.ctxValue.Load().(contextHolder)
	ctx := holder.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	if c.poller != nil {
		for kind, count := range c.poller.CompletionsDelivered() {
			ch <- prometheus.MustNewConstMetric(c.completionsDeliveredDesc, prometheus.CounterValue, float64(count), kind)
		}
		for kind, depth := range c.poller.HoldoverDepths() {
			ch <- prometheus.MustNewConstMetric(c.holdoverDepthDesc, prometheus.GaugeValue, float64(depth), kind)
		}
	}

	if c.resources != nil {
		for resource, count := range c.resources.ResourceCounts() {
			ch <- prometheus.MustNewConstMetric(c.controlResourcesDesc, prometheus.GaugeValue, float64(count), resource)
		}
	}

	if c.handshake != nil {
		ch <- prometheus.MustNewConstMetric(c.handshakeActiveDesc, prometheus.GaugeValue, float64(c.handshake.ActiveSessions()))
		ch <- prometheus.MustNewConstMetric(c.handshakeSuccessDesc, prometheus.CounterValue, float64(c.handshake.Successes()))
		ch <- prometheus.MustNewConstMetric(c.handshakeFailureDesc, prometheus.CounterValue, float64(c.handshake.Failures()))
	}

	c.collectRoCEPFCMetrics(ctx, ch)

	c.scrapeErrors.Collect(ch)
	c.rocePFCScrapeErrors.Collect(ch)
}

func (c *Collector) collectRoCEPFCMetrics(ctx context.Context, ch chan<- prometheus.Metric) {
	if c.netDev == nil {
		return
	}

	for _, target := range c.linkTargets {
		stats, err := c.netDev.Stats(ctx, target.NetDev)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Warn("roce pfc scrape aborted by context", "netdev", target.NetDev, "err", ctx.Err())
				return
			}
			c.logger.Warn("roce pfc scrape failed", "netdev", target.NetDev, "err", err)
			c.rocePFCScrapeErrors.Inc()
			continue
		}

		names := sortedKeys(stats)
		for _, name := range names {
			direction, priority, kind, ok := parseRoCEPFCMetricName(name)
			if !ok {
				continue
			}
			desc := c.rocePFCPauseFramesDesc
			switch kind {
			case rocePFCMetricKindDuration:
				desc = c.rocePFCPauseDurationDesc
			case rocePFCMetricKindTransitions:
				desc = c.rocePFCPauseTransitionsDesc
			}

			ch <- prometheus.MustNewConstMetric(
				desc,
				prometheus.CounterValue,
				float64(stats[name]),
				target.Device,
				target.Port,
				target.NetDev,
				direction,
				priority,
			)
		}
	}
}

func sortedKeys(m map[string]uint64) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func parseRoCEPFCMetricName(name string) (direction, priority string, kind rocePFCMetricKind, ok bool) {
	matches := rocePFCStatPattern.FindStringSubmatch(name)
	if matches == nil {
		return "", "", rocePFCMetricKindFrames, false
	}

	direction = matches[1]
	priority = matches[2]
	switch matches[3] {
	case "":
		return direction, priority, rocePFCMetricKindFrames, true
	case "duration":
		return direction, priority, rocePFCMetricKindDuration, true
	case "transition":
		return direction, priority, rocePFCMetricKindTransitions, true
	default:
		return "", "", rocePFCMetricKindFrames, false
	}
}
