package metrics

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newDiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type stubPollerStats struct {
	delivered map[string]uint64
	holdover  map[string]int
}

func (s *stubPollerStats) CompletionsDelivered() map[string]uint64 { return s.delivered }
func (s *stubPollerStats) HoldoverDepths() map[string]int          { return s.holdover }

type stubResourceCounter struct {
	counts map[string]int
}

func (s *stubResourceCounter) ResourceCounts() map[string]int { return s.counts }

type stubHandshakeStats struct {
	active              int64
	successes, failures uint64
}

func (s *stubHandshakeStats) ActiveSessions() int64 { return s.active }
func (s *stubHandshakeStats) Successes() uint64     { return s.successes }
func (s *stubHandshakeStats) Failures() uint64      { return s.failures }

type stubNetDevStatsProvider struct {
	stats map[string]map[string]uint64
	err   error
}

func (s *stubNetDevStatsProvider) Stats(_ context.Context, netDev string) (map[string]uint64, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.stats[netDev], nil
}

func TestCollectorExportsPollerAndResourceMetrics(t *testing.T) {
	c := NewCollector(newDiscardLogger(),
		WithPollerStats(&stubPollerStats{
			delivered: map[string]uint64{"1": 42},
			holdover:  map[string]int{"1": 3},
		}),
		WithResourceCounter(&stubResourceCounter{
			counts: map[string]int{"pd": 2, "cq": 1},
		}),
		WithHandshakeStats(&stubHandshakeStats{active: 5, successes: 9, failures: 1}),
	)

	const want = `
# HELP rdma_core_handshake_active_sessions Number of connections with an in-progress or completed handshake session.
# TYPE rdma_core_handshake_active_sessions gauge
rdma_core_handshake_active_sessions 5
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(want), "rdma_core_handshake_active_sessions"); err != nil {
		t.Fatalf("unexpected collected metrics: %v", err)
	}

	if count := testutil.CollectAndCount(c); count == 0 {
		t.Fatalf("expected Collect to emit metrics, got none")
	}
}

func TestCollectorSkipsNilSources(t *testing.T) {
	c := NewCollector(newDiscardLogger())

	if count := testutil.CollectAndCount(c); count == 0 {
		t.Fatalf("expected Collect to still emit the scrape-error counters, got none")
	}
}

func TestCollectorRoCEPFCMetrics(t *testing.T) {
	provider := &stubNetDevStatsProvider{
		stats: map[string]map[string]uint64{
			"eth0": {
				"rx_prio3_pause":          7,
				"rx_prio3_pause_duration": 12,
				"unrelated_counter":       99,
			},
		},
	}
	c := NewCollector(newDiscardLogger(), WithNetDevStats(provider, []LinkTarget{
		{Device: "mlx5_0", Port: "1", NetDev: "eth0"},
	}))

	if count := testutil.CollectAndCount(c); count == 0 {
		t.Fatalf("expected PFC metrics to be collected")
	}
}

func TestParseRoCEPFCMetricName(t *testing.T) {
	cases := []struct {
		name          string
		wantDirection string
		wantPriority  string
		wantKind      rocePFCMetricKind
		wantOK        bool
	}{
		{"rx_prio0_pause", "rx", "0", rocePFCMetricKindFrames, true},
		{"tx_prio7_pause_duration", "tx", "7", rocePFCMetricKindDuration, true},
		{"rx_prio3_pause_transition", "rx", "3", rocePFCMetricKindTransitions, true},
		{"not_a_pfc_counter", "", "", rocePFCMetricKindFrames, false},
	}

	for _, tc := range cases {
		direction, priority, kind, ok := parseRoCEPFCMetricName(tc.name)
		if ok != tc.wantOK {
			t.Fatalf("parseRoCEPFCMetricName(%q) ok = %v, want %v", tc.name, ok, tc.wantOK)
		}
		if !ok {
			continue
		}
		if direction != tc.wantDirection || priority != tc.wantPriority || kind != tc.wantKind {
			t.Fatalf("parseRoCEPFCMetricName(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.name, direction, priority, kind, tc.wantDirection, tc.wantPriority, tc.wantKind)
		}
	}
}
