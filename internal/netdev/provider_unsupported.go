//go:build !linux

package netdev

import "github.com/yuuki/ubft-rdma-core/internal/rdmaerr"

// NewEthtoolStatsProvider is only supported on Linux hosts.
func NewEthtoolStatsProvider() (*EthtoolStatsProvider, error) {
	return nil, rdmaerr.New(rdmaerr.Config, "netdev.NewEthtoolStatsProvider", "ethtool stats provider is supported on linux only")
}
