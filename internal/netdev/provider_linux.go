//go:build linux

package netdev

import (
	"github.com/safchain/ethtool"

	"github.com/yuuki/ubft-rdma-core/internal/rdmaerr"
)

// NewEthtoolStatsProvider creates a provider backed by an ethtool client.
func NewEthtoolStatsProvider() (*EthtoolStatsProvider, error) {
	client, err := ethtool.NewEthtool()
	if err != nil {
		return nil, rdmaerr.Wrap(rdmaerr.Resource, "netdev.NewEthtoolStatsProvider", "open ethtool client", err)
	}
	return newEthtoolStatsProvider(client), nil
}
