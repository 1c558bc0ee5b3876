package directory

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/yuuki/ubft-rdma-core/internal/rdmaerr"
)

// RegistryAddrEnvVar names the environment variable carrying the
// process directory's endpoint, as "host" or "host:port".
const RegistryAddrEnvVar = "UBFT_REGISTRY_ADDR"

// DefaultMemcachedPort is used when the endpoint names no port.
const DefaultMemcachedPort = "11211"

// MemcachedDirectory is a Directory backed by a memcached server.
// Announce uses Add, relying on memcached's native reject-if-exists
// semantics. Barrier increments a counter once using Increment
// (creating it with Add when it is missing), then polls the counter
// with Get until it reaches its
// target, mirroring the source's memcached_increment_with_initial
// retry loop.
type MemcachedDirectory struct {
	client *memcache.Client
}

// NewMemcachedDirectory dials addr ("host" or "host:port").
func NewMemcachedDirectory(addr string) *MemcachedDirectory {
	return &MemcachedDirectory{client: memcache.New(normalizeAddr(addr))}
}

// EndpointFromEnv resolves the directory endpoint from
// RegistryAddrEnvVar, falling back to fallback if the variable is
// unset or empty.
func EndpointFromEnv(fallback string) string {
	if value := os.Getenv(RegistryAddrEnvVar); value != "" {
		return value
	}
	return fallback
}

func normalizeAddr(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, DefaultMemcachedPort)
}

func (d *MemcachedDirectory) Announce(ctx context.Context, key, value string) error {
	err := d.client.Add(&memcache.Item{Key: key, Value: []byte(value)})
	if errors.Is(err, memcache.ErrNotStored) {
		return rdmaerr.New(rdmaerr.Config, "directory.Announce", "key already exists: "+key)
	}
	if err != nil {
		return rdmaerr.Wrap(rdmaerr.IO, "directory.Announce", "setting key "+key, err)
	}
	return nil
}

func (d *MemcachedDirectory) Resolve(ctx context.Context, key string) (string, error) {
	for {
		item, err := d.client.Get(key)
		if err == nil {
			return string(item.Value), nil
		}
		if !errors.Is(err, memcache.ErrCacheMiss) {
			return "", rdmaerr.Wrap(rdmaerr.IO, "directory.Resolve", "getting key "+key, err)
		}
		if err := sleepOrDone(ctx, RetryInterval); err != nil {
			return "", err
		}
	}
}

func (d *MemcachedDirectory) Barrier(ctx context.Context, key string, n uint64) error {
	count, err := d.incrementOnce(key)
	if err != nil {
		return err
	}

	for {
		if count > n {
			return rdmaerr.New(rdmaerr.Config, "directory.Barrier", "barrier count exceeded its target")
		}
		if count == n {
			return nil
		}
		if err := sleepOrDone(ctx, RetryInterval); err != nil {
			return err
		}

		item, err := d.client.Get(key)
		if err != nil {
			return rdmaerr.Wrap(rdmaerr.IO, "directory.Barrier", "polling counter "+key, err)
		}
		parsed, err := strconv.ParseUint(string(item.Value), 10, 64)
		if err != nil {
			return rdmaerr.Wrap(rdmaerr.IO, "directory.Barrier", "parsing counter value for "+key, err)
		}
		count = parsed
	}
}

// incrementOnce atomically increments key by one, creating it with an
// initial value of one if it doesn't exist yet, retrying the creation
// race the same way the source's memcached_increment_with_initial loop
// does on MEMCACHED_NOTSTORED.
func (d *MemcachedDirectory) incrementOnce(key string) (uint64, error) {
	for {
		newValue, err := d.client.Increment(key, 1)
		if err == nil {
			return newValue, nil
		}
		if !errors.Is(err, memcache.ErrCacheMiss) {
			return 0, rdmaerr.Wrap(rdmaerr.IO, "directory.Barrier", "incrementing counter "+key, err)
		}
		addErr := d.client.Add(&memcache.Item{Key: key, Value: []byte("1")})
		if addErr == nil {
			return 1, nil
		}
		if !errors.Is(addErr, memcache.ErrNotStored) {
			return 0, rdmaerr.Wrap(rdmaerr.IO, "directory.Barrier", "initializing counter "+key, addErr)
		}
	}
}
