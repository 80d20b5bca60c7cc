package network

import (
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// config contains all options for the swarm.
type config struct {
	listenAddrs  []multiaddr.Multiaddr
	bootstrap    []peer.AddrInfo
	mdns         bool
	writeTimeout time.Duration
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		mdns:         true,
		writeTimeout: 10 * time.Second,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d error: %s", i, err)
		}
	}
	if len(cfg.listenAddrs) == 0 {
		addr, err := multiaddr.NewMultiaddr("/ip4/0.0.0.0/tcp/0")
		if err != nil {
			return config{}, err
		}
		cfg.listenAddrs = []multiaddr.Multiaddr{addr}
	}
	return cfg, nil
}

// WithListenAddrs sets the multiaddrs the swarm host listens on. Defaults to
// an ephemeral TCP port on all interfaces.
func WithListenAddrs(addrs ...string) Option {
	return func(c *config) error {
		for _, a := range addrs {
			ma, err := multiaddr.NewMultiaddr(a)
			if err != nil {
				return err
			}
			c.listenAddrs = append(c.listenAddrs, ma)
		}
		return nil
	}
}

// WithBootstrapPeers sets peers, given as multiaddrs ending in /p2p/<id>,
// that are dialled when the swarm starts.
func WithBootstrapPeers(addrs ...string) Option {
	return func(c *config) error {
		for _, a := range addrs {
			ma, err := multiaddr.NewMultiaddr(a)
			if err != nil {
				return err
			}
			ai, err := peer.AddrInfoFromP2pAddr(ma)
			if err != nil {
				return err
			}
			c.bootstrap = append(c.bootstrap, *ai)
		}
		return nil
	}
}

// WithMDNS sets whether joining a room announces it over multicast DNS.
// Default is true. With mDNS off, rooms are tracked but peers must be
// connected explicitly.
func WithMDNS(on bool) Option {
	return func(c *config) error {
		c.mdns = on
		return nil
	}
}

// WithWriteTimeout bounds the time spent delivering one message to one peer.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return fmt.Errorf("write timeout must be positive, got %s", d)
		}
		c.writeTimeout = d
		return nil
	}
}
