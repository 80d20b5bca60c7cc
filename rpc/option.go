package rpc

import (
	"fmt"
	"time"

	"github.com/multiformats/go-multiaddr"
)

// config contains all options for RPC servers and clients.
type config struct {
	listenAddrs  []multiaddr.Multiaddr
	timeout      time.Duration
	maxFrameSize int
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		timeout:      time.Minute,
		maxFrameSize: 4 << 20, // 4 MiB
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d error: %s", i, err)
		}
	}
	return cfg, nil
}

// WithListenAddrs sets the multiaddrs a server listens on. Ignored by clients.
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

// WithTimeout bounds the handling of a single request. Default is one minute.
func WithTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
		c.timeout = d
		return nil
	}
}

// WithMaxFrameSize sets the largest command name or payload accepted.
func WithMaxFrameSize(n int) Option {
	return func(c *config) error {
		if n <= 0 {
			return fmt.Errorf("max frame size must be positive, got %d", n)
		}
		c.maxFrameSize = n
		return nil
	}
}
