package server

import (
	"fmt"

	"github.com/ipni/auctionhouse/metrics"
	"github.com/ipni/auctionhouse/network"
)

type (
	// FeedFunc receives human readable notifications about peer activity,
	// labelled with the short name of the peer they came from.
	FeedFunc func(peerLabel, message string)
	// PeersChangedFunc is called whenever the set of connected peers changes.
	PeersChangedFunc func(*network.Swarm)
)

// config contains all options for the server.
type config struct {
	metrics        *metrics.Metrics
	onFeed         FeedFunc
	onPeersChanged PeersChangedFunc
}

// Option is a function that sets a value in a config.
type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		onFeed: func(peerLabel, message string) {
			log.Infow("Feed", "peer", peerLabel, "message", message)
		},
		onPeersChanged: func(s *network.Swarm) {
			log.Infow("Peers changed", "count", len(s.Connections()))
		},
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d error: %s", i, err)
		}
	}
	return cfg, nil
}

// WithMetrics configures metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) error {
		c.metrics = m
		return nil
	}
}

// WithFeed sets the receiver of feed notifications. By default they are
// logged.
func WithFeed(f FeedFunc) Option {
	return func(c *config) error {
		if f == nil {
			return fmt.Errorf("feed function must not be nil")
		}
		c.onFeed = f
		return nil
	}
}

// WithPeersChanged sets the receiver of peer count changes. By default they
// are logged.
func WithPeersChanged(f PeersChangedFunc) Option {
	return func(c *config) error {
		if f == nil {
			return fmt.Errorf("peers changed function must not be nil")
		}
		c.onPeersChanged = f
		return nil
	}
}
