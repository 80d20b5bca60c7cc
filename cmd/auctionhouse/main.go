package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/pebble/v2"
	logging "github.com/ipfs/go-log/v2"
	"github.com/ipni/auctionhouse/client"
	"github.com/ipni/auctionhouse/identity"
	"github.com/ipni/auctionhouse/metrics"
	"github.com/ipni/auctionhouse/network"
	ahpebble "github.com/ipni/auctionhouse/pebble"
	"github.com/ipni/auctionhouse/rpc"
	"github.com/ipni/auctionhouse/server"
	"github.com/libp2p/go-libp2p/core/crypto"
)

var (
	log = logging.Logger("cmd/auctionhouse")

	// stopSignals end serve through its deferred teardown.
	stopSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}
)

const usage = `Usage: auctionhouse <command> [flags] [args]

Commands:
  serve                                run an auction node
  ping    [nonce]                      check that a node answers
  create  <title> <amount> <file>      open an auction with an attachment
  join    <title>                      join the room of an auction
  leave   <title>                      leave the room of an auction
  auction <title> <amount>             bid on an auction
  settle  <title>                      settle an auction
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	var err error
	switch cmd := os.Args[1]; cmd {
	case "serve":
		err = serve(os.Args[2:])
	case server.CommandPing, server.CommandCreate, server.CommandJoin, server.CommandLeave, server.CommandAuction, server.CommandSettle:
		err = runClient(cmd, os.Args[2:])
	case "-h", "-help", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setLogLevel(llvl string) {
	if _, set := os.LookupEnv("GOLOG_LOG_LEVEL"); !set {
		_ = logging.SetLogLevel("*", llvl)
	}
}

func serve(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	storePath := fs.String("storePath", "./auctionhouse/node", "The path at which the node data is persisted.")
	listenAddr := fs.String("listenAddr", "/ip4/0.0.0.0/tcp/0", "The multiaddr the peer network listens on.")
	rpcListenAddr := fs.String("rpcListenAddr", "/ip4/0.0.0.0/tcp/40082", "The multiaddr the RPC endpoint listens on.")
	httpListenAddr := fs.String("httpListenAddr", "0.0.0.0:40080", "The status HTTP server listen address.")
	metricsAddr := fs.String("metricsAddr", "0.0.0.0:40081", "The metrics HTTP server listen address.")
	bootstrap := fs.String("bootstrap", "", "Comma separated multiaddrs of peers to connect to on start.")
	mdns := fs.Bool("mdns", true, "Whether to discover room peers over mDNS.")
	blockCacheSize := fs.String("blockCacheSize", "64Mi", "Size of pebble block cache. Can be set in Mi or Gi.")
	llvl := fs.String("logLevel", "info", "The logging level. Only applied if GOLOG_LOG_LEVEL environment variable is unset.")
	_ = fs.Parse(args)
	setLogLevel(*llvl)

	cacheSize, err := parseBlockCacheSize(*blockCacheSize)
	if err != nil {
		return fmt.Errorf("invalid block cache size: %w", err)
	}
	store, err := newPebbleStore(int64(cacheSize), *storePath)
	if err != nil {
		return err
	}
	log.Infow("Pebble store opened.", "path", *storePath)
	defer func() {
		if err := store.Close(); err != nil {
			log.Warnw("Failure occurred while closing store.", "err", err)
		} else {
			log.Info("Closed store successfully.")
		}
	}()

	swarmKey, err := identity.Load(store, identity.DHTSeedKey)
	if err != nil {
		return err
	}
	rpcKey, err := identity.Load(store, identity.RPCSeedKey)
	if err != nil {
		return err
	}

	netOpts := []network.Option{network.WithListenAddrs(*listenAddr), network.WithMDNS(*mdns)}
	if *bootstrap != "" {
		netOpts = append(netOpts, network.WithBootstrapPeers(strings.Split(*bootstrap, ",")...))
	}
	swarm, err := network.New(swarmKey, netOpts...)
	if err != nil {
		return err
	}
	transport, err := rpc.NewServer(rpcKey, rpc.WithListenAddrs(*rpcListenAddr))
	if err != nil {
		_ = swarm.Close()
		return err
	}

	m, err := metrics.New(*metricsAddr, store.Metrics)
	if err != nil {
		_ = transport.Close()
		_ = swarm.Close()
		return err
	}

	node, err := server.New(store, swarm, transport, server.WithMetrics(m))
	if err != nil {
		_ = transport.Close()
		_ = swarm.Close()
		return err
	}
	defer func() {
		if err := node.Close(); err != nil {
			log.Warnw("Failure occurred while closing node.", "err", err)
		} else {
			log.Info("Closed node successfully.")
		}
	}()

	ctx := context.Background()
	endpoint, err := node.Start(ctx)
	if err != nil {
		return err
	}
	for _, a := range transport.Addrs() {
		log.Infow("RPC endpoint listening", "addr", a)
	}
	for _, a := range swarm.Addrs() {
		log.Infow("Peer network listening", "addr", a)
	}

	if err := m.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := m.Shutdown(ctx); err != nil {
			log.Warnw("Failure occurred while shutting down metrics server.", "err", err)
		} else {
			log.Info("Shut down metrics server successfully.")
		}
	}()
	status := server.NewStatusServer(node, *httpListenAddr)
	if err := status.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := status.Shutdown(ctx); err != nil {
			log.Warnw("Failure occurred while shutting down status server.", "err", err)
		} else {
			log.Info("Shut down status server successfully.")
		}
	}()

	if err := selfPing(ctx, transport); err != nil {
		log.Warnw("Node did not answer its own ping.", "endpoint", endpoint, "err", err)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, stopSignals...)
	sig := <-c
	signal.Stop(c)
	log.Infow("Terminating...", "signal", sig)
	return nil
}

// selfPing checks that the RPC endpoint answers, the way a client would.
func selfPing(ctx context.Context, transport *rpc.Server) error {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return err
	}
	ct, err := rpc.NewClient(priv, rpc.WithTimeout(10*time.Second))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	c, err := client.Connect(ctx, ct, transport.AddrInfo())
	if err != nil {
		_ = ct.Close()
		return err
	}
	defer c.Close()

	n, err := rand.Int(rand.Reader, big.NewInt(1<<31))
	if err != nil {
		return err
	}
	resp, err := c.Ping(ctx, n.Int64())
	if err != nil {
		return err
	}
	if resp.Nonce != n.Int64()+1 {
		return fmt.Errorf("unexpected nonce %d in reply to %d", resp.Nonce, n.Int64())
	}
	log.Infow("Node answered ping.", "endpoint", c.Endpoint())
	return nil
}

func newPebbleStore(cacheSize int64, storePath string) (*ahpebble.Store, error) {
	opts := &pebble.Options{
		BytesPerSync:                1 << 20, // 1 MiB
		MemTableSize:                16 << 20, // 16 MiB
		MemTableStopWritesThreshold: 4,
	}
	cache := pebble.NewCache(cacheSize)
	defer cache.Unref()
	opts.Cache = cache

	path := filepath.Clean(storePath)
	return ahpebble.NewStore(path, opts)
}

func parseBlockCacheSize(str string) (uint64, error) {
	// If the value is empty - defaulting to zero
	if len(str) == 0 {
		return 0, nil
	}
	// If there is less than two bytes - treating it as a number
	if len(str) <= 2 {
		n, err := strconv.Atoi(str)
		if err != nil {
			return 0, err
		}
		return uint64(n), err
	}
	suffix := strings.ToLower(str[len(str)-2:])
	multiplier := 1
	var n int
	var err error
	switch suffix {
	case "mi":
		n, err = strconv.Atoi(str[:len(str)-2])
		multiplier = 1 << 20
	case "gi":
		n, err = strconv.Atoi(str[:len(str)-2])
		multiplier = 1 << 30
	default:
		n, err = strconv.Atoi(str)
	}
	if err != nil {
		return 0, err
	}
	return uint64(n * multiplier), nil
}
