package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ipni/auctionhouse/client"
	"github.com/ipni/auctionhouse/identity"
	ahpebble "github.com/ipni/auctionhouse/pebble"
	"github.com/ipni/auctionhouse/rpc"
	"github.com/ipni/auctionhouse/server"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

var errUsage = errors.New("invalid arguments")

// runClient sends one command to the node named by -server and prints its
// response as JSON.
func runClient(command string, args []string) error {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	storePath := fs.String("storePath", "./auctionhouse/client", "The path at which the client identity is persisted.")
	serverAddr := fs.String("server", "", "The full multiaddr of the node RPC endpoint, including /p2p/<id>.")
	timeout := fs.Duration("timeout", 30*time.Second, "How long to wait for the node to answer.")
	llvl := fs.String("logLevel", "warn", "The logging level. Only applied if GOLOG_LOG_LEVEL environment variable is unset.")
	_ = fs.Parse(args)
	setLogLevel(*llvl)

	if *serverAddr == "" {
		return errors.New("-server must be specified")
	}
	ma, err := multiaddr.NewMultiaddr(*serverAddr)
	if err != nil {
		return fmt.Errorf("invalid server address: %w", err)
	}
	ai, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return fmt.Errorf("server address must include /p2p/<id>: %w", err)
	}

	store, err := ahpebble.NewStore(*storePath, nil)
	if err != nil {
		return err
	}
	defer store.Close()
	priv, err := identity.Load(store, identity.DHTSeedKey)
	if err != nil {
		return err
	}
	ct, err := rpc.NewClient(priv, rpc.WithTimeout(*timeout))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	c, err := client.Connect(ctx, ct, *ai)
	if err != nil {
		_ = ct.Close()
		return err
	}
	defer c.Close()

	resp, err := dispatch(ctx, c, command, fs.Args())
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func dispatch(ctx context.Context, c *client.Client, command string, args []string) (any, error) {
	switch command {
	case server.CommandPing:
		var nonce int64
		if len(args) > 0 {
			var err error
			if nonce, err = strconv.ParseInt(args[0], 10, 64); err != nil {
				return nil, fmt.Errorf("invalid nonce: %w", err)
			}
		}
		return c.Ping(ctx, nonce)
	case server.CommandCreate:
		if len(args) != 3 {
			return nil, fmt.Errorf("%w: create <title> <amount> <file>", errUsage)
		}
		amount, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid amount: %w", err)
		}
		attachment, err := os.ReadFile(args[2])
		if err != nil {
			return nil, err
		}
		return c.Create(ctx, args[0], amount, attachment)
	case server.CommandAuction:
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: auction <title> <amount>", errUsage)
		}
		amount, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid amount: %w", err)
		}
		return c.Auction(ctx, args[0], amount)
	}

	if len(args) != 1 {
		return nil, fmt.Errorf("%w: %s <title>", errUsage, command)
	}
	switch command {
	case server.CommandJoin:
		return c.Join(ctx, args[0])
	case server.CommandLeave:
		return c.Leave(ctx, args[0])
	case server.CommandSettle:
		return c.Settle(ctx, args[0])
	}
	return nil, fmt.Errorf("unknown command %q", command)
}
