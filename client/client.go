// Package client issues auction commands to a node's RPC endpoint.
package client

import (
	"context"
	"encoding/json"
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"github.com/ipni/auctionhouse/rpc"
	"github.com/ipni/auctionhouse/server"
	"github.com/libp2p/go-libp2p/core/peer"
)

var log = logging.Logger("client")

// Client sends commands to one server endpoint.
type Client struct {
	transport *rpc.Client
	endpoint  peer.ID
}

// New returns a client of the server at endpoint. The client takes ownership
// of transport.
func New(transport *rpc.Client, endpoint peer.ID) *Client {
	return &Client{transport: transport, endpoint: endpoint}
}

// Connect dials the server and returns a client addressing its peer ID.
func Connect(ctx context.Context, transport *rpc.Client, server peer.AddrInfo) (*Client, error) {
	if err := transport.Connect(ctx, server); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", server.ID, err)
	}
	log.Infow("Connected to server", "endpoint", server.ID)
	return New(transport, server.ID), nil
}

func (c *Client) Endpoint() peer.ID {
	return c.endpoint
}

func (c *Client) Ping(ctx context.Context, nonce int64) (*server.PingResponse, error) {
	var resp server.PingResponse
	if err := c.request(ctx, server.CommandPing, server.PingRequest{Nonce: nonce}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Create opens an auction for title with the given minimum bid. The
// attachment must be non-empty but is not kept by the server.
func (c *Client) Create(ctx context.Context, title string, amount float64, attachment []byte) (*server.Response, error) {
	var raw json.RawMessage
	if len(attachment) != 0 {
		var err error
		if raw, err = json.Marshal(attachment); err != nil {
			return nil, err
		}
	}
	return c.command(ctx, server.CommandCreate, server.CreateRequest{
		Title:      title,
		Amount:     server.Amount(amount),
		Attachment: raw,
	})
}

func (c *Client) Join(ctx context.Context, title string) (*server.Response, error) {
	return c.command(ctx, server.CommandJoin, server.TitleRequest{Title: title})
}

func (c *Client) Leave(ctx context.Context, title string) (*server.Response, error) {
	return c.command(ctx, server.CommandLeave, server.TitleRequest{Title: title})
}

// Auction places a bid. The response only echoes the request; peers apply
// the bid asynchronously.
func (c *Client) Auction(ctx context.Context, title string, amount float64) (*server.Response, error) {
	return c.command(ctx, server.CommandAuction, server.AuctionRequest{Title: title, Amount: server.Amount(amount)})
}

func (c *Client) Settle(ctx context.Context, title string) (*server.Response, error) {
	return c.command(ctx, server.CommandSettle, server.TitleRequest{Title: title})
}

func (c *Client) Close() error {
	return c.transport.Close()
}

func (c *Client) command(ctx context.Context, command string, req any) (*server.Response, error) {
	var resp server.Response
	if err := c.request(ctx, command, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) request(ctx context.Context, command string, req, resp any) error {
	log.Debugw("Requesting command", "command", command, "endpoint", c.endpoint)
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	b, err := c.transport.Request(ctx, c.endpoint, command, payload)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, resp); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", command, err)
	}
	log.Debugw("Received response", "command", command, "response", string(b))
	return nil
}
