// Package rpc is a request/response transport addressed by public key. A
// server answers named commands on its own libp2p identity; a client sends a
// command and its payload to a server's peer ID and waits for the answer.
//
// Each request uses a fresh stream on Protocol. The request is two
// uvarint-length-prefixed frames, the command name then the payload. The
// response is a status byte followed by one length-prefixed frame.
package rpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
)

const Protocol protocol.ID = "/auctionhouse/rpc/1.0.0"

var (
	log = logging.Logger("rpc")

	ErrUnknownCommand = errors.New("rpc: unknown command")
)

type (
	// Handler answers one command. A returned error is sent to the caller as
	// a RemoteError.
	Handler func(ctx context.Context, req []byte) ([]byte, error)

	// RemoteError is a handler error reported by the server.
	RemoteError struct {
		Command string
		Msg     string
	}
)

func (e RemoteError) Error() string {
	return fmt.Sprintf("rpc: %s failed remotely: %s", e.Command, e.Msg)
}

// Server answers commands on its own libp2p host.
type Server struct {
	h   host.Host
	cfg config

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewServer starts a host for the server identity. Commands are not answered
// until Listen is called.
func NewServer(priv crypto.PrivKey, options ...Option) (*Server, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	hopts := []libp2p.Option{libp2p.Identity(priv)}
	if len(opts.listenAddrs) != 0 {
		hopts = append(hopts, libp2p.ListenAddrs(opts.listenAddrs...))
	}
	h, err := libp2p.New(hopts...)
	if err != nil {
		return nil, err
	}
	return &Server{
		h:        h,
		cfg:      opts,
		handlers: make(map[string]Handler),
	}, nil
}

// Respond registers the handler of a command, replacing any previous one.
func (s *Server) Respond(command string, h Handler) {
	s.mu.Lock()
	s.handlers[command] = h
	s.mu.Unlock()
}

// Listen starts answering requests and returns the endpoint identity clients
// address requests to.
func (s *Server) Listen() peer.ID {
	s.h.SetStreamHandler(Protocol, s.handleStream)
	log.Infow("Started listening", "id", s.h.ID(), "addrs", s.h.Addrs())
	return s.h.ID()
}

func (s *Server) ID() peer.ID {
	return s.h.ID()
}

func (s *Server) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: s.h.ID(), Addrs: s.h.Addrs()}
}

// Addrs returns the listen addresses of the server, including /p2p/<id>.
func (s *Server) Addrs() []multiaddr.Multiaddr {
	ai := s.AddrInfo()
	addrs, _ := peer.AddrInfoToP2pAddrs(&ai)
	return addrs
}

func (s *Server) Close() error {
	s.h.RemoveStreamHandler(Protocol)
	return s.h.Close()
}

func (s *Server) handleStream(stream network.Stream) {
	defer stream.Close()
	r := bufio.NewReader(stream)
	command, err := readFrame(r, s.cfg.maxFrameSize)
	if err != nil {
		log.Debugw("Failed to read command", "peer", stream.Conn().RemotePeer(), "err", err)
		_ = stream.Reset()
		return
	}
	req, err := readFrame(r, s.cfg.maxFrameSize)
	if err != nil {
		log.Debugw("Failed to read request", "command", string(command), "err", err)
		_ = stream.Reset()
		return
	}

	s.mu.RLock()
	h, ok := s.handlers[string(command)]
	s.mu.RUnlock()

	status, resp := statusOK, []byte(nil)
	if !ok {
		status = statusUnknownCommand
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.timeout)
		resp, err = h(ctx, req)
		cancel()
		if err != nil {
			log.Warnw("Command failed", "command", string(command), "err", err)
			status, resp = statusHandlerError, []byte(err.Error())
		}
	}

	if _, err := stream.Write([]byte{status}); err != nil {
		_ = stream.Reset()
		return
	}
	if err := writeFrame(stream, resp); err != nil {
		log.Debugw("Failed to write response", "command", string(command), "err", err)
		_ = stream.Reset()
	}
}

// Client issues requests from its own libp2p host. It does not listen.
type Client struct {
	h   host.Host
	cfg config
}

func NewClient(priv crypto.PrivKey, options ...Option) (*Client, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	h, err := libp2p.New(libp2p.Identity(priv), libp2p.NoListenAddrs)
	if err != nil {
		return nil, err
	}
	return &Client{h: h, cfg: opts}, nil
}

func (c *Client) ID() peer.ID {
	return c.h.ID()
}

// Connect dials a server so that requests can be addressed to its peer ID.
func (c *Client) Connect(ctx context.Context, ai peer.AddrInfo) error {
	return c.h.Connect(ctx, ai)
}

// Request sends payload to the command on the endpoint and returns the
// response payload.
func (c *Client) Request(ctx context.Context, endpoint peer.ID, command string, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.timeout)
	defer cancel()

	stream, err := c.h.NewStream(ctx, endpoint, Protocol)
	if err != nil {
		return nil, err
	}
	defer stream.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(dl)
	}

	if err := writeFrame(stream, []byte(command)); err != nil {
		_ = stream.Reset()
		return nil, err
	}
	if err := writeFrame(stream, payload); err != nil {
		_ = stream.Reset()
		return nil, err
	}
	if err := stream.CloseWrite(); err != nil {
		_ = stream.Reset()
		return nil, err
	}

	r := bufio.NewReader(stream)
	status, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	resp, err := readFrame(r, c.cfg.maxFrameSize)
	if err != nil {
		return nil, err
	}
	switch status {
	case statusOK:
		return resp, nil
	case statusUnknownCommand:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	case statusHandlerError:
		return nil, RemoteError{Command: command, Msg: string(resp)}
	default:
		return nil, fmt.Errorf("rpc: unexpected response status %d", status)
	}
}

func (c *Client) Close() error {
	return c.h.Close()
}
