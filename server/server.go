// Package server runs an auction node: it answers the auction commands over
// RPC and applies the bids and settlements that peers broadcast to it.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/ipni/auctionhouse"
	"github.com/ipni/auctionhouse/metrics"
	"github.com/ipni/auctionhouse/network"
	"github.com/ipni/auctionhouse/rpc"
	"github.com/libp2p/go-libp2p/core/peer"
)

var log = logging.Logger("server")

// Server dispatches RPC commands to the auction index and the swarm, and
// applies room messages received from peers to its own copy of each auction.
// Copies held by different nodes are never reconciled.
type Server struct {
	index   *auctionhouse.Index
	swarm   *network.Swarm
	rpc     *rpc.Server
	metrics *metrics.Metrics

	onFeed         FeedFunc
	onPeersChanged PeersChangedFunc

	// send writes a room message to the connected peers.
	send func(context.Context, []byte) network.Delivery

	mu       sync.Mutex
	closing  bool
	inflight sync.WaitGroup

	endpoint  peer.ID
	closeOnce sync.Once
	closeErr  error
}

// broadcastTimeout bounds the delivery of one room message to all peers.
const broadcastTimeout = 30 * time.Second

// New builds a server. The server takes ownership of swarm and transport and
// closes them on Close; the store stays owned by the caller.
func New(store auctionhouse.Store, swarm *network.Swarm, transport *rpc.Server, options ...Option) (*Server, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	s := &Server{
		index:          auctionhouse.NewIndex(store),
		swarm:          swarm,
		rpc:            transport,
		metrics:        opts.metrics,
		onFeed:         opts.onFeed,
		onPeersChanged: opts.onPeersChanged,
	}
	if swarm != nil {
		s.send = swarm.Broadcast
	}
	return s, nil
}

// Start registers command handlers and peer callbacks, dials bootstrap peers
// and starts answering RPC requests. It returns the RPC endpoint identity.
func (s *Server) Start(ctx context.Context) (peer.ID, error) {
	s.swarm.SetDataHandler(s.handlePeerData)
	s.swarm.SetConnectionHandler(func(p network.Peer) {
		s.onFeed(p.Label(), "Connection established")
		s.onPeersChanged(s.swarm)
	})
	s.swarm.SetUpdateHandler(func(sw *network.Swarm) {
		s.onPeersChanged(sw)
	})
	s.swarm.Bootstrap(ctx)

	s.respond(CommandPing, s.ping)
	s.respond(CommandCreate, s.create)
	s.respond(CommandJoin, s.join)
	s.respond(CommandLeave, s.leave)
	s.respond(CommandAuction, s.auction)
	s.respond(CommandSettle, s.settle)

	s.endpoint = s.rpc.Listen()
	log.Infow("Server started", "endpoint", s.endpoint, "swarm", s.swarm.ID())
	return s.endpoint, nil
}

// Endpoint is the identity RPC requests are addressed to; it is also recorded
// as the owner of auctions created here.
func (s *Server) Endpoint() peer.ID {
	return s.endpoint
}

func (s *Server) Index() *auctionhouse.Index {
	return s.index
}

func (s *Server) Swarm() *network.Swarm {
	return s.swarm
}

// Close stops the RPC transport, waits for pending broadcasts, then closes
// the swarm. Calls after the first return the same result.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		rerr := s.rpc.Close()
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		s.inflight.Wait()
		serr := s.swarm.Close()
		if rerr != nil {
			s.closeErr = fmt.Errorf("failed to close rpc transport: %w", rerr)
		} else if serr != nil {
			s.closeErr = fmt.Errorf("failed to close swarm: %w", serr)
		}
		log.Info("Server closed")
	})
	return s.closeErr
}

func (s *Server) respond(command string, h func(context.Context, []byte) any) {
	s.rpc.Respond(command, func(ctx context.Context, req []byte) ([]byte, error) {
		start := time.Now()
		log.Debugw("Intercepted command", "command", command)
		resp := h(ctx, req)
		if s.metrics != nil {
			status := StatusOK
			if r, ok := resp.(Response); ok {
				status = r.Status
			}
			s.metrics.RecordRPCLatency(context.Background(), time.Since(start), command, status)
		}
		return json.Marshal(resp)
	})
}

func malformed() Response {
	return Response{Status: StatusFailed, Message: "malformed request"}
}

func (s *Server) ping(_ context.Context, raw []byte) any {
	var req PingRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		log.Debugw("Malformed ping", "err", err)
	}
	return PingResponse{Nonce: req.Nonce + 1}
}

func (s *Server) create(ctx context.Context, raw []byte) any {
	var req CreateRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return malformed()
	}
	if req.Title == "" || req.Amount == 0 || !truthy(req.Attachment) {
		return missingFields("CREATE", "title, amount, attachment")
	}

	// The attachment is accepted but not stored.
	a, ad, err := s.index.Create(req.Title, float64(req.Amount), s.endpoint.String())
	if err != nil {
		log.Errorw("Failed to create auction", "title", req.Title, "err", err)
		return Response{Status: StatusFailed, Message: "failed to store auction"}
	}
	log.Infow("Created auction", "id", a.ID, "key", ad.String())

	if err := s.joinRoom(ctx, auctionhouse.TitleDigest(req.Title)); err != nil {
		return Response{Status: StatusFailed, Message: "failed to join auction room"}
	}
	return Response{Status: StatusOK, Message: "OK"}
}

func (s *Server) join(ctx context.Context, raw []byte) any {
	var req TitleRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return malformed()
	}
	if req.Title == "" {
		return missingFields("JOIN", "title")
	}
	td := auctionhouse.TitleDigest(req.Title)
	if err := s.joinRoom(ctx, td); err != nil {
		return Response{Status: StatusFailed, Message: "failed to join auction room"}
	}
	return Response{Status: StatusOK, ID: td.String()}
}

func (s *Server) joinRoom(ctx context.Context, td auctionhouse.Digest) error {
	room, err := s.swarm.Join(ctx, td)
	if err == nil {
		err = room.Flushed(ctx)
	}
	if err != nil {
		log.Warnw("Failed to join room", "topic", td, "err", err)
	}
	return err
}

func (s *Server) leave(_ context.Context, raw []byte) any {
	var req TitleRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return malformed()
	}
	if req.Title == "" {
		return missingFields("LEAVE", "title")
	}
	td := auctionhouse.TitleDigest(req.Title)
	if err := s.swarm.Leave(td); err != nil {
		// The room is forgotten even if its announcement failed to stop.
		log.Warnw("Failed to leave room cleanly", "topic", td, "err", err)
	}
	return Response{Status: StatusOK, ID: td.String()}
}

func (s *Server) auction(_ context.Context, raw []byte) any {
	var req AuctionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return malformed()
	}
	if req.Title == "" || req.Amount == 0 {
		return missingFields("AUCTION", "title, amount")
	}
	s.broadcast(RoomMessage{
		Command: CommandAuction,
		Room:    auctionhouse.TitleDigest(req.Title).String(),
		Amount:  req.Amount,
	})
	return Response{Status: StatusOK, Title: req.Title, Amount: req.Amount}
}

func (s *Server) settle(_ context.Context, raw []byte) any {
	var req TitleRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return malformed()
	}
	if req.Title == "" {
		return missingFields("SETTLE", "title")
	}
	s.broadcast(RoomMessage{
		Command: CommandSettle,
		Room:    auctionhouse.TitleDigest(req.Title).String(),
	})
	return Response{Status: StatusOK}
}

// broadcast writes msg to every connected peer, whichever room they share
// with this node. Delivery happens in the background; its outcome is logged
// and counted but never reported to the caller.
func (s *Server) broadcast(msg RoomMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		log.Errorw("Failed to encode room message", "command", msg.Command, "err", err)
		return
	}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		log.Warnw("Dropped room message from closing server", "command", msg.Command)
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), broadcastTimeout)
		defer cancel()
		d := s.send(ctx, b)
		for _, pd := range d {
			if pd.Err != nil {
				log.Warnw("Failed to deliver room message", "peer", pd.Peer, "command", msg.Command, "err", pd.Err)
			}
		}
		log.Debugw("Broadcast room message", "command", msg.Command, "room", msg.Room, "peers", d.Attempted(), "failed", d.Failed())
		if s.metrics != nil {
			s.metrics.RecordBroadcast(context.Background(), msg.Command, d.Attempted(), d.Failed())
		}
	}()
}
