// Package network joins topic-addressed rooms on a libp2p overlay and
// exchanges unacknowledged messages with every connected peer.
package network

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/ipni/auctionhouse"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
)

const (
	// RoomProtocol carries room messages, one message per stream.
	RoomProtocol protocol.ID = "/auctionhouse/room/1.0.0"

	maxMessageSize = 1 << 20 // 1 MiB
)

var (
	log = logging.Logger("network")

	ErrClosed = errors.New("network: swarm closed")
)

type (
	// DataHandler is called with every message received from a peer.
	DataHandler func(from Peer, data []byte)
	// ConnectionHandler is called once a new peer is connected.
	ConnectionHandler func(p Peer)
	// UpdateHandler is called whenever the set of connected peers changes.
	UpdateHandler func(s *Swarm)
)

// Swarm is a libp2p host that joins rooms named by auction title digests and
// broadcasts messages to every peer it is connected to.
type Swarm struct {
	h   host.Host
	cfg config

	mu           sync.Mutex
	rooms        map[auctionhouse.Digest]*Room
	onData       DataHandler
	onConnection ConnectionHandler
	onUpdate     UpdateHandler
	closed       bool
}

// New starts a swarm host with the given identity.
func New(priv crypto.PrivKey, options ...Option) (*Swarm, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	h, err := libp2p.New(libp2p.Identity(priv), libp2p.ListenAddrs(opts.listenAddrs...))
	if err != nil {
		return nil, err
	}
	s := &Swarm{
		h:     h,
		cfg:   opts,
		rooms: make(map[auctionhouse.Digest]*Room),
	}
	h.SetStreamHandler(RoomProtocol, s.handleStream)
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF:    s.connected,
		DisconnectedF: s.disconnected,
	})
	log.Infow("Swarm started", "id", h.ID(), "addrs", h.Addrs())
	return s, nil
}

// Bootstrap dials the configured bootstrap peers. Failures are logged and
// otherwise ignored.
func (s *Swarm) Bootstrap(ctx context.Context) {
	for _, ai := range s.cfg.bootstrap {
		if err := s.Connect(ctx, ai); err != nil {
			log.Warnw("Failed to connect to bootstrap peer", "peer", ai.ID, "err", err)
		}
	}
}

func (s *Swarm) ID() peer.ID {
	return s.h.ID()
}

// AddrInfo returns the identity and listen addresses of this swarm.
func (s *Swarm) AddrInfo() peer.AddrInfo {
	return peer.AddrInfo{ID: s.h.ID(), Addrs: s.h.Addrs()}
}

// Addrs returns the listen addresses of this swarm, including /p2p/<id>.
func (s *Swarm) Addrs() []multiaddr.Multiaddr {
	ai := s.AddrInfo()
	addrs, _ := peer.AddrInfoToP2pAddrs(&ai)
	return addrs
}

// Connect dials a peer directly, regardless of rooms.
func (s *Swarm) Connect(ctx context.Context, ai peer.AddrInfo) error {
	if ai.ID == s.h.ID() {
		return nil
	}
	return s.h.Connect(ctx, ai)
}

func (s *Swarm) SetDataHandler(f DataHandler) {
	s.mu.Lock()
	s.onData = f
	s.mu.Unlock()
}

func (s *Swarm) SetConnectionHandler(f ConnectionHandler) {
	s.mu.Lock()
	s.onConnection = f
	s.mu.Unlock()
}

func (s *Swarm) SetUpdateHandler(f UpdateHandler) {
	s.mu.Lock()
	s.onUpdate = f
	s.mu.Unlock()
}

// Join announces this swarm in the room for topic and connects to the peers
// found there. Joining a room that is already joined returns the same room.
// The returned room is usable at once; Room.Flushed waits for the
// announcement to be in place.
func (s *Swarm) Join(ctx context.Context, topic auctionhouse.Digest) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if r, ok := s.rooms[topic]; ok {
		return r, nil
	}
	r := &Room{
		topic:   topic,
		name:    ServiceName(topic),
		flushed: make(chan struct{}),
	}
	s.rooms[topic] = r
	go r.announce(s)
	log.Infow("Joined room", "topic", topic, "service", r.name)
	return r, nil
}

// Leave stops announcing this swarm in the room for topic. Existing
// connections are kept. Leaving a room that was never joined does nothing.
func (s *Swarm) Leave(topic auctionhouse.Digest) error {
	s.mu.Lock()
	r, ok := s.rooms[topic]
	delete(s.rooms, topic)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	log.Infow("Left room", "topic", topic)
	return r.close()
}

// Rooms returns the topics of the rooms currently joined.
func (s *Swarm) Rooms() []auctionhouse.Digest {
	s.mu.Lock()
	defer s.mu.Unlock()
	topics := make([]auctionhouse.Digest, 0, len(s.rooms))
	for t := range s.rooms {
		topics = append(topics, t)
	}
	return topics
}

// Connections returns the peers this swarm currently has a live connection
// to, whichever room they were found in.
func (s *Swarm) Connections() []Peer {
	ids := s.h.Network().Peers()
	peers := make([]Peer, 0, len(ids))
	for _, id := range ids {
		peers = append(peers, Peer{id: id, s: s})
	}
	return peers
}

// Broadcast writes msg to every connected peer. It reports, per peer, whether
// the write went through; there is no acknowledgement from the receiver.
func (s *Swarm) Broadcast(ctx context.Context, msg []byte) Delivery {
	peers := s.Connections()
	d := make(Delivery, len(peers))
	var wg sync.WaitGroup
	for i, p := range peers {
		wg.Add(1)
		go func(i int, p Peer) {
			defer wg.Done()
			d[i] = PeerDelivery{Peer: p.ID(), Err: p.Write(ctx, msg)}
		}(i, p)
	}
	wg.Wait()
	return d
}

// Close leaves all rooms and shuts the host down.
func (s *Swarm) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	rooms := s.rooms
	s.rooms = nil
	s.mu.Unlock()

	for _, r := range rooms {
		if err := r.close(); err != nil {
			log.Warnw("Failed to close room", "topic", r.topic, "err", err)
		}
	}
	return s.h.Close()
}

func (s *Swarm) handleStream(stream network.Stream) {
	from := Peer{id: stream.Conn().RemotePeer(), s: s}
	data, err := io.ReadAll(io.LimitReader(stream, maxMessageSize+1))
	if err != nil {
		log.Warnw("Connection error", "peer", from.Label(), "err", err)
		_ = stream.Reset()
		return
	}
	_ = stream.Close()
	if len(data) > maxMessageSize {
		log.Warnw("Dropped oversized message", "peer", from.Label(), "size", len(data))
		return
	}

	s.mu.Lock()
	f := s.onData
	s.mu.Unlock()
	if f != nil {
		f(from, data)
	}
}

func (s *Swarm) connected(n network.Network, c network.Conn) {
	p := Peer{id: c.RemotePeer(), s: s}
	first := len(n.ConnsToPeer(p.id)) == 1

	s.mu.Lock()
	onConnection, onUpdate := s.onConnection, s.onUpdate
	s.mu.Unlock()

	// Notifiee callbacks must not block the swarm.
	go func() {
		if first && onConnection != nil {
			onConnection(p)
		}
		if onUpdate != nil {
			onUpdate(s)
		}
	}()
}

func (s *Swarm) disconnected(network.Network, network.Conn) {
	s.mu.Lock()
	onUpdate := s.onUpdate
	s.mu.Unlock()
	if onUpdate != nil {
		go onUpdate(s)
	}
}

// HandlePeerFound implements mdns.Notifee.
func (s *Swarm) HandlePeerFound(ai peer.AddrInfo) {
	if ai.ID == s.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.writeTimeout)
	defer cancel()
	if err := s.h.Connect(ctx, ai); err != nil {
		log.Debugw("Failed to connect to discovered peer", "peer", ai.ID, "err", err)
	}
}

// ServiceName is the mDNS service under which the room for topic is
// announced. It is derived from the CID of the topic so that it fits in a
// single DNS label.
func ServiceName(topic auctionhouse.Digest) string {
	return "_" + topic.Cid().String() + "._udp"
}

// Room is a joined discovery topic.
type Room struct {
	topic   auctionhouse.Digest
	name    string
	flushed chan struct{}
	err     error

	mu      sync.Mutex
	service mdns.Service
	closed  bool
}

func (r *Room) Topic() auctionhouse.Digest {
	return r.topic
}

// Flushed blocks until the room announcement has been set up, or fails.
func (r *Room) Flushed(ctx context.Context) error {
	select {
	case <-r.flushed:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) announce(s *Swarm) {
	defer close(r.flushed)
	if !s.cfg.mdns {
		return
	}
	svc := mdns.NewMdnsService(s.h, r.name, s)
	if err := svc.Start(); err != nil {
		r.err = err
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.err = svc.Close()
		return
	}
	r.service = svc
}

func (r *Room) close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.service == nil {
		return nil
	}
	err := r.service.Close()
	r.service = nil
	return err
}

// Peer is a handle on a connected remote peer.
type Peer struct {
	id peer.ID
	s  *Swarm
}

func (p Peer) ID() peer.ID {
	return p.id
}

// Label is a short human readable name for the peer: the first 8 hex
// characters of its public key.
func (p Peer) Label() string {
	if pk, err := p.id.ExtractPublicKey(); err == nil {
		if raw, err := pk.Raw(); err == nil {
			return hex.EncodeToString(raw)[:8]
		}
	}
	s := p.id.String()
	if len(s) > 8 {
		return s[len(s)-8:]
	}
	return s
}

// Write sends msg to the peer as a single room message.
func (p Peer) Write(ctx context.Context, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.s.cfg.writeTimeout)
	defer cancel()
	stream, err := p.s.h.NewStream(ctx, p.id, RoomProtocol)
	if err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = stream.SetWriteDeadline(dl)
	}
	if _, err := stream.Write(msg); err != nil {
		_ = stream.Reset()
		return err
	}
	return stream.Close()
}

type (
	// PeerDelivery is the outcome of writing one message to one peer.
	PeerDelivery struct {
		Peer peer.ID
		Err  error
	}
	// Delivery is the outcome of a broadcast. A nil error only means the
	// bytes were handed to the peer's stream.
	Delivery []PeerDelivery
)

func (d Delivery) Attempted() int {
	return len(d)
}

func (d Delivery) Failed() int {
	var n int
	for _, pd := range d {
		if pd.Err != nil {
			n++
		}
	}
	return n
}
