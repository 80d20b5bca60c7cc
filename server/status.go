package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/ipni/auctionhouse"
	"github.com/mr-tron/base58"
)

type (
	PeersResponse struct {
		Count int      `json:"count"`
		Peers []string `json:"peers"`
	}
	AuctionResponse struct {
		Key     string                `json:"key"`
		Auction *auctionhouse.Auction `json:"auction"`
	}
)

// StatusServer is a read-only HTTP view of a node: its local copy of auctions
// and its connected peers.
type StatusServer struct {
	s    *http.Server
	node *Server
}

// responseWriterWithStatus is required to capture status code from
// ResponseWriter so that it can be reported to metrics in a unified way.
type responseWriterWithStatus struct {
	http.ResponseWriter
	status int
}

func newResponseWriterWithStatus(w http.ResponseWriter) *responseWriterWithStatus {
	return &responseWriterWithStatus{
		ResponseWriter: w,
		// 200 status should be assumed by default if WriteHeader hasn't been
		// called explicitly.
		status: 200,
	}
}

func (rec *responseWriterWithStatus) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func NewStatusServer(node *Server, addr string) *StatusServer {
	s := &StatusServer{node: node}
	mux := http.NewServeMux()
	mux.HandleFunc("/auction", s.handleAuction)
	mux.HandleFunc("/auction/", s.handleAuctionSubtree)
	mux.HandleFunc("/peers", s.handlePeers)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/", s.handleCatchAll)
	s.s = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

func (s *StatusServer) Handler() http.Handler {
	return s.s.Handler
}

func (s *StatusServer) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.s.Addr)
	if err != nil {
		return err
	}
	go func() { _ = s.s.Serve(ln) }()

	log.Infow("Status server started", "addr", ln.Addr())
	return nil
}

func (s *StatusServer) Shutdown(ctx context.Context) error {
	return s.s.Shutdown(ctx)
}

func (s *StatusServer) instrument(w http.ResponseWriter, r *http.Request, path string, h func(http.ResponseWriter, *http.Request)) {
	ws := newResponseWriterWithStatus(w)
	if m := s.node.metrics; m != nil {
		start := time.Now()
		defer func() {
			m.RecordHttpLatency(context.Background(), time.Since(start), r.Method, path, ws.status)
		}()
	}
	discardBody(r)
	if r.Method != http.MethodGet {
		ws.Header().Set("Allow", http.MethodGet)
		http.Error(ws, "", http.StatusMethodNotAllowed)
		return
	}
	h(ws, r)
}

// handleAuction looks an auction up by title: GET /auction?title=widget
func (s *StatusServer) handleAuction(w http.ResponseWriter, r *http.Request) {
	s.instrument(w, r, "auction", func(w http.ResponseWriter, r *http.Request) {
		title := r.URL.Query().Get("title")
		if title == "" {
			http.Error(w, "title must be specified", http.StatusBadRequest)
			return
		}
		s.writeAuction(w, auctionhouse.TitleDigest(title))
	})
}

// handleAuctionSubtree looks an auction up by the base58 encoded multihash of
// its title digest: GET /auction/<multihash>
func (s *StatusServer) handleAuctionSubtree(w http.ResponseWriter, r *http.Request) {
	s.instrument(w, r, "auction", func(w http.ResponseWriter, r *http.Request) {
		smh := strings.TrimPrefix(path.Base(r.URL.Path), "auction/")
		b, err := base58.Decode(smh)
		if err != nil {
			http.Error(w, fmt.Sprintf("cannot decode key %s as base58: %s", smh, err.Error()), http.StatusBadRequest)
			return
		}
		td, err := auctionhouse.DigestFromMultihash(b)
		if err != nil {
			s.handleError(w, err)
			return
		}
		s.writeAuction(w, td)
	})
}

func (s *StatusServer) writeAuction(w http.ResponseWriter, td auctionhouse.Digest) {
	ad, err := s.node.index.Resolve(td)
	if err != nil {
		s.handleError(w, err)
		return
	}
	a, err := s.node.index.Load(ad)
	if err != nil {
		s.handleError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(AuctionResponse{Key: ad.String(), Auction: a}); err != nil {
		log.Errorw("Failed to write auction response", "err", err, "id", td)
	}
}

func (s *StatusServer) handlePeers(w http.ResponseWriter, r *http.Request) {
	s.instrument(w, r, "peers", func(w http.ResponseWriter, r *http.Request) {
		conns := s.node.swarm.Connections()
		resp := PeersResponse{Count: len(conns), Peers: make([]string, 0, len(conns))}
		for _, p := range conns {
			resp.Peers = append(resp.Peers, p.ID().String())
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Errorw("Failed to write peers response", "err", err)
		}
	})
}

func (s *StatusServer) handleReady(w http.ResponseWriter, r *http.Request) {
	s.instrument(w, r, "ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
	})
}

func (s *StatusServer) handleCatchAll(w http.ResponseWriter, r *http.Request) {
	discardBody(r)
	http.Error(w, "", http.StatusNotFound)
}

func (s *StatusServer) handleError(w http.ResponseWriter, err error) {
	if auctionhouse.IsNotFound(err) {
		http.Error(w, "", http.StatusNotFound)
		return
	}
	var status int
	switch err.(type) {
	case auctionhouse.ErrUnsupportedMulticodecCode, auctionhouse.ErrMultihashDecode:
		status = http.StatusBadRequest
	default:
		if errors.Is(err, auctionhouse.ErrInvalidDigest) {
			status = http.StatusBadRequest
		} else {
			status = http.StatusInternalServerError
		}
	}
	http.Error(w, err.Error(), status)
}

func discardBody(r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	_ = r.Body.Close()
}
