// Package server implements the serving half of the Bitswap protocol: it
// answers the wantlists of remote peers with blocks from a local blockstore.
package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	deciface "github.com/ipfs/go-bitswap-server/decision"
	"github.com/ipfs/go-bitswap-server/internal"
	"github.com/ipfs/go-bitswap-server/internal/decision"
	bsmsg "github.com/ipfs/go-bitswap-server/message"
	bmetrics "github.com/ipfs/go-bitswap-server/metrics"
	bsnet "github.com/ipfs/go-bitswap-server/network"
	"github.com/ipfs/go-bitswap-server/peertaskqueue/peertask"
	"github.com/ipfs/go-bitswap-server/tracer"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	logging "github.com/ipfs/go-log"
	"github.com/ipfs/go-metrics-interface"
	process "github.com/jbenet/goprocess"
	procctx "github.com/jbenet/goprocess/context"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var log = logging.Logger("bitswap-server")
var sflog = log.Desugar()

// ErrClosed is returned by block ingestion once the server is closed.
var ErrClosed = errors.New("bitswap server is closed")

// Option defines the functional option type that can be used to configure
// server instances.
type Option func(*Server)

// EngineBlockstoreWorkerCount sets the number of worker threads used for
// blockstore operations in the decision engine
func EngineBlockstoreWorkerCount(count int) Option {
	o := decision.WithBlockstoreWorkerCount(count)
	return func(s *Server) {
		s.engineOptions = append(s.engineOptions, o)
	}
}

// MaxOutstandingBytesPerPeer describes approximately how much work we are
// willing to have outstanding to a peer at any given time. Setting it to 0
// disables any limiting.
func MaxOutstandingBytesPerPeer(count int) Option {
	o := decision.WithMaxOutstandingBytesPerPeer(count)
	return func(s *Server) {
		s.engineOptions = append(s.engineOptions, o)
	}
}

// TargetMessageSize sets the amount of work popped for a single outgoing
// message.
func TargetMessageSize(size int) Option {
	o := decision.WithTargetMessageSize(size)
	return func(s *Server) {
		s.engineOptions = append(s.engineOptions, o)
	}
}

// MaxSizeReplaceHasWithBlock sets the largest block sent in place of a HAVE.
// Zero disables the replacement.
func MaxSizeReplaceHasWithBlock(size int) Option {
	o := decision.WithMaxReplaceSize(size)
	return func(s *Server) {
		s.engineOptions = append(s.engineOptions, o)
	}
}

// SetSendDontHaves indicates whether to answer want-blocks for missing
// blocks with a DONT_HAVE when the peer asked for one.
func SetSendDontHaves(send bool) Option {
	o := decision.WithSetSendDontHave(send)
	return func(s *Server) {
		s.engineOptions = append(s.engineOptions, o)
	}
}

// WithTaskMerger replaces the merger used for tasks with the same CID.
func WithTaskMerger(tm peertask.TaskMerger) Option {
	if tm == nil {
		panic("task merger must not be nil")
	}
	o := decision.WithTaskMerger(tm)
	return func(s *Server) {
		s.engineOptions = append(s.engineOptions, o)
	}
}

// WithTracer observes every message the server receives and sends.
func WithTracer(tap tracer.Tracer) Option {
	return func(s *Server) {
		s.tracer = tap
	}
}

// WithClock is used by tests to control send timing.
func WithClock(clk clock.Clock) Option {
	return func(s *Server) {
		s.clock = clk
	}
}

// Server answers the wantlists of remote peers.
type Server struct {
	sentHistogram     metrics.Histogram
	sendTimeHistogram metrics.Histogram

	// the engine is the bit of logic that decides who to send which blocks to
	engine *decision.Engine

	// network delivers messages on behalf of the server
	network bsnet.BitSwapNetwork

	// blockstore is the local database
	// NB: ensure threadsafety
	blockstore blockstore.Blockstore

	process process.Process

	// Counters for various statistics
	counterLk sync.Mutex
	counters  Stat

	// External statistics interface
	tracer tracer.Tracer

	clock clock.Clock

	engineOptions []decision.Option
}

// New creates a server that answers the wantlists arriving on network with
// blocks from bstore. It registers itself as the network delegate and runs
// until ctx is cancelled or Close is called.
func New(ctx context.Context, network bsnet.BitSwapNetwork, bstore blockstore.Blockstore, options ...Option) *Server {
	ctx, cancel := context.WithCancel(ctx)

	m := bmetrics.New(ctx)

	s := &Server{
		sentHistogram:     m.SentHist(),
		sendTimeHistogram: m.SendTimeHist(),
		network:           network,
		blockstore:        bstore,
		clock:             clock.New(),
	}

	// apply functional options before starting and running the server
	for _, option := range options {
		option(s)
	}

	engineOptions := append([]decision.Option{
		decision.WithMetrics(m),
		decision.WithClock(s.clock),
	}, s.engineOptions...)

	s.engine = decision.NewEngine(
		ctx,
		bstore,
		s,
		network.ConnectionManager(),
		network.Self(),
		engineOptions...,
	)

	s.process = process.WithTeardown(func() error {
		cancel()
		network.Stop()
		return s.engine.Close()
	})
	// parent cancelled first
	procctx.CloseAfterContext(s.process, ctx)

	network.SetDelegate(s)
	s.engine.Start()

	return s
}

// Stat is a snapshot of the server counters.
type Stat struct {
	Peers         []string
	BlocksSent    uint64
	DataSent      uint64
	MessagesRecvd uint64
}

// Stat returns aggregated statistics about the server operations.
func (s *Server) Stat() Stat {
	s.counterLk.Lock()
	st := s.counters
	s.counterLk.Unlock()

	peers := s.engine.Peers()
	st.Peers = make([]string, 0, len(peers))
	for _, p := range peers {
		st.Peers = append(st.Peers, p.Pretty())
	}
	sort.Strings(st.Peers)

	return st
}

// WantlistForPeer returns the currently understood list of blocks requested by a
// given peer.
func (s *Server) WantlistForPeer(p peer.ID) []cid.Cid {
	var out []cid.Cid
	for _, e := range s.engine.WantlistForPeer(p) {
		out = append(out, e.Cid)
	}
	return out
}

// LedgerForPeer returns aggregated data about blocks swapped and communication
// with a given peer.
func (s *Server) LedgerForPeer(p peer.ID) *deciface.Receipt {
	return s.engine.LedgerForPeer(p)
}

// Peers returns the peers the server keeps a ledger for.
func (s *Server) Peers() []peer.ID {
	return s.engine.Peers()
}

// NotifyNewBlocks announces the existence of blocks to the server. Peers
// waiting for them get them without asking again. The blocks are expected
// to be in the blockstore already.
func (s *Server) NotifyNewBlocks(ctx context.Context, blks ...blocks.Block) error {
	select {
	case <-s.process.Closing():
		return ErrClosed
	default:
	}

	s.engine.ReceivedBlocks(blks)
	return nil
}

// PutBlocks stores blks and then notifies the peers that want them.
func (s *Server) PutBlocks(ctx context.Context, blks ...blocks.Block) error {
	ctx, span := internal.StartSpan(ctx, "Server.PutBlocks", trace.WithAttributes(attribute.Int("Blocks", len(blks))))
	defer span.End()

	select {
	case <-s.process.Closing():
		return ErrClosed
	default:
	}

	if err := s.blockstore.PutMany(ctx, blks); err != nil {
		span.RecordError(err)
		return fmt.Errorf("storing blocks: %w", err)
	}

	return s.NotifyNewBlocks(ctx, blks...)
}

// ReceiveMessage is called by the network interface when a new message is
// received.
func (s *Server) ReceiveMessage(ctx context.Context, p peer.ID, incoming bsmsg.BitSwapMessage) {
	s.counterLk.Lock()
	s.counters.MessagesRecvd++
	s.counterLk.Unlock()

	// This call records changes to wantlists, blocks received,
	// and number of bytes transfered.
	s.engine.MessageReceived(ctx, p, incoming)

	if s.tracer != nil {
		s.tracer.MessageReceived(p, incoming)
	}
}

// ReceiveError is called by the network interface when an error happens
// at the network layer. Currently just logs error.
func (s *Server) ReceiveError(err error) {
	log.Infof("Bitswap server ReceiveError: %s", err)
}

func (s *Server) PeerConnected(p peer.ID) {
	s.engine.PeerConnected(p)
}

func (s *Server) PeerDisconnected(p peer.ID) {
	s.engine.PeerDisconnected(p)
}

// Close shuts the server down. It is safe to call more than once.
func (s *Server) Close() error {
	return s.process.Close()
}
