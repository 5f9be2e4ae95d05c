// Package decision implements the decision engine for the bitswap server.
package decision

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/ipfs/go-bitswap-server/internal"
	"github.com/ipfs/go-bitswap-server/internal/defaults"
	bsmsg "github.com/ipfs/go-bitswap-server/message"
	pb "github.com/ipfs/go-bitswap-server/message/pb"
	bmetrics "github.com/ipfs/go-bitswap-server/metrics"
	"github.com/ipfs/go-bitswap-server/peertaskqueue"
	"github.com/ipfs/go-bitswap-server/peertaskqueue/peertask"
	wl "github.com/ipfs/go-bitswap-server/wantlist"
	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	bstore "github.com/ipfs/go-ipfs-blockstore"
	logging "github.com/ipfs/go-log"
	process "github.com/jbenet/goprocess"
	procctx "github.com/jbenet/goprocess/context"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var log = logging.Logger("engine")
var sflog = log.Desugar()

const (
	// tagFormat is the tag given to peers associated an engine
	tagFormat = "bs-engine-%s-%s"

	// queuedTagWeight is the default weight for peers that have work queued
	// on their behalf.
	queuedTagWeight = 10
)

// Envelope contains a message for a Peer.
type Envelope struct {
	// Peer is the intended recipient.
	Peer peer.ID

	// Message is the payload.
	Message bsmsg.BitSwapMessage

	// A callback to notify the decision queue that the task is complete
	Sent func()
}

// PeerTagger covers the methods on the connection manager used by the decision
// engine to tag peers
type PeerTagger interface {
	TagPeer(peer.ID, string, int)
	UntagPeer(p peer.ID, tag string)
}

// Sender delivers a message built by the engine to a peer. An error means
// the message was not delivered; the engine does not retry.
type Sender interface {
	SendMessage(ctx context.Context, p peer.ID, msg bsmsg.BitSwapMessage) error
}

// Engine manages sending requested blocks to peers.
type Engine struct {
	// peerRequestQueue is a priority queue of requests received from peers.
	// Requests are popped from the queue, packaged up, and handed to the
	// sender.
	peerRequestQueue *peertaskqueue.PeerTaskQueue

	// workSignal wakes the task worker when new work is pushed or a batch
	// finishes.
	workSignal chan struct{}

	bsm *blockstoreManager

	sender     Sender
	peerTagger PeerTagger

	tagQueued string

	lock sync.RWMutex // protects ledgerMap

	// ledgerMap lists Ledgers by their Partner key.
	ledgerMap map[peer.ID]*ledger

	// px owns the blockstore workers and lives until Close.
	px process.Process

	workerLk sync.Mutex
	// workerPx is non-nil while the engine is running.
	workerPx process.Process

	targetMessageSize int

	// maxBlockSizeReplaceHasWithBlock is the maximum size of the block in
	// bytes up to which we will replace a want-have with a want-block
	maxBlockSizeReplaceHasWithBlock int

	sendDontHaves bool

	taskMerger peertask.TaskMerger

	bstoreWorkerCount          int
	maxOutstandingBytesPerPeer int

	clock   clock.Clock
	metrics *bmetrics.Metrics

	self peer.ID
}

// Option configures an Engine.
type Option func(*Engine)

// WithTargetMessageSize sets how much work the engine tries to pop into a
// single outgoing message.
func WithTargetMessageSize(size int) Option {
	if size <= 0 {
		panic(fmt.Sprintf("target message size is %d but must be > 0", size))
	}
	return func(e *Engine) {
		e.targetMessageSize = size
	}
}

// WithMaxReplaceSize sets the largest block that is sent in reply to a
// want-have instead of a HAVE. Zero always answers with a HAVE.
func WithMaxReplaceSize(size int) Option {
	if size < 0 {
		panic(fmt.Sprintf("max replace size is %d but must be >= 0", size))
	}
	return func(e *Engine) {
		e.maxBlockSizeReplaceHasWithBlock = size
	}
}

// WithTaskMerger replaces the merger used for tasks with the same CID.
func WithTaskMerger(tm peertask.TaskMerger) Option {
	return func(e *Engine) {
		e.taskMerger = tm
	}
}

func WithBlockstoreWorkerCount(count int) Option {
	if count <= 0 {
		panic(fmt.Sprintf("Engine blockstore worker count is %d but must be > 0", count))
	}
	return func(e *Engine) {
		e.bstoreWorkerCount = count
	}
}

// WithMaxOutstandingBytesPerPeer caps how much work may be in flight to a
// single peer. Zero disables the limit.
func WithMaxOutstandingBytesPerPeer(count int) Option {
	if count < 0 {
		panic(fmt.Sprintf("max outstanding bytes per peer is %d but must be >= 0", count))
	}
	return func(e *Engine) {
		e.maxOutstandingBytesPerPeer = count
	}
}

// WithSetSendDontHave indicates what to do when the engine receives a
// want-block for a block that is not in the blockstore. Either
// - Send a DONT_HAVE message
// - Simply don't respond
// Older versions of Bitswap did not respond, so this allows us to simulate
// those older versions for testing.
func WithSetSendDontHave(send bool) Option {
	return func(e *Engine) {
		e.sendDontHaves = send
	}
}

func WithClock(clk clock.Clock) Option {
	return func(e *Engine) {
		e.clock = clk
	}
}

func WithMetrics(m *bmetrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine creates a new block sending engine for the given block store.
// The engine is returned stopped: events are recorded, but nothing is sent
// until Start is called. Cancelling ctx closes the engine.
func NewEngine(
	ctx context.Context,
	bs bstore.Blockstore,
	sender Sender,
	peerTagger PeerTagger,
	self peer.ID,
	opts ...Option,
) *Engine {
	e := &Engine{
		ledgerMap:                       make(map[peer.ID]*ledger),
		sender:                          sender,
		peerTagger:                      peerTagger,
		workSignal:                      make(chan struct{}, 1),
		targetMessageSize:               defaults.BitswapEngineTargetMessageSize,
		maxBlockSizeReplaceHasWithBlock: defaults.BitswapMaxSizeReplaceHasWithBlock,
		sendDontHaves:                   true,
		taskMerger:                      newTaskMerger(),
		bstoreWorkerCount:               defaults.BitswapEngineBlockstoreWorkerCount,
		maxOutstandingBytesPerPeer:      defaults.BitswapMaxOutstandingBytesPerPeer,
		clock:                           clock.New(),
		self:                            self,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = bmetrics.New(ctx)
	}

	e.tagQueued = fmt.Sprintf(tagFormat, "queued", uuid.New().String())
	e.peerRequestQueue = peertaskqueue.New(
		peertaskqueue.OnPeerAddedHook(e.onPeerAdded),
		peertaskqueue.OnPeerRemovedHook(e.onPeerRemoved),
		peertaskqueue.TaskMerger(e.taskMerger),
		peertaskqueue.IgnoreFreezing(true),
		peertaskqueue.MaxOutstandingWorkPerPeer(e.maxOutstandingBytesPerPeer),
		peertaskqueue.Clock(e.clock),
	)

	e.bsm = newBlockstoreManager(bs, e.bstoreWorkerCount,
		e.metrics.PendingBlocksGauge(), e.metrics.ActiveBlocksGauge())

	e.px = process.WithParent(process.Background())
	procctx.CloseAfterContext(e.px, ctx)
	e.bsm.start(e.px)

	return e
}

// Start runs the task worker. It is a no-op if the engine is already
// running.
func (e *Engine) Start() {
	e.workerLk.Lock()
	defer e.workerLk.Unlock()

	if e.workerPx != nil {
		return
	}
	e.workerPx = process.WithParent(e.px)
	e.workerPx.Go(e.taskWorker)
	e.signalNewWork()
}

// Stop halts the task worker and waits for it to exit. Pending tasks stay
// queued. It is a no-op if the engine is not running.
func (e *Engine) Stop() {
	e.workerLk.Lock()
	px := e.workerPx
	e.workerPx = nil
	e.workerLk.Unlock()

	if px != nil {
		_ = px.Close()
	}
}

// Close stops the engine and shuts down its blockstore workers.
func (e *Engine) Close() error {
	e.Stop()
	return e.px.Close()
}

func (e *Engine) onPeerAdded(p peer.ID) {
	e.peerTagger.TagPeer(p, e.tagQueued, queuedTagWeight)
}

func (e *Engine) onPeerRemoved(p peer.ID) {
	e.peerTagger.UntagPeer(p, e.tagQueued)
}

// WantlistForPeer returns the list of keys that the given peer has asked
// for, highest priority first. Unknown peers have an empty wantlist.
func (e *Engine) WantlistForPeer(p peer.ID) []wl.Entry {
	e.lock.RLock()
	partner, ok := e.ledgerMap[p]
	e.lock.RUnlock()
	if !ok {
		return nil
	}

	partner.lk.RLock()
	entries := partner.wantList.Entries()
	partner.lk.RUnlock()

	wl.SortEntries(entries)

	return entries
}

// LedgerForPeer returns aggregated data about blocks swapped and communication
// with a given peer.
func (e *Engine) LedgerForPeer(p peer.ID) *Receipt {
	l := e.findOrCreate(p)

	l.lk.RLock()
	defer l.lk.RUnlock()

	return l.receipt()
}

// taskWorker drains the request queue while the engine is running.
func (e *Engine) taskWorker(px process.Process) {
	ctx := procctx.OnClosingContext(px)
	for {
		if e.processTasks(ctx) {
			continue
		}
		select {
		case <-px.Closing():
			return
		case <-e.workSignal:
		}
	}
}

// processTasks pops one batch of tasks, turns it into a message and sends
// it. It returns false when there was nothing to do.
func (e *Engine) processTasks(ctx context.Context) bool {
	p, nextTasks, pendingBytes := e.peerRequestQueue.PopTasks(e.targetMessageSize)
	e.updateMetrics()
	if len(nextTasks) == 0 {
		return false
	}

	ctx, span := internal.StartSpan(ctx, "Engine.processTasks", trace.WithAttributes(
		attribute.String("peer", p.String()),
		attribute.Int("taskCount", len(nextTasks)),
	))
	defer span.End()

	log.Debugw("Bitswap process tasks", "local", e.self, "taskCount", len(nextTasks))

	env, err := e.buildEnvelope(ctx, p, nextTasks, pendingBytes)
	if err != nil {
		// ctx cancelled or shutting down; the batch is dropped
		log.Debugw("failed to build envelope", "local", e.self, "to", p, "error", err)
		e.peerRequestQueue.TasksDone(p, nextTasks...)
		return false
	}
	if env == nil {
		e.peerRequestQueue.TasksDone(p, nextTasks...)
		return true
	}

	e.sendEnvelope(ctx, env)
	return true
}

// buildEnvelope fetches the blocks for a batch of tasks and packs the
// message. It returns nil if there is nothing to send.
func (e *Engine) buildEnvelope(ctx context.Context, p peer.ID, nextTasks []*peertask.Task, pendingBytes int) (*Envelope, error) {
	msg := bsmsg.New(false)

	// Amount of data in the request queue still waiting to be popped
	if pendingBytes > math.MaxInt32 {
		pendingBytes = math.MaxInt32
	}
	msg.SetPendingBytes(int32(pendingBytes))

	// Split out want-blocks, want-haves and DONT_HAVEs
	blockCids := make([]cid.Cid, 0, len(nextTasks))
	blockTasks := make(map[cid.Cid]*taskData, len(nextTasks))
	for _, t := range nextTasks {
		c := t.Topic.(cid.Cid)
		td := t.Data.(*taskData)
		if td.HaveBlock {
			if td.IsWantBlock {
				blockCids = append(blockCids, c)
				blockTasks[c] = td
			} else {
				msg.AddHave(c)
			}
		} else {
			msg.AddDontHave(c)
		}
	}

	blks, err := e.bsm.getBlocks(ctx, blockCids)
	if err != nil {
		return nil, err
	}

	for c, t := range blockTasks {
		blk := blks[c]
		if blk == nil {
			// The block was deleted since the task was queued
			if t.SendDontHave {
				msg.AddDontHave(c)
			}
			continue
		}
		msg.AddBlock(blk)
	}

	if msg.Empty() {
		return nil, nil
	}

	log.Debugw("Bitswap engine -> msg", "local", e.self, "to", p, "blockCount", len(msg.Blocks()), "presenceCount", len(msg.BlockPresences()), "size", msg.Size())
	return &Envelope{
		Peer:    p,
		Message: msg,
		Sent: func() {
			// Clear the tasks from the request queue
			e.peerRequestQueue.TasksDone(p, nextTasks...)

			// Signal the worker to check for more work
			e.signalNewWork()
		},
	}, nil
}

func (e *Engine) sendEnvelope(ctx context.Context, env *Envelope) {
	// Blocks need to be sent synchronously to maintain proper backpressure
	// throughout the network stack
	defer env.Sent()

	if err := e.sender.SendMessage(ctx, env.Peer, env.Message); err != nil {
		log.Debugw("failed to send message", "local", e.self, "to", env.Peer, "error", err)
		return
	}
	e.MessageSent(env.Peer, env.Message)

	if ce := sflog.Check(zap.DebugLevel, "sent message"); ce != nil {
		ce.Write(
			zap.Stringer("local", e.self),
			zap.Stringer("to", env.Peer),
			zap.Int("blocks", len(env.Message.Blocks())),
			zap.Int("haves", len(env.Message.Haves())),
			zap.Int("dontHaves", len(env.Message.DontHaves())),
		)
	}
}

func (e *Engine) updateMetrics() {
	stats := e.peerRequestQueue.Stats()
	e.metrics.ActiveEngineGauge().Set(float64(stats.NumActive))
	e.metrics.PendingEngineGauge().Set(float64(stats.NumPending))
}

// Peers returns a slice of Peers with whom the local node has active sessions.
func (e *Engine) Peers() []peer.ID {
	e.lock.RLock()
	defer e.lock.RUnlock()

	response := make([]peer.ID, 0, len(e.ledgerMap))

	for _, ledger := range e.ledgerMap {
		response = append(response, ledger.Partner)
	}
	return response
}

// MessageReceived is called when a message is received from a remote peer.
// For each item in the wantlist, add a want-have or want-block entry to the
// request queue (this is later popped off by the task worker)
func (e *Engine) MessageReceived(ctx context.Context, p peer.ID, m bsmsg.BitSwapMessage) {
	entries := m.Wantlist()

	if len(entries) > 0 {
		log.Debugw("Bitswap engine <- msg", "local", e.self, "from", p, "entryCount", len(entries))
	}

	if m.Empty() {
		log.Infow("received empty message", "from", p)
	}

	newWorkExists := false
	defer func() {
		if newWorkExists {
			e.updateMetrics()
			e.signalNewWork()
		}
	}()

	// Get block sizes
	wants, cancels := e.splitWantsCancels(entries)
	wantKs := cid.NewSet()
	for _, entry := range wants {
		wantKs.Add(entry.Cid)
	}
	blockSizes, err := e.bsm.getBlockSizes(ctx, wantKs.Keys())
	if err != nil {
		log.Infow("aborting message processing", "from", p, "error", err)
		return
	}

	l := e.findOrCreate(p)
	l.lk.Lock()
	defer l.lk.Unlock()

	// If the peer sent a full wantlist, replace the ledger's wantlist
	if m.Full() {
		l.wantList = wl.New()
	}

	for _, blk := range m.Blocks() {
		l.ReceivedBytes(len(blk.RawData()))
	}

	// Remove cancelled blocks from the queue
	for _, entry := range cancels {
		log.Debugw("Bitswap engine <- cancel", "local", e.self, "from", p, "cid", entry.Cid)
		l.CancelWant(entry.Cid)
		e.peerRequestQueue.Remove(entry.Cid, p)
	}

	var activeEntries []peertask.Task
	for _, entry := range wants {
		c := entry.Cid
		blockSize, found := blockSizes[c]

		l.Wants(c, entry.Priority, entry.WantType)

		if !found {
			log.Debugw("Bitswap engine: block not found", "local", e.self, "from", p, "cid", c, "sendDontHave", entry.SendDontHave)

			// Only add the task to the queue if the requester wants a DONT_HAVE
			if e.sendDontHaves && entry.SendDontHave {
				activeEntries = append(activeEntries, peertask.Task{
					Topic:    c,
					Priority: int(entry.Priority),
					Work:     bsmsg.BlockPresenceSize(c),
					Data: &taskData{
						BlockSize:    0,
						HaveBlock:    false,
						IsWantBlock:  entry.WantType == pb.Message_Wantlist_Block,
						SendDontHave: entry.SendDontHave,
					},
				})
			}
			continue
		}

		isWantBlock := e.sendAsBlock(entry.WantType, blockSize)
		log.Debugw("Bitswap engine: block found", "local", e.self, "from", p, "cid", c, "isWantBlock", isWantBlock)

		activeEntries = append(activeEntries, e.foundTask(c, entry.Priority, blockSize, isWantBlock, entry.SendDontHave))
	}

	if len(activeEntries) > 0 {
		newWorkExists = true
		e.peerRequestQueue.PushTasks(p, activeEntries...)
	}
}

// foundTask builds a task for a block we hold. Its work is what the reply
// will cost on the wire: the block itself, or a block presence.
func (e *Engine) foundTask(c cid.Cid, priority int32, blockSize int, isWantBlock, sendDontHave bool) peertask.Task {
	entrySize := blockSize
	if !isWantBlock {
		entrySize = bsmsg.BlockPresenceSize(c)
	}
	return peertask.Task{
		Topic:    c,
		Priority: int(priority),
		Work:     entrySize,
		Data: &taskData{
			BlockSize:    blockSize,
			HaveBlock:    true,
			IsWantBlock:  isWantBlock,
			SendDontHave: sendDontHave,
		},
	}
}

// Split the want-have / want-block entries from the cancel entries
func (e *Engine) splitWantsCancels(es []bsmsg.Entry) ([]bsmsg.Entry, []bsmsg.Entry) {
	wants := make([]bsmsg.Entry, 0, len(es))
	cancels := make([]bsmsg.Entry, 0, len(es))
	for _, et := range es {
		if et.Cancel {
			cancels = append(cancels, et)
		} else {
			wants = append(wants, et)
		}
	}
	return wants, cancels
}

// ReceivedBlocks is called when new blocks are added to the blockstore.
// Every peer that wants one of them gets a task queued for it.
func (e *Engine) ReceivedBlocks(blks []blocks.Block) {
	if len(blks) == 0 {
		return
	}

	work := false
	e.lock.RLock()
	for _, l := range e.ledgerMap {
		l.lk.RLock()

		var tasks []peertask.Task
		for _, b := range blks {
			k := b.Cid()
			entry, ok := l.WantListContains(k)
			if !ok {
				continue
			}

			blockSize := len(b.RawData())
			isWantBlock := e.sendAsBlock(entry.WantType, blockSize)
			tasks = append(tasks, e.foundTask(k, entry.Priority, blockSize, isWantBlock, false))
		}
		if len(tasks) > 0 {
			work = true
			e.peerRequestQueue.PushTasks(l.Partner, tasks...)
		}

		l.lk.RUnlock()
	}
	e.lock.RUnlock()

	if work {
		e.updateMetrics()
		e.signalNewWork()
	}
}

// MessageSent is called when a message has successfully been sent out, to record
// changes.
func (e *Engine) MessageSent(p peer.ID, m bsmsg.BitSwapMessage) {
	l := e.findOrCreate(p)
	l.lk.Lock()
	defer l.lk.Unlock()

	// Remove sent blocks from the want list for the peer
	for _, block := range m.Blocks() {
		l.SentBytes(len(block.RawData()))
		l.wantList.RemoveType(block.Cid(), pb.Message_Wantlist_Block)
	}

	// Remove sent block presences from the want list for the peer
	for _, bp := range m.BlockPresences() {
		// Don't record sent data. We reserve that for data blocks.
		if bp.Type == pb.Message_Have {
			l.wantList.RemoveType(bp.Cid, pb.Message_Wantlist_Have)
		}
	}
}

// PeerConnected is called when a new peer connects, meaning we should start
// sending blocks.
func (e *Engine) PeerConnected(p peer.ID) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if _, ok := e.ledgerMap[p]; !ok {
		e.ledgerMap[p] = newLedger(p, e.clock)
	}
}

// PeerDisconnected is called when a peer disconnects. Its ledger is dropped
// along with any work still pending for it.
func (e *Engine) PeerDisconnected(p peer.ID) {
	e.lock.Lock()
	delete(e.ledgerMap, p)
	e.lock.Unlock()

	e.peerRequestQueue.Clear(p)
	e.updateMetrics()
}

// If the want is a want-have, and it's below a certain size, send the full
// block (instead of sending a HAVE)
func (e *Engine) sendAsBlock(wantType pb.Message_Wantlist_WantType, blockSize int) bool {
	isWantBlock := wantType == pb.Message_Wantlist_Block
	if isWantBlock {
		return true
	}
	return e.maxBlockSizeReplaceHasWithBlock > 0 && blockSize <= e.maxBlockSizeReplaceHasWithBlock
}

func (e *Engine) numBytesSentTo(p peer.ID) uint64 {
	l := e.findOrCreate(p)
	l.lk.RLock()
	defer l.lk.RUnlock()
	return l.Accounting.BytesSent
}

func (e *Engine) numBytesReceivedFrom(p peer.ID) uint64 {
	l := e.findOrCreate(p)
	l.lk.RLock()
	defer l.lk.RUnlock()
	return l.Accounting.BytesRecv
}

// findOrCreate lazily instantiates a ledger
func (e *Engine) findOrCreate(p peer.ID) *ledger {
	// Take a read lock (as it's less expensive) to check if we have a ledger
	// for the peer
	e.lock.RLock()
	l, ok := e.ledgerMap[p]
	e.lock.RUnlock()
	if ok {
		return l
	}

	// There's no ledger, so take a write lock, then check again and create the
	// ledger if necessary
	e.lock.Lock()
	defer e.lock.Unlock()
	l, ok = e.ledgerMap[p]
	if !ok {
		l = newLedger(p, e.clock)
		e.ledgerMap[p] = l
	}
	return l
}

func (e *Engine) signalNewWork() {
	// Signal task generation to restart (if stopped!)
	select {
	case e.workSignal <- struct{}{}:
	default:
	}
}
