package decision

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	pb "github.com/ipfs/go-bitswap-server/message/pb"
	wl "github.com/ipfs/go-bitswap-server/wantlist"
	cid "github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Receipt is a summary of the ledger for a given peer.
type Receipt struct {
	Peer      string
	Value     float64
	Sent      uint64
	Recv      uint64
	Exchanged uint64
}

// debtRatio tracks the bytes exchanged with a partner.
type debtRatio struct {
	BytesSent uint64
	BytesRecv uint64
}

// Value is bytes sent over bytes received. The +1 keeps it defined for a
// partner that never sent us anything.
func (dr *debtRatio) Value() float64 {
	return float64(dr.BytesSent) / float64(dr.BytesRecv+1)
}

func newLedger(p peer.ID, clk clock.Clock) *ledger {
	return &ledger{
		wantList: wl.New(),
		Partner:  p,
		clock:    clk,
	}
}

// ledger stores the data exchange relationship between two peers.
// NOT threadsafe: callers hold lk.
type ledger struct {
	// Partner is the remote Peer.
	Partner peer.ID

	// Accounting tracks bytes sent and received.
	Accounting debtRatio

	// lastExchange is the time of the last data exchange.
	lastExchange time.Time

	// exchangeCount is the number of exchanges with this peer
	exchangeCount uint64

	// wantList is a (bounded, small) set of keys that Partner desires.
	wantList *wl.Wantlist

	clock clock.Clock

	lk sync.RWMutex
}

func (l *ledger) SentBytes(n int) {
	l.exchangeCount++
	l.lastExchange = l.clock.Now()
	l.Accounting.BytesSent += uint64(n)
}

func (l *ledger) ReceivedBytes(n int) {
	l.exchangeCount++
	l.lastExchange = l.clock.Now()
	l.Accounting.BytesRecv += uint64(n)
}

func (l *ledger) Wants(k cid.Cid, priority int32, wantType pb.Message_Wantlist_WantType) {
	log.Debugw("peer wants", "peer", l.Partner, "cid", k, "type", wantType)
	l.wantList.Add(k, priority, wantType)
}

func (l *ledger) CancelWant(k cid.Cid) bool {
	return l.wantList.Remove(k)
}

func (l *ledger) WantListContains(k cid.Cid) (wl.Entry, bool) {
	return l.wantList.Contains(k)
}

func (l *ledger) ExchangeCount() uint64 {
	return l.exchangeCount
}

func (l *ledger) LastExchange() time.Time {
	return l.lastExchange
}

func (l *ledger) DebtRatio() float64 {
	return l.Accounting.Value()
}

func (l *ledger) receipt() *Receipt {
	return &Receipt{
		Peer:      l.Partner.String(),
		Value:     l.Accounting.Value(),
		Sent:      l.Accounting.BytesSent,
		Recv:      l.Accounting.BytesRecv,
		Exchanged: l.exchangeCount,
	}
}
