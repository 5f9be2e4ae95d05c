package network

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
)

// ConnectionListener is told when a peer becomes usable or stops being
// usable.
type ConnectionListener interface {
	PeerConnected(peer.ID)
	PeerDisconnected(peer.ID)
}

type state byte

const (
	stateDisconnected state = iota
	stateResponsive
	stateUnresponsive
)

// connectEventManager collapses the raw connection events of the host into
// a single connect and a single disconnect per peer. Listener callbacks run
// on one goroutine, in order.
type connectEventManager struct {
	connListener ConnectionListener
	lk           sync.RWMutex
	cond         sync.Cond
	peers        map[peer.ID]*peerState

	changeQueue []peer.ID
	stop        bool
	done        chan struct{}
}

type peerState struct {
	newState, curState state
	pending            bool
	connectionsCount   int
}

func newConnectEventManager(connListener ConnectionListener) *connectEventManager {
	evtManager := &connectEventManager{
		connListener: connListener,
		peers:        make(map[peer.ID]*peerState),
		done:         make(chan struct{}),
	}
	evtManager.cond = sync.Cond{L: &evtManager.lk}
	return evtManager
}

func (c *connectEventManager) Start() {
	go c.worker()
}

func (c *connectEventManager) Stop() {
	c.lk.Lock()
	c.stop = true
	c.lk.Unlock()
	c.cond.Broadcast()

	<-c.done
}

func (c *connectEventManager) setState(p peer.ID, newState state) {
	st, ok := c.peers[p]
	if !ok {
		st = new(peerState)
		c.peers[p] = st
	}
	st.newState = newState
	if !st.pending && st.newState != st.curState {
		st.pending = true
		c.changeQueue = append(c.changeQueue, p)
		c.cond.Broadcast()
	}
}

// waitChange blocks until a change is queued or the manager is stopped.
// It returns false once stopped. Must be called with the lock held.
func (c *connectEventManager) waitChange() bool {
	for !c.stop && len(c.changeQueue) == 0 {
		c.cond.Wait()
	}
	return !c.stop
}

func (c *connectEventManager) worker() {
	c.lk.Lock()
	defer c.lk.Unlock()
	defer close(c.done)

	for c.waitChange() {
		pid := c.changeQueue[0]
		c.handleChange(pid)

		// The head is only dropped once the listener returned, so an empty
		// queue means every change has been delivered.
		c.changeQueue[0] = peer.ID("")
		c.changeQueue = c.changeQueue[1:]
	}
}

// handleChange applies the pending state of pid. Must be called with the
// lock held; it is released around listener callbacks.
func (c *connectEventManager) handleChange(pid peer.ID) {
	st, ok := c.peers[pid]
	if !ok {
		panic("peer in change queue has no state")
	}

	oldState := st.curState
	newState := st.newState
	st.curState = newState
	st.pending = false

	if newState == stateDisconnected {
		delete(c.peers, pid)
	}

	// Flapped back before we got to it.
	if oldState == newState {
		return
	}

	switch newState {
	case stateDisconnected, stateUnresponsive:
		// Unresponsive -> disconnected was already reported.
		if oldState == stateResponsive {
			c.lk.Unlock()
			c.connListener.PeerDisconnected(pid)
			c.lk.Lock()
		}
	case stateResponsive:
		c.lk.Unlock()
		c.connListener.PeerConnected(pid)
		c.lk.Lock()
	}
}

// Connected is called for every new connection to p.
func (c *connectEventManager) Connected(p peer.ID) {
	c.lk.Lock()
	defer c.lk.Unlock()

	st, ok := c.peers[p]
	if !ok {
		st = &peerState{newState: stateDisconnected}
		c.peers[p] = st
	}
	st.connectionsCount++

	c.setState(p, stateResponsive)
}

// Disconnected is called for every closed connection to p. The peer only
// goes away with its last connection.
func (c *connectEventManager) Disconnected(p peer.ID) {
	c.lk.Lock()
	defer c.lk.Unlock()

	st, ok := c.peers[p]
	if !ok {
		return
	}
	st.connectionsCount--
	if st.connectionsCount > 0 {
		return
	}

	c.setState(p, stateDisconnected)
}

// MarkUnresponsive reports p as gone while keeping its connections counted.
func (c *connectEventManager) MarkUnresponsive(p peer.ID) {
	c.lk.Lock()
	defer c.lk.Unlock()

	st, ok := c.peers[p]
	if !ok || st.newState == stateDisconnected {
		return
	}

	c.setState(p, stateUnresponsive)
}

// OnMessage is called for every message received from p.
//   - A disconnected peer stays disconnected, the message may have been delayed.
//   - An unresponsive peer becomes responsive again.
func (c *connectEventManager) OnMessage(p peer.ID) {
	// Hot path, check under the read lock first.
	c.lk.RLock()
	st, ok := c.peers[p]
	needsUpdate := ok && st.newState == stateUnresponsive
	c.lk.RUnlock()

	if !needsUpdate {
		return
	}

	c.lk.Lock()
	defer c.lk.Unlock()

	st, ok = c.peers[p]
	if !ok || st.newState != stateUnresponsive {
		return
	}
	c.setState(p, stateResponsive)
}
