package peertracker

import (
	"github.com/benbjohnson/clock"
	"github.com/ipfs/go-bitswap-server/peertaskqueue/peertask"
	pq "github.com/ipfs/go-ipfs-pq"
	"github.com/libp2p/go-libp2p/core/peer"
)

// PeerTracker tracks pending and active tasks for a single peer. It is not
// safe for concurrent use: the owning queue serializes access.
type PeerTracker struct {
	target peer.ID

	// Tasks that are pending being made active
	pendingTasks map[peertask.Topic]*peertask.QueueTask

	// Tasks that have been made active. There can be several for the same
	// topic, as a superior request may arrive after the first one started.
	activeTasks map[peertask.Topic][]*peertask.Task
	activeWork  int

	maxActiveWorkPerPeer int

	// for the PQ interface
	index int

	freezeVal int

	clock clock.Clock
	seq   uint64

	// priority queue of tasks belonging to this peer
	taskQueue pq.PQ

	taskMerger peertask.TaskMerger
}

// New creates a new PeerTracker. A maxActiveWorkPerPeer of zero means the
// amount of active work is unbounded.
func New(target peer.ID, taskMerger peertask.TaskMerger, maxActiveWorkPerPeer int, clk clock.Clock) *PeerTracker {
	if clk == nil {
		clk = clock.New()
	}
	return &PeerTracker{
		target:               target,
		pendingTasks:         make(map[peertask.Topic]*peertask.QueueTask),
		activeTasks:          make(map[peertask.Topic][]*peertask.Task),
		taskMerger:           taskMerger,
		maxActiveWorkPerPeer: maxActiveWorkPerPeer,
		clock:                clk,
		taskQueue:            pq.New(peertask.WrapCompare(peertask.PriorityCompare)),
	}
}

// PeerCompare implements pq.ElemComparator
// returns true if peer 'a' has higher priority than peer 'b'
func PeerCompare(a, b pq.Elem) bool {
	pa := a.(*PeerTracker)
	pb := b.(*PeerTracker)

	// having nothing to pop means lowest priority
	paBlocked := !pa.canPop()
	pbBlocked := !pb.canPop()
	if paBlocked {
		return false
	}
	if pbBlocked {
		return true
	}

	// Frozen peers have lowest priority
	if pa.freezeVal > pb.freezeVal {
		return false
	}
	if pa.freezeVal < pb.freezeVal {
		return true
	}

	// If each peer has an equal amount of work in its active queue, choose the
	// peer with the most tasks pending
	paPending := len(pa.pendingTasks)
	pbPending := len(pb.pendingTasks)
	if pa.activeWork == pb.activeWork {
		return paPending > pbPending
	}

	// Choose the peer with the least amount of work in its active queue.
	// This way we "keep peers busy" by sending them as much data as they can
	// process.
	return pa.activeWork < pb.activeWork
}

// canPop is false when the peer has no pending tasks or has reached its
// active work limit.
func (p *PeerTracker) canPop() bool {
	if len(p.pendingTasks) == 0 {
		return false
	}
	return p.maxActiveWorkPerPeer <= 0 || p.activeWork < p.maxActiveWorkPerPeer
}

// Target returns the peer that this peer tracker tracks tasks for
func (p *PeerTracker) Target() peer.ID {
	return p.target
}

// IsIdle returns true if the peer has no active tasks or queued tasks
func (p *PeerTracker) IsIdle() bool {
	return len(p.pendingTasks) == 0 && len(p.activeTasks) == 0
}

// Stats captures the number of active and pending tasks for a peer.
type Stats struct {
	NumPending int
	NumActive  int
}

// Stats returns current statistics for this peer.
func (p *PeerTracker) Stats() Stats {
	active := 0
	for _, ts := range p.activeTasks {
		active += len(ts)
	}
	return Stats{NumPending: len(p.pendingTasks), NumActive: active}
}

// ActiveWork returns the sum of the Work of all active tasks.
func (p *PeerTracker) ActiveWork() int {
	return p.activeWork
}

// Index implements pq.Elem.
func (p *PeerTracker) Index() int {
	return p.index
}

// SetIndex implements pq.Elem.
func (p *PeerTracker) SetIndex(i int) {
	p.index = i
}

// PushTasks adds a group of tasks onto a peer's queue
func (p *PeerTracker) PushTasks(tasks ...peertask.Task) {
	now := p.clock.Now()

	for _, task := range tasks {
		// If the new task doesn't add any more information over what we
		// already have in the active queue, then we can skip the new task
		if !p.taskHasMoreInfoThanActiveTasks(task) {
			continue
		}

		// If there is already a non-active task with this Topic
		if existingTask, ok := p.pendingTasks[task.Topic]; ok {
			if task.Priority > existingTask.Priority {
				existingTask.Priority = task.Priority
				p.taskQueue.Update(existingTask.Index())
			}

			p.taskMerger.Merge(task, &existingTask.Task)
			continue
		}

		p.seq++
		qTask := peertask.NewQueueTask(task, p.target, now, p.seq)
		p.pendingTasks[task.Topic] = qTask
		p.taskQueue.Push(qTask)
	}
}

// PopTasks pops tasks off the queue in priority order until their combined
// Work reaches targetMinWork. The last task popped may take the total over
// the target; a task is never split. If there is not enough pending work it
// returns whatever is in the queue.
// The second return value is the work still pending for this peer.
func (p *PeerTracker) PopTasks(targetMinWork int) ([]*peertask.Task, int) {
	var out []*peertask.Task
	work := 0
	for p.taskQueue.Len() > 0 && p.freezeVal == 0 && work < targetMinWork {
		// Do not add work to a peer that is already maxed out
		if p.maxActiveWorkPerPeer > 0 && p.activeWork >= p.maxActiveWorkPerPeer {
			break
		}

		t := p.taskQueue.Pop().(*peertask.QueueTask)
		p.startTask(&t.Task)

		out = append(out, &t.Task)
		work += t.Work
	}

	return out, p.pendingWork()
}

// startTask moves a task from pending to active.
func (p *PeerTracker) startTask(task *peertask.Task) {
	delete(p.pendingTasks, task.Topic)

	p.activeTasks[task.Topic] = append(p.activeTasks[task.Topic], task)
	p.activeWork += task.Work
}

func (p *PeerTracker) pendingWork() int {
	total := 0
	for _, t := range p.pendingTasks {
		total += t.Work
	}
	return total
}

// TaskDone signals that a task was completed for this peer. Unknown tasks are
// ignored.
func (p *PeerTracker) TaskDone(task *peertask.Task) {
	activeTasks, ok := p.activeTasks[task.Topic]
	if !ok {
		return
	}

	remaining := activeTasks[:0]
	for _, t := range activeTasks {
		if t == task {
			p.activeWork -= t.Work
			continue
		}
		remaining = append(remaining, t)
	}

	if p.activeWork < 0 {
		panic("more tasks finished than started!")
	}

	if len(remaining) == 0 {
		delete(p.activeTasks, task.Topic)
		return
	}
	for i := len(remaining); i < len(activeTasks); i++ {
		activeTasks[i] = nil
	}
	p.activeTasks[task.Topic] = remaining
}

// Remove removes the pending task with the given topic from this peer's
// queue. Active tasks are left alone.
func (p *PeerTracker) Remove(topic peertask.Topic) bool {
	t, ok := p.pendingTasks[topic]
	if ok {
		delete(p.pendingTasks, topic)
		p.taskQueue.Remove(t.Index())
	}
	return ok
}

// Freeze increments the freeze value for this peer. While a peer is frozen
// (freeze value > 0) it will not execute tasks.
func (p *PeerTracker) Freeze() {
	p.freezeVal++
}

// Thaw halves the freeze value for this peer and reports whether the peer
// is no longer frozen.
func (p *PeerTracker) Thaw() bool {
	p.freezeVal -= (p.freezeVal + 1) / 2
	return p.freezeVal <= 0
}

// FullThaw completely unfreezes this peer so it can execute tasks.
func (p *PeerTracker) FullThaw() {
	p.freezeVal = 0
}

// IsFrozen returns whether this peer is frozen and unable to execute tasks.
func (p *PeerTracker) IsFrozen() bool {
	return p.freezeVal > 0
}

func (p *PeerTracker) taskHasMoreInfoThanActiveTasks(task peertask.Task) bool {
	tasksWithTopic := p.activeTasks[task.Topic]
	if len(tasksWithTopic) == 0 {
		return true
	}
	return p.taskMerger.HasNewInfo(task, tasksWithTopic)
}
