package peertask

import (
	"time"

	pq "github.com/ipfs/go-ipfs-pq"
	"github.com/libp2p/go-libp2p/core/peer"
)

// QueueTaskComparator returns true if task 'a' should be popped before
// task 'b'.
type QueueTaskComparator func(a, b *QueueTask) bool

// PriorityCompare orders tasks by priority (highest first), then by the time
// they were queued, then by insertion order so that ties always break the
// same way.
var PriorityCompare = func(a, b *QueueTask) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.created.Equal(b.created) {
		return a.created.Before(b.created)
	}
	return a.seq < b.seq
}

// WrapCompare wraps a QueueTask comparison function so it can be used as
// comparison for a priority queue
func WrapCompare(f QueueTaskComparator) func(a, b pq.Elem) bool {
	return func(a, b pq.Elem) bool {
		return f(a.(*QueueTask), b.(*QueueTask))
	}
}

// Topic is the key of a task. Two tasks for the same peer with the same
// Topic are merged rather than queued twice.
type Topic interface{}

// Data is used by the client to associate extra information with a Task
type Data interface{}

// Task is a single task to be executed in Priority order.
type Task struct {
	// Topic for the task
	Topic Topic
	// Priority of the task
	Priority int
	// The size of the task
	// - peers with most active work are deprioritized
	// - peers with most pending work are prioritized
	Work int
	// Arbitrary data associated with this Task by the client
	Data Data
}

// TaskMerger decides how a new task interacts with tasks that share its
// Topic.
type TaskMerger interface {
	// HasNewInfo indicates whether the given task has more information than
	// the existing group of active tasks with the same Topic.
	HasNewInfo(task Task, existing []*Task) bool
	// Merge copies relevant fields from a new task to an existing pending
	// task.
	Merge(task Task, existing *Task)
}

// DefaultTaskMerger never lets a new task through while one with the same
// Topic is active, and never changes a pending task.
type DefaultTaskMerger struct{}

// HasNewInfo always reports false.
func (*DefaultTaskMerger) HasNewInfo(task Task, existing []*Task) bool {
	return false
}

// Merge leaves the existing task unchanged.
func (*DefaultTaskMerger) Merge(task Task, existing *Task) {
}

// QueueTask contains a Task, and also some bookkeeping information.
// It is used internally by the PeerTracker to keep track of tasks.
type QueueTask struct {
	Task
	Target  peer.ID
	created time.Time // created marks the time that the task was added to the queue
	seq     uint64    // seq breaks ties between tasks created at the same instant
	index   int       // book-keeping field used by the pq container
}

// NewQueueTask creates a new QueueTask from the given Task.
func NewQueueTask(task Task, target peer.ID, created time.Time, seq uint64) *QueueTask {
	return &QueueTask{
		Task:    task,
		Target:  target,
		created: created,
		seq:     seq,
	}
}

// Index implements pq.Elem.
func (pt *QueueTask) Index() int {
	return pt.index
}

// SetIndex implements pq.Elem.
func (pt *QueueTask) SetIndex(i int) {
	pt.index = i
}
