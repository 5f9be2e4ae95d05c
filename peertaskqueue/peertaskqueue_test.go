package peertaskqueue

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"testing"

	"github.com/ipfs/go-bitswap-server/internal/testutil"
	"github.com/ipfs/go-bitswap-server/peertaskqueue/peertask"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

func TestPushPop(t *testing.T) {
	ptq := New()
	partner := testutil.GeneratePeers(1)[0]
	alphabet := strings.Split("abcdefghijklmnopqrstuvwxyz", "")
	vowels := strings.Split("aeiou", "")
	consonants := func() []string {
		var out []string
		for _, letter := range alphabet {
			skip := false
			for _, vowel := range vowels {
				if letter == vowel {
					skip = true
				}
			}
			if !skip {
				out = append(out, letter)
			}
		}
		return out
	}()
	sort.Strings(alphabet)
	sort.Strings(vowels)
	sort.Strings(consonants)

	// add a bunch of blocks. cancel some. drain the queue. the queue should only have the kept tasks

	for _, index := range rand.Perm(len(alphabet)) { // add blocks for all letters
		letter := alphabet[index]
		t.Log(letter)

		// add tasks out of order, but with in-order priority
		ptq.PushTasks(partner, peertask.Task{Topic: letter, Priority: math.MaxInt32 - index})
	}
	for _, consonant := range consonants {
		ptq.Remove(consonant, partner)
	}

	ptq.FullThaw()

	var out []string
	for {
		_, received, _ := ptq.PopTasks(100)
		if len(received) == 0 {
			break
		}

		for _, task := range received {
			out = append(out, task.Topic.(string))
		}
	}

	// Tasks popped should already be in correct order
	require.Equal(t, vowels, out)
}

func TestFreezeUnfreeze(t *testing.T) {
	ptq := New()
	peers := testutil.GeneratePeers(4)
	a := peers[0]
	b := peers[1]
	c := peers[2]
	d := peers[3]

	// Push 5 blocks to each peer
	for i := 0; i < 5; i++ {
		is := fmt.Sprint(i)
		ptq.PushTasks(a, peertask.Task{Topic: is, Work: 1})
		ptq.PushTasks(b, peertask.Task{Topic: is, Work: 1})
		ptq.PushTasks(c, peertask.Task{Topic: is, Work: 1})
		ptq.PushTasks(d, peertask.Task{Topic: is, Work: 1})
	}

	// now, pop off four tasks, there should be one from each
	matchNTasks(t, ptq, 4, a.Pretty(), b.Pretty(), c.Pretty(), d.Pretty())

	ptq.Remove("1", b)

	// b should be frozen, causing it to get skipped in the rotation
	matchNTasks(t, ptq, 3, a.Pretty(), c.Pretty(), d.Pretty())

	ptq.ThawRound()

	matchNTasks(t, ptq, 1, b.Pretty())

	// remove non-existent task
	ptq.Remove("-1", b)

	// b should not be frozen
	matchNTasks(t, ptq, 4, a.Pretty(), b.Pretty(), c.Pretty(), d.Pretty())
}

func TestFreezeUnfreezeNoFreezingOption(t *testing.T) {
	ptq := New(IgnoreFreezing(true))
	peers := testutil.GeneratePeers(4)
	a := peers[0]
	b := peers[1]
	c := peers[2]
	d := peers[3]

	for i := 0; i < 5; i++ {
		is := fmt.Sprint(i)
		ptq.PushTasks(a, peertask.Task{Topic: is, Work: 1})
		ptq.PushTasks(b, peertask.Task{Topic: is, Work: 1})
		ptq.PushTasks(c, peertask.Task{Topic: is, Work: 1})
		ptq.PushTasks(d, peertask.Task{Topic: is, Work: 1})
	}

	// now, pop off four tasks, there should be one from each
	matchNTasks(t, ptq, 4, a.Pretty(), b.Pretty(), c.Pretty(), d.Pretty())

	ptq.Remove("1", b)

	// b should not be frozen, so it wont get skipped in the rotation
	matchNTasks(t, ptq, 4, a.Pretty(), b.Pretty(), c.Pretty(), d.Pretty())
}

// This test checks that ordering of peers is correct
func TestPeerOrder(t *testing.T) {
	ptq := New()
	peers := testutil.GeneratePeers(3)
	a := peers[0]
	b := peers[1]
	c := peers[2]

	ptq.PushTasks(a, peertask.Task{Topic: "1", Work: 3, Priority: 3})
	ptq.PushTasks(a, peertask.Task{Topic: "2", Work: 1, Priority: 2})
	ptq.PushTasks(a, peertask.Task{Topic: "3", Work: 2, Priority: 1})

	ptq.PushTasks(b, peertask.Task{Topic: "4", Work: 1, Priority: 3})
	ptq.PushTasks(b, peertask.Task{Topic: "5", Work: 3, Priority: 2})
	ptq.PushTasks(b, peertask.Task{Topic: "6", Work: 1, Priority: 1})

	ptq.PushTasks(c, peertask.Task{Topic: "7", Work: 2, Priority: 3})
	ptq.PushTasks(c, peertask.Task{Topic: "8", Work: 2, Priority: 1})

	// All peers have nothing in their active queue, so equal chance of any
	// peer being chosen
	var ps []string
	var ids []string
	for i := 0; i < 3; i++ {
		p, tasks, _ := ptq.PopTasks(1)
		ps = append(ps, p.String())
		ids = append(ids, fmt.Sprint(tasks[0].Topic))
	}
	matchArrays(t, ps, []string{a.String(), b.String(), c.String()})
	matchArrays(t, ids, []string{"1", "4", "7"})

	// Active queues:
	// a: 3            Pending: [1, 2]
	// b: 1            Pending: [3, 1]
	// c: 2            Pending: [2]
	// So next peer should be b
	p, tsk, _ := ptq.PopTasks(1)
	if len(tsk) != 1 || p != b || tsk[0].Topic != "5" {
		t.Fatal("Expected ID 5 from peer b")
	}

	// Active queues:
	// a: 3            Pending: [1, 2]
	// b: 1 + 3        Pending: [1]
	// c: 2            Pending: [2]
	// So next peer should be c
	p, tsk, _ = ptq.PopTasks(1)
	if len(tsk) != 1 || p != c || tsk[0].Topic != "8" {
		t.Fatal("Expected ID 8 from peer c")
	}

	// Active queues:
	// a: 3            Pending: [1, 2]
	// b: 1 + 3        Pending: [1]
	// c: 2 + 2
	// So next peer should be a
	p, tsk, _ = ptq.PopTasks(3)
	if len(tsk) != 2 || p != a || tsk[0].Topic != "2" || tsk[1].Topic != "3" {
		t.Fatal("Expected ID 2 & 3 from peer a")
	}

	// Active queues:
	// a: 3 + 1 + 2
	// b: 1 + 3        Pending: [1]
	// c: 2 + 2
	// a & c have no more pending tasks, so next peer should be b
	p, tsk, _ = ptq.PopTasks(1)
	if len(tsk) != 1 || p != b || tsk[0].Topic != "6" {
		t.Fatal("Expected ID 6 from peer b")
	}

	// Active queues:
	// a: 3 + 1 + 2
	// b: 1 + 3 + 1
	// c: 2 + 2
	// No more pending tasks, so next pop should return nothing
	_, tsk, _ = ptq.PopTasks(1)
	if len(tsk) != 0 {
		t.Fatal("Expected no more tasks")
	}
}

// Peers with more pending tasks go first when nobody has active work.
func TestPeerWithMostPendingFirst(t *testing.T) {
	ptq := New()
	peers := testutil.GeneratePeers(3)

	for i, n := range []int{1, 3, 2} {
		for j := 0; j < n; j++ {
			ptq.PushTasks(peers[i], peertask.Task{Topic: fmt.Sprint(j), Work: 1})
		}
	}

	p, tasks, pending := ptq.PopTasks(1)
	require.Equal(t, peers[1], p)
	require.Len(t, tasks, 1)
	require.Equal(t, 2, pending)
}

func TestEmptyQueue(t *testing.T) {
	ptq := New()
	for i := 0; i < 3; i++ {
		p, tasks, pending := ptq.PopTasks(100)
		require.Equal(t, peer.ID(""), p)
		require.Nil(t, tasks)
		require.Zero(t, pending)
	}
}

func TestPopReturnsPendingWork(t *testing.T) {
	ptq := New()
	p := testutil.GeneratePeers(1)[0]
	ptq.PushTasks(p,
		peertask.Task{Topic: "1", Work: 10, Priority: 3},
		peertask.Task{Topic: "2", Work: 20, Priority: 2},
		peertask.Task{Topic: "3", Work: 30, Priority: 1},
	)

	_, tasks, pending := ptq.PopTasks(5)
	require.Len(t, tasks, 1)
	require.Equal(t, 50, pending)

	_, tasks, pending = ptq.PopTasks(25)
	require.Len(t, tasks, 2)
	require.Zero(t, pending)
}

func TestMaxOutstandingWorkPerPeer(t *testing.T) {
	ptq := New(MaxOutstandingWorkPerPeer(10))
	peers := testutil.GeneratePeers(2)
	a := peers[0]
	b := peers[1]

	for i := 0; i < 3; i++ {
		ptq.PushTasks(a, peertask.Task{Topic: fmt.Sprint(i), Work: 10})
	}
	ptq.PushTasks(b, peertask.Task{Topic: "x", Work: 100})

	p, tasks, _ := ptq.PopTasks(1000)
	require.Equal(t, a, p)
	require.Len(t, tasks, 1)

	// a is maxed out so b goes next even though a has more pending tasks
	p, tasks, _ = ptq.PopTasks(1000)
	require.Equal(t, b, p)
	require.Len(t, tasks, 1)

	ptq.TasksDone(b, tasks...)
	_, tasks, _ = ptq.PopTasks(1000)
	require.Empty(t, tasks, "a is still maxed out")
}

func TestHooks(t *testing.T) {
	var peersAdded []string
	var peersRemoved []string
	onPeerAdded := func(p peer.ID) {
		peersAdded = append(peersAdded, p.Pretty())
	}
	onPeerRemoved := func(p peer.ID) {
		peersRemoved = append(peersRemoved, p.Pretty())
	}
	ptq := New(OnPeerAddedHook(onPeerAdded), OnPeerRemovedHook(onPeerRemoved))
	peers := testutil.GeneratePeers(2)
	a := peers[0]
	b := peers[1]
	ptq.PushTasks(a, peertask.Task{Topic: "1"})
	ptq.PushTasks(b, peertask.Task{Topic: "2"})
	expected := []string{a.Pretty(), b.Pretty()}
	matchArrays(t, expected, peersAdded)
	require.Empty(t, peersRemoved)

	p, task, _ := ptq.PopTasks(100)
	ptq.TasksDone(p, task...)
	p, task, _ = ptq.PopTasks(100)
	ptq.TasksDone(p, task...)

	matchArrays(t, expected, peersRemoved)
}

func TestRemoveHookOption(t *testing.T) {
	var calls int
	ptq := New()
	reverse := ptq.Options(OnPeerAddedHook(func(peer.ID) { calls++ }))
	peers := testutil.GeneratePeers(2)

	ptq.PushTasks(peers[0], peertask.Task{Topic: "1"})
	require.Equal(t, 1, calls)

	reverse(ptq)
	ptq.PushTasks(peers[1], peertask.Task{Topic: "1"})
	require.Equal(t, 1, calls, "hook should have been removed")
}

func TestCleaningUpQueues(t *testing.T) {
	ptq := New()

	peer := testutil.GeneratePeers(1)[0]
	var peerTasks []peertask.Task
	for i := 0; i < 5; i++ {
		is := fmt.Sprint(i)
		peerTasks = append(peerTasks, peertask.Task{Topic: is})
	}

	// push a block, pop a block, complete everything, should be removed
	ptq.PushTasks(peer, peerTasks...)
	p, task, _ := ptq.PopTasks(100)
	ptq.TasksDone(p, task...)
	_, task, _ = ptq.PopTasks(100)

	if len(task) != 0 || len(ptq.peerTrackers) > 0 || ptq.pQueue.Len() > 0 {
		t.Fatal("PeerTracker should have been removed because it's idle")
	}

	// push a block, remove each of its entries, should be removed
	ptq.PushTasks(peer, peerTasks...)
	for _, peerTask := range peerTasks {
		ptq.Remove(peerTask.Topic, peer)
	}
	_, task, _ = ptq.PopTasks(100)

	if len(task) != 0 || len(ptq.peerTrackers) > 0 || ptq.pQueue.Len() > 0 {
		t.Fatal("Partner should have been removed because it's idle")
	}
}

func TestRemoveLastPendingTaskForgetsPeer(t *testing.T) {
	var removed []peer.ID
	ptq := New(OnPeerRemovedHook(func(p peer.ID) { removed = append(removed, p) }))
	a := testutil.GeneratePeers(1)[0]

	ptq.PushTasks(a, peertask.Task{Topic: "x", Work: 1})
	ptq.Remove("x", a)

	require.Equal(t, Stats{}, ptq.Stats())
	require.Equal(t, []peer.ID{a}, removed)

	p, tasks, pending := ptq.PopTasks(10)
	require.Equal(t, peer.ID(""), p)
	require.Nil(t, tasks)
	require.Zero(t, pending)
	require.Len(t, removed, 1)
}

func TestClear(t *testing.T) {
	var removed []peer.ID
	ptq := New(OnPeerRemovedHook(func(p peer.ID) { removed = append(removed, p) }))
	peers := testutil.GeneratePeers(2)

	ptq.PushTasks(peers[0], peertask.Task{Topic: "1", Work: 1}, peertask.Task{Topic: "2", Work: 1})
	ptq.PushTasks(peers[1], peertask.Task{Topic: "1", Work: 1})

	p, active, _ := ptq.PopTasks(1)
	require.Equal(t, peers[0], p)

	ptq.Clear(peers[0])
	require.Equal(t, []peer.ID{peers[0]}, removed)
	require.Equal(t, Stats{NumPeers: 1, NumPending: 1}, ptq.Stats())

	// finishing tasks of a cleared peer is a no-op
	ptq.TasksDone(peers[0], active...)
	ptq.Clear(peers[0])

	p, tasks, _ := ptq.PopTasks(100)
	require.Equal(t, peers[1], p)
	require.Len(t, tasks, 1)
}

func TestStats(t *testing.T) {
	ptq := New()
	peers := testutil.GeneratePeers(2)

	ptq.PushTasks(peers[0], peertask.Task{Topic: "1", Work: 1}, peertask.Task{Topic: "2", Work: 1})
	ptq.PushTasks(peers[1], peertask.Task{Topic: "1", Work: 1})
	require.Equal(t, Stats{NumPeers: 2, NumPending: 3}, ptq.Stats())

	ptq.PopTasks(1)
	require.Equal(t, Stats{NumPeers: 2, NumActive: 1, NumPending: 2}, ptq.Stats())
}

func matchNTasks(t *testing.T, ptq *PeerTaskQueue, n int, expected ...string) []*peertask.Task {
	var targets []string
	var tasks []*peertask.Task
	for i := 0; i < n; i++ {
		p, tsk, _ := ptq.PopTasks(1)
		if len(tsk) != 1 {
			t.Fatal("expected 1 task at a time")
		}
		targets = append(targets, p.Pretty())
		tasks = append(tasks, tsk...)
	}

	matchArrays(t, expected, targets)
	return tasks
}

func matchArrays(t *testing.T, str1, str2 []string) {
	if len(str1) != len(str2) {
		t.Fatal("array lengths did not match", str1, str2)
	}

	sort.Strings(str1)
	sort.Strings(str2)

	t.Log(str1)
	t.Log(str2)
	for i, s := range str2 {
		if str1[i] != s {
			t.Fatal("unexpected peer", s, str1[i])
		}
	}
}
