// Package wantlist tracks the blocks a remote peer has asked us for, along
// with the priority and want-type of each request.
package wantlist

import (
	"sort"

	pb "github.com/ipfs/go-bitswap-server/message/pb"

	cid "github.com/ipfs/go-cid"
)

// Wantlist is a raw list of wanted blocks and their priorities
type Wantlist struct {
	set map[cid.Cid]Entry
}

// Entry is an entry in a want list, consisting of a cid and its priority
type Entry struct {
	Cid      cid.Cid
	Priority int32
	WantType pb.Message_Wantlist_WantType
}

// NewRefEntry creates a new want-block entry.
func NewRefEntry(c cid.Cid, p int32) Entry {
	return Entry{
		Cid:      c,
		Priority: p,
		WantType: pb.Message_Wantlist_Block,
	}
}

// New generates a new raw Wantlist
func New() *Wantlist {
	return &Wantlist{
		set: make(map[cid.Cid]Entry),
	}
}

// Len returns the number of entries in a wantlist.
func (w *Wantlist) Len() int {
	return len(w.set)
}

// Add records a want for the given cid. It returns true if the cid was not
// in the list yet or the want was upgraded from want-have to want-block.
// Re-adding a want of the same type only refreshes its priority, and a
// want-have never replaces a want-block.
func (w *Wantlist) Add(c cid.Cid, priority int32, wantType pb.Message_Wantlist_WantType) bool {
	e, ok := w.set[c]
	if ok {
		if e.WantType == wantType {
			e.Priority = priority
			w.set[c] = e
			return false
		}
		if e.WantType == pb.Message_Wantlist_Block {
			return false
		}
	}

	w.set[c] = Entry{
		Cid:      c,
		Priority: priority,
		WantType: wantType,
	}
	return true
}

// Remove removes the given cid from the wantlist.
func (w *Wantlist) Remove(c cid.Cid) bool {
	if _, ok := w.set[c]; !ok {
		return false
	}

	delete(w.set, c)
	return true
}

// RemoveType removes the given cid from the wantlist, respecting the type:
// removing a want-have will not remove an existing want-block.
func (w *Wantlist) RemoveType(c cid.Cid, wantType pb.Message_Wantlist_WantType) bool {
	e, ok := w.set[c]
	if !ok {
		return false
	}

	if e.WantType == pb.Message_Wantlist_Block && wantType == pb.Message_Wantlist_Have {
		return false
	}

	delete(w.set, c)
	return true
}

// Contains returns the entry, if present, for the given CID, plus whether it
// was present.
func (w *Wantlist) Contains(c cid.Cid) (Entry, bool) {
	e, ok := w.set[c]
	return e, ok
}

// Entries returns all wantlist entries for a want list.
func (w *Wantlist) Entries() []Entry {
	es := make([]Entry, 0, len(w.set))
	for _, e := range w.set {
		es = append(es, e)
	}
	return es
}

// Absorb all the entries in other into this want list
func (w *Wantlist) Absorb(other *Wantlist) {
	for _, e := range other.set {
		w.Add(e.Cid, e.Priority, e.WantType)
	}
}

// SortEntries sorts the list of entries by priority, highest first.
func SortEntries(es []Entry) {
	sort.SliceStable(es, func(i, j int) bool {
		return es[i].Priority > es[j].Priority
	})
}
