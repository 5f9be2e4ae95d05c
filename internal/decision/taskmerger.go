package decision

import (
	"github.com/ipfs/go-bitswap-server/peertaskqueue/peertask"
)

// taskData is the engine payload carried by each peertask.Task.
type taskData struct {
	// Tasks can be want-have or want-block
	IsWantBlock bool
	// Whether to immediately send a response if the block is not found
	SendDontHave bool
	// The size of the block corresponding to the task
	BlockSize int
	// Whether the block was found
	HaveBlock bool
}

type taskMerger struct{}

func newTaskMerger() *taskMerger {
	return &taskMerger{}
}

// HasNewInfo reports whether task carries anything the active tasks for the
// same CID don't: a want-block where there was only want-have, or a known
// block where there was only DONT_HAVE.
func (*taskMerger) HasNewInfo(task peertask.Task, existing []*peertask.Task) bool {
	haveSize := false
	isWantBlock := false
	for _, et := range existing {
		etd := et.Data.(*taskData)
		if etd.HaveBlock {
			haveSize = true
		}
		if etd.IsWantBlock {
			isWantBlock = true
		}
	}

	td := task.Data.(*taskData)
	if !isWantBlock && td.IsWantBlock {
		return true
	}
	return !haveSize && td.HaveBlock
}

// Merge folds a newly pushed task into the pending task with the same CID.
func (*taskMerger) Merge(task peertask.Task, existing *peertask.Task) {
	newTask := task.Data.(*taskData)
	existingTask := existing.Data.(*taskData)

	if !existingTask.HaveBlock && newTask.HaveBlock {
		existingTask.HaveBlock = newTask.HaveBlock
		existingTask.BlockSize = newTask.BlockSize
	}

	// want-have -> want-block
	if !existingTask.IsWantBlock && newTask.IsWantBlock {
		existingTask.IsWantBlock = true
		if !existingTask.HaveBlock || newTask.HaveBlock {
			existingTask.HaveBlock = newTask.HaveBlock
			existing.Work = task.Work
		}
	}

	// A want-block for a block we hold costs the block itself.
	if existingTask.IsWantBlock && existingTask.HaveBlock {
		existing.Work = existingTask.BlockSize
	}
}
