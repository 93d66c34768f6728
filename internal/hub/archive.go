package hub

import (
	"context"
	"log"
	"time"

	"seminar/pkg/interfaces"
	"seminar/pkg/types"
)

const archiveWriteTimeout = 5 * time.Second

type archiveTask struct {
	name string
	code string
	run  func(ctx context.Context) error
}

// archiver writes behind the hub loop.
// FUNCTIONAL DISCOVERY: live operation never waits on SQLite, a full queue drops the
// write and logs it; the next snapshot of the same classroom supersedes it anyway
type archiver struct {
	store interfaces.ArchiveStore
	queue chan archiveTask
}

func newArchiver(store interfaces.ArchiveStore, size int) *archiver {
	return &archiver{store: store, queue: make(chan archiveTask, size)}
}

func (a *archiver) enqueue(task archiveTask) {
	if a.store == nil {
		return
	}
	select {
	case a.queue <- task:
	default:
		log.Printf("Archive queue full, dropped %s for classroom %s", task.name, task.code)
	}
}

func (a *archiver) saveClassroom(session types.ClassroomSession) {
	a.enqueue(archiveTask{name: "classroom", code: session.Code, run: func(ctx context.Context) error {
		return a.store.SaveClassroom(ctx, &session)
	}})
}

func (a *archiver) storeMessage(code string, message types.Message) {
	a.enqueue(archiveTask{name: "message", code: code, run: func(ctx context.Context) error {
		return a.store.StoreMessage(ctx, code, &message)
	}})
}

func (a *archiver) storeVote(code string, vote *types.VoteData) {
	if vote == nil {
		return
	}
	vote = vote.Clone()
	a.enqueue(archiveTask{name: "vote", code: code, run: func(ctx context.Context) error {
		return a.store.StoreVote(ctx, code, vote)
	}})
}

// run drains the queue until shutdown, then flushes whatever is still buffered.
func (a *archiver) run(shutdown <-chan struct{}) {
	if a.store == nil {
		<-shutdown
		return
	}
	for {
		select {
		case task := <-a.queue:
			a.do(task)
		case <-shutdown:
			for {
				select {
				case task := <-a.queue:
					a.do(task)
				default:
					return
				}
			}
		}
	}
}

func (a *archiver) do(task archiveTask) {
	ctx, cancel := context.WithTimeout(context.Background(), archiveWriteTimeout)
	defer cancel()
	if err := task.run(ctx); err != nil {
		log.Printf("Failed to archive %s for classroom %s: %v", task.name, task.code, err)
	}
}
