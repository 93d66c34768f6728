package hub

import (
	"context"
	"log"
	"time"

	"seminar/internal/classroom"
	"seminar/internal/dialogue"
	"seminar/internal/router"
	"seminar/internal/voting"
	"seminar/pkg/interfaces"
	"seminar/pkg/types"
)

// room is the authoritative state of one classroom, owned by the loop.
type room struct {
	store    *classroom.Store
	dialogue *dialogue.Machine
	voting   *voting.Engine
}

func (h *Hub) newRoom(store *classroom.Store) *room {
	code := store.Code()
	return &room{
		store:    store,
		dialogue: dialogue.NewMachine(store, h.cfg.AllowRetreat),
		voting: voting.NewEngine(store, voting.Options{
			Schedule:          h.schedule,
			Now:               h.cfg.Now,
			RequireMembership: h.cfg.RequireRoster,
			OnAutoClose: func(vote *types.VoteData) {
				log.Printf("Vote %s in classroom %s closed by timer", vote.ID, code)
				h.publishVoteEnd(code, vote)
			},
		}),
	}
}

// schedule arms a timer whose callback runs inside the loop.
func (h *Hub) schedule(d time.Duration, fn func()) func() {
	return h.cfg.Timer(d, func() { h.post(fn) })
}

// Open installs a classroom created by the session manager or restored from the archive.
func (h *Hub) Open(ctx context.Context, session types.ClassroomSession) error {
	var err error
	callErr := h.call(ctx, func() {
		if _, exists := h.rooms[session.Code]; exists {
			err = ErrClassroomExists
			return
		}
		if session.Status == types.StatusEnded {
			err = interfaces.ErrClassroomEnded
			return
		}
		rm := h.newRoom(classroom.FromSnapshot(session))
		h.rooms[session.Code] = rm
		rm.voting.Rearm()
		log.Printf("Classroom opened: code=%s status=%s students=%d", session.Code, rm.store.Status(), rm.store.StudentCount())
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// Snapshot returns a copy of the live state of classroom code.
// Implements interfaces.ClassroomController.
func (h *Hub) Snapshot(ctx context.Context, code string) (*types.ClassroomSession, error) {
	var (
		snapshot types.ClassroomSession
		found    bool
	)
	if err := h.call(ctx, func() {
		if rm, ok := h.rooms[code]; ok {
			snapshot = rm.store.Snapshot()
			found = true
		}
	}); err != nil {
		return nil, err
	}
	if !found {
		return nil, interfaces.ErrClassroomNotFound
	}
	return &snapshot, nil
}

// EndClassroom ends classroom code on behalf of an outer surface such as the HTTP API.
// Implements interfaces.ClassroomController.
func (h *Hub) EndClassroom(ctx context.Context, code string) error {
	var err error
	if callErr := h.call(ctx, func() {
		rm, ok := h.rooms[code]
		if !ok {
			err = interfaces.ErrClassroomNotFound
			return
		}
		err = h.endRoom(code, rm)
	}); callErr != nil {
		return callErr
	}
	return err
}

// Sweep ends every classroom whose lifetime elapsed at now and forgets ended
// classrooms nobody is connected to. Returns the codes it ended.
func (h *Hub) Sweep(ctx context.Context, now time.Time) ([]string, error) {
	var ended []string
	err := h.call(ctx, func() {
		for code, rm := range h.rooms {
			snapshot := rm.store.Snapshot()
			if rm.store.Status() != types.StatusEnded && snapshot.IsExpired(now) {
				if err := h.endRoom(code, rm); err != nil {
					log.Printf("Failed to end expired classroom %s: %v", code, err)
					continue
				}
				ended = append(ended, code)
			}
			if rm.store.Status() == types.StatusEnded && len(h.registry.ClassroomConnections(code)) == 0 {
				delete(h.rooms, code)
			}
		}
		h.router.Limiter().Cleanup()
	})
	return ended, err
}

// endRoom moves rm to ended, the terminal status.
func (h *Hub) endRoom(code string, rm *room) error {
	if err := rm.store.End(); err != nil {
		return err
	}
	rm.voting.Stop()
	h.broadcast(code, router.Everyone, types.ClassroomEnded{EndedAt: h.cfg.Now()}, "")
	snapshot := rm.store.Snapshot()
	h.archive.saveClassroom(snapshot)
	h.archive.storeVote(code, snapshot.CurrentVote)
	log.Printf("Classroom ended: code=%s", code)
	if h.cfg.OnEnded != nil {
		h.cfg.OnEnded(code)
	}
	return nil
}

func (h *Hub) publishVoteEnd(code string, vote *types.VoteData) {
	h.broadcast(code, router.Everyone, types.VoteEnded{VoteID: vote.ID}, "")
	h.broadcast(code, router.Everyone, types.VoteResults{VoteData: *vote}, "")
	h.archive.storeVote(code, vote)
}

// publishTransition announces a level change that actually moved the level.
func (h *Hub) publishTransition(code string, rm *room, t dialogue.Transition) {
	if !t.Changed() {
		return
	}
	h.broadcast(code, router.Everyone, types.LevelChanged{Level: t.To}, "")
	h.cfg.Recorder.LevelTransition(string(t.Cause))
	h.archive.saveClassroom(rm.store.Snapshot())
}
