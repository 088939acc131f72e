package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sightline/pkg/geo"
	"sightline/pkg/terrain"
	"sightline/pkg/tile"
)

// task is a message sent to an execution unit.
type task interface {
	taskID() uuid.UUID
}

// initTask hands a unit its private tile set.
type initTask struct {
	ID    uuid.UUID
	Tiles *tile.Set
}

// chunkTask asks a unit to evaluate a chunk of targets.
type chunkTask struct {
	ID       uuid.UUID
	Points   []geo.Point
	Deadline time.Time
}

func (t initTask) taskID() uuid.UUID  { return t.ID }
func (t chunkTask) taskID() uuid.UUID { return t.ID }

// response is a unit's reply to a task, matched to it by ID.
type response struct {
	ID    uuid.UUID
	Unit  int
	Ready bool
	Cells []terrain.Cell
	Err   error
}

// job carries the per-computation constants every unit needs.
type job struct {
	eval         *terrain.Evaluator
	origin       geo.Station
	targetHeight float64
	freqMHz      float64
}

// unit is an isolated execution unit. It owns its tile set and only talks to the
// orchestrator through its inbox and the shared outbox.
type unit struct {
	id     int
	job    job
	inbox  chan task
	outbox chan<- response
	tiles  *tile.Set
	cancel context.CancelFunc
}

func newUnit(id int, j job, outbox chan<- response) *unit {
	return &unit{id: id, job: j, inbox: make(chan task, 1), outbox: outbox}
}

func (u *unit) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	u.cancel = cancel
	go u.run(ctx)
}

func (u *unit) stop() {
	if u.cancel != nil {
		u.cancel()
	}
}

func (u *unit) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-u.inbox:
			resp := u.handle(ctx, t)
			select {
			case u.outbox <- resp:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (u *unit) handle(ctx context.Context, t task) (resp response) {
	resp = response{ID: t.taskID(), Unit: u.id}
	defer func() {
		if r := recover(); r != nil {
			resp.Cells = nil
			resp.Err = fmt.Errorf("unit %d panicked: %v", u.id, r)
		}
	}()

	switch m := t.(type) {
	case initTask:
		u.tiles = m.Tiles
		resp.Ready = true
	case chunkTask:
		resp.Cells, resp.Err = u.evaluate(ctx, m)
	default:
		resp.Err = fmt.Errorf("unknown task %T", t)
	}
	return resp
}

func (u *unit) evaluate(ctx context.Context, t chunkTask) ([]terrain.Cell, error) {
	if u.tiles == nil {
		return nil, fmt.Errorf("unit %d has no tiles", u.id)
	}
	cctx := ctx
	if !t.Deadline.IsZero() {
		var cancel context.CancelFunc
		cctx, cancel = context.WithDeadline(ctx, t.Deadline)
		defer cancel()
	}

	cells := make([]terrain.Cell, 0, len(t.Points))
	for i, p := range t.Points {
		if i%64 == 0 {
			if err := cctx.Err(); err != nil {
				return nil, err
			}
		}
		target := geo.Station{Point: p, Height: u.job.targetHeight}
		cells = append(cells, u.job.eval.Check(u.tiles, u.job.origin, target, u.job.freqMHz))
	}
	return cells, nil
}
