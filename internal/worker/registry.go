package worker

import (
	"sync"

	"github.com/google/uuid"
)

// AddResult reports why a dispatch attempt was or was not admitted.
type AddResult int

const (
	AddOK AddResult = iota
	// AddDuplicate means the task is already executing; the first
	// dispatch wins and later polls are no-ops until it finishes.
	AddDuplicate
	// AddSaturated means the configured concurrency limit is reached;
	// the task stays with the backend and is retried on a later poll.
	AddSaturated
)

// Registry tracks the identifiers of currently-executing tasks. A single
// owning goroutine serializes every query and mutation, so callers never
// touch shared state directly. It also enforces admission control: once
// the active count reaches the limit, TryAdd rejects new work.
type Registry struct {
	ops       chan func(active map[uuid.UUID]struct{})
	done      chan struct{}
	closeOnce sync.Once
	limit     int
}

// NewRegistry starts the owning goroutine. limit <= 0 means unlimited.
func NewRegistry(limit int) *Registry {
	r := &Registry{
		ops:   make(chan func(map[uuid.UUID]struct{})),
		done:  make(chan struct{}),
		limit: limit,
	}
	go r.loop()
	return r
}

func (r *Registry) loop() {
	active := make(map[uuid.UUID]struct{})
	for {
		select {
		case op := <-r.ops:
			op(active)
		case <-r.done:
			return
		}
	}
}

// Close stops the owning goroutine. Calls after Close degrade to inert
// results (TryAdd rejects, Remove reports absent) rather than blocking,
// so execution units that outlive a drain timeout stay safe.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

// TryAdd inserts id unless it is already active or the registry is full.
func (r *Registry) TryAdd(id uuid.UUID) AddResult {
	reply := make(chan AddResult, 1)
	select {
	case r.ops <- func(active map[uuid.UUID]struct{}) {
		if _, ok := active[id]; ok {
			reply <- AddDuplicate
			return
		}
		if r.limit > 0 && len(active) >= r.limit {
			reply <- AddSaturated
			return
		}
		active[id] = struct{}{}
		reply <- AddOK
	}:
		return <-reply
	case <-r.done:
		return AddSaturated
	}
}

// Remove deletes id and reports whether it was present.
func (r *Registry) Remove(id uuid.UUID) bool {
	reply := make(chan bool, 1)
	select {
	case r.ops <- func(active map[uuid.UUID]struct{}) {
		_, ok := active[id]
		delete(active, id)
		reply <- ok
	}:
		return <-reply
	case <-r.done:
		return false
	}
}

// Snapshot returns a point-in-time copy of the active identifiers.
func (r *Registry) Snapshot() []uuid.UUID {
	reply := make(chan []uuid.UUID, 1)
	select {
	case r.ops <- func(active map[uuid.UUID]struct{}) {
		ids := make([]uuid.UUID, 0, len(active))
		for id := range active {
			ids = append(ids, id)
		}
		reply <- ids
	}:
		return <-reply
	case <-r.done:
		return nil
	}
}

// Len returns the current active count.
func (r *Registry) Len() int {
	reply := make(chan int, 1)
	select {
	case r.ops <- func(active map[uuid.UUID]struct{}) {
		reply <- len(active)
	}:
		return <-reply
	case <-r.done:
		return 0
	}
}
