package engage

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

type monitorHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry supervises the silence monitor for every active room. One
// entry per room, created on first join and torn down when the room
// empties; handles are explicit so no goroutine is ever orphaned.
type Registry struct {
	newMonitor func(roomID string) *Monitor

	mu    sync.Mutex
	rooms map[string]*monitorHandle
}

func NewRegistry(newMonitor func(roomID string) *Monitor) *Registry {
	return &Registry{
		newMonitor: newMonitor,
		rooms:      make(map[string]*monitorHandle),
	}
}

// Watch starts a monitor for the room unless one is already running.
// The monitor's lifetime is bounded by ctx and by Unwatch.
func (r *Registry) Watch(ctx context.Context, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[roomID]; ok {
		return
	}
	mctx, cancel := context.WithCancel(ctx)
	h := &monitorHandle{cancel: cancel, done: make(chan struct{})}
	r.rooms[roomID] = h

	mon := r.newMonitor(roomID)
	go func() {
		defer close(h.done)
		mon.Run(mctx)
	}()
	slog.Info("silence monitor started", "room_id", roomID)
}

// Unwatch stops the room's monitor and waits for it to exit. A no-op
// when the room was not being watched.
func (r *Registry) Unwatch(roomID string) {
	r.mu.Lock()
	h, ok := r.rooms[roomID]
	if ok {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	h.cancel()
	<-h.done
	slog.Info("silence monitor stopped", "room_id", roomID)
}

// Active returns the watched room ids, sorted.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops every monitor and waits for all of them.
func (r *Registry) Close() {
	r.mu.Lock()
	handles := make([]*monitorHandle, 0, len(r.rooms))
	for _, h := range r.rooms {
		handles = append(handles, h)
	}
	r.rooms = make(map[string]*monitorHandle)
	r.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		<-h.done
	}
}
