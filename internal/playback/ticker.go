package playback

import (
	"context"
	"sync"
	"time"
)

// tickerRegistry owns the per-room sync tickers. Starting a ticker for a
// room replaces and cancels any prior one; stopAll is the shutdown path and
// waits for every ticker goroutine to exit.
type tickerRegistry struct {
	mu    sync.Mutex
	seq   uint64
	rooms map[string]*roomTicker
	wg    sync.WaitGroup
}

type roomTicker struct {
	id     uint64
	cancel context.CancelFunc
}

func newTickerRegistry() *tickerRegistry {
	return &tickerRegistry{rooms: make(map[string]*roomTicker)}
}

// start replaces the room's ticker. tick returning false stops the ticker
// from inside a fire.
func (r *tickerRegistry) start(roomID string, interval time.Duration, tick func(context.Context) bool) {
	ctx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	if existing, ok := r.rooms[roomID]; ok {
		existing.cancel()
	}
	r.seq++
	id := r.seq
	r.rooms[roomID] = &roomTicker{id: id, cancel: cancel}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.remove(roomID, id)

		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if !tick(ctx) {
					return
				}
			}
		}
	}()
}

// remove drops the registry entry only if it still belongs to this ticker;
// a replacement may already have taken the slot.
func (r *tickerRegistry) remove(roomID string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.rooms[roomID]; ok && cur.id == id {
		cur.cancel()
		delete(r.rooms, roomID)
	}
}

func (r *tickerRegistry) stop(roomID string) {
	r.mu.Lock()
	cur, ok := r.rooms[roomID]
	if ok {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()
	if ok {
		cur.cancel()
	}
}

func (r *tickerRegistry) stopAll() {
	r.mu.Lock()
	for roomID, t := range r.rooms {
		t.cancel()
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// active reports whether the room currently has a ticker.
func (r *tickerRegistry) active(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[roomID]
	return ok
}
