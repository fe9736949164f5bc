package persistence

import (
	"context"
	"strings"
	"sync"

	"github.com/dukepan/dj-rooms-back/internal/cache"
	"github.com/dukepan/dj-rooms-back/internal/rooms"
	"github.com/dukepan/dj-rooms-back/internal/utils"
)

// Fanout bridges the pub/sub fabric to the local connection hub. Every
// instance subscribes to room:*, so an event published by any instance
// reaches the clients attached to all of them. Payloads pass through as-is;
// they were marshaled once at publish time.
type Fanout struct {
	cache   *cache.Cache
	manager *rooms.Manager
	logger  *utils.Logger
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewFanout(redisCache *cache.Cache, manager *rooms.Manager, logger *utils.Logger) *Fanout {
	return &Fanout{
		cache:   redisCache,
		manager: manager,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Start begins the fanout loop.
func (f *Fanout) Start(ctx context.Context) {
	f.wg.Add(1)
	go f.fanoutLoop(ctx)
}

// Stop shuts the loop down and waits for it to drain.
func (f *Fanout) Stop() {
	close(f.done)
	f.wg.Wait()
}

func (f *Fanout) fanoutLoop(ctx context.Context) {
	defer f.wg.Done()

	pubsub := f.cache.PSubscribe(ctx, "room:*")
	defer pubsub.Close()
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			f.deliver(msg.Channel, msg.Payload)
		}
	}
}

func (f *Fanout) deliver(channel, payload string) {
	roomID := strings.TrimPrefix(channel, "room:")
	if roomID == "" || roomID == channel {
		return
	}
	f.manager.Broadcast(roomID, []byte(payload))
}
