package persistence

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/dukepan/dj-rooms-back/internal/models"
	"github.com/dukepan/dj-rooms-back/internal/utils"
)

const (
	maxRetries     = 5
	initialBackoff = 100 * time.Millisecond
)

// BatchInserter persists chat batches durably.
type BatchInserter interface {
	InsertChatMessages(ctx context.Context, batch []*models.ChatMessage) error
}

// ChatWriter batches chat messages and persists them off the hot path.
// Broadcast happens at receive time, so a crash loses at most the messages
// still buffered here.
type ChatWriter struct {
	db     BatchInserter
	logger *utils.Logger

	queue chan *models.ChatMessage
	done  chan struct{}
	wg    sync.WaitGroup

	batchSize     int
	flushInterval time.Duration
}

func NewChatWriter(database BatchInserter, logger *utils.Logger) *ChatWriter {
	return &ChatWriter{
		db:            database,
		logger:        logger,
		queue:         make(chan *models.ChatMessage, 1000),
		done:          make(chan struct{}),
		batchSize:     50,
		flushInterval: 100 * time.Millisecond,
	}
}

// Start begins the batch loop.
func (w *ChatWriter) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.batchLoop(ctx)
}

// Stop drains the queue, flushes the final batch, and waits for the loop.
func (w *ChatWriter) Stop() {
	close(w.done)
	w.wg.Wait()
}

// Enqueue hands a message to the writer. Returns false when the writer is
// stopping or saturated; the caller decides whether that is fatal.
func (w *ChatWriter) Enqueue(msg *models.ChatMessage) bool {
	select {
	case <-w.done:
		return false
	default:
	}
	select {
	case w.queue <- msg:
		return true
	default:
		return false
	}
}

func (w *ChatWriter) batchLoop(ctx context.Context) {
	defer w.wg.Done()

	batch := make([]*models.ChatMessage, 0, w.batchSize)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.flush(flushCtx, batch)
			cancel()
			return

		case <-w.done:
			for {
				select {
				case msg := <-w.queue:
					if msg != nil {
						batch = append(batch, msg)
					}
				default:
					w.flush(ctx, batch)
					return
				}
			}

		case msg := <-w.queue:
			if msg == nil {
				continue
			}
			batch = append(batch, msg)
			if len(batch) >= w.batchSize {
				w.flush(ctx, batch)
				batch = batch[:0]
				ticker.Reset(w.flushInterval)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

// flush writes one batch, retrying with exponential backoff. The insert is
// transactional, so a retried batch never lands twice. Once the retries are
// spent the batch is dropped and logged rather than wedging the loop.
func (w *ChatWriter) flush(ctx context.Context, batch []*models.ChatMessage) {
	if len(batch) == 0 {
		return
	}
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		if err := w.db.InsertChatMessages(ctx, batch); err != nil {
			lastErr = err
			time.Sleep(initialBackoff * time.Duration(math.Pow(2, float64(i))))
			continue
		}
		return
	}
	w.logger.Error(ctx, "dropping chat batch after retries",
		"batch_size", len(batch), "retries", maxRetries, "error", lastErr)
}
