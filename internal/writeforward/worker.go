package writeforward

import (
	"context"
	"time"

	"github.com/kf6kjg/whip-lru/internal/assetid"
	"github.com/kf6kjg/whip-lru/internal/upstream"
)

// LocalReader fetches an asset's bytes from local storage, for the worker
// to hand to the upstream service. ok is false if the id has since been
// purged locally (the record still forwards nothing, but the slot is
// freed: there is nothing left to forward).
type LocalReader func(id assetid.ID) (data []byte, ok bool, err error)

// maxConsecutiveFailures bounds how many unhandled errors in a row the
// worker tolerates before logging an aggregated diagnostic — it never
// drops the pending record itself.
const maxConsecutiveFailures = 10

const (
	minBackoff = 50 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// Worker is the single long-lived goroutine that drains pending slots to
// the upstream service.
type Worker struct {
	log      *Log
	queue    chan SlotRef
	read     LocalReader
	upstream upstream.Service
}

// NewWorker constructs a Worker. queueDepth bounds how many slots may be
// buffered for the worker before Enqueue blocks the caller (a store or a
// startup re-enqueue).
func NewWorker(l *Log, read LocalReader, svc upstream.Service, queueDepth int) *Worker {
	return &Worker{log: l, queue: make(chan SlotRef, queueDepth), read: read, upstream: svc}
}

// Enqueue hands a slot to the worker for forwarding. Blocks if the internal
// queue is full.
func (w *Worker) Enqueue(slot SlotRef) {
	w.queue <- slot
}

// Run drains the queue until ctx is canceled, at which point it stops
// accepting new work and returns once any in-flight forward completes —
// the slot itself is never lost, so a subsequent restart's Open() call
// will recover it.
func (w *Worker) Run(ctx context.Context) {
	consecutiveFailures := 0
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("write-forward worker stopping")
			return
		case slot := <-w.queue:
			if err := w.forward(ctx, slot); err != nil {
				consecutiveFailures++
				log.Warn().Err(err).Uint32("slot", uint32(slot)).Int("consecutive_failures", consecutiveFailures).
					Msg("write-forward attempt failed, will retry")
				if consecutiveFailures >= maxConsecutiveFailures {
					log.Error().Int("consecutive_failures", consecutiveFailures).
						Msg("write-forward worker hit consecutive failure limit; record remains pending on disk")
					consecutiveFailures = 0
				}
				w.retryLater(ctx, slot, consecutiveFailures)
				continue
			}
			consecutiveFailures = 0
		}
	}
}

func (w *Worker) retryLater(ctx context.Context, slot SlotRef, failures int) {
	backoff := minBackoff << uint(failures)
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
			select {
			case w.queue <- slot:
			case <-ctx.Done():
			}
		}
	}()
}

func (w *Worker) forward(ctx context.Context, slot SlotRef) error {
	id := w.log.IDAt(slot)
	data, ok, err := w.read(id)
	if err != nil {
		return err
	}
	if !ok {
		// Purged locally before it could be forwarded: nothing to send,
		// but the slot is no longer needed.
		w.log.Free(slot)
		return nil
	}
	result, err := w.upstream.Put(ctx, id, data)
	if err != nil {
		return err
	}
	if result == upstream.PutOK || result == upstream.PutAlreadyExists {
		w.log.Free(slot)
		return nil
	}
	return nil
}
