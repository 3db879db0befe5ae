package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/models"
)

// Worker drains the envelope queue with a pool of goroutines competing
// through row claims.
type Worker struct {
	store *database.Store
	proc  *Processor

	Workers       int
	Visibility    time.Duration
	MaxAttempts   int
	PollInterval  time.Duration
	RequeueEvery  time.Duration
	ImmediateWait time.Duration
}

func NewWorker(store *database.Store, proc *Processor, workers int, visibility time.Duration, maxAttempts int) *Worker {
	if workers <= 0 {
		workers = 4
	}
	if visibility <= 0 {
		visibility = 2 * time.Minute
	}
	return &Worker{
		store:         store,
		proc:          proc,
		Workers:       workers,
		Visibility:    visibility,
		MaxAttempts:   maxAttempts,
		PollInterval:  time.Second,
		RequeueEvery:  time.Minute,
		ImmediateWait: 5 * time.Second,
	}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	log.Infof("[INGEST] starting %d envelope workers", w.Workers)
	var wg sync.WaitGroup
	for i := 0; i < w.Workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			w.loop(ctx, n)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.requeueLoop(ctx)
	}()
	wg.Wait()
	log.Info("[INGEST] envelope workers stopped")
	return nil
}

func (w *Worker) loop(ctx context.Context, n int) {
	for {
		if ctx.Err() != nil {
			return
		}
		worked, err := w.Next(ctx)
		if err != nil && ctx.Err() == nil {
			log.WithError(err).WithField("worker", n).Error("[INGEST] claim failed")
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.PollInterval):
		}
	}
}

func (w *Worker) requeueLoop(ctx context.Context) {
	ticker := time.NewTicker(w.RequeueEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.store.RequeueFailedEnvelopes(ctx, w.MaxAttempts)
			if err != nil {
				log.WithError(err).Error("[INGEST] requeue failed envelopes")
			} else if n > 0 {
				log.Infof("[INGEST] requeued %d failed envelopes", n)
			}
		}
	}
}

// Next claims and processes one envelope. It reports whether there was
// one to process.
func (w *Worker) Next(ctx context.Context) (bool, error) {
	env, err := w.store.ClaimNextEnvelope(ctx, w.Visibility)
	if errors.Is(err, database.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	w.handle(ctx, env)
	return true, nil
}

// Drain processes envelopes until the queue is empty.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		worked, err := w.Next(ctx)
		if err != nil || !worked {
			return n, err
		}
		n++
	}
}

func (w *Worker) handle(ctx context.Context, env *models.WebhookEnvelope) {
	fields := log.Fields{"envelope_id": env.ID, "attempt": env.Attempts}
	if err := w.proc.Process(ctx, env); err != nil {
		log.WithFields(fields).WithError(err).Warn("[INGEST] envelope failed")
		if err := w.store.MarkEnvelopeFailed(context.WithoutCancel(ctx), env, err.Error()); err != nil {
			log.WithFields(fields).WithError(err).Error("[INGEST] cannot mark envelope failed")
		}
		return
	}
	if err := w.store.MarkEnvelopeProcessed(context.WithoutCancel(ctx), env); err != nil {
		log.WithFields(fields).WithError(err).Error("[INGEST] cannot mark envelope processed")
	}
}

// ProcessNow is the receiver's best-effort synchronous attempt. On any
// failure the envelope goes back to pending for the pool.
func (w *Worker) ProcessNow(ctx context.Context, envelopeID string) error {
	ctx, cancel := context.WithTimeout(ctx, w.ImmediateWait)
	defer cancel()

	env, err := w.store.ClaimEnvelope(ctx, envelopeID)
	if err != nil {
		return err
	}
	if err := w.proc.Process(ctx, env); err != nil {
		if rerr := w.store.ReleaseEnvelope(context.WithoutCancel(ctx), env); rerr != nil {
			log.WithField("envelope_id", env.ID).WithError(rerr).Error("[INGEST] cannot release envelope")
		}
		return err
	}
	return w.store.MarkEnvelopeProcessed(context.WithoutCancel(ctx), env)
}
