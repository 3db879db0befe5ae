package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/storage"
	"whatsapp-inbox/internal/whatsapp"
)

var ErrNoMedia = errors.New("message has no provider media")

// Fetcher copies inbound media from the provider into the object store.
type Fetcher struct {
	store     *database.Store
	providers whatsapp.ProviderFactory
	objects   storage.ObjectStore

	Workers     int
	PerAccount  int
	RatePerSec  float64
	MaxAttempts int
	BaseBackoff time.Duration
	SweepEvery  time.Duration

	jobs chan string

	mu       sync.Mutex
	accounts map[string]*accountLimit
	inflight map[string]bool
}

type accountLimit struct {
	slots   chan struct{}
	limiter *rate.Limiter
}

func NewFetcher(store *database.Store, providers whatsapp.ProviderFactory, objects storage.ObjectStore) *Fetcher {
	return &Fetcher{
		store:       store,
		providers:   providers,
		objects:     objects,
		Workers:     2,
		PerAccount:  2,
		RatePerSec:  5,
		MaxAttempts: 5,
		BaseBackoff: 2 * time.Second,
		SweepEvery:  5 * time.Minute,
		jobs:        make(chan string, 1024),
		accounts:    make(map[string]*accountLimit),
		inflight:    make(map[string]bool),
	}
}

// Schedule queues a download without blocking. When the queue is full
// the message is left for the recovery sweep.
func (f *Fetcher) Schedule(messageID string) {
	f.mu.Lock()
	if f.inflight[messageID] {
		f.mu.Unlock()
		return
	}
	f.inflight[messageID] = true
	f.mu.Unlock()

	select {
	case f.jobs <- messageID:
	default:
		f.done(messageID)
		log.WithField("message_id", messageID).Warn("[MEDIA] queue full, leaving job for the sweep")
	}
}

func (f *Fetcher) done(messageID string) {
	f.mu.Lock()
	delete(f.inflight, messageID)
	f.mu.Unlock()
}

// Run starts the worker pool and the recovery sweep; it blocks until
// ctx is cancelled.
func (f *Fetcher) Run(ctx context.Context) error {
	log.Infof("[MEDIA] starting %d media workers", f.Workers)
	var wg sync.WaitGroup
	for i := 0; i < f.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-f.jobs:
					f.fetchWithRetry(ctx, id)
					f.done(id)
				}
			}
		}()
	}

	if _, err := f.Sweep(ctx); err != nil {
		log.WithError(err).Error("[MEDIA] initial sweep failed")
	}
	ticker := time.NewTicker(f.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-ticker.C:
			if _, err := f.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("[MEDIA] sweep failed")
			}
		}
	}
}

// Sweep reschedules media messages that were never fetched.
func (f *Fetcher) Sweep(ctx context.Context) (int, error) {
	ids, err := f.store.PendingMediaMessageIDs(ctx, cap(f.jobs)/2)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		f.Schedule(id)
	}
	if len(ids) > 0 {
		log.Infof("[MEDIA] sweep rescheduled %d messages", len(ids))
	}
	return len(ids), nil
}

// Retry clears a previous give-up and schedules the message again.
func (f *Fetcher) Retry(ctx context.Context, messageID string) error {
	msg, err := f.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if !msg.HasMedia() || msg.Direction != models.DirectionInbound {
		return ErrNoMedia
	}
	if msg.MediaRef != "" {
		return nil
	}
	if err := f.store.SetMessageError(ctx, messageID, ""); err != nil {
		return err
	}
	f.Schedule(messageID)
	return nil
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, messageID string) {
	fields := log.Fields{"message_id": messageID}
	delay := f.BaseBackoff
	var err error
	for attempt := 1; attempt <= f.MaxAttempts; attempt++ {
		err = f.Fetch(ctx, messageID)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !retryable(err) {
			break
		}
		log.WithFields(fields).WithError(err).Warnf("[MEDIA] attempt %d/%d failed", attempt, f.MaxAttempts)
		if attempt == f.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay < time.Minute {
			delay *= 2
		}
	}

	log.WithFields(fields).WithError(err).Error("[MEDIA] giving up")
	if serr := f.store.SetMessageError(context.WithoutCancel(ctx), messageID, "media download failed: "+err.Error()); serr != nil {
		log.WithFields(fields).WithError(serr).Error("[MEDIA] cannot record failure")
	}
}

func retryable(err error) bool {
	switch whatsapp.KindOf(err) {
	case whatsapp.KindMediaNotFound, whatsapp.KindValidation, whatsapp.KindAuth:
		return false
	}
	return !errors.Is(err, database.ErrNotFound) && !errors.Is(err, ErrNoMedia)
}

// Fetch runs one download attempt for messageID. A message whose media
// is already stored is left alone.
func (f *Fetcher) Fetch(ctx context.Context, messageID string) error {
	msg, err := f.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.MediaRef != "" {
		return nil
	}
	if !msg.HasMedia() {
		return ErrNoMedia
	}
	acc, err := f.store.GetAccount(ctx, msg.AccountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	p, err := f.providers.ForAccount(acc)
	if err != nil {
		return err
	}

	lim := f.limit(acc.ID)
	select {
	case lim.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-lim.slots }()
	if err := lim.limiter.Wait(ctx); err != nil {
		return err
	}

	info, err := p.FetchMediaURL(ctx, msg.MediaProviderID)
	if err != nil {
		return fmt.Errorf("fetch media url: %w", err)
	}
	data, err := p.DownloadMedia(ctx, info.URL)
	if err != nil {
		return fmt.Errorf("download media: %w", err)
	}

	mimeType := info.MimeType
	if mimeType == "" {
		mimeType = msg.MediaMime
	}
	ts := msg.CreatedAt
	if msg.ProviderTimestamp != nil {
		ts = *msg.ProviderTimestamp
	}
	wamid := msg.ID
	if msg.ProviderMessageID != nil {
		wamid = *msg.ProviderMessageID
	}
	key := storage.MediaKey(msg.Kind, ts, wamid, storage.Extension(mimeType, msg.MediaFilename))

	if err := f.objects.Put(ctx, key, data, mimeType); err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	if err := f.store.SetMediaStored(ctx, msg.ID, key, info.URL, mimeType); err != nil {
		return fmt.Errorf("record media: %w", err)
	}
	log.WithFields(log.Fields{"message_id": msg.ID, "key": key, "bytes": len(data)}).Info("[MEDIA] stored")
	return nil
}

func (f *Fetcher) limit(accountID string) *accountLimit {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.accounts[accountID]
	if !ok {
		per := f.PerAccount
		if per <= 0 {
			per = 1
		}
		r := rate.Inf
		if f.RatePerSec > 0 {
			r = rate.Limit(f.RatePerSec)
		}
		l = &accountLimit{slots: make(chan struct{}, per), limiter: rate.NewLimiter(r, per)}
		f.accounts[accountID] = l
	}
	return l
}
