package bootstrap

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voyagelab/apimeter/app"
	"github.com/voyagelab/apimeter/ports"
)

// flusherConfig configures the persistence flush loop.
type flusherConfig struct {
	Interval time.Duration
	MaxAge   time.Duration
	AfterSeq uint64 // Last sequence already persisted at startup
}

// flusher periodically writes new recorder events to the event store
// and prunes rows past the retention age. Persistence is best effort;
// a failed flush is retried on the next tick because the watermark
// only advances on success.
type flusher struct {
	rec    *app.Recorder
	store  ports.EventStore
	cfg    flusherConfig
	logger zerolog.Logger

	lastSeq  uint64
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newFlusher(rec *app.Recorder, store ports.EventStore, cfg flusherConfig, logger zerolog.Logger) *flusher {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	f := &flusher{
		rec:     rec,
		store:   store,
		cfg:     cfg,
		logger:  logger,
		lastSeq: cfg.AfterSeq,
		stopCh:  make(chan struct{}),
	}
	f.wg.Add(1)
	go f.loop()
	return f
}

func (f *flusher) loop() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	pruneEvery := 60
	ticks := 0
	for {
		select {
		case <-ticker.C:
			f.flush(context.Background())
			ticks++
			if ticks%pruneEvery == 0 {
				f.prune(context.Background())
			}
		case <-f.stopCh:
			return
		}
	}
}

func (f *flusher) flush(ctx context.Context) {
	events := f.rec.EventsAfter(f.lastSeq)
	if len(events) == 0 {
		return
	}
	if err := f.store.SaveBatch(ctx, events); err != nil {
		f.logger.Warn().Err(err).Int("events", len(events)).Msg("usage event flush failed")
		return
	}
	f.lastSeq = events[len(events)-1].Seq
	f.logger.Debug().Int("events", len(events)).Msg("flushed usage events")
}

func (f *flusher) prune(ctx context.Context) {
	pruned, err := f.store.Prune(ctx, time.Now().UTC().Add(-f.cfg.MaxAge))
	if err != nil {
		f.logger.Warn().Err(err).Msg("event store prune failed")
		return
	}
	if pruned > 0 {
		f.logger.Info().Int64("events", pruned).Msg("pruned persisted usage events")
	}
}

// Stop flushes outstanding events and stops the loop.
func (f *flusher) Stop(ctx context.Context) {
	f.stopOnce.Do(func() {
		close(f.stopCh)
		f.wg.Wait()
		f.flush(ctx)
	})
}
