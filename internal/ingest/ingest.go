// Package ingest feeds slow-query observations into the engine. A
// Source abstracts where the events come from; the Poller drives it on
// an interval and persists an opaque cursor so a restart resumes where
// the previous process left off.
package ingest

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sqwatch/sqwatch/internal/storage"
	"github.com/sqwatch/sqwatch/internal/types"
)

// cursorKey is the config-store key holding the ingestion cursor.
const cursorKey = "ingest_cursor"

// Source produces slow-query events newer than a cursor. The cursor is
// opaque to callers; an empty cursor means "from the beginning". Poll
// returns the events plus the cursor to use next time; each event also
// carries its own position so a partially handled batch can resume
// mid-batch instead of re-delivering the handled prefix.
type Source interface {
	Poll(ctx context.Context, cursor string) ([]*types.SlowQueryEvent, string, error)
}

// Handler consumes one slow-query event. Implemented by the engine.
type Handler func(ctx context.Context, event *types.SlowQueryEvent) error

// Config holds the poller settings
type Config struct {
	// Interval between polls. Default: 30s.
	Interval time.Duration
}

// DefaultConfig returns the default poller configuration
func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second}
}

// Poller drives a Source on an interval and hands each event to the
// handler. The cursor only ever advances past handled events, so a
// crash or handler failure re-delivers rather than drops.
type Poller struct {
	source  Source
	store   storage.Storage
	handler Handler
	cfg     Config
	log     *logrus.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPoller creates a poller. Zero-valued config fields fall back to
// defaults.
func NewPoller(source Source, store storage.Storage, handler Handler, cfg Config, log *logrus.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Poller{
		source:  source,
		store:   store,
		handler: handler,
		cfg:     cfg,
		log:     log,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the poll loop.
func (p *Poller) Start() {
	go p.run()
}

// Stop halts the poll loop and waits for the current iteration.
func (p *Poller) Stop() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *Poller) run() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Interval)
			if err := p.PollOnce(ctx); err != nil {
				p.log.WithError(err).Error("ingestion poll failed")
			}
			cancel()
		}
	}
}

// PollOnce runs a single poll cycle: load the cursor, fetch, hand each
// event to the handler, persist the new cursor. Exported for the CLI's
// one-shot mode and for tests.
func (p *Poller) PollOnce(ctx context.Context) error {
	cursor, err := p.store.GetConfig(ctx, cursorKey)
	if err != nil {
		return err
	}

	events, next, err := p.source.Poll(ctx, cursor)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	handled := 0
	for _, ev := range events {
		if err := p.handler(ctx, ev); err != nil {
			p.log.WithError(err).WithField("database", ev.Database).
				Warn("event handler failed, deferring remainder to next poll")
			break
		}
		handled++
	}

	p.log.WithFields(logrus.Fields{
		"events":  len(events),
		"handled": handled,
	}).Debug("ingestion poll completed")

	if handled == len(events) {
		if next != cursor {
			return p.store.SetConfig(ctx, cursorKey, next)
		}
		return nil
	}

	// Partial batch: advance past the handled prefix so those events are
	// not appended again as duplicate samples on the next poll. Only the
	// failed event and everything after it are re-delivered.
	if handled > 0 {
		if c := events[handled-1].Cursor; c != "" && c != cursor {
			return p.store.SetConfig(ctx, cursorKey, c)
		}
	}
	return nil
}
