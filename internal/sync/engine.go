// Package sync mirrors the session cache into the profile database and
// seeds the cache from it at startup.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/smartlink/internal/bus"
	"github.com/matheus3301/smartlink/internal/chat"
	"github.com/matheus3301/smartlink/internal/store"
	"go.uber.org/zap"
)

const lastEventKey = "sync.last_event_at"

// Engine writes cache changes published on the bus to the store.
// Writes are idempotent: every row is keyed by conversation id or cache slot.
type Engine struct {
	db         *store.DB
	bus        *bus.Bus
	reconciler *Reconciler
	logger     *zap.Logger
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		db:         db,
		bus:        b,
		reconciler: NewReconciler(db, logger),
		logger:     logger.Named("sync"),
	}
}

// Start subscribes to chat events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.Subscribe("chat.", 256)

	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the event in progress.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

// LastEventAt returns the time of the last push event mirrored, from this
// run or an earlier one.
func (e *Engine) LastEventAt() (time.Time, bool) {
	return e.reconciler.LastEventAt()
}

func (e *Engine) handleEvent(evt bus.Event) {
	var err error
	switch p := evt.Payload.(type) {
	case chat.Conversation:
		if evt.Kind == bus.KindConversationUpserted {
			err = e.db.UpsertConversation(p)
		}
	case chat.Message:
		switch evt.Kind {
		case bus.KindMessageUpserted:
			err = e.db.UpsertMessage(p)
		case bus.KindMessageRemoved:
			err = e.db.DeleteMessage(p.CorrelationID)
		}
	case chat.Event:
		if err := e.reconciler.UpdateCheckpoint(lastEventKey, p.Timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
			e.logger.Warn("failed to record checkpoint", zap.Error(err))
		}
		return
	default:
		return
	}
	if err != nil {
		e.logger.Error("failed to mirror event", zap.String("kind", evt.Kind), zap.Error(err))
	}
}

// Hydrate seeds the synchronizer from the store. Journal entries left in
// flight by a previous run are marked failed, matching the provisional
// messages the synchronizer marks failed on restore.
func Hydrate(ctx context.Context, db *store.DB, s *chat.Synchronizer, perConversation int, logger *zap.Logger) error {
	interrupted, err := db.InterruptOutbox()
	if err != nil {
		return fmt.Errorf("interrupt outbox: %w", err)
	}
	snap, err := db.LoadSnapshot(perConversation)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if err := s.Restore(ctx, snap); err != nil {
		return fmt.Errorf("restore cache: %w", err)
	}
	logger.Info("cache hydrated",
		zap.Int("conversations", len(snap.Conversations)),
		zap.Int("messages", len(snap.Messages)),
		zap.Int64("interrupted_sends", interrupted))
	return nil
}
