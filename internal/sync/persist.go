package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/matheus3301/palaver/internal/bus"
	"github.com/matheus3301/palaver/internal/reconcile"
	"github.com/matheus3301/palaver/internal/store"
)

// Persister writes reconciler changes to the local cache. It is the only
// writer of the friends and messages tables while the daemon runs.
type Persister struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPersister creates a persister. Call Start to begin consuming events.
func NewPersister(db *store.DB, b *bus.Bus, logger *zap.Logger) *Persister {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{db: db, bus: b, logger: logger.Named("persist")}
}

// Start subscribes to reconciler events on the bus.
func (p *Persister) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	ch, unsub := p.bus.Subscribe(1024, "reconcile.")
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if err := p.Apply(evt); err != nil {
					p.logger.Error("failed to persist event", zap.Error(err), zap.String("kind", evt.Kind))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the persister and waits for the current write to finish.
func (p *Persister) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

// Apply writes one reconciler event to the store.
func (p *Persister) Apply(evt bus.Event) error {
	switch pl := evt.Payload.(type) {
	case reconcile.MessageEvent:
		if evt.Kind == reconcile.KindMessageRemoved {
			return p.db.DeleteMessage(pl.Partner, pl.Message.ID)
		}
		if err := p.db.UpsertMessage(pl.Partner, pl.Message, pl.ReplacedID); err != nil {
			return fmt.Errorf("upsert message %s: %w", pl.Message.ID, err)
		}
	case reconcile.MessageStateEvent:
		if err := p.db.SetMessageState(pl.Partner, pl.ID, pl.State, pl.Error); err != nil {
			return fmt.Errorf("set state of %s: %w", pl.ID, err)
		}
	case reconcile.HistoryEvent:
		if err := p.db.SaveHistory(pl.FriendID, pl.Messages); err != nil {
			return fmt.Errorf("save history for %s: %w", pl.FriendID, err)
		}
		p.logger.Debug("history cached", zap.String("friend", pl.FriendID.String()), zap.Int("messages", len(pl.Messages)))
	case reconcile.FriendEvent:
		return p.db.UpsertFriend(pl.Friend)
	case reconcile.RosterEvent:
		return p.db.ReplaceFriends(pl.Friends)
	}
	return nil
}
