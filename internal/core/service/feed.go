package service

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/rl1809/meal-dispatch/internal/core/domain"
	"github.com/rl1809/meal-dispatch/internal/port"
)

// Feed pushes fresh order lists to live subscribers. Every subscriber gets
// the full list matching its filter, first on subscribe and again after each
// committed change. Bursts of changes collapse into one refresh.
type Feed struct {
	db   port.DatabaseRepository
	log  *zap.Logger
	kick chan struct{}

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

type subscription struct {
	filter port.OrderFilter
	ch     chan []domain.Order
}

func NewFeed(db port.DatabaseRepository, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		db:   db,
		log:  logger.Named("feed"),
		kick: make(chan struct{}, 1),
		subs: make(map[*subscription]struct{}),
	}
}

// Subscribe returns a channel that receives the matching orders. The channel
// only ever holds the latest list and is closed when ctx is done.
func (f *Feed) Subscribe(ctx context.Context, filter port.OrderFilter) (<-chan []domain.Order, error) {
	initial, err := f.db.ListOrders(ctx, filter)
	if err != nil {
		return nil, err
	}

	sub := &subscription{filter: filter, ch: make(chan []domain.Order, 1)}
	sub.ch <- initial

	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, sub)
		close(sub.ch)
		f.mu.Unlock()
	}()
	return sub.ch, nil
}

// Notify schedules a refresh. It never blocks.
func (f *Feed) Notify() {
	select {
	case f.kick <- struct{}{}:
	default:
	}
}

// Run refreshes subscribers until ctx is done.
func (f *Feed) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.kick:
			f.refresh(ctx)
		}
	}
}

func (f *Feed) refresh(ctx context.Context) {
	f.mu.Lock()
	subs := make([]*subscription, 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		orders, err := f.db.ListOrders(ctx, s.filter)
		if err != nil {
			f.log.Warn("feed_refresh_failed", zap.Error(err))
			continue
		}

		f.mu.Lock()
		if _, live := f.subs[s]; live {
			// Drop a list the subscriber has not picked up yet.
			select {
			case <-s.ch:
			default:
			}
			s.ch <- orders
		}
		f.mu.Unlock()
	}
}

func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
