package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/meal-dispatch/internal/adapter/storage"
	"github.com/rl1809/meal-dispatch/internal/core/domain"
	"github.com/rl1809/meal-dispatch/internal/port"
)

// Mock CacheRepository
type mockCacheRepo struct {
	mu             sync.Mutex
	idempotencySet map[string]bool
}

func newMockCacheRepo() *mockCacheRepo {
	return &mockCacheRepo{idempotencySet: make(map[string]bool)}
}

func (m *mockCacheRepo) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.idempotencySet[key] {
		return false, nil
	}
	m.idempotencySet[key] = true
	return true, nil
}

func (m *mockCacheRepo) ReleaseIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.idempotencySet, key)
	return nil
}

// Mock EventPublisher
type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.OrderEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, ev domain.OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) ofType(t domain.OrderEventType) []domain.OrderEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.OrderEvent
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// flakyDB fails the nth RunInTx call (1-based) with a permanent error, as if
// the process died in the middle of a multi-transaction operation.
type flakyDB struct {
	port.DatabaseRepository
	failAt int32
	calls  atomic.Int32
}

var errCrash = errors.New("simulated crash")

func (f *flakyDB) RunInTx(ctx context.Context, fn port.TxFunc) error {
	if f.calls.Add(1) == f.failAt {
		return errCrash
	}
	return f.DatabaseRepository.RunInTx(ctx, fn)
}

// hookDB calls before ahead of the nth RunInTx call (1-based), as if another
// request slipped in between two transactions of a multi-step operation.
type hookDB struct {
	port.DatabaseRepository
	at     int32
	before func(ctx context.Context)
	calls  atomic.Int32
}

func (h *hookDB) RunInTx(ctx context.Context, fn port.TxFunc) error {
	if h.calls.Add(1) == h.at {
		h.before(ctx)
	}
	return h.DatabaseRepository.RunInTx(ctx, fn)
}

// fixture wires every service over one in-memory store.
type fixture struct {
	db     *storage.MemoryAdapter
	cache  *mockCacheRepo
	events *recordingPublisher
	orders *OrderService
	assign *AssignmentService
	menus  *MenuService
	agents *AgentService
	areas  *AreaService
	clock  *fakeClock
	seq    atomic.Int64
	deps   Deps
	policy InactiveAgentPolicy
	batch  int
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// Now advances a microsecond per call so creation order is strict.
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Microsecond)
	return c.now
}

func newFixture(t *testing.T, opts ...func(*fixture)) *fixture {
	t.Helper()
	f := &fixture{
		db: storage.NewMemoryAdapter(storage.RetryPolicy{
			MaxAttempts:     200,
			InitialInterval: time.Microsecond,
			MaxInterval:     time.Millisecond,
		}),
		cache:  newMockCacheRepo(),
		events: &recordingPublisher{},
		clock:  &fakeClock{now: time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)},
		policy: HoldCursor,
		batch:  DefaultSweepBatchSize,
	}
	for _, o := range opts {
		o(f)
	}
	f.deps = Deps{
		DB:     f.db,
		Cache:  f.cache,
		Events: f.events,
		Clock:  f.clock.Now,
		NewID:  func() string { return fmt.Sprintf("id-%04d", f.seq.Add(1)) },
	}
	f.orders = NewOrderService(f.deps, f.policy)
	f.assign = NewAssignmentService(f.deps, f.batch)
	f.menus = NewMenuService(f.deps)
	f.agents = NewAgentService(f.deps)
	f.areas = NewAreaService(f.deps)
	return f
}

func withBatch(n int) func(*fixture) { return func(f *fixture) { f.batch = n } }

func withPolicy(p InactiveAgentPolicy) func(*fixture) { return func(f *fixture) { f.policy = p } }

func (f *fixture) publish(t *testing.T, items ...domain.MenuItem) *domain.PublishedMenu {
	t.Helper()
	menu, err := f.menus.PublishMenu(context.Background(), PublishMenuRequest{
		Date:     "2026-03-02",
		MealType: domain.MealLunch,
		Items:    items,
	})
	require.NoError(t, err)
	return menu
}

func (f *fixture) agent(t *testing.T, name, phone string) *domain.DeliveryAgent {
	t.Helper()
	a, err := f.agents.AddAgent(context.Background(), name, phone)
	require.NoError(t, err)
	return a
}

func (f *fixture) area(t *testing.T, name string) {
	t.Helper()
	_, err := f.areas.AddArea(context.Background(), name)
	require.NoError(t, err)
}

// roster registers the area and stores a roster without sweeping, like an
// area that was configured before any order existed.
func (f *fixture) roster(t *testing.T, area string, lastIndex int, ids ...string) {
	t.Helper()
	err := f.db.RunInTx(context.Background(), func(ctx context.Context, tx port.Tx) error {
		registered, err := tx.GetArea(ctx, area)
		if err != nil {
			return err
		}
		if registered == nil {
			if err := tx.PutArea(ctx, &domain.ServiceArea{Name: area}); err != nil {
				return err
			}
		}
		a, err := tx.GetAssignment(ctx, area)
		if err != nil {
			return err
		}
		if a == nil {
			a = domain.NewAreaAssignment(area)
		}
		a.AgentIDs = ids
		a.LastIndex = lastIndex
		return tx.PutAssignment(ctx, a)
	})
	require.NoError(t, err)
}

func (f *fixture) cursor(t *testing.T, area string) int {
	t.Helper()
	a, err := f.db.GetAssignment(context.Background(), area)
	require.NoError(t, err)
	require.NotNil(t, a)
	return a.LastIndex
}

func item(id string, qty int, price string) domain.MenuItem {
	return domain.MenuItem{ItemID: id, Name: "Item " + id, Price: decimal.RequireFromString(price), Qty: qty}
}

func line(id string, qty int, price string) domain.CartLine {
	return domain.CartLine{ItemID: id, Name: "Item " + id, Qty: qty, Price: decimal.RequireFromString(price)}
}

func deliveryReq(menuID, area string, lines ...domain.CartLine) PlaceOrderRequest {
	return PlaceOrderRequest{
		MenuID:       menuID,
		Items:        lines,
		DeliveryType: domain.DeliveryTypeDelivery,
		Area:         area,
		Location:     &domain.Location{Lat: 10.77, Lng: 106.70},
		Customer: domain.Customer{
			Name:         "Lan",
			Phone:        "0901234567",
			AddressLine1: "12",
			Street:       "Le Loi",
		},
	}
}
