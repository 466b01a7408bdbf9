package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rl1809/meal-dispatch/internal/core/domain"
	"github.com/rl1809/meal-dispatch/internal/port"
)

type docKind int

const (
	kindMenu docKind = iota
	kindAssignment
	kindAgent
	kindOrder
	kindCheckpoint
	kindArea
)

type docKey struct {
	kind docKind
	id   string
}

// MemoryAdapter is an in-process document store with the same optimistic
// transaction semantics as the SQL adapter: reads record the version they
// saw, commit validates every read and write under one lock.
type MemoryAdapter struct {
	mu     sync.RWMutex
	docs   map[docKey]any
	policy RetryPolicy
}

func NewMemoryAdapter(policy RetryPolicy) *MemoryAdapter {
	return &MemoryAdapter{
		docs:   make(map[docKey]any),
		policy: policy,
	}
}

func (m *MemoryAdapter) RunInTx(ctx context.Context, fn port.TxFunc) error {
	return m.policy.Run(ctx, func() error {
		tx := &memTx{
			store:  m,
			reads:  make(map[docKey]int),
			writes: make(map[docKey]memWrite),
		}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return m.commit(tx)
	})
}

func (m *MemoryAdapter) commit(tx *memTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, seen := range tx.reads {
		if versionOf(m.docs[key]) != seen {
			return fmt.Errorf("document %v changed: %w", key, port.ErrConflict)
		}
	}
	for key, w := range tx.writes {
		if versionOf(m.docs[key]) != w.expected {
			return fmt.Errorf("document %v changed: %w", key, port.ErrConflict)
		}
	}
	for key, w := range tx.writes {
		if w.doc == nil {
			delete(m.docs, key)
			continue
		}
		m.docs[key] = withVersion(w.doc, w.expected+1)
	}
	return nil
}

func (m *MemoryAdapter) get(key docKey) any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.docs[key]; ok {
		return cloneDoc(d)
	}
	return nil
}

func (m *MemoryAdapter) GetMenu(ctx context.Context, id string) (*domain.PublishedMenu, error) {
	d, _ := m.get(docKey{kindMenu, id}).(*domain.PublishedMenu)
	return d, nil
}

func (m *MemoryAdapter) ListMenus(ctx context.Context, includeArchived bool) ([]domain.PublishedMenu, error) {
	var out []domain.PublishedMenu
	m.each(kindMenu, func(d any) {
		menu := d.(*domain.PublishedMenu)
		if includeArchived || !menu.IsArchived {
			out = append(out, *menu.Clone())
		}
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryAdapter) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	d, _ := m.get(docKey{kindOrder, id}).(*domain.Order)
	return d, nil
}

func (m *MemoryAdapter) ListOrders(ctx context.Context, filter port.OrderFilter) ([]domain.Order, error) {
	var out []domain.Order
	m.each(kindOrder, func(d any) {
		o := d.(*domain.Order)
		if filter.Match(o) {
			out = append(out, *o.Clone())
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryAdapter) ListOpenOrdersByArea(ctx context.Context, area string) ([]domain.Order, error) {
	var out []domain.Order
	m.each(kindOrder, func(d any) {
		o := d.(*domain.Order)
		if o.Area == area && o.Open() {
			out = append(out, *o.Clone())
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryAdapter) GetAgent(ctx context.Context, id string) (*domain.DeliveryAgent, error) {
	d, _ := m.get(docKey{kindAgent, id}).(*domain.DeliveryAgent)
	return d, nil
}

func (m *MemoryAdapter) ListAgents(ctx context.Context) ([]domain.DeliveryAgent, error) {
	var out []domain.DeliveryAgent
	m.each(kindAgent, func(d any) {
		out = append(out, *d.(*domain.DeliveryAgent))
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryAdapter) ListAreas(ctx context.Context) ([]domain.ServiceArea, error) {
	var out []domain.ServiceArea
	m.each(kindArea, func(d any) {
		out = append(out, *d.(*domain.ServiceArea))
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryAdapter) GetAssignment(ctx context.Context, area string) (*domain.AreaAssignment, error) {
	d, _ := m.get(docKey{kindAssignment, area}).(*domain.AreaAssignment)
	return d, nil
}

func (m *MemoryAdapter) ListAssignments(ctx context.Context) ([]domain.AreaAssignment, error) {
	var out []domain.AreaAssignment
	m.each(kindAssignment, func(d any) {
		out = append(out, *d.(*domain.AreaAssignment))
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Area < out[j].Area })
	return out, nil
}

func (m *MemoryAdapter) ListSweepCheckpoints(ctx context.Context) ([]domain.SweepCheckpoint, error) {
	var out []domain.SweepCheckpoint
	m.each(kindCheckpoint, func(d any) {
		out = append(out, *d.(*domain.SweepCheckpoint))
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Area < out[j].Area })
	return out, nil
}

func (m *MemoryAdapter) each(kind docKind, fn func(d any)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k, d := range m.docs {
		if k.kind == kind {
			fn(cloneDoc(d))
		}
	}
}

type memWrite struct {
	expected int
	doc      any // nil deletes
}

type memTx struct {
	store  *MemoryAdapter
	reads  map[docKey]int
	writes map[docKey]memWrite
}

func (t *memTx) read(key docKey) any {
	if w, ok := t.writes[key]; ok {
		if w.doc == nil {
			return nil
		}
		return cloneDoc(w.doc)
	}

	t.store.mu.RLock()
	d, ok := t.store.docs[key]
	t.store.mu.RUnlock()

	if _, seen := t.reads[key]; !seen {
		t.reads[key] = versionOf(d)
	}
	if !ok {
		return nil
	}
	return cloneDoc(d)
}

func (t *memTx) put(key docKey, expected int, doc any) {
	t.writes[key] = memWrite{expected: expected, doc: cloneDoc(doc)}
}

func (t *memTx) GetMenu(ctx context.Context, id string) (*domain.PublishedMenu, error) {
	d, _ := t.read(docKey{kindMenu, id}).(*domain.PublishedMenu)
	return d, nil
}

func (t *memTx) GetArea(ctx context.Context, name string) (*domain.ServiceArea, error) {
	d, _ := t.read(docKey{kindArea, name}).(*domain.ServiceArea)
	return d, nil
}

func (t *memTx) GetAssignment(ctx context.Context, area string) (*domain.AreaAssignment, error) {
	d, _ := t.read(docKey{kindAssignment, area}).(*domain.AreaAssignment)
	return d, nil
}

func (t *memTx) GetAgent(ctx context.Context, id string) (*domain.DeliveryAgent, error) {
	d, _ := t.read(docKey{kindAgent, id}).(*domain.DeliveryAgent)
	return d, nil
}

func (t *memTx) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	d, _ := t.read(docKey{kindOrder, id}).(*domain.Order)
	return d, nil
}

func (t *memTx) GetSweepCheckpoint(ctx context.Context, area string) (*domain.SweepCheckpoint, error) {
	d, _ := t.read(docKey{kindCheckpoint, area}).(*domain.SweepCheckpoint)
	return d, nil
}

func (t *memTx) PutMenu(ctx context.Context, menu *domain.PublishedMenu) error {
	t.put(docKey{kindMenu, menu.ID}, menu.Version, menu)
	return nil
}

func (t *memTx) PutArea(ctx context.Context, area *domain.ServiceArea) error {
	t.put(docKey{kindArea, area.Name}, area.Version, area)
	return nil
}

func (t *memTx) PutAssignment(ctx context.Context, a *domain.AreaAssignment) error {
	t.put(docKey{kindAssignment, a.Area}, a.Version, a)
	return nil
}

func (t *memTx) PutAgent(ctx context.Context, agent *domain.DeliveryAgent) error {
	t.put(docKey{kindAgent, agent.ID}, agent.Version, agent)
	return nil
}

func (t *memTx) PutOrder(ctx context.Context, order *domain.Order) error {
	t.put(docKey{kindOrder, order.ID}, order.Version, order)
	return nil
}

func (t *memTx) PutSweepCheckpoint(ctx context.Context, cp *domain.SweepCheckpoint) error {
	t.put(docKey{kindCheckpoint, cp.Area}, cp.Version, cp)
	return nil
}

func (t *memTx) DeleteSweepCheckpoint(ctx context.Context, area string) error {
	key := docKey{kindCheckpoint, area}
	cp, _ := t.read(key).(*domain.SweepCheckpoint)
	if cp == nil {
		return nil
	}
	t.writes[key] = memWrite{expected: cp.Version}
	return nil
}

func (t *memTx) DeleteArea(ctx context.Context, area *domain.ServiceArea) error {
	t.writes[docKey{kindArea, area.Name}] = memWrite{expected: area.Version}
	return nil
}

func (t *memTx) DeleteAssignment(ctx context.Context, a *domain.AreaAssignment) error {
	t.writes[docKey{kindAssignment, a.Area}] = memWrite{expected: a.Version}
	return nil
}

func (t *memTx) DeleteAgent(ctx context.Context, agent *domain.DeliveryAgent) error {
	t.writes[docKey{kindAgent, agent.ID}] = memWrite{expected: agent.Version}
	return nil
}

func versionOf(d any) int {
	switch v := d.(type) {
	case *domain.PublishedMenu:
		return v.Version
	case *domain.AreaAssignment:
		return v.Version
	case *domain.DeliveryAgent:
		return v.Version
	case *domain.Order:
		return v.Version
	case *domain.SweepCheckpoint:
		return v.Version
	case *domain.ServiceArea:
		return v.Version
	}
	return 0
}

func withVersion(d any, version int) any {
	switch v := d.(type) {
	case *domain.PublishedMenu:
		v.Version = version
	case *domain.AreaAssignment:
		v.Version = version
	case *domain.DeliveryAgent:
		v.Version = version
	case *domain.Order:
		v.Version = version
	case *domain.SweepCheckpoint:
		v.Version = version
	case *domain.ServiceArea:
		v.Version = version
	}
	return d
}

func cloneDoc(d any) any {
	switch v := d.(type) {
	case *domain.PublishedMenu:
		return v.Clone()
	case *domain.AreaAssignment:
		return v.Clone()
	case *domain.DeliveryAgent:
		c := *v
		return &c
	case *domain.Order:
		return v.Clone()
	case *domain.SweepCheckpoint:
		c := *v
		return &c
	case *domain.ServiceArea:
		c := *v
		return &c
	}
	return d
}
