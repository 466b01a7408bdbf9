package port

import (
	"context"
	"errors"

	"github.com/rl1809/meal-dispatch/internal/core/domain"
)

var (
	// ErrConflict means a document changed between read and write inside a
	// transaction attempt. Adapters retry on it; callers never see it directly.
	ErrConflict = errors.New("concurrent modification")

	// ErrTxAborted is returned once the retry policy gives up on conflicts.
	ErrTxAborted = errors.New("transaction aborted after repeated conflicts")
)

// OrderFilter selects orders for listings and live queries. Empty fields
// match everything.
type OrderFilter struct {
	Area          string
	AgentID       string
	IncludeClosed bool
}

func (f OrderFilter) Match(o *domain.Order) bool {
	if f.Area != "" && o.Area != f.Area {
		return false
	}
	if f.AgentID != "" && o.AssignedAgentID != f.AgentID {
		return false
	}
	if !f.IncludeClosed && !o.Open() {
		return false
	}
	return true
}

// TxFunc is one attempt of a transaction. It may run several times; nothing
// it writes is visible before the attempt commits.
type TxFunc func(ctx context.Context, tx Tx) error

type DatabaseRepository interface {
	// RunInTx runs fn atomically, retrying from scratch on ErrConflict.
	RunInTx(ctx context.Context, fn TxFunc) error

	GetMenu(ctx context.Context, id string) (*domain.PublishedMenu, error)
	ListMenus(ctx context.Context, includeArchived bool) ([]domain.PublishedMenu, error)

	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]domain.Order, error)
	// ListOpenOrdersByArea returns non-closed orders, oldest first.
	ListOpenOrdersByArea(ctx context.Context, area string) ([]domain.Order, error)

	GetAgent(ctx context.Context, id string) (*domain.DeliveryAgent, error)
	ListAgents(ctx context.Context) ([]domain.DeliveryAgent, error)

	ListAreas(ctx context.Context) ([]domain.ServiceArea, error)
	GetAssignment(ctx context.Context, area string) (*domain.AreaAssignment, error)
	ListAssignments(ctx context.Context) ([]domain.AreaAssignment, error)
	ListSweepCheckpoints(ctx context.Context) ([]domain.SweepCheckpoint, error)
}

// Tx reads return (nil, nil) when a document does not exist. Put* writes are
// conditional on the Version carried by the value: 0 inserts, anything else
// updates only if the stored version still matches. Delete* take the value
// as read and are conditional on its Version the same way.
type Tx interface {
	GetMenu(ctx context.Context, id string) (*domain.PublishedMenu, error)
	GetArea(ctx context.Context, name string) (*domain.ServiceArea, error)
	GetAssignment(ctx context.Context, area string) (*domain.AreaAssignment, error)
	GetAgent(ctx context.Context, id string) (*domain.DeliveryAgent, error)
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	GetSweepCheckpoint(ctx context.Context, area string) (*domain.SweepCheckpoint, error)

	PutMenu(ctx context.Context, menu *domain.PublishedMenu) error
	PutArea(ctx context.Context, area *domain.ServiceArea) error
	PutAssignment(ctx context.Context, a *domain.AreaAssignment) error
	PutAgent(ctx context.Context, agent *domain.DeliveryAgent) error
	PutOrder(ctx context.Context, order *domain.Order) error
	PutSweepCheckpoint(ctx context.Context, cp *domain.SweepCheckpoint) error
	DeleteSweepCheckpoint(ctx context.Context, area string) error

	DeleteArea(ctx context.Context, area *domain.ServiceArea) error
	DeleteAssignment(ctx context.Context, a *domain.AreaAssignment) error
	DeleteAgent(ctx context.Context, agent *domain.DeliveryAgent) error
}
