package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/rl1809/meal-dispatch/internal/core/domain"
	"github.com/rl1809/meal-dispatch/internal/port"
)

var errMenuArchived = &domain.StateError{Msg: "menu is archived"}

type PublishMenuRequest struct {
	Date     string
	MealType domain.MealType
	Items    []domain.MenuItem
}

// EditMenuRequest carries the owner's changes. Empty fields are left alone;
// Quantities maps item id to the new published quantity.
type EditMenuRequest struct {
	Date       string
	MealType   domain.MealType
	Quantities map[string]int
}

type MenuService struct {
	Deps
	log *zap.Logger
}

func NewMenuService(deps Deps) *MenuService {
	deps = deps.withDefaults()
	return &MenuService{Deps: deps, log: deps.Logger.Named("menu_service")}
}

func (s *MenuService) PublishMenu(ctx context.Context, req PublishMenuRequest) (*domain.PublishedMenu, error) {
	menu, err := domain.NewPublishedMenu(s.NewID(), strings.TrimSpace(req.Date), req.MealType, req.Items, s.now())
	if err != nil {
		return nil, err
	}
	err = s.DB.RunInTx(ctx, func(ctx context.Context, tx port.Tx) error {
		return tx.PutMenu(ctx, menu)
	})
	if err != nil {
		return nil, err
	}
	menu.Version = 1
	s.log.Info("menu_published",
		zap.String("menu_id", menu.ID),
		zap.String("date", menu.Date),
		zap.String("meal_type", string(menu.MealType)),
		zap.Int("items", len(menu.Items)),
	)
	return menu, nil
}

func (s *MenuService) EditMenu(ctx context.Context, id string, req EditMenuRequest) (*domain.PublishedMenu, error) {
	return s.update(ctx, id, "menu_edited", func(m *domain.PublishedMenu) error {
		if m.IsArchived {
			return errMenuArchived
		}
		if d := strings.TrimSpace(req.Date); d != "" {
			m.Date = d
		}
		if req.MealType != "" {
			m.MealType = req.MealType
		}
		return m.Requantify(req.Quantities)
	})
}

// StopOrders closes a menu for new orders without touching its ledger.
func (s *MenuService) StopOrders(ctx context.Context, id string) (*domain.PublishedMenu, error) {
	return s.update(ctx, id, "menu_orders_stopped", func(m *domain.PublishedMenu) error {
		if m.OrdersStopped {
			return nil
		}
		now := s.now()
		m.OrdersStopped = true
		m.StoppedAt = &now
		return nil
	})
}

func (s *MenuService) Archive(ctx context.Context, id string) (*domain.PublishedMenu, error) {
	return s.update(ctx, id, "menu_archived", func(m *domain.PublishedMenu) error {
		if m.IsArchived {
			return nil
		}
		now := s.now()
		m.IsArchived = true
		m.ArchivedAt = &now
		return nil
	})
}

func (s *MenuService) update(ctx context.Context, id, action string, fn func(*domain.PublishedMenu) error) (*domain.PublishedMenu, error) {
	var out *domain.PublishedMenu
	err := s.DB.RunInTx(ctx, func(ctx context.Context, tx port.Tx) error {
		m, err := tx.GetMenu(ctx, id)
		if err != nil {
			return err
		}
		if m == nil {
			return domain.ErrMenuNotFound
		}
		if err := fn(m); err != nil {
			return err
		}
		if err := tx.PutMenu(ctx, m); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Version++
	s.log.Info(action, zap.String("menu_id", id))
	return out, nil
}

func (s *MenuService) GetMenu(ctx context.Context, id string) (*domain.PublishedMenu, error) {
	m, err := s.DB.GetMenu(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, domain.ErrMenuNotFound
	}
	return m, nil
}

// ListOpenMenus returns the menus customers can order from, newest first.
func (s *MenuService) ListOpenMenus(ctx context.Context) ([]domain.PublishedMenu, error) {
	menus, err := s.DB.ListMenus(ctx, false)
	if err != nil {
		return nil, err
	}
	open := menus[:0]
	for _, m := range menus {
		if m.Open() {
			open = append(open, m)
		}
	}
	return open, nil
}

func (s *MenuService) ListMenus(ctx context.Context, includeArchived bool) ([]domain.PublishedMenu, error) {
	return s.DB.ListMenus(ctx, includeArchived)
}
