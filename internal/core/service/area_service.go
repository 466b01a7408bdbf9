package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/rl1809/meal-dispatch/internal/core/domain"
	"github.com/rl1809/meal-dispatch/internal/port"
)

// AreaService keeps the registry of service areas customers choose from at
// checkout.
type AreaService struct {
	Deps
	log *zap.Logger
}

func NewAreaService(deps Deps) *AreaService {
	deps = deps.withDefaults()
	return &AreaService{Deps: deps, log: deps.Logger.Named("area_service")}
}

func (s *AreaService) AddArea(ctx context.Context, name string) (*domain.ServiceArea, error) {
	area, err := domain.NewServiceArea(name, s.now())
	if err != nil {
		return nil, err
	}
	err = s.DB.RunInTx(ctx, func(ctx context.Context, tx port.Tx) error {
		existing, err := tx.GetArea(ctx, area.Name)
		if err != nil {
			return err
		}
		if existing != nil {
			return domain.Invalid("name", "area %q already exists", area.Name)
		}
		return tx.PutArea(ctx, area)
	})
	if err != nil {
		return nil, err
	}
	area.Version = 1
	s.log.Info("area_added", zap.String("area", area.Name))
	return area, nil
}

func (s *AreaService) ListAreas(ctx context.Context) ([]domain.ServiceArea, error) {
	return s.DB.ListAreas(ctx)
}

// DeleteArea removes an area from the registry. Areas with open orders or a
// non-empty roster are refused; the owner has to clear them first. The empty
// assignment and any sweep checkpoint go with the area.
func (s *AreaService) DeleteArea(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	open, err := s.DB.ListOpenOrdersByArea(ctx, name)
	if err != nil {
		return fmt.Errorf("list open orders of %s: %w", name, err)
	}
	if len(open) > 0 {
		return &domain.StateError{Msg: fmt.Sprintf("area %s still has %d open orders", name, len(open))}
	}

	err = s.DB.RunInTx(ctx, func(ctx context.Context, tx port.Tx) error {
		area, err := tx.GetArea(ctx, name)
		if err != nil {
			return err
		}
		if area == nil {
			return domain.ErrAreaNotFound
		}
		a, err := tx.GetAssignment(ctx, name)
		if err != nil {
			return err
		}
		if a != nil {
			if len(a.AgentIDs) > 0 {
				return &domain.StateError{Msg: fmt.Sprintf("area %s still has %d agents on its roster", name, len(a.AgentIDs))}
			}
			if err := tx.DeleteAssignment(ctx, a); err != nil {
				return err
			}
		}
		if err := tx.DeleteSweepCheckpoint(ctx, name); err != nil {
			return err
		}
		return tx.DeleteArea(ctx, area)
	})
	if err != nil {
		return err
	}
	s.log.Info("area_deleted", zap.String("area", name))
	return nil
}
