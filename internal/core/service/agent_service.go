package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/rl1809/meal-dispatch/internal/core/domain"
	"github.com/rl1809/meal-dispatch/internal/port"
)

type AgentService struct {
	Deps
	log *zap.Logger
}

func NewAgentService(deps Deps) *AgentService {
	deps = deps.withDefaults()
	return &AgentService{Deps: deps, log: deps.Logger.Named("agent_service")}
}

// AddAgent registers a delivery agent under its normalized phone number.
func (s *AgentService) AddAgent(ctx context.Context, name, phone string) (*domain.DeliveryAgent, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.Invalid("name", "name is required")
	}
	id := domain.NormalizePhone(phone)
	if len(strings.TrimPrefix(id, "+")) < 6 {
		return nil, domain.Invalid("phone", "phone number is too short")
	}

	agent := &domain.DeliveryAgent{ID: id, Name: name, Active: true, CreatedAt: s.now()}
	err := s.DB.RunInTx(ctx, func(ctx context.Context, tx port.Tx) error {
		existing, err := tx.GetAgent(ctx, id)
		if err != nil {
			return err
		}
		if existing != nil {
			return domain.Invalid("phone", "an agent with this phone already exists")
		}
		return tx.PutAgent(ctx, agent)
	})
	if err != nil {
		return nil, err
	}
	agent.Version = 1
	s.log.Info("agent_added", zap.String("agent_id", id))
	return agent, nil
}

// SetAgentActive enables or disables an agent. Disabled agents stay on their
// rosters but are passed over at placement.
func (s *AgentService) SetAgentActive(ctx context.Context, id string, active bool) (*domain.DeliveryAgent, error) {
	var out *domain.DeliveryAgent
	err := s.DB.RunInTx(ctx, func(ctx context.Context, tx port.Tx) error {
		agent, err := tx.GetAgent(ctx, id)
		if err != nil {
			return err
		}
		if agent == nil {
			return domain.ErrAgentNotFound
		}
		agent.Active = active
		if err := tx.PutAgent(ctx, agent); err != nil {
			return err
		}
		out = agent
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Version++
	s.log.Info("agent_updated", zap.String("agent_id", id), zap.Bool("active", active))
	return out, nil
}

// RenameAgent changes the display name. Orders keep the name they were
// assigned under until they are reassigned.
func (s *AgentService) RenameAgent(ctx context.Context, id, name string) (*domain.DeliveryAgent, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.Invalid("name", "name is required")
	}
	var out *domain.DeliveryAgent
	err := s.DB.RunInTx(ctx, func(ctx context.Context, tx port.Tx) error {
		agent, err := tx.GetAgent(ctx, id)
		if err != nil {
			return err
		}
		if agent == nil {
			return domain.ErrAgentNotFound
		}
		agent.Name = name
		if err := tx.PutAgent(ctx, agent); err != nil {
			return err
		}
		out = agent
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Version++
	s.log.Info("agent_renamed", zap.String("agent_id", id))
	return out, nil
}

// DeleteAgent removes an agent that is on no roster and holds no open order.
// Disabling is the way to take a busy agent out of rotation.
func (s *AgentService) DeleteAgent(ctx context.Context, id string) error {
	open, err := s.DB.ListOrders(ctx, port.OrderFilter{AgentID: id})
	if err != nil {
		return fmt.Errorf("list orders of %s: %w", id, err)
	}
	if len(open) > 0 {
		return &domain.StateError{Msg: fmt.Sprintf("agent %s still has %d open orders", id, len(open))}
	}
	assignments, err := s.DB.ListAssignments(ctx)
	if err != nil {
		return fmt.Errorf("list assignments: %w", err)
	}

	err = s.DB.RunInTx(ctx, func(ctx context.Context, tx port.Tx) error {
		agent, err := tx.GetAgent(ctx, id)
		if err != nil {
			return err
		}
		if agent == nil {
			return domain.ErrAgentNotFound
		}
		// Reread inside the transaction so a concurrent roster save conflicts.
		for _, listed := range assignments {
			a, err := tx.GetAssignment(ctx, listed.Area)
			if err != nil {
				return err
			}
			if a != nil && a.Holds(id) {
				return &domain.StateError{Msg: fmt.Sprintf("agent %s is on the roster of %s", id, a.Area)}
			}
		}
		return tx.DeleteAgent(ctx, agent)
	})
	if err != nil {
		return err
	}
	s.log.Info("agent_deleted", zap.String("agent_id", id))
	return nil
}

func (s *AgentService) ListAgents(ctx context.Context) ([]domain.DeliveryAgent, error) {
	return s.DB.ListAgents(ctx)
}
