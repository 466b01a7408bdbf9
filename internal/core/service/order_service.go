package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/meal-dispatch/internal/core/domain"
	"github.com/rl1809/meal-dispatch/internal/port"
)

type PlaceOrderRequest struct {
	// RequestID makes checkout idempotent when set.
	RequestID    string
	MenuID       string
	Items        []domain.CartLine
	DeliveryType domain.DeliveryType
	Area         string
	Location     *domain.Location
	Customer     domain.Customer
}

type OrderService struct {
	Deps
	policy InactiveAgentPolicy
	log    *zap.Logger
}

func NewOrderService(deps Deps, policy InactiveAgentPolicy) *OrderService {
	deps = deps.withDefaults()
	if policy == "" {
		policy = HoldCursor
	}
	return &OrderService{
		Deps:   deps,
		policy: policy,
		log:    deps.Logger.Named("order_service"),
	}
}

// PlaceOrder decrements the menu ledger, claims the next agent of the area
// and creates the order in one transaction. Nothing is written on failure.
func (s *OrderService) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*domain.Order, error) {
	start := time.Now()

	draft, lines, err := s.draft(req)
	if err != nil {
		s.Metrics.ObservePlacement(placementResult(err), time.Since(start))
		return nil, err
	}

	if req.RequestID != "" && s.Cache != nil {
		ok, err := s.Cache.SetIdempotency(ctx, req.RequestID)
		if err != nil {
			return nil, fmt.Errorf("idempotency check failed: %w", err)
		}
		if !ok {
			s.Metrics.ObservePlacement(placementResult(ErrDuplicateRequest), time.Since(start))
			return nil, ErrDuplicateRequest
		}
	}

	var placed *domain.Order
	err = s.DB.RunInTx(ctx, func(ctx context.Context, tx port.Tx) error {
		menu, err := tx.GetMenu(ctx, req.MenuID)
		if err != nil {
			return err
		}
		if menu == nil {
			return domain.ErrMenuNotFound
		}

		remaining, err := menu.Decrement(lines)
		if err != nil {
			return err
		}

		order := draft.Clone()
		order.PublishedDate = menu.Date
		order.MealType = menu.MealType
		order.CreatedAt = s.now()
		order.UpdatedAt = order.CreatedAt

		if order.DeliveryType == domain.DeliveryTypeDelivery && order.Area != "" {
			agent, err := s.claimAgent(ctx, tx, order.Area)
			if err != nil {
				return err
			}
			if agent != nil {
				order.Assign(agent.ID, agent.Name)
			}
		}

		menu.Remaining = remaining
		if err := tx.PutMenu(ctx, menu); err != nil {
			return err
		}
		if err := tx.PutOrder(ctx, order); err != nil {
			return err
		}
		placed = order
		return nil
	})

	s.Metrics.ObservePlacement(placementResult(err), time.Since(start))
	if err != nil {
		if req.RequestID != "" && s.Cache != nil {
			if relErr := s.Cache.ReleaseIdempotency(ctx, req.RequestID); relErr != nil {
				s.log.Warn("idempotency_release_failed", zap.String("request_id", req.RequestID), zap.Error(relErr))
			}
		}
		s.log.Info("order_rejected", zap.String("menu_id", req.MenuID), zap.Error(err))
		return nil, err
	}

	s.log.Info("order_placed",
		zap.String("order_id", placed.ID),
		zap.String("menu_id", placed.MenuID),
		zap.String("area", placed.Area),
		zap.String("agent_id", placed.AssignedAgentID),
		zap.String("total", placed.Total.StringFixed(2)),
	)
	s.announce(ctx, domain.OrderEvent{
		Type:    domain.EventOrderPlaced,
		OrderID: placed.ID,
		Area:    placed.Area,
		AgentID: placed.AssignedAgentID,
		Status:  placed.Status,
		At:      placed.CreatedAt,
	})
	return placed, nil
}

// claimAgent applies one round-robin step for the area. A missing roster,
// an empty roster, or a missing or disabled agent yields no agent and no
// error; placement never fails because of assignment.
func (s *OrderService) claimAgent(ctx context.Context, tx port.Tx, area string) (*domain.DeliveryAgent, error) {
	a, err := tx.GetAssignment(ctx, area)
	if err != nil || a == nil {
		return nil, err
	}

	next, ok := a.NextIndex()
	if !ok {
		return nil, nil
	}

	agent, err := tx.GetAgent(ctx, a.AgentIDs[next])
	if err != nil {
		return nil, err
	}
	usable := agent != nil && agent.Active

	if usable || s.policy == ConsumeSlot {
		a.LastIndex = next
		a.UpdatedAt = s.now()
		if err := tx.PutAssignment(ctx, a); err != nil {
			return nil, err
		}
	}
	if !usable {
		return nil, nil
	}
	return agent, nil
}

// draft validates the request and builds everything about the order that
// does not depend on stored state.
func (s *OrderService) draft(req PlaceOrderRequest) (*domain.Order, []domain.CartLine, error) {
	if strings.TrimSpace(req.MenuID) == "" {
		return nil, nil, domain.Invalid("menuId", "no menu is published yet")
	}
	if !req.DeliveryType.Valid() {
		return nil, nil, domain.Invalid("deliveryType", "must be %q or %q", domain.DeliveryTypeDelivery, domain.DeliveryTypePickup)
	}
	if strings.TrimSpace(req.Customer.Name) == "" {
		return nil, nil, domain.Invalid("name", "name is required")
	}
	if strings.TrimSpace(req.Customer.Phone) == "" {
		return nil, nil, domain.Invalid("phone", "phone is required")
	}

	var lines []domain.CartLine
	for _, l := range req.Items {
		if l.Qty < 0 {
			return nil, nil, domain.Invalid("items", "quantity of %s cannot be negative", l.Name)
		}
		if l.Price.IsNegative() {
			return nil, nil, domain.Invalid("items", "price of %s cannot be negative", l.Name)
		}
		if l.Qty > 0 {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return nil, nil, domain.Invalid("items", "please select at least one item")
	}

	order := &domain.Order{
		ID:           s.NewID(),
		Status:       domain.OrderStatusActive,
		MenuID:       req.MenuID,
		DeliveryType: req.DeliveryType,
		Customer: domain.Customer{
			Name:  strings.TrimSpace(req.Customer.Name),
			Phone: strings.TrimSpace(req.Customer.Phone),
		},
		Total: domain.Total(lines),
	}
	for _, l := range lines {
		order.Items = append(order.Items, domain.LineItem{ItemID: l.ItemID, Name: l.Name, Qty: l.Qty, Price: l.Price})
	}

	// Pickup orders never carry area, address or location, whatever the form sent.
	if req.DeliveryType == domain.DeliveryTypeDelivery {
		if req.Location == nil {
			return nil, nil, domain.ErrLocationRequired
		}
		loc := *req.Location
		order.Location = &loc
		order.Area = strings.TrimSpace(req.Area)
		order.Customer.AddressLine1 = strings.TrimSpace(req.Customer.AddressLine1)
		order.Customer.Street = strings.TrimSpace(req.Customer.Street)
		order.Address = joinAddress(order.Customer.AddressLine1, order.Customer.Street)
	}

	return order, lines, nil
}

func joinAddress(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ", ")
}

func (s *OrderService) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	o, err := s.DB.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, domain.ErrOrderNotFound
	}
	return o, nil
}

func (s *OrderService) ListOrders(ctx context.Context, filter port.OrderFilter) ([]domain.Order, error) {
	return s.DB.ListOrders(ctx, filter)
}

// MarkDelivered closes an active or undelivered order.
func (s *OrderService) MarkDelivered(ctx context.Context, orderID string, actor Actor) (*domain.Order, error) {
	return s.transition(ctx, orderID, actor, domain.OrderStatusClosed, "")
}

// MarkUndelivered records a failed delivery attempt; the order can still be
// closed later.
func (s *OrderService) MarkUndelivered(ctx context.Context, orderID string, actor Actor, reason string) (*domain.Order, error) {
	return s.transition(ctx, orderID, actor, domain.OrderStatusUndelivered, strings.TrimSpace(reason))
}

func (s *OrderService) transition(ctx context.Context, orderID string, actor Actor, to domain.OrderStatus, reason string) (*domain.Order, error) {
	var updated *domain.Order
	err := s.DB.RunInTx(ctx, func(ctx context.Context, tx port.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o == nil {
			return domain.ErrOrderNotFound
		}
		if actor.Role == RoleAgent && o.AssignedAgentID != actor.ID {
			return ErrNotAssigned
		}
		if err := o.Transition(to, reason, s.now()); err != nil {
			return err
		}
		if err := tx.PutOrder(ctx, o); err != nil {
			return err
		}
		updated = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("order_status_changed",
		zap.String("order_id", orderID),
		zap.String("status", string(to)),
		zap.String("actor", actor.ID),
		zap.String("role", string(actor.Role)),
	)
	s.announce(ctx, domain.OrderEvent{
		Type:    domain.EventOrderStatus,
		OrderID: updated.ID,
		Area:    updated.Area,
		AgentID: updated.AssignedAgentID,
		Status:  updated.Status,
		At:      updated.UpdatedAt,
	})
	return updated, nil
}

func placementResult(err error) string {
	switch {
	case err == nil:
		return "placed"
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate"
	case errors.Is(err, domain.ErrValidation):
		return "invalid"
	case errors.Is(err, domain.ErrNotFound):
		return "menu_not_found"
	case errors.Is(err, domain.ErrInvalidState):
		return "menu_closed"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "sold_out"
	case errors.Is(err, port.ErrTxAborted):
		return "aborted"
	}
	return "error"
}
