package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rl1809/meal-dispatch/internal/core/domain"
	"github.com/rl1809/meal-dispatch/internal/port"
)

var (
	ErrDuplicateRequest = errors.New("duplicate request")
	ErrNotAssigned      = errors.New("order is not assigned to this agent")
)

// Role of the caller as established by the transport layer.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
	RoleOwner    Role = "owner"
)

type Actor struct {
	Role Role
	ID   string
}

// InactiveAgentPolicy decides what happens to the rotation cursor when the
// next agent in line is missing or disabled.
type InactiveAgentPolicy string

const (
	// HoldCursor leaves the cursor where it was; the order goes unassigned.
	HoldCursor InactiveAgentPolicy = "hold"
	// ConsumeSlot moves the cursor past the disabled agent; the order goes unassigned.
	ConsumeSlot InactiveAgentPolicy = "consume"
)

func ParseInactiveAgentPolicy(s string) (InactiveAgentPolicy, error) {
	switch p := InactiveAgentPolicy(s); p {
	case HoldCursor, ConsumeSlot:
		return p, nil
	case "":
		return HoldCursor, nil
	}
	return "", domain.Invalid("inactive_agent_policy", "unknown policy %q", s)
}

// Deps are the collaborators shared by every service. Only DB is required.
type Deps struct {
	DB      port.DatabaseRepository
	Cache   port.CacheRepository
	Events  port.EventPublisher
	Metrics port.Metrics
	Feed    *Feed
	Logger  *zap.Logger
	Clock   func() time.Time
	NewID   func() string
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	if d.Metrics == nil {
		d.Metrics = nopMetrics{}
	}
	return d
}

func (d Deps) now() time.Time { return d.Clock().UTC() }

// announce fans committed changes out to the broker and the live feed.
// Failures are logged; the change itself is already durable.
func (d Deps) announce(ctx context.Context, events ...domain.OrderEvent) {
	if len(events) == 0 {
		return
	}
	if d.Events != nil {
		for _, ev := range events {
			if err := d.Events.Publish(ctx, ev); err != nil {
				d.Logger.Warn("event_publish_failed", zap.String("event", string(ev.Type)), zap.String("order_id", ev.OrderID), zap.Error(err))
			}
		}
	}
	if d.Feed != nil {
		d.Feed.Notify()
	}
}

type nopMetrics struct{}

func (nopMetrics) ObservePlacement(string, time.Duration) {}
func (nopMetrics) IncTxRetry()                            {}
func (nopMetrics) AddSweepOrders(string, int)             {}
