package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusActive      OrderStatus = "active"
	OrderStatusClosed      OrderStatus = "closed"
	OrderStatusUndelivered OrderStatus = "undelivered"
)

type DeliveryType string

const (
	DeliveryTypeDelivery DeliveryType = "delivery"
	DeliveryTypePickup   DeliveryType = "pickup"
)

func (d DeliveryType) Valid() bool {
	return d == DeliveryTypeDelivery || d == DeliveryTypePickup
}

// transitions is the complete set of legal status moves.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusActive:      {OrderStatusClosed, OrderStatusUndelivered},
	OrderStatusUndelivered: {OrderStatusClosed},
}

func CanTransition(from, to OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Location struct {
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
	Label string  `json:"label,omitempty"`
}

type Customer struct {
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	AddressLine1 string `json:"addressLine1,omitempty"`
	Street       string `json:"street,omitempty"`
}

// LineItem is a snapshot of what was bought, not a live catalog reference.
type LineItem struct {
	ItemID string          `json:"itemId"`
	Name   string          `json:"name"`
	Qty    int             `json:"qty"`
	Price  decimal.Decimal `json:"price"`
}

type Order struct {
	ID                string
	Status            OrderStatus
	UndeliveredReason string
	MenuID            string
	PublishedDate     string
	MealType          MealType
	Customer          Customer
	DeliveryType      DeliveryType
	Address           string
	Area              string
	Location          *Location
	Items             []LineItem
	Total             decimal.Decimal
	AssignedAgentID   string
	AssignedAgentName string
	Version           int
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ClosedAt          *time.Time
	UndeliveredAt     *time.Time
}

func (o *Order) Open() bool { return o.Status != OrderStatusClosed }

// Transition moves the order along the status table. reason is kept only
// for the undelivered state.
func (o *Order) Transition(to OrderStatus, reason string, at time.Time) error {
	if !CanTransition(o.Status, to) {
		return &TransitionError{From: o.Status, To: to}
	}
	switch to {
	case OrderStatusUndelivered:
		if reason == "" {
			return Invalid("reason", "reason for undelivered is required")
		}
		o.UndeliveredReason = reason
		o.UndeliveredAt = &at
	case OrderStatusClosed:
		o.ClosedAt = &at
	}
	o.Status = to
	o.UpdatedAt = at
	return nil
}

func (o *Order) Assign(agentID, agentName string) {
	o.AssignedAgentID = agentID
	o.AssignedAgentName = agentName
}

func (o *Order) Clone() *Order {
	c := *o
	c.Items = append([]LineItem(nil), o.Items...)
	if o.Location != nil {
		loc := *o.Location
		c.Location = &loc
	}
	return &c
}

// Total sums price*qty over the submitted lines.
func Total(lines []CartLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Price.Mul(decimal.NewFromInt(int64(l.Qty))))
	}
	return total
}

type OrderEventType string

const (
	EventOrderPlaced     OrderEventType = "order.placed"
	EventOrderReassigned OrderEventType = "order.reassigned"
	EventOrderStatus     OrderEventType = "order.status_changed"
)

// OrderEvent is published after a change to an order has been committed.
type OrderEvent struct {
	Type    OrderEventType `json:"type"`
	OrderID string         `json:"order_id"`
	Area    string         `json:"area,omitempty"`
	AgentID string         `json:"agent_id,omitempty"`
	Status  OrderStatus    `json:"status"`
	At      time.Time      `json:"at"`
}
