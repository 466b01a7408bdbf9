package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/meal-dispatch/internal/core/domain"
)

type OrderView struct {
	ID                string              `json:"id"`
	Status            domain.OrderStatus  `json:"status"`
	UndeliveredReason string              `json:"undeliveredReason,omitempty"`
	MenuID            string              `json:"menuId"`
	PublishedDate     string              `json:"publishedDate"`
	MealType          domain.MealType     `json:"mealType"`
	Customer          domain.Customer     `json:"customer"`
	DeliveryType      domain.DeliveryType `json:"deliveryType"`
	Address           string              `json:"address,omitempty"`
	Area              string              `json:"area,omitempty"`
	Location          *domain.Location    `json:"location,omitempty"`
	Items             []domain.LineItem   `json:"items"`
	Total             decimal.Decimal     `json:"total"`
	AssignedAgentID   string              `json:"assignedAgentId,omitempty"`
	AssignedAgentName string              `json:"assignedAgentName,omitempty"`
	CreatedAt         time.Time           `json:"createdAt"`
	ClosedAt          *time.Time          `json:"closedAt,omitempty"`
	UndeliveredAt     *time.Time          `json:"undeliveredAt,omitempty"`
}

func orderView(o *domain.Order) OrderView {
	return OrderView{
		ID:                o.ID,
		Status:            o.Status,
		UndeliveredReason: o.UndeliveredReason,
		MenuID:            o.MenuID,
		PublishedDate:     o.PublishedDate,
		MealType:          o.MealType,
		Customer:          o.Customer,
		DeliveryType:      o.DeliveryType,
		Address:           o.Address,
		Area:              o.Area,
		Location:          o.Location,
		Items:             o.Items,
		Total:             o.Total,
		AssignedAgentID:   o.AssignedAgentID,
		AssignedAgentName: o.AssignedAgentName,
		CreatedAt:         o.CreatedAt,
		ClosedAt:          o.ClosedAt,
		UndeliveredAt:     o.UndeliveredAt,
	}
}

func orderViews(orders []domain.Order) []OrderView {
	out := make([]OrderView, 0, len(orders))
	for i := range orders {
		out = append(out, orderView(&orders[i]))
	}
	return out
}

type MenuItemView struct {
	domain.MenuItem
	Remaining int `json:"remaining"`
}

type MenuView struct {
	ID            string          `json:"id"`
	Date          string          `json:"date"`
	MealType      domain.MealType `json:"mealType"`
	Items         []MenuItemView  `json:"items"`
	IsArchived    bool            `json:"isArchived"`
	OrdersStopped bool            `json:"ordersStopped"`
	CreatedAt     time.Time       `json:"createdAt"`
}

func menuView(m *domain.PublishedMenu) MenuView {
	items := make([]MenuItemView, 0, len(m.Items))
	for _, it := range m.Items {
		items = append(items, MenuItemView{MenuItem: it, Remaining: m.EffectiveRemaining(it.ItemID)})
	}
	return MenuView{
		ID:            m.ID,
		Date:          m.Date,
		MealType:      m.MealType,
		Items:         items,
		IsArchived:    m.IsArchived,
		OrdersStopped: m.OrdersStopped,
		CreatedAt:     m.CreatedAt,
	}
}

func menuViews(menus []domain.PublishedMenu) []MenuView {
	out := make([]MenuView, 0, len(menus))
	for i := range menus {
		out = append(out, menuView(&menus[i]))
	}
	return out
}

type AgentView struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

func agentViews(agents []domain.DeliveryAgent) []AgentView {
	out := make([]AgentView, 0, len(agents))
	for _, a := range agents {
		out = append(out, AgentView{ID: a.ID, Name: a.Name, Active: a.Active})
	}
	return out
}

type AreaView struct {
	Name string `json:"name"`
}

func areaViews(areas []domain.ServiceArea) []AreaView {
	out := make([]AreaView, 0, len(areas))
	for _, a := range areas {
		out = append(out, AreaView{Name: a.Name})
	}
	return out
}

type AssignmentView struct {
	Area      string   `json:"area"`
	AgentIDs  []string `json:"agentIds"`
	LastIndex int      `json:"lastIndex"`
}
