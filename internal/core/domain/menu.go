package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type MealType string

const (
	MealBreakfast MealType = "breakfast"
	MealLunch     MealType = "lunch"
	MealDinner    MealType = "dinner"
)

// MenuItem is the catalog snapshot taken when a menu is published.
type MenuItem struct {
	ItemID string          `json:"itemId"`
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
	Qty    int             `json:"qty"`
}

// PublishedMenu is a menu activation for one (date, meal type) pair.
// Items never change after publish except through an owner edit; Remaining is
// the live stock ledger.
type PublishedMenu struct {
	ID            string
	Date          string // YYYY-MM-DD
	MealType      MealType
	Items         []MenuItem
	Remaining     map[string]int
	IsArchived    bool
	OrdersStopped bool
	Version       int // optimistic locking
	CreatedAt     time.Time
	StoppedAt     *time.Time
	ArchivedAt    *time.Time
}

func (m *PublishedMenu) Item(itemID string) (MenuItem, bool) {
	for _, it := range m.Items {
		if it.ItemID == itemID {
			return it, true
		}
	}
	return MenuItem{}, false
}

// Open reports whether customers may order from the menu.
func (m *PublishedMenu) Open() bool {
	return !m.IsArchived && !m.OrdersStopped
}

// EffectiveRemaining is what customers see: zero once orders are stopped,
// without touching the ledger itself.
func (m *PublishedMenu) EffectiveRemaining(itemID string) int {
	if !m.Open() {
		return 0
	}
	return m.Remaining[itemID]
}

func (m *PublishedMenu) Clone() *PublishedMenu {
	c := *m
	c.Items = append([]MenuItem(nil), m.Items...)
	c.Remaining = make(map[string]int, len(m.Remaining))
	for k, v := range m.Remaining {
		c.Remaining[k] = v
	}
	return &c
}

// NewPublishedMenu drops zero quantity lines and seeds the ledger with the
// published quantities.
func NewPublishedMenu(id, date string, meal MealType, items []MenuItem, now time.Time) (*PublishedMenu, error) {
	if date == "" {
		return nil, Invalid("date", "date is required")
	}
	if meal == "" {
		return nil, Invalid("mealType", "meal type is required")
	}

	menu := &PublishedMenu{
		ID:        id,
		Date:      date,
		MealType:  meal,
		Remaining: make(map[string]int),
		CreatedAt: now,
	}
	for _, it := range items {
		if it.Qty <= 0 {
			continue
		}
		if it.ItemID == "" {
			return nil, Invalid("items", "item id is required")
		}
		if _, dup := menu.Remaining[it.ItemID]; dup {
			return nil, Invalid("items", "item %s listed twice", it.ItemID)
		}
		if it.Price.IsNegative() {
			return nil, Invalid("items", "price of %s cannot be negative", it.Name)
		}
		menu.Items = append(menu.Items, it)
		menu.Remaining[it.ItemID] = it.Qty
	}
	if len(menu.Items) == 0 {
		return nil, Invalid("items", "please enter quantity for at least one item")
	}
	return menu, nil
}

// Requantify applies new published quantities while keeping what has already
// been sold: remaining = max(0, newQty - sold).
func (m *PublishedMenu) Requantify(qty map[string]int) error {
	for id, q := range qty {
		if q < 0 {
			return Invalid("items", "quantity of %s cannot be negative", id)
		}
		if _, ok := m.Item(id); !ok {
			return Invalid("items", "item %s is not on this menu", id)
		}
	}
	for i, it := range m.Items {
		newQty, ok := qty[it.ItemID]
		if !ok {
			continue
		}
		sold := it.Qty - m.Remaining[it.ItemID]
		left := newQty - sold
		if left < 0 {
			left = 0
		}
		m.Items[i].Qty = newQty
		m.Remaining[it.ItemID] = left
	}
	return nil
}
