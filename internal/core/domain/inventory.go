package domain

import "github.com/shopspring/decimal"

// CartLine is one requested line at checkout. Name and Price are what the
// customer saw when adding the item to the cart; errors report the menu's
// own name.
type CartLine struct {
	ItemID string          `json:"itemId"`
	Name   string          `json:"name"`
	Qty    int             `json:"qty"`
	Price  decimal.Decimal `json:"price"`
}

// Decrement checks every requested line against the ledger and returns the
// new remaining map. The menu itself is never modified; on any failure no
// line is applied.
func (m *PublishedMenu) Decrement(lines []CartLine) (map[string]int, error) {
	if !m.Open() {
		return nil, ErrMenuClosed
	}

	next := make(map[string]int, len(m.Remaining))
	for k, v := range m.Remaining {
		next[k] = v
	}

	for _, line := range lines {
		name := line.Name
		if item, ok := m.Item(line.ItemID); ok {
			name = item.Name
		}
		left, ok := next[line.ItemID]
		if !ok {
			return nil, &InsufficientStockError{ItemID: line.ItemID, ItemName: name, Requested: line.Qty, Unlisted: true}
		}
		if left < line.Qty {
			// left already accounts for earlier lines of the same item.
			return nil, &InsufficientStockError{
				ItemID:    line.ItemID,
				ItemName:  name,
				Requested: line.Qty,
				Remaining: left,
			}
		}
		next[line.ItemID] = left - line.Qty
	}

	return next, nil
}
