package domain

import (
	"crypto/sha1"
	"encoding/hex"
	"slices"
	"strings"
	"time"
)

// NoAssignment is the cursor value of an area that never assigned an order.
const NoAssignment = -1

const maxAreaName = 128

// ServiceArea is an entry of the owner's area registry. Customers pick one at
// checkout and rosters can only be saved for registered areas.
type ServiceArea struct {
	Name      string
	Version   int
	CreatedAt time.Time
}

func NewServiceArea(name string, now time.Time) (*ServiceArea, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, Invalid("name", "area name is required")
	}
	if len(name) > maxAreaName {
		return nil, Invalid("name", "area name is longer than %d bytes", maxAreaName)
	}
	return &ServiceArea{Name: name, CreatedAt: now}, nil
}

// AreaAssignment owns the ordered agent roster of one service area and its
// round-robin cursor. Area names are primary keys and must be stable.
type AreaAssignment struct {
	Area      string
	AgentIDs  []string
	LastIndex int
	Version   int
	UpdatedAt time.Time
}

func NewAreaAssignment(area string) *AreaAssignment {
	return &AreaAssignment{Area: area, LastIndex: NoAssignment}
}

// NextIndex returns the slot after the cursor. ok is false for an empty
// roster; the cursor is left alone in that case.
func (a *AreaAssignment) NextIndex() (idx int, ok bool) {
	if len(a.AgentIDs) == 0 {
		return a.LastIndex, false
	}
	return Rotate(a.LastIndex, len(a.AgentIDs)), true
}

// Rotate advances a cursor by one slot in a roster of n agents. Negative
// cursors start at slot 0.
func Rotate(cursor, n int) int {
	if cursor < 0 {
		cursor = NoAssignment
	}
	return (cursor + 1) % n
}

func (a *AreaAssignment) Clone() *AreaAssignment {
	c := *a
	c.AgentIDs = append([]string(nil), a.AgentIDs...)
	return &c
}

// Holds reports whether agentID is on the roster.
func (a *AreaAssignment) Holds(agentID string) bool {
	return slices.Contains(a.AgentIDs, agentID)
}

// RosterKey identifies a roster by content so a stale sweep checkpoint can be
// told apart from one belonging to the current roster.
func RosterKey(agentIDs []string) string {
	sum := sha1.Sum([]byte(strings.Join(agentIDs, "\x00")))
	return hex.EncodeToString(sum[:])
}

// DedupeAgents keeps the first occurrence of every id, dropping blanks.
func DedupeAgents(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// DeliveryAgent is identified by its normalized phone number, which doubles
// as the login name.
type DeliveryAgent struct {
	ID        string
	Name      string
	Active    bool
	Version   int
	CreatedAt time.Time
}

// NormalizePhone strips everything but digits, keeping a leading '+'.
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	var b strings.Builder
	for i, r := range phone {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SweepCheckpoint records how far a reassignment sweep got so that a crash
// mid-sweep can be resumed instead of leaving a half-rotated area.
type SweepCheckpoint struct {
	Area          string
	RosterKey     string
	Cursor        int
	LastOrderID   string
	LastCreatedAt time.Time
	Processed     int
	StartedAt     time.Time
	Version       int
}

// Done reports whether o sorts at or before the last order the checkpoint
// covered, using the same (created, id) order as the sweep.
func (c *SweepCheckpoint) Done(o *Order) bool {
	if o.CreatedAt.Equal(c.LastCreatedAt) {
		return o.ID <= c.LastOrderID
	}
	return o.CreatedAt.Before(c.LastCreatedAt)
}
