package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRotate(t *testing.T) {
	tests := []struct {
		cursor, n, want int
	}{
		{NoAssignment, 2, 0},
		{0, 2, 1},
		{1, 2, 0},
		{0, 1, 0},
		{-7, 3, 0},
		// A cursor left over from a longer roster wraps into range.
		{4, 3, 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Rotate(tt.cursor, tt.n), "Rotate(%d, %d)", tt.cursor, tt.n)
	}
}

func TestNextIndex(t *testing.T) {
	a := NewAreaAssignment("D1")
	_, ok := a.NextIndex()
	assert.False(t, ok)

	a.AgentIDs = []string{"a1", "a2"}
	var got []int
	for i := 0; i < 3; i++ {
		idx, ok := a.NextIndex()
		assert.True(t, ok)
		got = append(got, idx)
		a.LastIndex = idx
	}
	assert.Equal(t, []int{0, 1, 0}, got)
}

func TestNewServiceArea(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	a, err := NewServiceArea("  District 1 ", now)
	assert.NoError(t, err)
	assert.Equal(t, &ServiceArea{Name: "District 1", CreatedAt: now}, a)

	_, err = NewServiceArea("   ", now)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewServiceArea(strings.Repeat("x", maxAreaName+1), now)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestHolds(t *testing.T) {
	a := NewAreaAssignment("D1")
	assert.False(t, a.Holds("a1"))
	a.AgentIDs = []string{"a1", "a2"}
	assert.True(t, a.Holds("a2"))
	assert.False(t, a.Holds("a3"))
}

func TestRosterKey(t *testing.T) {
	assert.Equal(t, RosterKey([]string{"a", "b"}), RosterKey([]string{"a", "b"}))
	assert.NotEqual(t, RosterKey([]string{"a", "b"}), RosterKey([]string{"b", "a"}))
	assert.NotEqual(t, RosterKey([]string{"ab"}), RosterKey([]string{"a", "b"}))
}

func TestDedupeAgents(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, DedupeAgents([]string{" a", "b", "", "a"}))
	assert.Empty(t, DedupeAgents(nil))
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "+84901234567", NormalizePhone(" +84 (90) 123-4567 "))
	assert.Equal(t, "0901234567", NormalizePhone("090 123 4567"))
	assert.Equal(t, "84", NormalizePhone("8+4"))
}

func TestSweepCheckpointDone(t *testing.T) {
	at := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	cp := &SweepCheckpoint{LastOrderID: "o5", LastCreatedAt: at}

	assert.True(t, cp.Done(&Order{ID: "o9", CreatedAt: at.Add(-time.Second)}))
	assert.True(t, cp.Done(&Order{ID: "o5", CreatedAt: at}))
	assert.True(t, cp.Done(&Order{ID: "o4", CreatedAt: at}))
	assert.False(t, cp.Done(&Order{ID: "o6", CreatedAt: at}))
	assert.False(t, cp.Done(&Order{ID: "o1", CreatedAt: at.Add(time.Second)}))
}
