package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/meal-dispatch/internal/core/domain"
	"github.com/rl1809/meal-dispatch/internal/port"
)

// placeN places n single-item delivery orders in area and returns their ids
// oldest first.
func (f *fixture) placeN(t *testing.T, menuID, area string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		o, err := f.orders.PlaceOrder(context.Background(), deliveryReq(menuID, area, line("rice", 1, "4.50")))
		require.NoError(t, err)
		ids = append(ids, o.ID)
	}
	return ids
}

func (f *fixture) assignees(t *testing.T, ids []string) []string {
	t.Helper()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		o, err := f.db.GetOrder(context.Background(), id)
		require.NoError(t, err)
		out = append(out, o.AssignedAgentID)
	}
	return out
}

func TestSaveRoster_ReassignsOpenOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	menu := f.publish(t, item("rice", 50, "4.50"))
	a1 := f.agent(t, "Minh", "0900000001")
	a2 := f.agent(t, "Hoa", "0900000002")
	a3 := f.agent(t, "Tuan", "0900000003")
	f.roster(t, "District 1", domain.NoAssignment, a1.ID, a2.ID)

	ids := f.placeN(t, menu.ID, "District 1", 3)
	require.Equal(t, 0, f.cursor(t, "District 1"))

	report, err := f.assign.SaveRoster(ctx, "District 1", []string{a3.ID})
	require.NoError(t, err)

	assert.Equal(t, SweepReport{Area: "District 1", Total: 3, Reassigned: 3, FinalIndex: 0}, report)
	assert.Equal(t, []string{a3.ID, a3.ID, a3.ID}, f.assignees(t, ids))
	assert.Equal(t, 0, f.cursor(t, "District 1"))

	o, err := f.db.GetOrder(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "Tuan", o.AssignedAgentName)
	assert.Len(t, f.events.ofType(domain.EventOrderReassigned), 3)
}

func TestReassign_ContinuesFromCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	menu := f.publish(t, item("rice", 50, "4.50"))
	a1 := f.agent(t, "Minh", "0900000001")
	a2 := f.agent(t, "Hoa", "0900000002")
	a3 := f.agent(t, "Tuan", "0900000003")

	// Orders first, roster later: all of them start unassigned.
	ids := f.placeN(t, menu.ID, "District 1", 4)
	f.roster(t, "District 1", 1)

	report, err := f.assign.ReassignOrdersForArea(ctx, "District 1", []string{a1.ID, a2.ID, a3.ID})
	require.NoError(t, err)

	// Cursor 1 means the next slot is 2.
	assert.Equal(t, []string{a3.ID, a1.ID, a2.ID, a3.ID}, f.assignees(t, ids))
	assert.Equal(t, 2, report.FinalIndex)
	assert.Equal(t, 2, f.cursor(t, "District 1"))

	// Placement picks up where the sweep stopped.
	next, err := f.orders.PlaceOrder(ctx, deliveryReq(menu.ID, "District 1", line("rice", 1, "4.50")))
	require.NoError(t, err)
	assert.Equal(t, a1.ID, next.AssignedAgentID)
}

func TestReassign_PlacementDuringSweepKeepsRotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	menu := f.publish(t, item("rice", 50, "4.50"))
	a1 := f.agent(t, "Minh", "0900000001")
	a2 := f.agent(t, "Hoa", "0900000002")
	f.roster(t, "District 1", domain.NoAssignment, a1.ID, a2.ID)

	first := f.placeN(t, menu.ID, "District 1", 1)
	require.Equal(t, 0, f.cursor(t, "District 1"))

	// Call 1 loads the sweep state; a checkout lands right before the
	// chunk transaction (call 2) reads the cursor.
	var during *domain.Order
	sweeper := NewAssignmentService(Deps{
		DB: &hookDB{DatabaseRepository: f.db, at: 2, before: func(ctx context.Context) {
			o, err := f.orders.PlaceOrder(ctx, deliveryReq(menu.ID, "District 1", line("rice", 1, "4.50")))
			require.NoError(t, err)
			during = o
		}},
		Clock: f.clock.Now,
	}, DefaultSweepBatchSize)

	report, err := sweeper.ReassignOrdersForArea(ctx, "District 1", []string{a1.ID, a2.ID})
	require.NoError(t, err)
	require.NotNil(t, during)

	assert.Equal(t, a2.ID, during.AssignedAgentID)
	assert.Equal(t, []string{a1.ID}, f.assignees(t, first))
	assert.Equal(t, 0, report.FinalIndex)
	assert.Equal(t, 0, f.cursor(t, "District 1"))

	// The next checkout continues the rotation instead of doubling up.
	next, err := f.orders.PlaceOrder(ctx, deliveryReq(menu.ID, "District 1", line("rice", 1, "4.50")))
	require.NoError(t, err)
	assert.Equal(t, a2.ID, next.AssignedAgentID)
}

func TestReassign_SkipsClosedAndOtherAreas(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	menu := f.publish(t, item("rice", 50, "4.50"))
	a1 := f.agent(t, "Minh", "0900000001")
	a2 := f.agent(t, "Hoa", "0900000002")
	f.roster(t, "District 1", domain.NoAssignment, a1.ID)

	ids := f.placeN(t, menu.ID, "District 1", 3)
	other := f.placeN(t, menu.ID, "District 2", 1)
	_, err := f.orders.MarkDelivered(ctx, ids[1], Actor{Role: RoleOwner})
	require.NoError(t, err)
	_, err = f.orders.MarkUndelivered(ctx, ids[2], Actor{Role: RoleOwner}, "closed gate")
	require.NoError(t, err)

	report, err := f.assign.SaveRoster(ctx, "District 1", []string{a2.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 2, report.Reassigned)

	// Closed order keeps its agent; undelivered orders are still open.
	assert.Equal(t, []string{a2.ID, a1.ID, a2.ID}, f.assignees(t, ids))
	assert.Equal(t, []string{""}, f.assignees(t, other))
}

func TestReassign_EmptyRosterClearsOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	menu := f.publish(t, item("rice", 50, "4.50"))
	a1 := f.agent(t, "Minh", "0900000001")
	f.roster(t, "District 1", domain.NoAssignment, a1.ID)
	ids := f.placeN(t, menu.ID, "District 1", 2)

	report, err := f.assign.SaveRoster(ctx, "District 1", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Reassigned)
	assert.Equal(t, domain.NoAssignment, report.FinalIndex)
	assert.Equal(t, []string{"", ""}, f.assignees(t, ids))
	assert.Equal(t, domain.NoAssignment, f.cursor(t, "District 1"))
}

func TestReassign_NoOpenOrdersKeepsCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a1 := f.agent(t, "Minh", "0900000001")
	f.roster(t, "District 1", 0, a1.ID)

	report, err := f.assign.SaveRoster(ctx, "District 1", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Total)
	assert.Equal(t, 0, f.cursor(t, "District 1"))

	a, err := f.assign.GetAssignment(ctx, "District 1")
	require.NoError(t, err)
	assert.Empty(t, a.AgentIDs)
}

func TestSaveRoster_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a1 := f.agent(t, "Minh", "0900000001")

	_, err := f.assign.SaveRoster(ctx, " ", []string{a1.ID})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.assign.SaveRoster(ctx, "Nowhere", []string{a1.ID})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorContains(t, err, "service area not found: Nowhere")

	f.area(t, "District 1")
	_, err = f.assign.SaveRoster(ctx, "District 1", []string{a1.ID, "0999999999"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.assign.SaveRoster(ctx, "District 1", []string{a1.ID, " ", a1.ID})
	require.NoError(t, err)
	a, err := f.assign.GetAssignment(ctx, "District 1")
	require.NoError(t, err)
	assert.Equal(t, []string{a1.ID}, a.AgentIDs)
}

func TestReassign_ChunkedMatchesSingleRun(t *testing.T) {
	run := func(batch int) []string {
		f := newFixture(t, withBatch(batch))
		menu := f.publish(t, item("rice", 50, "4.50"))
		a1 := f.agent(t, "Minh", "0900000001")
		a2 := f.agent(t, "Hoa", "0900000002")
		a3 := f.agent(t, "Tuan", "0900000003")
		f.area(t, "District 1")
		ids := f.placeN(t, menu.ID, "District 1", 7)

		report, err := f.assign.SaveRoster(context.Background(), "District 1", []string{a1.ID, a2.ID, a3.ID})
		require.NoError(t, err)
		assert.Equal(t, 7, report.Reassigned)
		assert.Equal(t, 0, report.FinalIndex)

		cps, err := f.db.ListSweepCheckpoints(context.Background())
		require.NoError(t, err)
		assert.Empty(t, cps)
		return f.assignees(t, ids)
	}

	assert.Equal(t, run(100), run(2))
}

func TestReassign_ResumeAfterCrash(t *testing.T) {
	f := newFixture(t, withBatch(2))
	ctx := context.Background()
	menu := f.publish(t, item("rice", 50, "4.50"))
	a1 := f.agent(t, "Minh", "0900000001")
	a2 := f.agent(t, "Hoa", "0900000002")
	a3 := f.agent(t, "Tuan", "0900000003")
	ids := f.placeN(t, menu.ID, "District 1", 5)
	f.roster(t, "District 1", domain.NoAssignment, a1.ID, a2.ID, a3.ID)

	// Call 1 loads the sweep state, call 2 commits the first chunk, call 3 dies.
	crashing := NewAssignmentService(Deps{
		DB:    &flakyDB{DatabaseRepository: f.db, failAt: 3},
		Clock: f.clock.Now,
	}, 2)
	report, err := crashing.ReassignOrdersForArea(ctx, "District 1", []string{a1.ID, a2.ID, a3.ID})
	require.ErrorIs(t, err, errCrash)
	assert.Equal(t, 2, report.Reassigned)

	assert.Equal(t, []string{a1.ID, a2.ID, "", "", ""}, f.assignees(t, ids))
	assert.Equal(t, 1, f.cursor(t, "District 1"))

	cps, err := f.db.ListSweepCheckpoints(ctx)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, ids[1], cps[0].LastOrderID)
	assert.Equal(t, 2, cps[0].Processed)

	reports, err := f.assign.ResumePending(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Resumed)
	assert.Equal(t, 2, reports[0].Previously)
	assert.Equal(t, 3, reports[0].Reassigned)

	assert.Equal(t, []string{a1.ID, a2.ID, a3.ID, a1.ID, a2.ID}, f.assignees(t, ids))
	assert.Equal(t, 1, f.cursor(t, "District 1"))

	cps, err = f.db.ListSweepCheckpoints(ctx)
	require.NoError(t, err)
	assert.Empty(t, cps)
}

func TestReassign_StaleCheckpointIsDiscarded(t *testing.T) {
	f := newFixture(t, withBatch(2))
	ctx := context.Background()
	menu := f.publish(t, item("rice", 50, "4.50"))
	a1 := f.agent(t, "Minh", "0900000001")
	a2 := f.agent(t, "Hoa", "0900000002")
	ids := f.placeN(t, menu.ID, "District 1", 3)
	f.roster(t, "District 1", domain.NoAssignment, a1.ID)

	crashing := NewAssignmentService(Deps{DB: &flakyDB{DatabaseRepository: f.db, failAt: 3}}, 2)
	_, err := crashing.ReassignOrdersForArea(ctx, "District 1", []string{a1.ID})
	require.ErrorIs(t, err, errCrash)

	// The owner changes the roster before anyone resumes.
	report, err := f.assign.SaveRoster(ctx, "District 1", []string{a2.ID})
	require.NoError(t, err)
	assert.False(t, report.Resumed)
	assert.Equal(t, 3, report.Reassigned)
	assert.Equal(t, []string{a2.ID, a2.ID, a2.ID}, f.assignees(t, ids))

	cps, err := f.db.ListSweepCheckpoints(ctx)
	require.NoError(t, err)
	assert.Empty(t, cps)
}

func TestResumePending_DropsOrphanCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	err := f.db.RunInTx(ctx, func(ctx context.Context, tx port.Tx) error {
		return tx.PutSweepCheckpoint(ctx, &domain.SweepCheckpoint{Area: "Gone", RosterKey: "x"})
	})
	require.NoError(t, err)

	reports, err := f.assign.ResumePending(ctx)
	require.NoError(t, err)
	assert.Empty(t, reports)

	cps, err := f.db.ListSweepCheckpoints(ctx)
	require.NoError(t, err)
	assert.Empty(t, cps)
}
