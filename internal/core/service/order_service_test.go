package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/meal-dispatch/internal/core/domain"
	"github.com/rl1809/meal-dispatch/internal/port"
)

func TestPlaceOrder_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	menu := f.publish(t, item("rice", 3, "4.50"), item("soup", 5, "2.00"))
	a1 := f.agent(t, "Minh", "0900000001")
	f.roster(t, "District 1", domain.NoAssignment, a1.ID)

	order, err := f.orders.PlaceOrder(ctx, deliveryReq(menu.ID, "District 1", line("rice", 2, "4.50"), line("soup", 1, "2.00")))
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusActive, order.Status)
	assert.Equal(t, "11", order.Total.String())
	assert.Equal(t, a1.ID, order.AssignedAgentID)
	assert.Equal(t, "Minh", order.AssignedAgentName)
	assert.Equal(t, "12, Le Loi", order.Address)
	assert.Equal(t, "2026-03-02", order.PublishedDate)
	assert.Equal(t, domain.MealLunch, order.MealType)

	stored, err := f.db.GetMenu(ctx, menu.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"rice": 1, "soup": 4}, stored.Remaining)
	assert.Equal(t, 0, f.cursor(t, "District 1"))

	got, err := f.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)
	assert.Len(t, f.events.ofType(domain.EventOrderPlaced), 1)
}

func TestPlaceOrder_InsufficientStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	menu := f.publish(t, item("rice", 3, "4.50"), item("soup", 5, "2.00"))

	_, err := f.orders.PlaceOrder(ctx, deliveryReq(menu.ID, "", line("soup", 1, "2.00"), line("rice", 4, "4.50")))
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	var stockErr *domain.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "rice", stockErr.ItemID)
	assert.Equal(t, 3, stockErr.Remaining)

	// No partial decrement of soup.
	stored, err := f.db.GetMenu(ctx, menu.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"rice": 3, "soup": 5}, stored.Remaining)

	orders, err := f.db.ListOrders(ctx, port.OrderFilter{IncludeClosed: true})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestPlaceOrder_UnlistedItem(t *testing.T) {
	f := newFixture(t)
	menu := f.publish(t, item("rice", 3, "4.50"))

	_, err := f.orders.PlaceOrder(context.Background(), deliveryReq(menu.ID, "", line("cake", 1, "1.00")))
	var stockErr *domain.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.True(t, stockErr.Unlisted)
}

func TestPlaceOrder_MenuClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	menu := f.publish(t, item("rice", 3, "4.50"))

	_, err := f.menus.StopOrders(ctx, menu.ID)
	require.NoError(t, err)

	_, err = f.orders.PlaceOrder(ctx, deliveryReq(menu.ID, "", line("rice", 1, "4.50")))
	assert.ErrorIs(t, err, domain.ErrMenuClosed)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = f.orders.PlaceOrder(ctx, deliveryReq("missing", "", line("rice", 1, "4.50")))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPlaceOrder_Validation(t *testing.T) {
	f := newFixture(t)
	menu := f.publish(t, item("rice", 3, "4.50"))

	tests := []struct {
		name  string
		edit  func(*PlaceOrderRequest)
		field string
	}{
		{"no menu", func(r *PlaceOrderRequest) { r.MenuID = "" }, "menuId"},
		{"no items", func(r *PlaceOrderRequest) { r.Items = []domain.CartLine{line("rice", 0, "4.50")} }, "items"},
		{"negative qty", func(r *PlaceOrderRequest) { r.Items = []domain.CartLine{line("rice", -1, "4.50")} }, "items"},
		{"no location", func(r *PlaceOrderRequest) { r.Location = nil }, "location"},
		{"no name", func(r *PlaceOrderRequest) { r.Customer.Name = " " }, "name"},
		{"no phone", func(r *PlaceOrderRequest) { r.Customer.Phone = "" }, "phone"},
		{"bad delivery type", func(r *PlaceOrderRequest) { r.DeliveryType = "drone" }, "deliveryType"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := deliveryReq(menu.ID, "District 1", line("rice", 1, "4.50"))
			tt.edit(&req)

			_, err := f.orders.PlaceOrder(context.Background(), req)
			var vErr *domain.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestPlaceOrder_PickupSkipsAssignment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	menu := f.publish(t, item("rice", 3, "4.50"))
	a1 := f.agent(t, "Minh", "0900000001")
	f.roster(t, "District 1", domain.NoAssignment, a1.ID)

	req := deliveryReq(menu.ID, "District 1", line("rice", 1, "4.50"))
	req.DeliveryType = domain.DeliveryTypePickup

	order, err := f.orders.PlaceOrder(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, order.AssignedAgentID)
	assert.Empty(t, order.Area)
	assert.Empty(t, order.Address)
	assert.Nil(t, order.Location)
	assert.Equal(t, domain.NoAssignment, f.cursor(t, "District 1"))
}

func TestPlaceOrder_RoundRobin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	menu := f.publish(t, item("rice", 10, "4.50"))
	a1 := f.agent(t, "Minh", "0900000001")
	a2 := f.agent(t, "Hoa", "0900000002")
	f.roster(t, "District 1", domain.NoAssignment, a1.ID, a2.ID)

	var got []string
	for i := 0; i < 3; i++ {
		order, err := f.orders.PlaceOrder(ctx, deliveryReq(menu.ID, "District 1", line("rice", 1, "4.50")))
		require.NoError(t, err)
		got = append(got, order.AssignedAgentID)
	}

	assert.Equal(t, []string{a1.ID, a2.ID, a1.ID}, got)
	assert.Equal(t, 0, f.cursor(t, "District 1"))
}

func TestPlaceOrder_AreaWithoutRoster(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	menu := f.publish(t, item("rice", 10, "4.50"))
	f.roster(t, "District 3", domain.NoAssignment)

	for _, area := range []string{"District 2", "District 3"} {
		order, err := f.orders.PlaceOrder(ctx, deliveryReq(menu.ID, area, line("rice", 1, "4.50")))
		require.NoError(t, err)
		assert.Empty(t, order.AssignedAgentID)
	}
	assert.Equal(t, domain.NoAssignment, f.cursor(t, "District 3"))
}

func TestPlaceOrder_InactiveAgent(t *testing.T) {
	for _, tt := range []struct {
		policy     InactiveAgentPolicy
		wantCursor int
		wantNext   string
	}{
		{HoldCursor, domain.NoAssignment, ""},
		{ConsumeSlot, 0, "Hoa"},
	} {
		t.Run(string(tt.policy), func(t *testing.T) {
			f := newFixture(t, withPolicy(tt.policy))
			ctx := context.Background()
			menu := f.publish(t, item("rice", 10, "4.50"))
			a1 := f.agent(t, "Minh", "0900000001")
			a2 := f.agent(t, "Hoa", "0900000002")
			f.roster(t, "District 1", domain.NoAssignment, a1.ID, a2.ID)

			_, err := f.agents.SetAgentActive(ctx, a1.ID, false)
			require.NoError(t, err)

			order, err := f.orders.PlaceOrder(ctx, deliveryReq(menu.ID, "District 1", line("rice", 1, "4.50")))
			require.NoError(t, err)
			assert.Empty(t, order.AssignedAgentID)
			assert.Equal(t, tt.wantCursor, f.cursor(t, "District 1"))

			next, err := f.orders.PlaceOrder(ctx, deliveryReq(menu.ID, "District 1", line("rice", 1, "4.50")))
			require.NoError(t, err)
			assert.Equal(t, tt.wantNext, next.AssignedAgentName)
		})
	}
}

func TestPlaceOrder_DuplicateRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	menu := f.publish(t, item("rice", 10, "4.50"))

	req := deliveryReq(menu.ID, "", line("rice", 1, "4.50"))
	req.RequestID = "req-1"

	_, err := f.orders.PlaceOrder(ctx, req)
	require.NoError(t, err)

	_, err = f.orders.PlaceOrder(ctx, req)
	require.ErrorIs(t, err, ErrDuplicateRequest)

	// Stock should only be decremented once
	stored, err := f.db.GetMenu(ctx, menu.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, stored.Remaining["rice"])
}

func TestPlaceOrder_FailedRequestCanBeRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	menu := f.publish(t, item("rice", 1, "4.50"))

	req := deliveryReq(menu.ID, "", line("rice", 2, "4.50"))
	req.RequestID = "req-1"
	_, err := f.orders.PlaceOrder(ctx, req)
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	req.Items = []domain.CartLine{line("rice", 1, "4.50")}
	_, err = f.orders.PlaceOrder(ctx, req)
	require.NoError(t, err)
}

func TestPlaceOrder_ConcurrentNoOversell(t *testing.T) {
	const (
		stock    = 20
		requests = 60
	)
	f := newFixture(t)
	ctx := context.Background()
	menu := f.publish(t, item("rice", stock, "4.50"))
	a1 := f.agent(t, "Minh", "0900000001")
	a2 := f.agent(t, "Hoa", "0900000002")
	f.roster(t, "District 1", domain.NoAssignment, a1.ID, a2.ID)

	var successCount, soldOutCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := deliveryReq(menu.ID, "District 1", line("rice", 1, "4.50"))
			req.RequestID = fmt.Sprintf("req-%d", i)
			_, err := f.orders.PlaceOrder(ctx, req)
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				soldOutCount.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, stock, successCount.Load())
	assert.EqualValues(t, requests-stock, soldOutCount.Load())

	stored, err := f.db.GetMenu(ctx, menu.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Remaining["rice"])

	// Every committed order consumed exactly one rotation step.
	orders, err := f.db.ListOrders(ctx, port.OrderFilter{Area: "District 1"})
	require.NoError(t, err)
	require.Len(t, orders, stock)
	perAgent := map[string]int{}
	for _, o := range orders {
		perAgent[o.AssignedAgentID]++
	}
	assert.Equal(t, map[string]int{a1.ID: stock / 2, a2.ID: stock / 2}, perAgent)
	assert.Equal(t, (stock-1)%2, f.cursor(t, "District 1"))
}

func TestPlaceOrder_AbortLeavesStateUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	menu := f.publish(t, item("rice", 3, "4.50"))
	a1 := f.agent(t, "Minh", "0900000001")
	f.roster(t, "District 1", domain.NoAssignment, a1.ID)

	svc := NewOrderService(Deps{DB: &flakyDB{DatabaseRepository: f.db, failAt: 1}, Cache: f.cache}, HoldCursor)
	req := deliveryReq(menu.ID, "District 1", line("rice", 1, "4.50"))
	req.RequestID = "req-1"

	_, err := svc.PlaceOrder(ctx, req)
	require.ErrorIs(t, err, errCrash)

	stored, err := f.db.GetMenu(ctx, menu.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Remaining["rice"])
	assert.Equal(t, domain.NoAssignment, f.cursor(t, "District 1"))

	// The idempotency key was released with the failure.
	_, err = svc.PlaceOrder(ctx, req)
	require.NoError(t, err)
}

func TestMarkDelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	menu := f.publish(t, item("rice", 3, "4.50"))
	a1 := f.agent(t, "Minh", "0900000001")
	a2 := f.agent(t, "Hoa", "0900000002")
	f.roster(t, "District 1", domain.NoAssignment, a1.ID)

	order, err := f.orders.PlaceOrder(ctx, deliveryReq(menu.ID, "District 1", line("rice", 1, "4.50")))
	require.NoError(t, err)

	_, err = f.orders.MarkDelivered(ctx, order.ID, Actor{Role: RoleAgent, ID: a2.ID})
	require.ErrorIs(t, err, ErrNotAssigned)

	_, err = f.orders.MarkUndelivered(ctx, order.ID, Actor{Role: RoleAgent, ID: a1.ID}, "  ")
	require.ErrorIs(t, err, domain.ErrValidation)

	updated, err := f.orders.MarkUndelivered(ctx, order.ID, Actor{Role: RoleAgent, ID: a1.ID}, "nobody home")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusUndelivered, updated.Status)
	assert.Equal(t, "nobody home", updated.UndeliveredReason)

	closed, err := f.orders.MarkDelivered(ctx, order.ID, Actor{Role: RoleOwner, ID: "owner"})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusClosed, closed.Status)
	assert.NotNil(t, closed.ClosedAt)

	_, err = f.orders.MarkUndelivered(ctx, order.ID, Actor{Role: RoleOwner}, "late")
	var tErr *domain.TransitionError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, domain.OrderStatusClosed, tErr.From)

	_, err = f.orders.MarkDelivered(ctx, "missing", Actor{Role: RoleOwner})
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	assert.Len(t, f.events.ofType(domain.EventOrderStatus), 2)
}

func TestListOrders_Filters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	menu := f.publish(t, item("rice", 10, "4.50"))
	a1 := f.agent(t, "Minh", "0900000001")
	f.roster(t, "District 1", domain.NoAssignment, a1.ID)

	first, err := f.orders.PlaceOrder(ctx, deliveryReq(menu.ID, "District 1", line("rice", 1, "4.50")))
	require.NoError(t, err)
	_, err = f.orders.PlaceOrder(ctx, deliveryReq(menu.ID, "District 2", line("rice", 1, "4.50")))
	require.NoError(t, err)
	_, err = f.orders.MarkDelivered(ctx, first.ID, Actor{Role: RoleOwner})
	require.NoError(t, err)

	open, err := f.orders.ListOrders(ctx, port.OrderFilter{})
	require.NoError(t, err)
	assert.Len(t, open, 1)

	all, err := f.orders.ListOrders(ctx, port.OrderFilter{IncludeClosed: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := f.orders.ListOrders(ctx, port.OrderFilter{AgentID: a1.ID, IncludeClosed: true})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, first.ID, mine[0].ID)
}
