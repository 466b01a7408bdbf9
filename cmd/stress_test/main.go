package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/meal-dispatch/internal/adapter/storage"
	"github.com/rl1809/meal-dispatch/internal/core/domain"
	"github.com/rl1809/meal-dispatch/internal/core/service"
	"github.com/rl1809/meal-dispatch/internal/port"
)

const (
	area          = "stress-area"
	itemID        = "stress-item"
	initialStock  = 20
	totalRequests = 50
)

var agentPhones = []string{"0900000101", "0900000102", "0900000103"}

func main() {
	driver := flag.String("driver", "memory", "memory, mysql or pgx")
	dsn := flag.String("dsn", "", "database DSN for mysql or pgx")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	ctx := context.Background()
	retry := storage.RetryPolicy{MaxAttempts: 50, InitialInterval: time.Millisecond, MaxInterval: 50 * time.Millisecond}

	var db port.DatabaseRepository
	if *driver == "memory" {
		db = storage.NewMemoryAdapter(retry)
	} else {
		dialect, err := storage.ParseDialect(*driver)
		if err != nil {
			logger.Fatal("unsupported driver", zap.Error(err))
		}
		sqlDB, err := sql.Open(*driver, *dsn)
		if err != nil {
			logger.Fatal("failed to open database", zap.Error(err))
		}
		defer sqlDB.Close()
		adapter := storage.NewSQLAdapter(sqlDB, dialect, retry)
		if err := adapter.Migrate(ctx); err != nil {
			logger.Fatal("failed to migrate", zap.Error(err))
		}
		db = adapter
	}

	deps := service.Deps{DB: db}
	menus := service.NewMenuService(deps)
	agents := service.NewAgentService(deps)
	orders := service.NewOrderService(deps, service.HoldCursor)
	assignments := service.NewAssignmentService(deps, 5)

	menu, err := menus.PublishMenu(ctx, service.PublishMenuRequest{
		Date:     time.Now().Format("2006-01-02"),
		MealType: domain.MealLunch,
		Items:    []domain.MenuItem{{ItemID: itemID, Name: "Stress bowl", Price: decimal.NewFromInt(30000), Qty: initialStock}},
	})
	if err != nil {
		logger.Fatal("failed to publish menu", zap.Error(err))
	}
	for i, phone := range agentPhones {
		if _, err := agents.AddAgent(ctx, fmt.Sprintf("Agent %d", i+1), phone); err != nil && !errors.Is(err, domain.ErrValidation) {
			logger.Fatal("failed to add agent", zap.Error(err))
		}
	}
	if _, err := service.NewAreaService(deps).AddArea(ctx, area); err != nil {
		logger.Fatal("failed to register area", zap.Error(err))
	}
	if _, err := assignments.SaveRoster(ctx, area, agentPhones[:2]); err != nil {
		logger.Fatal("failed to save roster", zap.Error(err))
	}

	var successCount, soldOutCount, otherCount atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			_, err := orders.PlaceOrder(ctx, service.PlaceOrderRequest{
				MenuID:       menu.ID,
				Items:        []domain.CartLine{{ItemID: itemID, Qty: 1, Price: decimal.NewFromInt(30000)}},
				DeliveryType: domain.DeliveryTypeDelivery,
				Area:         area,
				Location:     &domain.Location{Lat: 10.77, Lng: 106.7},
				Customer:     domain.Customer{Name: fmt.Sprintf("customer-%d", n), Phone: "0911111111", AddressLine1: "1", Street: "Stress St"},
			})
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				soldOutCount.Add(1)
			default:
				otherCount.Add(1)
				logger.Warn("order failed", zap.Int("request", n), zap.Error(err))
			}
		}(i)
	}

	// Change the roster while checkouts are in flight.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := assignments.SaveRoster(ctx, area, agentPhones); err != nil {
			logger.Warn("roster change failed", zap.Error(err))
		}
	}()

	wg.Wait()
	elapsed := time.Since(start)

	success := successCount.Load()
	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Sold out:         %d\n", soldOutCount.Load())
	fmt.Printf("Other failures:   %d\n", otherCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if success == initialStock && soldOutCount.Load() == totalRequests-initialStock {
		fmt.Printf("PASS: Exactly %d orders succeeded\n", initialStock)
	} else {
		fmt.Printf("FAIL: Expected %d success/%d sold out, got %d/%d\n",
			initialStock, totalRequests-initialStock, success, soldOutCount.Load())
	}

	final, err := db.GetMenu(ctx, menu.ID)
	if err != nil {
		logger.Fatal("failed to reload menu", zap.Error(err))
	}
	if left := final.Remaining[itemID]; left == 0 {
		fmt.Println("PASS: Stock depleted to 0")
	} else {
		fmt.Printf("FAIL: Expected stock 0, got %d\n", left)
	}

	// Rerun the sweep so the area settles on the final roster, then check
	// the distribution is as even as round-robin allows.
	if _, err := assignments.SaveRoster(ctx, area, agentPhones); err != nil {
		logger.Fatal("failed to settle roster", zap.Error(err))
	}
	open, err := db.ListOpenOrdersByArea(ctx, area)
	if err != nil {
		logger.Fatal("failed to list orders", zap.Error(err))
	}
	perAgent := make(map[string]int)
	for _, o := range open {
		perAgent[o.AssignedAgentID]++
	}
	lo, hi := len(open), 0
	for _, phone := range agentPhones {
		n := perAgent[phone]
		fmt.Printf("Agent %s:  %d orders\n", phone, n)
		lo, hi = min(lo, n), max(hi, n)
	}
	if hi-lo <= 1 {
		fmt.Println("PASS: Orders evenly distributed")
	} else {
		fmt.Printf("FAIL: Uneven distribution, spread %d\n", hi-lo)
	}
}
