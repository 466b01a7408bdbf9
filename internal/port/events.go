package port

import (
	"context"
	"time"

	"github.com/rl1809/meal-dispatch/internal/core/domain"
)

type EventPublisher interface {
	Publish(ctx context.Context, event domain.OrderEvent) error
}

type Metrics interface {
	ObservePlacement(result string, elapsed time.Duration)
	IncTxRetry()
	AddSweepOrders(outcome string, n int)
}
