package bootstrap

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/ahrav/gas/internal/domain/events"
	"github.com/ahrav/gas/pkg/common/logger"
)

// RunWorker subscribes handler to bus and blocks until ctx is cancelled or
// the process receives SIGINT or SIGTERM. Unacknowledged messages are
// redelivered to the next consumer of the group.
func RunWorker(ctx context.Context, log *logger.Logger, bus events.EventBus, handler events.EventHandler) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := events.Subscribe(ctx, bus, handler); err != nil {
		return fmt.Errorf("subscribing to %v: %w", handler.SupportedEvents(), err)
	}
	log.Info(ctx, "startup", "status", "consuming events", "events", handler.SupportedEvents())

	<-ctx.Done()
	log.Info(context.Background(), "shutdown", "status", "shutdown started")
	defer log.Info(context.Background(), "shutdown", "status", "shutdown complete")

	if err := bus.Close(); err != nil {
		return fmt.Errorf("closing event bus: %w", err)
	}
	return nil
}
