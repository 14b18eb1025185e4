package notify

import (
	"context"
	"fmt"

	"github.com/agendo/agendo/internal/common/config"
	"github.com/agendo/agendo/internal/common/logger"
)

// Open constructs the bus selected by configuration.
func Open(ctx context.Context, cfg *config.Config, log *logger.Logger) (Bus, error) {
	switch driver := cfg.NotifyDriver(); driver {
	case "postgres":
		return NewPostgresBus(ctx, cfg.Database.URL, log)
	case "nats":
		return NewNATSBus(cfg.Notify.NATSURL, log)
	case "memory":
		return NewMemoryBus(log), nil
	default:
		return nil, fmt.Errorf("unknown notify driver %q", driver)
	}
}
