// Package store selects the configured durable store for the binaries.
package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/diogoX451/skyrfp/internal/config"
	"github.com/diogoX451/skyrfp/internal/core/ports"
	redisstore "github.com/diogoX451/skyrfp/internal/store/redis"
	"github.com/diogoX451/skyrfp/internal/store/sqlite"
)

// Open connects the store named by cfg.Store.Driver. The embedded store is
// migrated before it is returned.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (ports.Store, error) {
	switch cfg.Store.Driver {
	case "redis":
		log.Info("connecting to redis", zap.String("addr", cfg.Redis.Addr))
		st, err := redisstore.New(redisstore.Config{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			TerminalTTL: cfg.Redis.TerminalTTL,
		})
		if err != nil {
			return nil, err
		}
		return st, nil

	case "sqlite":
		log.Info("opening sqlite store", zap.String("path", cfg.Store.SQLitePath))
		st, err := sqlite.Open(cfg.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, err
		}
		return st, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
