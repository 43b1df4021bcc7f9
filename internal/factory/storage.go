package factory

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mycelian/shardtracker/internal/config"
	"github.com/mycelian/shardtracker/internal/store/postgres"
	"github.com/mycelian/shardtracker/internal/store/sqlite"
	"github.com/mycelian/shardtracker/internal/store/sqlstore"
)

// NewStore opens the durable store selected by cfg.DBDriver. The memory
// driver has no store and returns nil without error.
// Schema creation runs synchronously because restore reads from it right away.
func NewStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*sqlstore.Store, error) {
	timeout := time.Duration(cfg.HealthIntervalSeconds) * time.Second
	bootCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		st  *sqlstore.Store
		err error
	)
	switch cfg.DBDriver {
	case config.DriverMemory:
		log.Warn().Msg("DB_DRIVER=memory: shard state is lost on restart")
		return nil, nil
	case config.DriverSQLite:
		st, err = sqlite.New(bootCtx, cfg.SQLitePath)
	case config.DriverPostgres:
		st, err = postgres.New(bootCtx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER: %s", cfg.DBDriver)
	}
	if err != nil {
		return nil, err
	}
	log.Info().Str("driver", cfg.DBDriver).Str("store", st.String()).Msg("store opened")
	return st, nil
}
