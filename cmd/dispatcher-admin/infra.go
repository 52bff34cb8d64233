package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/target/outbound-dispatch/config"
	"github.com/target/outbound-dispatch/internal/bootstrap"
)

type connectInfraOptions struct {
	Logger    *slog.Logger
	Config    *config.AppConfig
	WantDB    bool
	WantRedis bool
}

// adminServices is the service graph plus the connections it was built on.
type adminServices struct {
	bootstrap.ServiceContainer

	db          *sql.DB
	redisClient redis.UniversalClient
}

// Close waits for background sync passes started by writes, then releases connections.
func (s *adminServices) Close() error {
	if s == nil {
		return nil
	}
	if s.Sync != nil {
		s.Sync.Wait()
	}
	return closeInfra(s.db, s.redisClient)
}

var errEphemeralBackend = errors.New("admin commands need the postgres store and redis queue; memory backends do not outlive the process")

// openAdminServices connects the configured backends and wires the services over them.
func openAdminServices(cmdCtx *commandContext) (*adminServices, error) {
	cfg := &cmdCtx.Config
	if cfg.StoreBackend != config.BackendPostgres || cfg.QueueBackend != config.BackendRedis {
		return nil, errEphemeralBackend
	}

	db, redisClient, err := connectInfraWithOptions(&connectInfraOptions{
		Logger:    cmdCtx.Logger,
		Config:    cfg,
		WantDB:    true,
		WantRedis: true,
	})
	if err != nil {
		return nil, err
	}

	svcs, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config:      cfg,
		DB:          db,
		RedisClient: redisClient,
		Logger:      cmdCtx.Logger,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("init services: %w", err), closeInfra(db, redisClient))
	}
	return &adminServices{ServiceContainer: svcs, db: db, redisClient: redisClient}, nil
}

// withServices opens the service graph, runs fn and closes it again.
func withServices(cmdCtx *commandContext, fn func(*adminServices) error) (err error) {
	svcs, err := cmdCtx.openServices(cmdCtx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := svcs.Close(); closeErr != nil {
			cmdCtx.Logger.Warn("close services failed", "error", closeErr)
		}
	}()
	return fn(svcs)
}

// connectInfraWithOptions allows commands to control which dependencies are created.
//
//nolint:ireturn // returning redis.UniversalClient keeps sentinel/cluster support flexible.
func connectInfraWithOptions(opts *connectInfraOptions) (*sql.DB, redis.UniversalClient, error) {
	var (
		db          *sql.DB
		err         error
		redisClient redis.UniversalClient
	)

	if opts.WantDB {
		db, err = bootstrap.ConnectDB(bootstrap.DatabaseConfig{DBConfig: opts.Config.Postgres, Logger: opts.Logger})
		if err != nil {
			return nil, nil, fmt.Errorf("connect db: %w", err)
		}
	}

	if opts.WantRedis {
		if !hasRedisConfig(&opts.Config.Redis) {
			return nil, nil, errors.Join(errors.New("redis not configured"), closeInfra(db, nil))
		}
		redisClient, err = bootstrap.ConnectRedis(bootstrap.DatabaseConfig{RedisConfig: opts.Config.Redis, Logger: opts.Logger})
		if err != nil {
			return nil, nil, errors.Join(fmt.Errorf("connect redis: %w", err), closeInfra(db, nil))
		}
	}

	return db, redisClient, nil
}

func hasRedisConfig(cfg *config.RedisConfig) bool {
	if cfg == nil {
		return false
	}
	if cfg.UseCluster {
		return len(cfg.ClusterNodes) > 0 || cfg.URI != ""
	}
	if cfg.UseSentinel {
		return len(cfg.SentinelNodes) > 0
	}
	return cfg.URI != ""
}

func closeInfra(db *sql.DB, redisClient redis.UniversalClient) error {
	var closeErr error
	if db != nil {
		if err := db.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close db: %w", err))
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("close redis: %w", err))
		}
	}
	return closeErr
}
