package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"ai-workflows/backend/internal/config"
	"ai-workflows/backend/internal/logging"
	"ai-workflows/backend/internal/repository"
)

// stores holds the configured persistence backends and closes what they opened.
type stores struct {
	sessions repository.SessionStore
	tasks    repository.TaskStore
	closers  []func()
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func newLogger(cfg *config.Config) *logging.Logger {
	return logging.NewWithOptions(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

func initRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// openStores connects the session and task backends named in cfg.
func openStores(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*stores, error) {
	s := &stores{}
	var rdb *redis.Client
	redisClient := func() (*redis.Client, error) {
		if rdb != nil {
			return rdb, nil
		}
		c, err := initRedis(ctx, cfg)
		if err != nil {
			return nil, err
		}
		rdb = c
		s.closers = append(s.closers, func() { _ = c.Close() })
		return c, nil
	}
	redisOpts := []repository.RedisOption{repository.WithPrefix(cfg.Redis.Prefix), repository.WithTTL(cfg.Redis.TTL)}

	switch cfg.Session.Backend {
	case "postgres":
		pool, err := initDatabase(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, pool.Close)
		s.sessions = repository.NewPostgresSessionStore(pool, cfg.Session.MaxRecordBytes)
	case "redis":
		c, err := redisClient()
		if err != nil {
			s.Close()
			return nil, err
		}
		s.sessions = repository.NewRedisSessionStore(c, cfg.Session.MaxRecordBytes, redisOpts...)
	default:
		s.sessions = repository.NewMemorySessionStore(cfg.Session.MaxRecordBytes)
	}

	switch cfg.Tasks.Backend {
	case "redis":
		c, err := redisClient()
		if err != nil {
			s.Close()
			return nil, err
		}
		s.tasks = repository.NewRedisTaskStore(c, redisOpts...)
	default:
		s.tasks = repository.NewMemoryTaskStore()
	}
	logger.Info("stores ready", "sessions", cfg.Session.Backend, "tasks", cfg.Tasks.Backend)
	return s, nil
}
