package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Backend names accepted by Open.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config selects and configures a backend.
type Config struct {
	Backend       string `yaml:"backend" json:"backend"`
	StateDir      string `yaml:"state_dir" json:"state_dir"`
	DSN           string `yaml:"dsn" json:"dsn,omitempty"`
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr,omitempty"`
	RedisPassword string `yaml:"redis_password" json:"redis_password,omitempty"`
}

// Open builds the Store described by cfg. An empty backend means file.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var (
		b   Backend
		err error
	)
	switch cfg.Backend {
	case "", BackendFile:
		b, err = NewFileBackend(cfg.StateDir)
	case BackendSQLite:
		path := cfg.DSN
		if path == "" {
			if cfg.StateDir == "" {
				return nil, fmt.Errorf("sqlite store: dsn or state_dir is required")
			}
			path = filepath.Join(cfg.StateDir, "codemode.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
		b, err = OpenSQLite(path)
	case BackendPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres store: dsn is required")
		}
		b, err = OpenPostgres(cfg.DSN)
	case BackendRedis:
		b, err = NewRedisBackend(ctx, RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return New(b), nil
}
