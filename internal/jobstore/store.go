// Package jobstore keeps a local ledger of scribe jobs so a recording's
// jobName and stage progress survive the session that produced them.
package jobstore

import (
	"context"
	"errors"
	"fmt"

	"scribe/internal/ports"
)

var (
	ErrJobExists    = errors.New("job already recorded")
	ErrJobNotFound  = errors.New("job not found")
	ErrEmptyJobName = errors.New("job name is empty")
)

// Options selects a ledger backend.
type Options struct {
	Driver      string
	Path        string
	RedisAddr   string
	RedisPrefix string
}

// Open returns the configured store, or nil when the driver is "none".
func Open(ctx context.Context, opts Options) (ports.JobStore, error) {
	switch opts.Driver {
	case "", "sqlite":
		store, err := OpenSQLite(opts.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "redis":
		if opts.RedisAddr == "" {
			return nil, errors.New("redis store requires an address")
		}
		store, err := OpenRedis(ctx, opts.RedisAddr, opts.RedisPrefix)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}
