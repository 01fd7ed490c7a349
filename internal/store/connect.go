package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const connectRetries = 5

// ConnectRedis returns a client for addr once it answers PING. The client is
// returned even when every attempt fails, since go-redis reconnects lazily.
func ConnectRedis(ctx context.Context, addr string, log *logrus.Entry) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	err := retry(ctx, log.WithField("redis", addr), func() error {
		return rdb.Ping(ctx).Err()
	})
	if err != nil {
		return rdb, fmt.Errorf("could not connect to redis at %s: %w", addr, err)
	}
	log.WithField("redis", addr).Info("connected to redis")
	return rdb, nil
}

// ConnectPostgres opens a pool for url and waits for it to answer a ping.
func ConnectPostgres(ctx context.Context, url string, log *logrus.Entry) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("unable to configure postgres pool: %w", err)
	}
	err = retry(ctx, log, func() error {
		return pool.Ping(ctx)
	})
	if err != nil {
		return pool, fmt.Errorf("unable to connect to postgres: %w", err)
	}
	log.Info("connected to postgres")
	return pool, nil
}

func retry(ctx context.Context, log *logrus.Entry, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), connectRetries), ctx)
	return backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		log.WithError(err).Warnf("not reachable, retrying in %s", wait)
	})
}
