package config

import (
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

// RedisConfig configures the client shared by locks, rate gates, job queues and dead letters.
// A single address gives a plain client, several a cluster client and MasterName a sentinel client.
type RedisConfig struct {
	Addrs           []string `validate:"required,min=1,dive,hostname_port"`
	DB              int      `validate:"gte=0,lte=16"`
	Password        string
	MasterName      string
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	PoolSize        int `validate:"required"`
	MinIdleConns    int
	MaxConnAge      time.Duration
	PoolTimeout     time.Duration
	IdleTimeout     time.Duration
}

func (rc RedisConfig) AsUniversalOptions() *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:      rc.Addrs,
		DB:         rc.DB,
		Password:   rc.Password,
		MasterName: rc.MasterName,

		MaxRetries:      rc.MaxRetries,
		MinRetryBackoff: rc.MinRetryBackoff,
		MaxRetryBackoff: rc.MaxRetryBackoff,

		DialTimeout:  rc.DialTimeout,
		ReadTimeout:  rc.ReadTimeout,
		WriteTimeout: rc.WriteTimeout,

		PoolSize:     rc.PoolSize,
		MinIdleConns: rc.MinIdleConns,
		MaxConnAge:   rc.MaxConnAge,
		PoolTimeout:  rc.PoolTimeout,
		IdleTimeout:  rc.IdleTimeout,
	}
}

// Connect creates a client and checks that redis answers before returning it.
func (rc RedisConfig) Connect() (redis.UniversalClient, error) {
	client := redis.NewUniversalClient(rc.AsUniversalOptions())
	if err := client.Ping().Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "error connecting to redis at %v", rc.Addrs)
	}
	return client, nil
}
