package config

import "time"

type PostgresConfig struct {
	MaxOpenConns    int32
	MinIdleConns    int32
	MaxConnLifetime time.Duration
	// libpq style key/value pairs, e.g. host, port, user, password, dbname, sslmode
	Connection map[string]string `validate:"required"`
}
