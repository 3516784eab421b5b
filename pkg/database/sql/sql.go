// Package sql defines the relational-store adapter contract implemented
// by the postgres, mysql, and sqlite drivers.
package sql

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// SQL is the relational subset of database.DB that every adapter in this
// sub-package implements.
type SQL interface {
	Get(ctx context.Context) *gorm.DB
	GetShard(ctx context.Context, key string) (*gorm.DB, error)
	Close() error
}

// Config configures a relational connection. Not every field applies to
// every driver (SQLite only reads Name, as a file path).
type Config struct {
	Driver string `env:"DB_DRIVER" env-default:"postgres" validate:"required"`
	Host   string `env:"DB_HOST" env-default:"localhost"`
	Port   string `env:"DB_PORT" env-default:"5432"`
	User   string `env:"DB_USER"`
	Password string `env:"DB_PASSWORD"`
	Name   string `env:"DB_NAME" validate:"required"`

	SSLMode     string `env:"DB_SSL_MODE" env-default:"disable"`
	SSLRootCert string `env:"DB_SSL_ROOT_CERT"`
	SSLCert     string `env:"DB_SSL_CERT"`
	SSLKey      string `env:"DB_SSL_KEY"`

	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" env-default:"100"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"1h"`
}
