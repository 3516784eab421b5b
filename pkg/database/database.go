// Package database provides the relational-store abstraction used by the
// raw-event store, the typed-event tables, and the email send log: a
// thin handle over GORM that every component acquires per operation
// rather than holding a global connection.
package database

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"time"

	"github.com/tfp-event-fabric/fabric/pkg/errors"
	"github.com/tfp-event-fabric/fabric/pkg/logger"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Supported SQL drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

// DB is the handle every adapter (sql, document, kv, vector) exposes.
// This module only ever uses the relational half (Get/GetShard/Close);
// the document/kv/vector accessors are carried for interface parity with
// the rest of the pack and return nil when an adapter doesn't back them.
type DB interface {
	Get(ctx context.Context) *gorm.DB
	GetShard(ctx context.Context, key string) (*gorm.DB, error)
	GetDocument(ctx context.Context) interface{}
	GetKV(ctx context.Context) interface{}
	GetVector(ctx context.Context) interface{}
	Close() error
}

// relational is the subset of sql.SQL (Get/GetShard/Close) this
// package depends on without importing pkg/database/sql, whose
// adapters import database for the driver constants.
type relational interface {
	Get(ctx context.Context) *gorm.DB
	GetShard(ctx context.Context, key string) (*gorm.DB, error)
	Close() error
}

// relationalOnly adapts a relational adapter (postgres/mysql/sqlite)
// into the full DB interface. The document/kv/vector accessors this
// module never populates return nil.
type relationalOnly struct {
	relational
}

// NewRelationalOnly wraps a sql.SQL adapter for components that only
// need the relational half of DB — the raw-event store, the typed
// event tables, and the mailer's send log.
func NewRelationalOnly(r relational) DB {
	return relationalOnly{relational: r}
}

func (relationalOnly) GetDocument(ctx context.Context) interface{} { return nil }
func (relationalOnly) GetKV(ctx context.Context) interface{}       { return nil }
func (relationalOnly) GetVector(ctx context.Context) interface{}   { return nil }

// NewGORMLogger adapts the module's structured logger to GORM's logger
// interface so every query is attributed to the same log sink as the
// rest of the service.
func NewGORMLogger() gormlogger.Interface {
	return &gormLoggerAdapter{level: gormlogger.Warn}
}

type gormLoggerAdapter struct {
	level gormlogger.LogLevel
}

func (g *gormLoggerAdapter) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *g
	clone.level = level
	return &clone
}

func (g *gormLoggerAdapter) Info(ctx context.Context, msg string, args ...interface{}) {
	if g.level >= gormlogger.Info {
		logger.L().InfoContext(ctx, msg, "args", args)
	}
}

func (g *gormLoggerAdapter) Warn(ctx context.Context, msg string, args ...interface{}) {
	if g.level >= gormlogger.Warn {
		logger.L().WarnContext(ctx, msg, "args", args)
	}
}

func (g *gormLoggerAdapter) Error(ctx context.Context, msg string, args ...interface{}) {
	if g.level >= gormlogger.Error {
		logger.L().ErrorContext(ctx, msg, "args", args)
	}
}

func (g *gormLoggerAdapter) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormlogger.Silent {
		return
	}
	sql, rows := fc()
	elapsed := time.Since(begin)
	if err != nil && g.level >= gormlogger.Error {
		logger.L().ErrorContext(ctx, "gorm query failed", "sql", sql, "rows", rows, "duration", elapsed, "error", err)
		return
	}
	if g.level >= gormlogger.Info {
		logger.L().DebugContext(ctx, "gorm query", "sql", sql, "rows", rows, "duration", elapsed)
	}
}

// LoadTLSConfig builds a *tls.Config from the configured SSL mode and
// optional cert material. sslMode "disable"/"" returns (nil, nil).
func LoadTLSConfig(sslMode, rootCertPath, certPath, keyPath string) (*tls.Config, error) {
	if sslMode == "" || sslMode == "disable" || sslMode == "false" {
		return nil, nil
	}

	cfg := &tls.Config{}

	if rootCertPath != "" {
		pem, err := os.ReadFile(rootCertPath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read ssl root cert")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New(errors.CodeInvalidArgument, "failed to parse ssl root cert", nil)
		}
		cfg.RootCAs = pool
	}

	if certPath != "" && keyPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load ssl client cert pair")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if sslMode == "insecure" {
		cfg.InsecureSkipVerify = true
	}

	if cfg.RootCAs == nil && len(cfg.Certificates) == 0 && !cfg.InsecureSkipVerify {
		return nil, nil
	}

	return cfg, nil
}
