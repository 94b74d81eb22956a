// Package sqlnative is a unified client for SQL Server (TDS 7.4),
// PostgreSQL (wire protocol v3) and MySQL/MariaDB (protocol v10). Each
// engine speaks its server's native protocol directly; this package
// dispatches a database-agnostic Config to the right engine and exposes
// the common surface every engine conforms to: parameter-bound queries
// returning a shared row model, multi-result queries, stored procedures,
// transactions, and a bounded connection pool.
package sqlnative

import (
	"context"
	"log/slog"
	"time"

	"github.com/mickamy/sqlnative/dberr"
	"github.com/mickamy/sqlnative/mysql"
	"github.com/mickamy/sqlnative/pool"
	"github.com/mickamy/sqlnative/postgres"
	"github.com/mickamy/sqlnative/tds"
	"github.com/mickamy/sqlnative/value"
)

// Driver selects which protocol engine a Config dials.
type Driver uint8

const (
	DriverTDS Driver = iota
	DriverPostgres
	DriverMySQL
)

func (d Driver) String() string {
	switch d {
	case DriverTDS:
		return "tds"
	case DriverPostgres:
		return "postgres"
	case DriverMySQL:
		return "mysql"
	default:
		return "unknown"
	}
}

// TLSMode is the database-agnostic TLS policy, mapped onto each engine's
// own negotiation.
type TLSMode uint8

const (
	TLSDisable TLSMode = iota
	TLSPrefer
	TLSRequire
)

// Config is the database-agnostic connection configuration. Zero Port
// selects the driver's default (1433 / 5432 / 3306).
type Config struct {
	Driver   Driver
	Host     string
	Port     int
	Database string
	Username string
	Password string

	TLS                    TLSMode
	TrustServerCertificate bool
	ConnectTimeout         time.Duration
	QueryTimeout           time.Duration

	// Domain enables NTLM integrated authentication (TDS only).
	Domain string
	// ReadOnly sets the Application Intent hint in Login7 (TDS only).
	ReadOnly bool

	// Pool knobs, consumed by NewPool.
	MaxConnections int
	MinIdle        int
	PingInterval   time.Duration

	Logger *slog.Logger
}

// Conn is the surface every protocol engine conforms to. tds.Conn,
// postgres.Conn and mysql.Conn satisfy it directly.
type Conn interface {
	Query(ctx context.Context, sql string, params []value.SqlParameter) (value.ResultBatch, error)
	QueryMulti(ctx context.Context, sql string) ([][]value.SqlRow, error)
	Execute(ctx context.Context, sql string, params []value.SqlParameter) (int64, error)
	CallProcedure(ctx context.Context, name string, params []value.SqlParameter) (value.ResultBatch, error)

	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	InTransaction() bool

	IsOpen() bool
	Ping(ctx context.Context) error
	Close() error
}

// Connect dials one connection with the engine cfg.Driver selects.
func Connect(ctx context.Context, cfg Config) (Conn, error) {
	switch cfg.Driver {
	case DriverTDS:
		return tds.Connect(ctx, tds.Config{
			Host:            cfg.Host,
			Port:            cfg.Port,
			Database:        cfg.Database,
			Username:        cfg.Username,
			Password:        cfg.Password,
			Domain:          cfg.Domain,
			Encrypt:         tdsEncrypt(cfg.TLS),
			TrustServerCert: cfg.TrustServerCertificate,
			ConnectTimeout:  cfg.ConnectTimeout,
			QueryTimeout:    cfg.QueryTimeout,
			ReadOnly:        cfg.ReadOnly,
			Logger:          cfg.Logger,
		})
	case DriverPostgres:
		port := cfg.Port
		if port == 0 {
			port = 5432
		}
		return postgres.Connect(ctx, postgres.Config{
			Host:            cfg.Host,
			Port:            port,
			Database:        cfg.Database,
			Username:        cfg.Username,
			Password:        cfg.Password,
			TLS:             postgres.TLSMode(cfg.TLS),
			TrustServerCert: cfg.TrustServerCertificate,
			ConnectTimeout:  cfg.ConnectTimeout,
			QueryTimeout:    cfg.QueryTimeout,
			Logger:          cfg.Logger,
		})
	case DriverMySQL:
		port := cfg.Port
		if port == 0 {
			port = 3306
		}
		return mysql.Connect(ctx, mysql.Config{
			Host:           cfg.Host,
			Port:           port,
			Database:       cfg.Database,
			Username:       cfg.Username,
			Password:       cfg.Password,
			TLS:            mysql.TLSMode(cfg.TLS),
			InsecureTLS:    cfg.TrustServerCertificate,
			ConnectTimeout: cfg.ConnectTimeout,
			QueryTimeout:   cfg.QueryTimeout,
			Logger:         cfg.Logger,
		})
	default:
		return nil, dberr.Unsupported("sqlnative: unknown driver")
	}
}

func tdsEncrypt(mode TLSMode) tds.EncryptMode {
	switch mode {
	case TLSRequire:
		return tds.EncryptRequire
	case TLSDisable:
		return tds.EncryptDisable
	default:
		return tds.EncryptPrefer
	}
}

// NewPool builds a bounded pool whose factory dials cfg. Call WarmUp on
// the result to pre-fill MinIdle connections. No background ping task
// runs; a non-zero PingInterval makes Acquire ping an idle connection
// before handing it out.
func NewPool(cfg Config) *pool.Pool[Conn] {
	return pool.New(pool.Config{
		MaxConns:     cfg.MaxConnections,
		MinIdle:      cfg.MinIdle,
		PingInterval: cfg.PingInterval,
		Logger:       cfg.Logger,
		Name:         cfg.Driver.String(),
	}, func(ctx context.Context) (Conn, error) {
		return Connect(ctx, cfg)
	})
}

// ParseConnectionString parses an ADO-style TDS connection string into a
// Config with Driver set to DriverTDS. See tds.ParseConnectionString for
// the recognized keys.
func ParseConnectionString(s string) (Config, error) {
	tc, err := tds.ParseConnectionString(s)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Driver:                 DriverTDS,
		Host:                   tc.Host,
		Port:                   tc.Port,
		Database:               tc.Database,
		Username:               tc.Username,
		Password:               tc.Password,
		Domain:                 tc.Domain,
		TrustServerCertificate: tc.TrustServerCert,
		ConnectTimeout:         tc.ConnectTimeout,
		ReadOnly:               tc.ReadOnly,
	}
	switch tc.Encrypt {
	case tds.EncryptRequire:
		cfg.TLS = TLSRequire
	case tds.EncryptDisable:
		cfg.TLS = TLSDisable
	default:
		cfg.TLS = TLSPrefer
	}
	return cfg, nil
}
