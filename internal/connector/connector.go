// Package connector wraps the native dump and restore tooling of each
// supported database engine. Connectors run on the agent, next to the
// database, and shell out to the engine's own client binaries; the Go drivers
// are only used for connection tests and scratch database management.
package connector

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Engine names after alias resolution.
const (
	Postgres = "postgres"
	MySQL    = "mysql"
	MongoDB  = "mongodb"
	MSSQL    = "mssql"
)

var ErrUnsupported = errors.New("unsupported database type")

// Config holds the connection parameters of one database.
type Config struct {
	Type     string
	Host     string
	Port     int
	Username string
	Password string
	Database string
}

// Connector dumps and restores one database through files.
type Connector interface {
	Engine() string
	// Extension is the suffix of an uncompressed dump, including the dot.
	Extension() string
	// Test connects and returns the server version string.
	Test(ctx context.Context) (string, error)
	Dump(ctx context.Context, path string) error
	Restore(ctx context.Context, path string) error
}

// Streamer is implemented by connectors whose dump tool can write to stdout.
// DumpTo returns once the dump process has exited and all output has been
// written to w.
type Streamer interface {
	DumpTo(ctx context.Context, w io.Writer) error
}

// Verifier inspects an uncompressed, decrypted dump without restoring it.
type Verifier interface {
	VerifyDump(ctx context.Context, path string) (string, error)
}

// Scratch is implemented by connectors that can restore into a throwaway
// database for test restores.
type Scratch interface {
	CreateScratch(ctx context.Context, name string) error
	RestoreInto(ctx context.Context, name, path string) error
	DropScratch(ctx context.Context, name string) error
}

// Factory builds a connector for a configuration.
type Factory func(cfg Config) (Connector, error)

// Normalize resolves engine aliases. ok is false for unknown types.
func Normalize(dbType string) (engine string, ok bool) {
	switch strings.ToLower(strings.TrimSpace(dbType)) {
	case "postgres", "postgresql":
		return Postgres, true
	case "mysql", "mariadb":
		return MySQL, true
	case "mongodb", "mongo":
		return MongoDB, true
	case "mssql", "sqlserver":
		return MSSQL, true
	}
	return "", false
}

// NewFactory returns a Factory whose connectors log through logger.
func NewFactory(logger zerolog.Logger) Factory {
	return func(cfg Config) (Connector, error) {
		return New(cfg, logger)
	}
}

// New returns the connector for cfg.Type.
func New(cfg Config, logger zerolog.Logger) (Connector, error) {
	engine, ok := Normalize(cfg.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, cfg.Type)
	}
	cfg.Type = engine
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	log := logger.With().Str("component", "connector").Str("engine", engine).Str("database", cfg.Database).Logger()

	switch engine {
	case Postgres:
		cfg.Port = orPort(cfg.Port, 5432)
		return &PostgresConnector{cfg: cfg, run: newRunner(exec.CommandContext), logger: log}, nil
	case MySQL:
		cfg.Port = orPort(cfg.Port, 3306)
		return &MySQLConnector{cfg: cfg, run: newRunner(exec.CommandContext), logger: log}, nil
	case MongoDB:
		cfg.Port = orPort(cfg.Port, 27017)
		return &MongoConnector{cfg: cfg, run: newRunner(exec.CommandContext), logger: log}, nil
	default:
		cfg.Port = orPort(cfg.Port, 1433)
		return &MSSQLConnector{cfg: cfg, logger: log}, nil
	}
}

// ScratchName returns a unique throwaway database name of the form
// verify_<8 hex>_<unix seconds>.
func ScratchName(now time.Time) string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return fmt.Sprintf("verify_%s_%d", hex.EncodeToString(b), now.Unix())
}

func orPort(port, fallback int) int {
	if port > 0 {
		return port
	}
	return fallback
}
