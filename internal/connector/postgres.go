package connector

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// PostgresConnector dumps with pg_dump in plain format and restores with psql.
type PostgresConnector struct {
	cfg    Config
	run    runner
	logger zerolog.Logger
}

func (c *PostgresConnector) Engine() string    { return Postgres }
func (c *PostgresConnector) Extension() string { return ".sql" }

func (c *PostgresConnector) Test(ctx context.Context) (string, error) {
	conn, err := pgx.Connect(ctx, c.dsn(c.cfg.Database))
	if err != nil {
		return "", fmt.Errorf("connect to postgres: %w", err)
	}
	defer conn.Close(ctx)

	var version string
	if err := conn.QueryRow(ctx, "SELECT version()").Scan(&version); err != nil {
		return "", fmt.Errorf("query postgres version: %w", err)
	}
	return version, nil
}

func (c *PostgresConnector) DumpTo(ctx context.Context, w io.Writer) error {
	c.logger.Debug().Strs("args", c.dumpArgs()).Msg("running pg_dump")
	return c.run.run(ctx, invocation{name: "pg_dump", args: c.dumpArgs(), env: c.env(), stdout: w})
}

func (c *PostgresConnector) Dump(ctx context.Context, path string) error {
	return c.run.dumpToFile(ctx, invocation{name: "pg_dump", args: c.dumpArgs(), env: c.env()}, path)
}

// Restore creates the target database when missing and replays the dump.
// Plain dumps carry DROP ... IF EXISTS statements, so an existing database is
// overwritten object by object.
func (c *PostgresConnector) Restore(ctx context.Context, path string) error {
	exists, err := c.databaseExists(ctx, c.cfg.Database)
	if err != nil {
		return err
	}
	if !exists {
		c.logger.Info().Msg("target database missing, creating it")
		if err := c.CreateScratch(ctx, c.cfg.Database); err != nil {
			return err
		}
	}
	return c.RestoreInto(ctx, c.cfg.Database, path)
}

func (c *PostgresConnector) VerifyDump(_ context.Context, path string) (string, error) {
	return inspectDump(path, []string{"-- PostgreSQL database dump"}, "-- PostgreSQL database dump complete")
}

func (c *PostgresConnector) CreateScratch(ctx context.Context, name string) error {
	return c.maintenance(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize())
}

func (c *PostgresConnector) RestoreInto(ctx context.Context, name, path string) error {
	return c.run.run(ctx, invocation{name: "psql", args: c.restoreArgs(name, path), env: c.env()})
}

func (c *PostgresConnector) DropScratch(ctx context.Context, name string) error {
	return c.maintenance(ctx, "DROP DATABASE IF EXISTS "+pgx.Identifier{name}.Sanitize())
}

func (c *PostgresConnector) dumpArgs() []string {
	return append(c.connArgs(c.cfg.Database),
		"--format=plain",
		"--no-owner",
		"--no-acl",
		"--clean",
		"--if-exists",
		"--encoding=UTF8",
	)
}

func (c *PostgresConnector) restoreArgs(database, path string) []string {
	return append(c.connArgs(database), "-v", "ON_ERROR_STOP=1", "-q", "-f", path)
}

func (c *PostgresConnector) connArgs(database string) []string {
	return []string{
		"-h", c.cfg.Host,
		"-p", strconv.Itoa(c.cfg.Port),
		"-U", c.cfg.Username,
		"-d", database,
	}
}

// env passes the password through PGPASSWORD so it never shows in argv.
func (c *PostgresConnector) env() []string {
	if c.cfg.Password == "" {
		return nil
	}
	return []string{"PGPASSWORD=" + c.cfg.Password}
}

func (c *PostgresConnector) dsn(database string) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port)),
		Path:   "/" + database,
	}
	if c.cfg.Username != "" {
		u.User = url.UserPassword(c.cfg.Username, c.cfg.Password)
	}
	u.RawQuery = url.Values{"connect_timeout": {"10"}}.Encode()
	return u.String()
}

func (c *PostgresConnector) databaseExists(ctx context.Context, name string) (bool, error) {
	conn, err := pgx.Connect(ctx, c.dsn("postgres"))
	if err != nil {
		return false, fmt.Errorf("connect to postgres: %w", err)
	}
	defer conn.Close(ctx)

	var exists bool
	if err := conn.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", name).Scan(&exists); err != nil {
		return false, fmt.Errorf("check database %s: %w", name, err)
	}
	return exists, nil
}

// maintenance runs a statement against the postgres maintenance database.
func (c *PostgresConnector) maintenance(ctx context.Context, stmt string) error {
	conn, err := pgx.Connect(ctx, c.dsn("postgres"))
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("exec %q: %w", stmt, err)
	}
	return nil
}
