package connector

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog"
)

// MySQLConnector dumps with mysqldump and restores with the mysql client.
// MariaDB uses the same tools.
type MySQLConnector struct {
	cfg    Config
	run    runner
	logger zerolog.Logger
}

func (c *MySQLConnector) Engine() string    { return MySQL }
func (c *MySQLConnector) Extension() string { return ".sql" }

func (c *MySQLConnector) Test(ctx context.Context) (string, error) {
	db, err := c.open(c.cfg.Database)
	if err != nil {
		return "", err
	}
	defer db.Close()

	var version string
	if err := db.QueryRowContext(ctx, "SELECT VERSION()").Scan(&version); err != nil {
		return "", fmt.Errorf("query mysql version: %w", err)
	}
	return version, nil
}

func (c *MySQLConnector) DumpTo(ctx context.Context, w io.Writer) error {
	c.logger.Debug().Strs("args", c.dumpArgs()).Msg("running mysqldump")
	return c.run.run(ctx, invocation{name: "mysqldump", args: c.dumpArgs(), env: c.env(), stdout: w})
}

func (c *MySQLConnector) Dump(ctx context.Context, path string) error {
	return c.run.dumpToFile(ctx, invocation{name: "mysqldump", args: c.dumpArgs(), env: c.env()}, path)
}

// Restore replays the dump. It names its database itself (--databases), so
// no target database is passed to the client.
func (c *MySQLConnector) Restore(ctx context.Context, path string) error {
	return c.run.restoreFromFile(ctx, invocation{name: "mysql", args: c.connArgs(), env: c.env()}, path)
}

func (c *MySQLConnector) VerifyDump(_ context.Context, path string) (string, error) {
	return inspectDump(path, []string{"-- MySQL dump", "-- MariaDB dump"}, "-- Dump completed")
}

func (c *MySQLConnector) CreateScratch(ctx context.Context, name string) error {
	return c.exec(ctx, "CREATE DATABASE "+quoteMySQL(name))
}

// RestoreInto replays the dump into name. The dump's own database statements
// are dropped from the stream so nothing touches the source database.
func (c *MySQLConnector) RestoreInto(ctx context.Context, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open dump file: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		pw.CloseWithError(stripDatabaseStatements(pw, f))
	}()

	err = c.run.run(ctx, invocation{name: "mysql", args: append(c.connArgs(), name), env: c.env(), stdin: pr})
	pr.CloseWithError(errors.New("mysql client exited"))
	<-done
	return err
}

func (c *MySQLConnector) DropScratch(ctx context.Context, name string) error {
	return c.exec(ctx, "DROP DATABASE IF EXISTS "+quoteMySQL(name))
}

func (c *MySQLConnector) dumpArgs() []string {
	return append(c.connArgs(),
		"--single-transaction",
		"--routines",
		"--triggers",
		"--events",
		"--add-drop-database",
		"--databases", c.cfg.Database,
	)
}

func (c *MySQLConnector) connArgs() []string {
	return []string{
		"-h", c.cfg.Host,
		"-P", strconv.Itoa(c.cfg.Port),
		"-u", c.cfg.Username,
	}
}

// env passes the password through MYSQL_PWD so it never shows in argv.
func (c *MySQLConnector) env() []string {
	if c.cfg.Password == "" {
		return nil
	}
	return []string{"MYSQL_PWD=" + c.cfg.Password}
}

func (c *MySQLConnector) dsn(database string) string {
	mc := mysql.NewConfig()
	mc.User = c.cfg.Username
	mc.Passwd = c.cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	mc.DBName = database
	mc.Timeout = 10 * time.Second
	return mc.FormatDSN()
}

func (c *MySQLConnector) open(database string) (*sql.DB, error) {
	db, err := sql.Open("mysql", c.dsn(database))
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	return db, nil
}

func (c *MySQLConnector) exec(ctx context.Context, stmt string) error {
	db, err := c.open("")
	if err != nil {
		return err
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("exec %q: %w", stmt, err)
	}
	return nil
}

func quoteMySQL(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

var databaseStatements = [][]byte{
	[]byte("USE `"),
	[]byte("CREATE DATABASE"),
	[]byte("/*!40000 DROP DATABASE"),
}

// stripDatabaseStatements copies a mysqldump stream, leaving out the lines
// that select, create or drop a database.
func stripDatabaseStatements(dst io.Writer, src io.Reader) error {
	r := bufio.NewReaderSize(src, 64<<10)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && !isDatabaseStatement(line) {
			if _, werr := dst.Write(line); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read dump: %w", err)
		}
	}
}

func isDatabaseStatement(line []byte) bool {
	for _, prefix := range databaseStatements {
		if bytes.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}
