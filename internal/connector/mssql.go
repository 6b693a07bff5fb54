package connector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/rs/zerolog"
)

// MSSQLConnector uses native BACKUP and RESTORE statements. Backup files are
// written by the server process, so paths are made absolute and must be
// writable by the SQL Server service account.
type MSSQLConnector struct {
	cfg    Config
	logger zerolog.Logger
}

func (c *MSSQLConnector) Engine() string    { return MSSQL }
func (c *MSSQLConnector) Extension() string { return ".bak" }

func (c *MSSQLConnector) Test(ctx context.Context) (string, error) {
	db, err := c.open(c.cfg.Database)
	if err != nil {
		return "", err
	}
	defer db.Close()

	var version string
	if err := db.QueryRowContext(ctx, "SELECT @@VERSION").Scan(&version); err != nil {
		return "", fmt.Errorf("query mssql version: %w", err)
	}
	return version, nil
}

func (c *MSSQLConnector) Dump(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve backup path: %w", err)
	}
	return c.exec(ctx, backupStatement(c.cfg.Database), sql.Named("path", abs))
}

// Restore replaces the database from a backup file. Other sessions are
// disconnected first; the single-user switch fails harmlessly when the
// database does not exist yet.
func (c *MSSQLConnector) Restore(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve backup path: %w", err)
	}
	db, err := c.open("master")
	if err != nil {
		return err
	}
	defer db.Close()

	name := quoteMSSQL(c.cfg.Database)
	if _, err := db.ExecContext(ctx, "ALTER DATABASE "+name+" SET SINGLE_USER WITH ROLLBACK IMMEDIATE"); err != nil {
		c.logger.Warn().Err(err).Msg("could not switch database to single-user mode")
	}
	if _, err := db.ExecContext(ctx, restoreStatement(c.cfg.Database, nil), sql.Named("path", abs)); err != nil {
		return fmt.Errorf("restore database %s: %w", c.cfg.Database, err)
	}
	if _, err := db.ExecContext(ctx, "ALTER DATABASE "+name+" SET MULTI_USER"); err != nil {
		return fmt.Errorf("switch database %s to multi-user mode: %w", c.cfg.Database, err)
	}
	return nil
}

func (c *MSSQLConnector) VerifyDump(ctx context.Context, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve backup path: %w", err)
	}
	if err := c.exec(ctx, "RESTORE VERIFYONLY FROM DISK = @path", sql.Named("path", abs)); err != nil {
		return "", err
	}
	return "Backup set is complete and readable (RESTORE VERIFYONLY)", nil
}

// CreateScratch is a no-op; RESTORE creates the database.
func (c *MSSQLConnector) CreateScratch(context.Context, string) error { return nil }

// RestoreInto restores the backup under a new name, relocating each data and
// log file next to the original with the scratch name as prefix.
func (c *MSSQLConnector) RestoreInto(ctx context.Context, name, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve backup path: %w", err)
	}
	db, err := c.open("master")
	if err != nil {
		return err
	}
	defer db.Close()

	files, err := backupFiles(ctx, db, abs)
	if err != nil {
		return err
	}
	moves := make([]fileMove, 0, len(files))
	for _, f := range files {
		moves = append(moves, f.relocate(name))
	}

	args := []any{sql.Named("path", abs)}
	for i, m := range moves {
		args = append(args,
			sql.Named(fmt.Sprintf("logical%d", i), m.logical),
			sql.Named(fmt.Sprintf("physical%d", i), m.physical))
	}
	if _, err := db.ExecContext(ctx, restoreStatement(name, moves), args...); err != nil {
		return fmt.Errorf("restore into %s: %w", name, err)
	}
	return nil
}

func (c *MSSQLConnector) DropScratch(ctx context.Context, name string) error {
	return c.exec(ctx, "DROP DATABASE IF EXISTS "+quoteMSSQL(name))
}

func (c *MSSQLConnector) dsn(database string) string {
	q := url.Values{}
	q.Set("database", database)
	q.Set("encrypt", "disable")
	q.Set("TrustServerCertificate", "true")
	q.Set("dial timeout", "15")
	u := url.URL{
		Scheme:   "sqlserver",
		Host:     net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port)),
		RawQuery: q.Encode(),
	}
	if c.cfg.Username != "" {
		u.User = url.UserPassword(c.cfg.Username, c.cfg.Password)
	}
	return u.String()
}

func (c *MSSQLConnector) open(database string) (*sql.DB, error) {
	db, err := sql.Open("sqlserver", c.dsn(database))
	if err != nil {
		return nil, fmt.Errorf("open mssql: %w", err)
	}
	return db, nil
}

func (c *MSSQLConnector) exec(ctx context.Context, stmt string, args ...any) error {
	db, err := c.open("master")
	if err != nil {
		return err
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("exec %q: %w", stmt, err)
	}
	return nil
}

func quoteMSSQL(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func backupStatement(database string) string {
	return "BACKUP DATABASE " + quoteMSSQL(database) +
		" TO DISK = @path WITH FORMAT, INIT, COMPRESSION, NAME = N'" +
		strings.ReplaceAll(database, "'", "''") + "-Full Database Backup'"
}

// fileMove relocates one logical file of a backup set.
type fileMove struct {
	logical  string
	physical string
}

type backupFile struct {
	logical  string
	physical string
}

// relocate places the file next to its original location, prefixed with
// the target database name.
func (f backupFile) relocate(database string) fileMove {
	// PhysicalName is a server-side path, usually Windows style.
	sep := "\\"
	if !strings.Contains(f.physical, "\\") {
		sep = "/"
	}
	dir, base := "", f.physical
	if i := strings.LastIndex(f.physical, sep); i >= 0 {
		dir, base = f.physical[:i+1], f.physical[i+1:]
	}
	return fileMove{logical: f.logical, physical: dir + database + "_" + base}
}

func restoreStatement(database string, moves []fileMove) string {
	var b strings.Builder
	b.WriteString("RESTORE DATABASE ")
	b.WriteString(quoteMSSQL(database))
	b.WriteString(" FROM DISK = @path WITH REPLACE, RECOVERY")
	for i := range moves {
		fmt.Fprintf(&b, ", MOVE @logical%d TO @physical%d", i, i)
	}
	return b.String()
}

// backupFiles lists the logical files of a backup set. The column set of
// RESTORE FILELISTONLY differs between server versions, so columns are
// matched by name.
func backupFiles(ctx context.Context, db *sql.DB, path string) ([]backupFile, error) {
	rows, err := db.QueryContext(ctx, "RESTORE FILELISTONLY FROM DISK = @path", sql.Named("path", path))
	if err != nil {
		return nil, fmt.Errorf("list backup files: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("list backup files: %w", err)
	}
	idx := map[string]int{}
	for i, c := range cols {
		idx[c] = i
	}
	for _, want := range []string{"LogicalName", "PhysicalName"} {
		if _, ok := idx[want]; !ok {
			return nil, fmt.Errorf("list backup files: column %s missing", want)
		}
	}

	var files []backupFile
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan backup file: %w", err)
		}
		files = append(files, backupFile{
			logical:  asString(vals[idx["LogicalName"]]),
			physical: asString(vals[idx["PhysicalName"]]),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list backup files: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("backup set lists no files")
	}
	return files, nil
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
