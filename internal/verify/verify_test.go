package verify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/dbvault/internal/codec"
	"github.com/edvin/dbvault/internal/connector"
	"github.com/edvin/dbvault/internal/model"
	"github.com/edvin/dbvault/internal/pipeline"
	"github.com/edvin/dbvault/internal/protocol"
	"github.com/edvin/dbvault/internal/storage"
)

const testPassword = "5e884898da28047151d0e56f8dc6292773603d0d6aabbdd62a11ef721d1542d8"

var dumpBody = []byte("-- PostgreSQL database dump\nCREATE TABLE orders (id int);\nINSERT INTO orders VALUES (1);\n-- PostgreSQL database dump complete\n")

// basicConnector has no verification capabilities.
type basicConnector struct{}

func (basicConnector) Engine() string                        { return connector.Postgres }
func (basicConnector) Extension() string                     { return ".sql" }
func (basicConnector) Test(context.Context) (string, error)  { return "16.2", nil }
func (basicConnector) Dump(context.Context, string) error    { return nil }
func (basicConnector) Restore(context.Context, string) error { return nil }

// fullConnector records the verification calls it receives.
type fullConnector struct {
	basicConnector
	verifyErr  error
	restoreErr error

	verified []byte
	created  string
	restored string
	dropped  string
}

func (c *fullConnector) VerifyDump(_ context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	c.verified = data
	if c.verifyErr != nil {
		return "", c.verifyErr
	}
	return "Dump structure valid", nil
}

func (c *fullConnector) CreateScratch(_ context.Context, name string) error {
	c.created = name
	return nil
}

func (c *fullConnector) RestoreInto(_ context.Context, name, path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	c.restored = name
	return c.restoreErr
}

func (c *fullConnector) DropScratch(_ context.Context, name string) error {
	c.dropped = name
	return nil
}

// writeArtifact stores dumpBody gzipped and optionally encrypted in dir and
// returns its backup reference.
func writeArtifact(t *testing.T, dir string, encrypt bool) protocol.Backup {
	t.Helper()
	var gz bytes.Buffer
	zw := pgzip.NewWriter(&gz)
	_, err := zw.Write(dumpBody)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	data := gz.Bytes()
	name := "shop_2026-03-01T10-00-00.000Z.sql.gz"
	if encrypt {
		var enc bytes.Buffer
		w, err := codec.NewEncryptWriter(&enc, testPassword)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
		require.NoError(t, w.Close())
		data = enc.Bytes()
		name += ".enc"
	}

	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, data, 0o600))
	return protocol.Backup{FileName: name, FilePath: p, FileSize: int64(len(data)), IsEncrypted: encrypt}
}

func sha256Hex(t *testing.T, path string) string {
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type fixture struct {
	engine *Engine
	store  *storage.Local
	dir    string
}

func newFixture(t *testing.T) fixture {
	dir := t.TempDir()
	store, err := storage.NewLocal(dir)
	require.NoError(t, err)
	e := New(t.TempDir(), zerolog.Nop())
	e.now = func() time.Time { return time.Unix(1772359200, 0) }
	return fixture{engine: e, store: store, dir: dir}
}

func checkNames(r *model.VerificationReport) []string {
	names := make([]string, len(r.Checks))
	for i, c := range r.Checks {
		names[i] = c.Name
	}
	return names
}

func findCheck(t *testing.T, r *model.VerificationReport, name string) model.Check {
	for _, c := range r.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %s not in report", name)
	return model.Check{}
}

// ---------- levels ----------

func TestEngine_Run_BasicEncryptedRecordsChecksum(t *testing.T) {
	f := newFixture(t)
	backup := writeArtifact(t, f.dir, true)

	report, err := f.engine.Run(context.Background(), Request{HistoryID: "h1", Level: model.LevelBasic, Backup: backup, Encrypted: true, PasswordHash: testPassword}, &fullConnector{}, f.store, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{CheckFileExistence, CheckFileSize, CheckChecksum, CheckCompression, CheckEncryption}, checkNames(report))
	assert.Equal(t, model.VerificationPassed, report.OverallStatus)
	assert.Equal(t, model.LevelBasic, report.VerificationMethod)

	compression := findCheck(t, report, CheckCompression)
	assert.Nil(t, compression.Passed)
	assert.True(t, compression.Skipped)

	require.NotNil(t, report.ComputedChecksum)
	assert.Equal(t, "sha256", report.ComputedChecksum.Algorithm)
	assert.Equal(t, sha256Hex(t, backup.FilePath), report.ComputedChecksum.Value)
	assert.NotNil(t, report.CompletedAt)
}

func TestEngine_Run_FullPasses(t *testing.T) {
	f := newFixture(t)
	backup := writeArtifact(t, f.dir, true)
	backup.ChecksumAlgorithm = "sha256"
	backup.ChecksumValue = sha256Hex(t, backup.FilePath)
	conn := &fullConnector{}

	var steps []int
	report, err := f.engine.Run(context.Background(),
		Request{HistoryID: "h2", Level: model.LevelFull, Backup: backup, Encrypted: true, PasswordHash: testPassword},
		conn, f.store, func(p pipeline.Progress) { steps = append(steps, p.Percent) })
	require.NoError(t, err)

	assert.Equal(t, []string{
		CheckFileExistence, CheckFileSize, CheckChecksum, CheckCompression,
		CheckEncryption, CheckDatabaseVerification, CheckTestRestore,
	}, checkNames(report))
	assert.Equal(t, model.VerificationPassed, report.OverallStatus, "failed: %v", report.Failed())
	assert.Nil(t, report.ComputedChecksum)

	assert.Equal(t, dumpBody, conn.verified)
	assert.Regexp(t, `^verify_[0-9a-f]{8}_1772359200$`, conn.created)
	assert.Equal(t, conn.created, conn.restored)
	assert.Equal(t, conn.created, conn.dropped)

	assert.Equal(t, []int{10, 30, 40, 50, 60, 80, 85, 95}, steps)

	entries, err := os.ReadDir(filepath.Join(f.engine.workDir, "verify"))
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.FileExists(t, backup.FilePath)
}

func TestEngine_Run_ChecksumMismatchDoesNotStopChecks(t *testing.T) {
	f := newFixture(t)
	backup := writeArtifact(t, f.dir, false)
	backup.ChecksumValue = strings.Repeat("ab", 32)

	report, err := f.engine.Run(context.Background(), Request{HistoryID: "h3", Level: model.LevelDatabase, Backup: backup}, &fullConnector{}, f.store, nil)
	require.NoError(t, err)

	assert.Equal(t, model.VerificationFailed, report.OverallStatus)
	assert.Equal(t, []string{CheckChecksum}, report.Failed())

	sum := findCheck(t, report, CheckChecksum)
	assert.Equal(t, "Checksum mismatch", sum.Error)
	assert.Equal(t, sha256Hex(t, backup.FilePath), sum.ActualChecksum)
	assert.True(t, *findCheck(t, report, CheckCompression).Passed)
	assert.True(t, *findCheck(t, report, CheckDatabaseVerification).Passed)
}

func TestEngine_Run_WrongPassword(t *testing.T) {
	f := newFixture(t)
	backup := writeArtifact(t, f.dir, true)

	report, err := f.engine.Run(context.Background(),
		Request{HistoryID: "h4", Level: model.LevelDatabase, Backup: backup, Encrypted: true, PasswordHash: strings.Repeat("0", 64)},
		&fullConnector{}, f.store, nil)
	require.NoError(t, err)

	assert.Equal(t, model.VerificationFailed, report.OverallStatus)
	assert.Nil(t, findCheck(t, report, CheckCompression).Passed)

	enc := findCheck(t, report, CheckEncryption)
	require.NotNil(t, enc.Passed)
	assert.False(t, *enc.Passed)
	assert.Equal(t, codec.ErrAuthenticationFailed.Error(), enc.Error)

	assert.False(t, *findCheck(t, report, CheckDatabaseVerification).Passed)
}

func TestEngine_Run_CapabilitiesMissingAreSkipped(t *testing.T) {
	f := newFixture(t)
	backup := writeArtifact(t, f.dir, false)

	report, err := f.engine.Run(context.Background(), Request{HistoryID: "h5", Level: model.LevelFull, Backup: backup}, basicConnector{}, f.store, nil)
	require.NoError(t, err)

	assert.Equal(t, model.VerificationPassed, report.OverallStatus)
	assert.Nil(t, findCheck(t, report, CheckDatabaseVerification).Passed)
	assert.Nil(t, findCheck(t, report, CheckTestRestore).Passed)
}

func TestEngine_Run_NilConnector(t *testing.T) {
	f := newFixture(t)
	backup := writeArtifact(t, f.dir, false)

	report, err := f.engine.Run(context.Background(), Request{HistoryID: "h6", Level: model.LevelFull, Backup: backup}, nil, f.store, nil)
	require.NoError(t, err)
	assert.True(t, findCheck(t, report, CheckTestRestore).Skipped)
}

func TestEngine_Run_TestRestoreFailureDropsScratch(t *testing.T) {
	f := newFixture(t)
	backup := writeArtifact(t, f.dir, false)
	conn := &fullConnector{restoreErr: errors.New("psql failed: syntax error at line 3: exit status 3")}

	report, err := f.engine.Run(context.Background(), Request{HistoryID: "h7", Level: model.LevelFull, Backup: backup}, conn, f.store, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{CheckTestRestore}, report.Failed())
	assert.Contains(t, findCheck(t, report, CheckTestRestore).Error, "syntax error")
	assert.NotEmpty(t, conn.created)
	assert.Equal(t, conn.created, conn.dropped)
}

func TestEngine_Run_CorruptGzip(t *testing.T) {
	f := newFixture(t)
	p := filepath.Join(f.dir, "shop.sql.gz")
	require.NoError(t, os.WriteFile(p, []byte("plain text, not gzip"), 0o600))

	report, err := f.engine.Run(context.Background(), Request{HistoryID: "h8", Level: model.LevelBasic, Backup: protocol.Backup{FileName: "shop.sql.gz", FilePath: p}}, nil, f.store, nil)
	require.NoError(t, err)

	c := findCheck(t, report, CheckCompression)
	assert.False(t, *c.Passed)
	assert.Equal(t, "Invalid gzip header", c.Error)
	assert.Equal(t, model.VerificationFailed, report.OverallStatus)
}

func TestEngine_Run_DownloadFailure(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Run(context.Background(),
		Request{HistoryID: "h9", Level: model.LevelBasic, Backup: protocol.Backup{FileName: "gone.sql.gz", FilePath: filepath.Join(f.dir, "gone.sql.gz")}},
		nil, f.store, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "download backup")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEngine_Run_UnknownLevel(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Run(context.Background(), Request{HistoryID: "h", Level: "PARANOID"}, nil, f.store, nil)
	assert.Error(t, err)
}

// ---------- checks ----------

func TestFileSize_Message(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a")
	require.NoError(t, os.WriteFile(p, make([]byte, 2048), 0o600))

	c := fileSize(p, 2048)
	assert.True(t, *c.Passed)
	assert.Equal(t, "File size: 2.0 KiB (expected: 2.0 KiB, diff: 0.00%)", c.Message)

	c = fileSize(p, 1024)
	assert.Contains(t, c.Message, "diff: 100.00%")
}

func TestFileSize_Empty(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a")
	require.NoError(t, os.WriteFile(p, nil, 0o600))

	c := fileSize(p, 0)
	assert.False(t, *c.Passed)
}

func TestChecksum_UnsupportedAlgorithm(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))

	c, computed := checksum(p, "md5", "abc")
	assert.False(t, *c.Passed)
	assert.Nil(t, computed)
}
