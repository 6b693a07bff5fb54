package agent

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/dbvault/internal/connector"
	"github.com/edvin/dbvault/internal/model"
	"github.com/edvin/dbvault/internal/pipeline"
	"github.com/edvin/dbvault/internal/protocol"
	"github.com/edvin/dbvault/internal/storage"
	"github.com/edvin/dbvault/internal/verify"
)

const testHash = "5e884898da28047151d0e56f8dc6292773603d0d6aabbdd62a11ef721d1542d8"

type event struct {
	typ      string
	payload  any
	terminal bool
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) Direct(_ context.Context, t string, p any) {
	r.mu.Lock()
	r.events = append(r.events, event{typ: t, payload: p})
	r.mu.Unlock()
}

func (r *recorder) Terminal(_ context.Context, t string, p any) {
	r.mu.Lock()
	r.events = append(r.events, event{typ: t, payload: p, terminal: true})
	r.mu.Unlock()
}

func (r *recorder) last() event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.typ)
	}
	return out
}

type stubConnector struct {
	dump     []byte
	dumpErr  error
	version  string
	testErr  error
	restored []byte
}

func (c *stubConnector) Engine() string    { return connector.Postgres }
func (c *stubConnector) Extension() string { return ".sql" }

func (c *stubConnector) Test(context.Context) (string, error) { return c.version, c.testErr }

func (c *stubConnector) Dump(_ context.Context, path string) error {
	if c.dumpErr != nil {
		return c.dumpErr
	}
	return os.WriteFile(path, c.dump, 0o600)
}

func (c *stubConnector) Restore(_ context.Context, path string) error {
	data, err := os.ReadFile(path)
	c.restored = data
	return err
}

type handlerFixture struct {
	h        *Handler
	events   *recorder
	conn     *stubConnector
	localDir string
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	work := t.TempDir()
	f := &handlerFixture{
		events:   &recorder{},
		conn:     &stubConnector{dump: []byte("-- PostgreSQL database dump\nSELECT 1;\n-- PostgreSQL database dump complete\n"), version: "PostgreSQL 16.2"},
		localDir: filepath.Join(work, "local"),
	}
	factory := func(cfg connector.Config) (connector.Connector, error) {
		if _, ok := connector.Normalize(cfg.Type); !ok {
			return nil, connector.ErrUnsupported
		}
		return f.conn, nil
	}
	f.h = NewHandler(factory, storage.Options{LocalDir: f.localDir}, pipeline.NewRunner(work, nil, zerolog.Nop()),
		verify.New(work, zerolog.Nop()), f.events, zerolog.Nop())
	return f
}

func envelope(t *testing.T, typ string, v any) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(typ, v)
	require.NoError(t, err)
	return env
}

func (f *handlerFixture) backup(t *testing.T, encrypt bool) protocol.BackupCompletedData {
	t.Helper()
	cmd := protocol.JobExecuteData{
		ID:          "job-1",
		HistoryID:   "hist-1",
		Database:    protocol.Database{Name: "shop", Type: "postgresql"},
		Compression: true,
		StorageType: protocol.StorageLocal,
	}
	if encrypt {
		cmd.IsEncrypted = true
		cmd.EncryptionPasswordHash = testHash
	}
	f.h.Handle(context.Background(), envelope(t, protocol.JobExecute, cmd))
	f.h.Wait()

	last := f.events.last()
	require.Equal(t, protocol.BackupCompleted, last.typ)
	return last.payload.(protocol.BackupCompletedData)
}

func TestHandler_Backup_Local(t *testing.T) {
	f := newHandlerFixture(t)

	done := f.backup(t, true)

	types := f.events.types()
	assert.Equal(t, protocol.BackupStarted, types[0])
	assert.Contains(t, types, protocol.BackupProgress)
	assert.True(t, f.events.last().terminal)

	assert.Equal(t, "job-1", done.JobID)
	assert.Equal(t, "hist-1", done.HistoryID)
	assert.True(t, done.Success)
	assert.True(t, done.IsEncrypted)
	assert.True(t, strings.HasPrefix(done.FileName, "shop_"))
	assert.True(t, strings.HasSuffix(done.FileName, ".sql.gz.enc"))
	assert.Equal(t, pipeline.ChecksumAlgorithm, done.ChecksumAlgorithm)
	assert.Len(t, done.ChecksumValue, 64)
	assert.Equal(t, protocol.StorageLocal, done.StorageType)
	assert.FileExists(t, done.StorageKey)
	assert.Equal(t, filepath.Dir(done.StorageKey), f.localDir)
	assert.Equal(t, "0.00", done.FileSizeMB)
}

func TestHandler_Backup_Failure(t *testing.T) {
	f := newHandlerFixture(t)
	f.conn.dumpErr = errors.New("pg_dump: connection refused")

	f.h.Handle(context.Background(), envelope(t, protocol.JobExecute, protocol.JobExecuteData{
		ID: "job-2", HistoryID: "hist-2", Database: protocol.Database{Name: "shop", Type: "postgres"}, StorageType: protocol.StorageLocal,
	}))
	f.h.Wait()

	last := f.events.last()
	require.Equal(t, protocol.BackupFailed, last.typ)
	assert.True(t, last.terminal)
	failed := last.payload.(protocol.FailedData)
	assert.Equal(t, "job-2", failed.JobID)
	assert.Equal(t, "hist-2", failed.HistoryID)
	assert.Contains(t, failed.Error, "connection refused")
}

func TestHandler_Backup_UnknownEngine(t *testing.T) {
	f := newHandlerFixture(t)

	f.h.Handle(context.Background(), envelope(t, protocol.JobExecute, protocol.JobExecuteData{
		ID: "job-3", Database: protocol.Database{Name: "x", Type: "oracle"}, StorageType: protocol.StorageLocal,
	}))
	f.h.Wait()

	last := f.events.last()
	require.Equal(t, protocol.BackupFailed, last.typ)
	assert.Contains(t, last.payload.(protocol.FailedData).Error, "unsupported database type")
}

func TestHandler_Backup_ShutdownSendsNoFailure(t *testing.T) {
	f := newHandlerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.conn.dumpErr = context.Canceled

	f.h.Handle(ctx, envelope(t, protocol.JobExecute, protocol.JobExecuteData{
		ID: "job-4", Database: protocol.Database{Name: "shop", Type: "postgres"}, StorageType: protocol.StorageLocal,
	}))
	f.h.Wait()

	assert.NotContains(t, f.events.types(), protocol.BackupFailed)
}

func TestHandler_InvalidCommandReportsFailure(t *testing.T) {
	tests := []struct {
		name    string
		typ     string
		data    any
		want    string
		wantErr string
	}{
		{
			name:    "encrypted job without hash",
			typ:     protocol.JobExecute,
			data:    protocol.JobExecuteData{ID: "job-9", HistoryID: "hist-9", IsEncrypted: true, StorageType: protocol.StorageLocal},
			want:    protocol.BackupFailed,
			wantErr: "EncryptionPasswordHash",
		},
		{
			name:    "unknown storage type",
			typ:     protocol.JobExecute,
			data:    protocol.JobExecuteData{ID: "job-10", HistoryID: "hist-10", StorageType: "ftp"},
			want:    protocol.BackupFailed,
			wantErr: "StorageType",
		},
		{
			name:    "restore without storage type",
			typ:     protocol.RestoreExecute,
			data:    protocol.RestoreExecuteData{HistoryID: "hist-11"},
			want:    protocol.RestoreFailed,
			wantErr: "StorageType",
		},
		{
			name:    "verification with bad level",
			typ:     protocol.VerificationExecute,
			data:    protocol.VerificationExecuteData{HistoryID: "hist-12", StorageType: protocol.StorageLocal, VerificationLevel: "EVERYTHING"},
			want:    protocol.VerificationFailed,
			wantErr: "VerificationLevel",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHandlerFixture(t)

			f.h.Handle(context.Background(), envelope(t, tt.typ, tt.data))
			f.h.Wait()

			require.Equal(t, []string{tt.want}, f.events.types())
			last := f.events.last()
			assert.True(t, last.terminal)
			failed := last.payload.(protocol.FailedData)
			assert.Contains(t, failed.Error, tt.wantErr)
			assert.NotEmpty(t, failed.CorrelationID())
		})
	}
}

func TestHandler_InvalidCommandCorrelation(t *testing.T) {
	f := newHandlerFixture(t)

	f.h.Handle(context.Background(), protocol.Envelope{Type: protocol.JobExecute, Data: json.RawMessage(`{"id":"job-9","historyId":"hist-9","storageType":"ftp"}`)})
	f.h.Wait()
	failed := f.events.last().payload.(protocol.FailedData)
	assert.Equal(t, "job-9", failed.JobID)
	assert.Equal(t, "hist-9", failed.HistoryID)

	f.h.Handle(context.Background(), protocol.Envelope{Type: protocol.DatabaseTest, Data: json.RawMessage(`{"requestId":"req-9","config":"oops"}`)})
	f.h.Wait()
	last := f.events.last()
	require.Equal(t, protocol.DatabaseTestResult, last.typ)
	res := last.payload.(protocol.DatabaseTestResultData)
	assert.Equal(t, "req-9", res.RequestID)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Message)
}

func TestHandler_InvalidCommandWithoutIDIgnored(t *testing.T) {
	f := newHandlerFixture(t)

	f.h.Handle(context.Background(), protocol.Envelope{Type: protocol.JobExecute, Data: json.RawMessage(`{"storageType":"ftp"}`)})
	f.h.Handle(context.Background(), protocol.Envelope{Type: protocol.RestoreExecute, Data: json.RawMessage(`not json`)})
	f.h.Handle(context.Background(), protocol.Envelope{Type: "job:unknown"})
	f.h.Handle(context.Background(), protocol.Envelope{Type: protocol.HeartbeatAck})
	f.h.Wait()

	assert.Empty(t, f.events.types())
}

func TestHandler_RestoreAndVerify(t *testing.T) {
	f := newHandlerFixture(t)
	done := f.backup(t, true)

	backup := protocol.Backup{
		FileName:          done.FileName,
		StorageKey:        done.StorageKey,
		FileSize:          done.FileSize,
		IsEncrypted:       true,
		ChecksumAlgorithm: done.ChecksumAlgorithm,
		ChecksumValue:     done.ChecksumValue,
	}

	f.h.Handle(context.Background(), envelope(t, protocol.RestoreExecute, protocol.RestoreExecuteData{
		HistoryID:              "hist-1",
		Database:               protocol.Database{Name: "shop", Type: "postgres"},
		Backup:                 backup,
		StorageType:            protocol.StorageLocal,
		IsEncrypted:            true,
		EncryptionPasswordHash: testHash,
	}))
	f.h.Wait()

	last := f.events.last()
	require.Equal(t, protocol.RestoreCompleted, last.typ)
	assert.True(t, last.payload.(protocol.RestoreCompletedData).Success)
	assert.Equal(t, f.conn.dump, f.conn.restored)
	assert.FileExists(t, done.StorageKey, "local artifact survives a restore")
	assert.Contains(t, f.events.types(), protocol.RestoreStarted)

	f.h.Handle(context.Background(), envelope(t, protocol.VerificationExecute, protocol.VerificationExecuteData{
		HistoryID:              "hist-1",
		Database:               protocol.Database{Name: "shop", Type: "postgres"},
		Backup:                 backup,
		StorageType:            protocol.StorageLocal,
		VerificationLevel:      model.LevelDatabase,
		IsEncrypted:            true,
		EncryptionPasswordHash: testHash,
	}))
	f.h.Wait()

	last = f.events.last()
	require.Equal(t, protocol.VerificationCompleted, last.typ)
	report := last.payload.(protocol.VerificationCompletedData).VerificationResult
	assert.Equal(t, "hist-1", report.BackupHistoryID)
	assert.Equal(t, model.LevelDatabase, report.VerificationMethod)
	assert.Equal(t, report.Aggregate(), report.OverallStatus)
	assert.Contains(t, f.events.types(), protocol.VerificationStarted)
}

func TestHandler_Verify_MissingArtifact(t *testing.T) {
	f := newHandlerFixture(t)

	f.h.Handle(context.Background(), envelope(t, protocol.VerificationExecute, protocol.VerificationExecuteData{
		HistoryID:         "hist-9",
		Backup:            protocol.Backup{FileName: "gone.sql.gz", StorageKey: filepath.Join(f.localDir, "gone.sql.gz")},
		StorageType:       protocol.StorageLocal,
		VerificationLevel: model.LevelBasic,
	}))
	f.h.Wait()

	last := f.events.last()
	require.Equal(t, protocol.VerificationFailed, last.typ)
	failed := last.payload.(protocol.FailedData)
	assert.Equal(t, "hist-9", failed.HistoryID)
	assert.Contains(t, failed.Error, "download backup")
}

func TestHandler_DatabaseTest(t *testing.T) {
	f := newHandlerFixture(t)

	f.h.Handle(context.Background(), envelope(t, protocol.DatabaseTest, protocol.DatabaseTestData{
		RequestID: "req-1", Config: protocol.Database{Name: "shop", Type: "postgres"},
	}))
	f.h.Wait()

	last := f.events.last()
	require.Equal(t, protocol.DatabaseTestResult, last.typ)
	assert.False(t, last.terminal)
	assert.Equal(t, protocol.DatabaseTestResultData{
		RequestID: "req-1", Success: true, Message: "Connection successful", Version: "PostgreSQL 16.2",
	}, last.payload)

	f.conn.testErr = errors.New("password authentication failed")
	f.h.Handle(context.Background(), envelope(t, protocol.DatabaseTest, protocol.DatabaseTestData{
		RequestID: "req-2", Config: protocol.Database{Name: "shop", Type: "postgres"},
	}))
	f.h.Wait()

	res := f.events.last().payload.(protocol.DatabaseTestResultData)
	assert.Equal(t, "req-2", res.RequestID)
	assert.False(t, res.Success)
	assert.Equal(t, "password authentication failed", res.Message)
}

func TestConnectorConfig_FallsBackToName(t *testing.T) {
	cfg := connectorConfig(protocol.Database{Name: "shop", Type: "mysql", Host: "db", Port: 3307, Username: "u", Password: "p"})
	assert.Equal(t, connector.Config{Type: "mysql", Host: "db", Port: 3307, Username: "u", Password: "p", Database: "shop"}, cfg)

	cfg = connectorConfig(protocol.Database{Name: "Shop (prod)", Database: "shop_prod", Type: "postgres"})
	assert.Equal(t, "shop_prod", cfg.Database)
}
