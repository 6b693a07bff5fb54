package protocol

import (
	"time"

	"github.com/edvin/dbvault/internal/model"
)

// Database carries the connection parameters for a database on the agent's
// host. The password travels in clear over the authenticated socket.
type Database struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name" validate:"required"`
	Type     string `json:"type" validate:"required"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Database string `json:"database"`
}

// Storage describes a backup destination. Only the fields relevant to the
// storage type are set.
type Storage struct {
	AccessKeyID     string `json:"accessKeyId,omitempty"`
	SecretAccessKey string `json:"secretAccessKey,omitempty"`
	Region          string `json:"region,omitempty"`
	Bucket          string `json:"bucket,omitempty"`
	Path            string `json:"path,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`

	RefreshToken       string `json:"refreshToken,omitempty"`
	FolderID           string `json:"folderId,omitempty"`
	GoogleClientID     string `json:"googleClientId,omitempty"`
	GoogleClientSecret string `json:"googleClientSecret,omitempty"`
	GoogleRedirectURI  string `json:"googleRedirectUri,omitempty"`

	LocalPath string `json:"localPath,omitempty"`
}

// Backup references a stored artifact.
type Backup struct {
	ID                string `json:"id,omitempty"`
	FileName          string `json:"fileName" validate:"required"`
	FilePath          string `json:"filePath,omitempty"`
	StorageKey        string `json:"storageKey,omitempty"`
	FileSize          int64  `json:"fileSize"`
	IsEncrypted       bool   `json:"isEncrypted"`
	ChecksumAlgorithm string `json:"checksumAlgorithm,omitempty"`
	ChecksumValue     string `json:"checksumValue,omitempty"`
}

// Key returns the storage key, falling back to the file path for artifacts
// recorded before keys were tracked.
func (b Backup) Key() string {
	if b.StorageKey != "" {
		return b.StorageKey
	}
	return b.FilePath
}

// JobExecuteData is the job:execute command.
type JobExecuteData struct {
	ID                     string   `json:"id" validate:"required"`
	HistoryID              string   `json:"historyId,omitempty"`
	Database               Database `json:"database"`
	BackupType             string   `json:"backupType,omitempty"`
	Compression            bool     `json:"compression"`
	IsEncrypted            bool     `json:"isEncrypted"`
	EncryptionPasswordHash string   `json:"encryptionPasswordHash,omitempty" validate:"required_if=IsEncrypted true"`
	StorageType            string   `json:"storageType" validate:"required,oneof=s3 google_drive local"`
	Storage                Storage  `json:"storage"`
}

// RestoreExecuteData is the restore:execute command.
type RestoreExecuteData struct {
	HistoryID              string   `json:"historyId" validate:"required"`
	RestoreID              string   `json:"restoreId,omitempty"`
	Database               Database `json:"database"`
	Backup                 Backup   `json:"backup"`
	StorageType            string   `json:"storageType" validate:"required,oneof=s3 google_drive local"`
	Storage                Storage  `json:"storage"`
	IsEncrypted            bool     `json:"isEncrypted"`
	EncryptionPasswordHash string   `json:"encryptionPasswordHash,omitempty" validate:"required_if=IsEncrypted true"`
}

// VerificationExecuteData is the verification:execute command.
type VerificationExecuteData struct {
	HistoryID              string   `json:"historyId" validate:"required"`
	Database               Database `json:"database"`
	Backup                 Backup   `json:"backup"`
	StorageType            string   `json:"storageType" validate:"required,oneof=s3 google_drive local"`
	Storage                Storage  `json:"storage"`
	VerificationLevel      string   `json:"verificationLevel" validate:"required,oneof=BASIC DATABASE FULL"`
	IsEncrypted            bool     `json:"isEncrypted"`
	EncryptionPasswordHash string   `json:"encryptionPasswordHash,omitempty" validate:"required_if=IsEncrypted true"`
}

// DatabaseTestData is the database:test request.
type DatabaseTestData struct {
	RequestID string   `json:"requestId" validate:"required"`
	Config    Database `json:"config"`
}

// DatabaseTestResultData answers a database:test request.
type DatabaseTestResultData struct {
	RequestID string `json:"requestId" validate:"required"`
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Version   string `json:"version,omitempty"`
}

// StartedData is sent when a backup, restore or verification begins.
type StartedData struct {
	JobID             string    `json:"jobId,omitempty"`
	HistoryID         string    `json:"historyId,omitempty"`
	DatabaseName      string    `json:"databaseName,omitempty"`
	DatabaseType      string    `json:"databaseType,omitempty"`
	StorageType       string    `json:"storageType,omitempty"`
	BackupFileName    string    `json:"backupFileName,omitempty"`
	VerificationLevel string    `json:"verificationLevel,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// ProgressData reports a monotonic percentage and a step label.
type ProgressData struct {
	JobID       string `json:"jobId,omitempty"`
	HistoryID   string `json:"historyId,omitempty"`
	Progress    int    `json:"progress"`
	CurrentStep string `json:"currentStep"`
}

// BackupCompletedData carries the artifact metadata of a successful backup.
type BackupCompletedData struct {
	JobID             string    `json:"jobId" validate:"required"`
	HistoryID         string    `json:"historyId,omitempty"`
	Success           bool      `json:"success"`
	FileName          string    `json:"fileName"`
	FilePath          string    `json:"filePath,omitempty"`
	FileSize          int64     `json:"fileSize"`
	FileSizeMB        string    `json:"fileSizeMB,omitempty"`
	StorageType       string    `json:"storageType"`
	StorageKey        string    `json:"storageKey,omitempty"`
	StorageURL        string    `json:"storageUrl,omitempty"`
	IsEncrypted       bool      `json:"isEncrypted"`
	ChecksumAlgorithm string    `json:"checksumAlgorithm,omitempty"`
	ChecksumValue     string    `json:"checksumValue,omitempty"`
	Duration          int64     `json:"duration"`
	Timestamp         time.Time `json:"timestamp"`
}

// FailedData is the failed event of any job kind. Exactly one of JobID and
// HistoryID is set.
type FailedData struct {
	JobID     string    `json:"jobId,omitempty"`
	HistoryID string    `json:"historyId,omitempty"`
	Error     string    `json:"error"`
	Duration  int64     `json:"duration,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CorrelationID returns whichever id the event is keyed by.
func (f FailedData) CorrelationID() string {
	if f.JobID != "" {
		return f.JobID
	}
	return f.HistoryID
}

// RestoreCompletedData is sent when a restore succeeds.
type RestoreCompletedData struct {
	HistoryID    string    `json:"historyId" validate:"required"`
	Success      bool      `json:"success"`
	DatabaseName string    `json:"databaseName,omitempty"`
	Duration     int64     `json:"duration"`
	Timestamp    time.Time `json:"timestamp"`
}

// VerificationCompletedData carries a finished report.
type VerificationCompletedData struct {
	HistoryID          string                   `json:"historyId" validate:"required"`
	Duration           int64                    `json:"duration"`
	VerificationResult model.VerificationReport `json:"verificationResult"`
	Timestamp          time.Time                `json:"timestamp"`
}
