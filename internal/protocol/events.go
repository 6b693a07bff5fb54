// Package protocol defines the command and event vocabulary exchanged between
// the control plane and its agents over a single WebSocket per agent.
//
// Every frame is a JSON text message {"type": "...", "data": {...}}. Commands
// flow control plane to agent, events flow agent to control plane. Events
// carry the job id or history id they correlate to.
package protocol

// Commands sent by the control plane.
const (
	JobExecute          = "job:execute"
	RestoreExecute      = "restore:execute"
	VerificationExecute = "verification:execute"
	DatabaseTest        = "database:test"
	HeartbeatAck        = "heartbeat:ack"
)

// Events sent by an agent.
const (
	Heartbeat = "heartbeat"

	BackupStarted   = "backup:started"
	BackupProgress  = "backup:progress"
	BackupCompleted = "backup:completed"
	BackupFailed    = "backup:failed"

	RestoreStarted   = "restore:started"
	RestoreProgress  = "restore:progress"
	RestoreCompleted = "restore:completed"
	RestoreFailed    = "restore:failed"

	VerificationStarted   = "verification:started"
	VerificationProgress  = "verification:progress"
	VerificationCompleted = "verification:completed"
	VerificationFailed    = "verification:failed"

	DatabaseTestResult = "database:test:result"
)

// Storage types understood by agents.
const (
	StorageS3          = "s3"
	StorageGoogleDrive = "google_drive"
	StorageLocal       = "local"
)

// Terminal reports whether an event type ends a job (completed or failed).
// Terminal events are always delivered through the agent's outbound queue.
func Terminal(eventType string) bool {
	switch eventType {
	case BackupCompleted, BackupFailed,
		RestoreCompleted, RestoreFailed,
		VerificationCompleted, VerificationFailed:
		return true
	}
	return false
}
