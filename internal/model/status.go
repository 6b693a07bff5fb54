package model

// Backup and restore run status constants.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Agent connection status constants.
const (
	AgentOnline  = "online"
	AgentOffline = "offline"
)

// Verification outcome constants.
const (
	VerificationPassed = "PASSED"
	VerificationFailed = "FAILED"
)

// Verification levels, cheapest first.
const (
	LevelBasic    = "BASIC"
	LevelDatabase = "DATABASE"
	LevelFull     = "FULL"
)

// ValidLevel reports whether level names a known verification level.
func ValidLevel(level string) bool {
	switch level {
	case LevelBasic, LevelDatabase, LevelFull:
		return true
	}
	return false
}
