package dispatch

import "errors"

var (
	ErrNoAgent        = errors.New("database is not linked to an agent")
	ErrAgentOffline   = errors.New("agent is not connected")
	ErrAlreadyRunning = errors.New("a backup for this job is already running")
	ErrPushFailed     = errors.New("failed to send command to agent")
	ErrNotSuccessful  = errors.New("only successful backups can be restored or verified")
	ErrInvalidLevel   = errors.New("invalid verification level")
	ErrMissingKey     = errors.New("encrypted job has no encryption password hash")

	ErrTimeout          = errors.New("agent did not respond in time")
	ErrRequestFailed    = errors.New("agent reported failure")
	ErrDuplicateRequest = errors.New("request is already pending")
	ErrUnknownRequest   = errors.New("no pending request with this id")
)
