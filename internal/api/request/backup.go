package request

// VerifyBackup is the body of POST /backups/{id}/verify.
type VerifyBackup struct {
	Level string `json:"level" validate:"required,level"`
}
