package model

import "time"

// Check is one verification step. Passed is nil when the check was skipped.
type Check struct {
	Name    string `json:"check"`
	Passed  *bool  `json:"passed"`
	Skipped bool   `json:"skipped,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Note    string `json:"note,omitempty"`

	ActualSize       int64  `json:"actualSize,omitempty"`
	ExpectedSize     int64  `json:"expectedSize,omitempty"`
	Algorithm        string `json:"algorithm,omitempty"`
	ExpectedChecksum string `json:"expectedChecksum,omitempty"`
	ActualChecksum   string `json:"actualChecksum,omitempty"`
	DecompressedSize int64  `json:"decompressedSize,omitempty"`
}

// VerificationReport is the result of one verification run. It is not
// mutated after the run completes.
type VerificationReport struct {
	BackupHistoryID    string     `json:"backupHistoryId"`
	VerificationMethod string     `json:"verificationMethod"`
	Checks             []Check    `json:"checks"`
	OverallStatus      string     `json:"overallStatus"`
	ComputedChecksum   *Checksum  `json:"computedChecksum,omitempty"`
	Error              string     `json:"error,omitempty"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
}

// Checksum is a digest of a stored artifact.
type Checksum struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// Aggregate returns PASSED when no check reported false. Skipped checks never
// affect the outcome.
func (r *VerificationReport) Aggregate() string {
	for _, c := range r.Checks {
		if c.Passed != nil && !*c.Passed {
			return VerificationFailed
		}
	}
	return VerificationPassed
}

// Failed lists the names of checks that reported false.
func (r *VerificationReport) Failed() []string {
	var names []string
	for _, c := range r.Checks {
		if c.Passed != nil && !*c.Passed {
			names = append(names, c.Name)
		}
	}
	return names
}
