// Package journal records the jobs an agent is currently executing so that a
// crash mid-job can be reported after the next start.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FileName is the journal file kept in the agent data directory.
const FileName = "active-jobs.json"

// Record is one in-flight job.
type Record struct {
	JobID        string    `json:"-"`
	StartTime    time.Time `json:"startTime"`
	DatabaseName string    `json:"databaseName"`
}

// Elapsed returns how long the job had been running at now.
func (r Record) Elapsed(now time.Time) time.Duration {
	return now.Sub(r.StartTime)
}

// Journal is a job id → Record map persisted as JSON. Every mutation
// rewrites the file atomically.
type Journal struct {
	path string

	mu        sync.Mutex
	active    map[string]Record
	leftovers []Record
}

// Open loads the journal at path, creating its directory if needed. Records
// found on disk belong to a previous process and are exposed by Leftovers;
// they stay on disk until ForgetLeftover.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	j := &Journal{path: path, active: make(map[string]Record)}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return j, nil
	case err != nil:
		return nil, fmt.Errorf("read journal: %w", err)
	}

	stored := make(map[string]Record)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &stored); err != nil {
			return nil, fmt.Errorf("parse journal %s: %w", path, err)
		}
	}
	for id, rec := range stored {
		rec.JobID = id
		j.leftovers = append(j.leftovers, rec)
	}
	sort.Slice(j.leftovers, func(a, b int) bool {
		return j.leftovers[a].StartTime.Before(j.leftovers[b].StartTime)
	})
	return j, nil
}

// Path returns the journal file location.
func (j *Journal) Path() string { return j.path }

// Add records a job as in flight.
func (j *Journal) Add(jobID, databaseName string, start time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.active[jobID] = Record{JobID: jobID, StartTime: start, DatabaseName: databaseName}
	return j.persistLocked()
}

// Remove drops a job from the journal. Removing an unknown id is a no-op
// write.
func (j *Journal) Remove(jobID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.active, jobID)
	return j.persistLocked()
}

// Entries returns the jobs started by this process that have not finished,
// oldest first.
func (j *Journal) Entries() []Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Record, 0, len(j.active))
	for _, rec := range j.active {
		out = append(out, rec)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StartTime.Before(out[b].StartTime) })
	return out
}

// Leftovers returns the records found on disk at Open.
func (j *Journal) Leftovers() []Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Record(nil), j.leftovers...)
}

// ForgetLeftover drops one record found at Open and rewrites the file.
// Forgetting an unknown id is a no-op write.
func (j *Journal) ForgetLeftover(jobID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	kept := j.leftovers[:0]
	for _, rec := range j.leftovers {
		if rec.JobID != jobID {
			kept = append(kept, rec)
		}
	}
	j.leftovers = kept
	return j.persistLocked()
}

func (j *Journal) persistLocked() error {
	onDisk := make(map[string]Record, len(j.active)+len(j.leftovers))
	for _, rec := range j.leftovers {
		onDisk[rec.JobID] = rec
	}
	for id, rec := range j.active {
		onDisk[id] = rec
	}
	data, err := json.MarshalIndent(onDisk, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal journal: %w", err)
	}
	return writeFileAtomic(j.path, data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create journal temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write journal: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync journal: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close journal: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("commit journal: %w", err)
	}
	return nil
}
