// Package cron is the file-backed job registry and 10-second polling
// scheduler behind the gateway's cron.* WS methods: enumerate active jobs,
// run the ones whose schedule is due, record the outcome, and compute the
// next run time.
package cron

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	cronparse "github.com/robfig/cron/v3"

	"github.com/nexusgate/nexusgate/internal/idgen"
	"github.com/nexusgate/nexusgate/internal/store"
)

// MaxJobs is the hard cap on the number of registered jobs, preventing the
// registry from growing unbounded.
const MaxJobs = 500

// parser accepts the standard 5-field crontab spec (minute hour dom month
// dow) — no seconds field, matching what operators already know.
var parser = cronparse.NewParser(cronparse.Minute | cronparse.Hour | cronparse.Dom | cronparse.Month | cronparse.Dow)

// Job is a single scheduled payload. Schedule is a 5-field cron expression;
// Payload is opaque to the store and interpreted by whatever Handler is
// registered for Kind (e.g. "agent_turn" synthesizes an agent turn,
// "system_event" emits a system event).
type Job struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Schedule string         `json:"schedule"`
	Kind     string         `json:"kind"`
	Payload  map[string]any `json:"payload"`
	Enabled  bool           `json:"enabled"`

	NextRun    time.Time `json:"next_run"`
	LastRun    time.Time `json:"last_run,omitzero"`
	LastStatus string    `json:"last_status,omitempty"`
	LastError  string    `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Run is one recorded execution outcome, appended to the job's run log.
type Run struct {
	JobID     string    `json:"job_id"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
	Status    string    `json:"status"` // "ok" or "error"
	Error     string    `json:"error,omitempty"`
}

// Store is the file-backed job registry: jobs.json holds the full set,
// runs/<job_id>.jsonl accumulates that job's execution history.
type Store struct {
	dataDir string

	mu   sync.Mutex
	jobs map[string]*Job
}

// NewStore opens (or initializes) the cron store rooted at dataDir/cron.
func NewStore(dataDir string) (*Store, error) {
	s := &Store{
		dataDir: filepath.Join(dataDir, "cron"),
		jobs:    make(map[string]*Job),
	}
	if err := os.MkdirAll(filepath.Join(s.dataDir, "runs"), 0o755); err != nil {
		return nil, fmt.Errorf("cron: mkdir: %w", err)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) jobsPath() string { return filepath.Join(s.dataDir, "jobs.json") }

func (s *Store) runsPath(jobID string) string {
	return filepath.Join(s.dataDir, "runs", jobID+".jsonl")
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.jobsPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cron: read jobs: %w", err)
	}
	var jobs []*Job
	if err := json.Unmarshal(raw, &jobs); err != nil {
		return fmt.Errorf("cron: decode jobs: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return nil
}

// saveLocked must be called with mu held.
func (s *Store) saveLocked() error {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	raw, err := json.Marshal(jobs)
	if err != nil {
		return fmt.Errorf("cron: encode jobs: %w", err)
	}
	return store.WriteFileAtomic(s.jobsPath(), raw, 0o644)
}

// List returns every registered job.
func (s *Store) List() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

// Get returns a single job by id.
func (s *Store) Get(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

// Upsert creates a new job (empty id) or updates an existing one, validating
// the schedule expression and computing its first/next run time.
func (s *Store) Upsert(j Job) (*Job, error) {
	sched, err := parser.Parse(j.Schedule)
	if err != nil {
		return nil, fmt.Errorf("cron: invalid schedule %q: %w", j.Schedule, err)
	}

	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.jobs[j.ID]
	if !ok {
		if len(s.jobs) >= MaxJobs {
			return nil, fmt.Errorf("cron: registry full (max %d jobs)", MaxJobs)
		}
		j.ID = idgen.Job()
		j.CreatedAt = now
	} else {
		j.CreatedAt = existing.CreatedAt
		j.LastRun = existing.LastRun
		j.LastStatus = existing.LastStatus
		j.LastError = existing.LastError
	}
	j.UpdatedAt = now
	j.NextRun = sched.Next(now)

	s.jobs[j.ID] = &j
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return &j, nil
}

// Delete removes a job from the registry.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("cron: job %q not found", id)
	}
	delete(s.jobs, id)
	return s.saveLocked()
}

// Runs returns the recorded execution history for a job, most recent last.
func (s *Store) Runs(jobID string) ([]Run, error) {
	raw, err := os.ReadFile(s.runsPath(jobID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cron: read runs: %w", err)
	}

	var runs []Run
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r Run
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("cron: decode run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("cron: scan runs: %w", err)
	}
	return runs, nil
}

// recordRun appends a run outcome and advances the job's next_run/last_run
// bookkeeping.
func (s *Store) recordRun(j *Job, run Run, sched cronparse.Schedule) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("cron: encode run: %w", err)
	}
	raw = append(raw, '\n')
	if err := store.AppendFileAtomic(s.runsPath(j.ID), raw, 0o644); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	j.LastRun = run.StartedAt
	j.LastStatus = run.Status
	j.LastError = run.Error
	j.NextRun = sched.Next(run.StartedAt)
	return s.saveLocked()
}
