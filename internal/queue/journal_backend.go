package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"bankledger/internal/journal"
)

var _ Backend = (*Journal)(nil)

type eventType string

const (
	eventPush     eventType = "push"
	eventRetry    eventType = "retry"
	eventComplete eventType = "complete"
	eventBury     eventType = "bury"
)

type event struct {
	Type eventType `json:"type"`
	Job  *Job      `json:"job"`
}

// Journal is a Backend for a single process without Redis. Every transition
// is appended to a local commit log and the state is rebuilt by replay on open.
// Leases live in memory only, so jobs claimed before a crash are due again on restart.
type Journal struct {
	mu      sync.Mutex
	log     *journal.Journal
	waiting map[string]*Job
	dead    map[string]*Job
}

// OpenJournal opens (or creates) the journal in dir and replays it
func OpenJournal(dir string) (*Journal, error) {
	c := journal.Config{SyncWrites: true}
	c.Segment.MaxStoreBytes = 4 << 20
	c.Segment.MaxIndexBytes = 1 << 20

	log, err := journal.Open(dir, c)
	if err != nil {
		return nil, fmt.Errorf("opening queue journal: %w", err)
	}

	j := &Journal{
		log:     log,
		waiting: make(map[string]*Job),
		dead:    make(map[string]*Job),
	}
	err = log.Replay(func(off uint64, record []byte) error {
		var e event
		if err := json.Unmarshal(record, &e); err != nil {
			return fmt.Errorf("decoding event at offset %d: %w", off, err)
		}
		j.apply(e)
		return nil
	})
	if err != nil {
		_ = log.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) apply(e event) {
	switch e.Type {
	case eventPush, eventRetry:
		j.waiting[e.Job.ID] = e.Job
	case eventComplete:
		delete(j.waiting, e.Job.ID)
	case eventBury:
		delete(j.waiting, e.Job.ID)
		j.dead[e.Job.ID] = e.Job
	}
}

// record appends the event and applies it. Caller holds j.mu.
func (j *Journal) record(t eventType, job *Job) error {
	c := *job
	e := event{Type: t, Job: &c}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err = j.log.Append(b); err != nil {
		return err
	}
	j.apply(e)
	return nil
}

func (j *Journal) Push(_ context.Context, job *Job) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.record(eventPush, job)
}

func (j *Journal) Claim(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*Job, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var due []*Job
	for _, job := range j.waiting {
		if !job.RunAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(a, b int) bool {
		if due[a].RunAt.Equal(due[b].RunAt) {
			return due[a].CreatedAt.Before(due[b].CreatedAt)
		}
		return due[a].RunAt.Before(due[b].RunAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*Job, 0, len(due))
	for _, job := range due {
		c := *job
		claimed = append(claimed, &c)
		// hidden until the lease runs out
		job.RunAt = now.Add(lease)
	}
	return claimed, nil
}

func (j *Journal) Retry(_ context.Context, job *Job) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.record(eventRetry, job)
}

func (j *Journal) Complete(_ context.Context, job *Job) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.record(eventComplete, job)
}

func (j *Journal) Bury(_ context.Context, job *Job) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.record(eventBury, job)
}

func (j *Journal) DeadLetters(_ context.Context) ([]*Job, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	jobs := make([]*Job, 0, len(j.dead))
	for _, job := range j.dead {
		c := *job
		jobs = append(jobs, &c)
	}
	sortJobs(jobs)
	return jobs, nil
}

// Waiting lists jobs not yet settled
func (j *Journal) Waiting() []*Job {
	j.mu.Lock()
	defer j.mu.Unlock()

	jobs := make([]*Job, 0, len(j.waiting))
	for _, job := range j.waiting {
		c := *job
		jobs = append(jobs, &c)
	}
	sortJobs(jobs)
	return jobs
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.log.Close()
}
