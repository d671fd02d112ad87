package queue

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusWaiting Status = "waiting"
	StatusDead    Status = "dead"
)

const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Backoff decides how long a failed job waits before its next attempt
type Backoff struct {
	Type  string        `json:"type"`
	Delay time.Duration `json:"delay"`
}

// MaxBackoff caps exponential backoff. A fixed delay is used as given.
const MaxBackoff = 24 * time.Hour

// Next returns the delay after the given number of failed attempts
func (b Backoff) Next(attemptsMade int) time.Duration {
	if b.Type != BackoffExponential || b.Delay <= 0 || b.Delay >= MaxBackoff {
		return b.Delay
	}
	d := b.Delay
	for i := 1; i < attemptsMade && d < MaxBackoff; i++ {
		d *= 2
	}
	if d > MaxBackoff {
		return MaxBackoff
	}
	return d
}

// Options control how many times a job is attempted and how failures are spaced
type Options struct {
	Attempts int     `json:"attempts"`
	Backoff  Backoff `json:"backoff"`
}

// DefaultOptions is five attempts, ten seconds apart
func DefaultOptions() Options {
	return Options{
		Attempts: 5,
		Backoff: Backoff{
			Type:  BackoffFixed,
			Delay: 10 * time.Second,
		},
	}
}

type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload"`
	AttemptsMade int             `json:"attemptsMade"`
	Options      Options         `json:"options"`
	// the job isn't claimed before RunAt
	RunAt     time.Time `json:"runAt"`
	LastError string    `json:"lastError,omitempty"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// Decode unmarshals the job's payload into v
func (j *Job) Decode(v interface{}) error {
	return json.Unmarshal(j.Payload, v)
}

func (j *Job) exhausted() bool {
	return j.AttemptsMade >= j.Options.Attempts
}
