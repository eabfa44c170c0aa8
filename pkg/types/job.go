// Package types defines the wire-level domain model shared by every
// broker backend: jobs, their status, and periodic-task registrations.
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a Job.
//
//	NOT_SET --enqueue--> QUEUED --dispense--> RUNNING --success--> SUCCEEDED
//	                        ^                    |
//	                        +------ retry -------+
//	                                             |
//	                                             +--permanent failure--> FAILED
//
// QUEUED and RUNNING are observable broker states; SUCCEEDED and FAILED
// are terminal and are never stored by a backend.
type JobStatus int

const (
	StatusNotSet JobStatus = iota
	StatusQueued
	StatusRunning
	StatusSucceeded
	StatusFailed
)

func (s JobStatus) String() string {
	switch s {
	case StatusQueued:
		return "QUEUED"
	case StatusRunning:
		return "RUNNING"
	case StatusSucceeded:
		return "SUCCEEDED"
	case StatusFailed:
		return "FAILED"
	default:
		return "NOT_SET"
	}
}

// JobID is a 128-bit job identifier, generated once at creation.
type JobID uuid.UUID

// NewJobID generates a fresh random job id.
func NewJobID() JobID {
	return JobID(uuid.New())
}

func (id JobID) String() string {
	return uuid.UUID(id).String()
}

func (id JobID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

func (id *JobID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("types: invalid job id %q: %w", s, err)
	}
	*id = JobID(parsed)
	return nil
}

// Job is a unit of work dispensed to exactly one worker at a time.
//
// A job is idempotent iff MaxRetries >= 1; only idempotent jobs are
// ever recorded in a broker's running set, since recording a
// non-idempotent job would imply it is safe to recover and re-run it,
// which it is not.
type Job struct {
	ID         JobID           `json:"id"`
	Status     JobStatus       `json:"status"`
	TaskName   string          `json:"task_name"`
	Queue      string          `json:"queue"`
	At         time.Time       `json:"at"`
	MaxRetries int             `json:"max_retries"`
	Retries    int             `json:"retries"`
	TaskArgs   json.RawMessage `json:"task_args,omitempty"`
	TaskKwargs json.RawMessage `json:"task_kwargs,omitempty"`
}

// NewJob builds a job ready for enqueue. At should be UTC; callers that
// want an immediately-ready job pass the broker's current time.
func NewJob(taskName, queue string, at time.Time, maxRetries int) *Job {
	return &Job{
		ID:         NewJobID(),
		Status:     StatusNotSet,
		TaskName:   taskName,
		Queue:      queue,
		At:         at.UTC(),
		MaxRetries: maxRetries,
	}
}

// Idempotent reports whether this job may be retried, and therefore
// whether a backend must track it in a running set while dispensed.
func (j *Job) Idempotent() bool {
	return j.MaxRetries >= 1
}

// Clone returns a deep copy safe to mutate independently of j.
func (j *Job) Clone() *Job {
	clone := *j
	if j.TaskArgs != nil {
		clone.TaskArgs = append(json.RawMessage(nil), j.TaskArgs...)
	}
	if j.TaskKwargs != nil {
		clone.TaskKwargs = append(json.RawMessage(nil), j.TaskKwargs...)
	}
	return &clone
}

// Equal compares jobs by content, as required by spec: "Job equality is
// by content."
func (j *Job) Equal(other *Job) bool {
	if j == nil || other == nil {
		return j == other
	}
	return j.ID == other.ID &&
		j.Status == other.Status &&
		j.TaskName == other.TaskName &&
		j.Queue == other.Queue &&
		j.At.Equal(other.At) &&
		j.MaxRetries == other.MaxRetries &&
		j.Retries == other.Retries &&
		string(j.TaskArgs) == string(other.TaskArgs) &&
		string(j.TaskKwargs) == string(other.TaskKwargs)
}

// wireJob is the on-the-wire shape of a Job: field order and the
// RFC3339Nano timestamp encoding are part of the contract in spec §6.
type wireJob struct {
	ID         JobID           `json:"id"`
	Status     int             `json:"status"`
	TaskName   string          `json:"task_name"`
	Queue      string          `json:"queue"`
	At         string          `json:"at"`
	MaxRetries int             `json:"max_retries"`
	Retries    int             `json:"retries"`
	TaskArgs   json.RawMessage `json:"task_args,omitempty"`
	TaskKwargs json.RawMessage `json:"task_kwargs,omitempty"`
}

// Serialize renders the job to its stable textual wire form.
func (j *Job) Serialize() (string, error) {
	w := wireJob{
		ID:         j.ID,
		Status:     int(j.Status),
		TaskName:   j.TaskName,
		Queue:      j.Queue,
		At:         j.At.UTC().Format(time.RFC3339Nano),
		MaxRetries: j.MaxRetries,
		Retries:    j.Retries,
		TaskArgs:   j.TaskArgs,
		TaskKwargs: j.TaskKwargs,
	}
	data, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("types: serialize job %s: %w", j.ID, err)
	}
	return string(data), nil
}

// DeserializeJob parses the wire form produced by Serialize.
// deserialize(serialize(j)) == j is required to hold.
func DeserializeJob(data string) (*Job, error) {
	var w wireJob
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return nil, fmt.Errorf("types: deserialize job: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, w.At)
	if err != nil {
		return nil, fmt.Errorf("types: deserialize job %s: bad timestamp %q: %w", w.ID, w.At, err)
	}
	return &Job{
		ID:         w.ID,
		Status:     JobStatus(w.Status),
		TaskName:   w.TaskName,
		Queue:      w.Queue,
		At:         at.UTC(),
		MaxRetries: w.MaxRetries,
		Retries:    w.Retries,
		TaskArgs:   w.TaskArgs,
		TaskKwargs: w.TaskKwargs,
	}, nil
}
