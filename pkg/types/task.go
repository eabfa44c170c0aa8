package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// PeriodicTask is a registration record for a recurring task. The set
// of periodic tasks is keyed by Name; registering with an existing name
// overwrites the previous record.
type PeriodicTask struct {
	Name        string        `json:"name"`
	Queue       string        `json:"queue"`
	MaxRetries  int           `json:"max_retries"`
	Periodicity time.Duration `json:"-"`
}

// wirePeriodicTask mirrors the original implementation's field order
// exactly (alphabetical, the result of serializing with sorted keys):
// max_retries, name, periodicity, queue. Tests assert this byte-for-byte.
type wirePeriodicTask struct {
	MaxRetries  int    `json:"max_retries"`
	Name        string `json:"name"`
	Periodicity int64  `json:"periodicity"`
	Queue       string `json:"queue"`
}

// Serialize renders the task record to its stable textual wire form.
// Periodicity is emitted as whole seconds.
func (t *PeriodicTask) Serialize() (string, error) {
	w := wirePeriodicTask{
		MaxRetries:  t.MaxRetries,
		Name:        t.Name,
		Periodicity: int64(t.Periodicity / time.Second),
		Queue:       t.Queue,
	}
	data, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("types: serialize periodic task %s: %w", t.Name, err)
	}
	return string(data), nil
}

// DeserializePeriodicTask parses the wire form produced by Serialize.
func DeserializePeriodicTask(data string) (*PeriodicTask, error) {
	var w wirePeriodicTask
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return nil, fmt.Errorf("types: deserialize periodic task: %w", err)
	}
	return &PeriodicTask{
		Name:        w.Name,
		Queue:       w.Queue,
		MaxRetries:  w.MaxRetries,
		Periodicity: time.Duration(w.Periodicity) * time.Second,
	}, nil
}

// Equal compares periodic-task records by name, as required by spec.
func (t *PeriodicTask) Equal(other *PeriodicTask) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.Name == other.Name
}

// NextOccurrence returns the next run, given the last time this task
// ran (zero value if it has never run).
func (t *PeriodicTask) NextOccurrence(lastRun time.Time) time.Time {
	if lastRun.IsZero() {
		return lastRun
	}
	return lastRun.Add(t.Periodicity)
}
