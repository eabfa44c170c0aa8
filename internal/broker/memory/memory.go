// Package memory implements the broker.Backend contract for a single
// process, backed by in-process data structures and an Event — no
// network round-trips, no peers, no dead-broker detection. Intended
// for tests and embedded use (spec §4.2).
//
// Design mirrors the teacher's JobManager: one mutex guards a handful
// of maps and slices that together are the single source of truth, and
// every method that reads or changes them takes the lock for the
// duration of that access. WaitForEvent does not hold the lock while
// it blocks.
package memory

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/broker-core/internal/broker"
	"github.com/ChuLiYu/broker-core/internal/clock"
	"github.com/ChuLiYu/broker-core/pkg/types"
)

var log = slog.Default()

// Broker is the in-process implementation of broker.Backend.
type Broker struct {
	mu sync.Mutex

	cfg   broker.Config
	clk   clock.Clock
	id    string
	event *broker.Event

	started bool
	stopped bool

	queues  map[string][]*types.Job
	future  futureHeap
	seq     uint64
	running map[types.JobID]*types.Job

	idempotencyTokens map[string]struct{}

	periodicTasks   map[string]*types.PeriodicTask
	periodicLastRun map[string]time.Time
}

// New creates an in-memory broker. clk may be a *clock.Mock in tests;
// production callers should pass clock.Real{}.
func New(cfg broker.Config, clk clock.Clock) *Broker {
	return &Broker{
		cfg:               cfg.WithDefaults(),
		clk:               clk,
		event:             broker.NewEvent(),
		queues:            make(map[string][]*types.Job),
		running:           make(map[types.JobID]*types.Job),
		idempotencyTokens: make(map[string]struct{}),
		periodicTasks:     make(map[string]*types.PeriodicTask),
		periodicLastRun:   make(map[string]time.Time),
	}
}

// Start generates this broker's instance id. The in-memory backend has
// no peers, so there is no heartbeat loop to start.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	b.id = uuid.New().String()
	b.started = true
	log.Info("memory broker started", "broker_id", b.id)
	return nil
}

// Stop is idempotent; it only needs to wake any blocked WaitForEvent.
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.mu.Unlock()

	b.event.Set()
	log.Info("memory broker stopped", "broker_id", b.id)
	return nil
}

// EnqueueJobs implements broker.Backend.EnqueueJobs.
func (b *Broker) EnqueueJobs(ctx context.Context, jobs []*types.Job, opts ...broker.EnqueueOption) error {
	token := broker.EnqueueOptions(opts)

	b.mu.Lock()
	defer b.mu.Unlock()

	if token != "" {
		if _, seen := b.idempotencyTokens[token]; seen {
			return nil
		}
		b.idempotencyTokens[token] = struct{}{}
	}

	now := b.clk.Now()
	for _, job := range jobs {
		job = job.Clone()
		delete(b.running, job.ID)

		if job.At.After(now) {
			job.Status = types.StatusQueued
			b.seq++
			heap.Push(&b.future, &futureItem{job: job, seq: b.seq})
			continue
		}

		job.Status = types.StatusQueued
		b.queues[job.Queue] = append(b.queues[job.Queue], job)
	}

	// Either an immediate job landed on a queue, or the future set may
	// now have an earlier head — both can shorten a blocked
	// WaitForEvent's timeout, so always wake waiters.
	if len(jobs) > 0 {
		b.event.Set()
	}

	return nil
}

// GetJobsFromQueue implements broker.Backend.GetJobsFromQueue.
func (b *Broker) GetJobsFromQueue(ctx context.Context, queueName string, maxJobs int) ([]*types.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queues[queueName]
	if len(q) == 0 {
		return nil, nil
	}

	n := maxJobs
	if n > len(q) {
		n = len(q)
	}

	popped := q[:n]
	b.queues[queueName] = q[n:]

	result := make([]*types.Job, 0, n)
	for _, job := range popped {
		job.Status = types.StatusRunning
		if job.Idempotent() {
			b.running[job.ID] = job.Clone()
		}
		result = append(result, job)
	}
	return result, nil
}

// RemoveJobFromRunning implements broker.Backend.RemoveJobFromRunning.
func (b *Broker) RemoveJobFromRunning(ctx context.Context, job *types.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.running, job.ID)
	return nil
}

// RunningJobs returns a snapshot of every job currently recorded in
// this broker's running set. Not part of broker.Backend; exists for
// the same introspection reasons as redisbroker.Broker.RunningJobs.
func (b *Broker) RunningJobs(ctx context.Context) ([]*types.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	jobs := make([]*types.Job, 0, len(b.running))
	for _, job := range b.running {
		jobs = append(jobs, job.Clone())
	}
	return jobs, nil
}

// MoveFutureJobs implements broker.Backend.MoveFutureJobs. The
// in-memory backend has no peers, so dead-broker recovery is a no-op;
// only the future-set promotion and periodic-task evaluation apply.
func (b *Broker) MoveFutureJobs(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	moved := 0
	for len(b.future) > 0 && !b.future[0].job.At.After(now) {
		item := heap.Pop(&b.future).(*futureItem)
		job := item.job
		b.queues[job.Queue] = append(b.queues[job.Queue], job)
		moved++
	}
	if moved > 0 {
		b.event.Set()
	}

	b.evaluatePeriodicTasksLocked(now)

	return moved, nil
}

// evaluatePeriodicTasksLocked enqueues the next occurrence of every
// periodic task whose periodicity has elapsed since its last run. Must
// be called with b.mu held.
func (b *Broker) evaluatePeriodicTasksLocked(now time.Time) {
	for name, task := range b.periodicTasks {
		last, ok := b.periodicLastRun[name]
		if ok && now.Before(last.Add(task.Periodicity)) {
			continue
		}
		b.periodicLastRun[name] = now

		job := types.NewJob(task.Name, task.Queue, now, task.MaxRetries)
		job.Status = types.StatusQueued
		b.queues[job.Queue] = append(b.queues[job.Queue], job)
	}
}

// EnqueueJobsFromDeadBroker implements broker.Backend. The in-memory
// backend never has peers, so there is never anything to recover.
func (b *Broker) EnqueueJobsFromDeadBroker(ctx context.Context, peerID string) (int, error) {
	return 0, nil
}

// RegisterPeriodicTasks implements broker.Backend.RegisterPeriodicTasks.
func (b *Broker) RegisterPeriodicTasks(ctx context.Context, tasks []*types.PeriodicTask) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := make(map[string]*types.PeriodicTask, len(tasks))
	for _, t := range tasks {
		next[t.Name] = t
	}
	for name := range b.periodicLastRun {
		if _, ok := next[name]; !ok {
			delete(b.periodicLastRun, name)
		}
	}
	b.periodicTasks = next
	return nil
}

// NextFutureJobDelta implements broker.Backend.NextFutureJobDelta.
func (b *Broker) NextFutureJobDelta(ctx context.Context) (*time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.future) == 0 {
		return nil, nil
	}
	delta := b.future[0].job.At.Sub(b.clk.Now())
	rounded := time.Duration(broker.CeilSeconds(delta)) * time.Second
	return &rounded, nil
}

// WaitForEvent implements broker.Backend.WaitForEvent.
func (b *Broker) WaitForEvent(ctx context.Context) {
	delta, _ := b.NextFutureJobDelta(ctx)
	timeout := broker.WaitTimeout(delta, b.cfg.WaitForEventMaxSeconds)

	if b.event.Wait(timeout) {
		b.event.Clear()
	}
}

// ID returns this broker's instance id, assigned at Start.
func (b *Broker) ID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.id
}

// String implements fmt.Stringer for debugging/log output.
func (b *Broker) String() string {
	return fmt.Sprintf("memory.Broker{id=%s}", b.ID())
}
