// Package redisbroker implements the broker.Backend contract against a
// shared Redis instance, so multiple processes can dispense from the
// same queues, detect each other's death, and recover a dead peer's
// in-flight work (spec §4.3). Every compound state transition runs as
// one of the Lua scripts in scripts.go, so it is atomic with respect to
// every other broker instance sharing the same namespace.
package redisbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/broker-core/internal/broker"
	"github.com/ChuLiYu/broker-core/internal/clock"
	"github.com/ChuLiYu/broker-core/pkg/types"
)

var log = slog.Default()

// Broker is the Redis-backed implementation of broker.Backend.
type Broker struct {
	cfg broker.Config
	clk clock.Clock
	rdb redis.UniversalClient
	id  string

	mu      sync.Mutex
	started bool
	stopped bool

	event  *broker.Event
	sub    *redis.PubSub
	cancel context.CancelFunc
}

// New wraps an already-configured redis client. Callers own the
// client's lifecycle except that Stop closes the pub/sub subscription
// this broker opens in Start.
func New(cfg broker.Config, clk clock.Clock, rdb redis.UniversalClient) *Broker {
	return &Broker{
		cfg:   cfg.WithDefaults(),
		clk:   clk,
		rdb:   rdb,
		event: broker.NewEvent(),
	}
}

// Start assigns this broker's instance id and subscribes to the
// namespace's notification channel, forwarding every message onto the
// local Event so WaitForEvent wakes as soon as a peer publishes.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}

	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis ping: %v", broker.ErrTransport, err)
	}

	b.id = uuid.New().String()

	sub := b.rdb.Subscribe(ctx, notificationsChannelKey(b.cfg.Namespace))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("%w: redis subscribe: %v", broker.ErrTransport, err)
	}
	b.sub = sub

	subCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.forward(subCtx, sub)

	b.started = true
	log.Info("redis broker started", "broker_id", b.id, "namespace", b.cfg.Namespace)
	return nil
}

// forward relays pub/sub notifications onto the local Event. It also
// sets the Event on a MustStopPeriodicitySeconds ticker as a fallback:
// a PUBLISH can be dropped by a client that (re)connects between the
// SUBSCRIBE and the message, and a waiter should not block past the
// maintenance loop's own poll cadence just because one notification
// went missing.
func (b *Broker) forward(ctx context.Context, sub *redis.PubSub) {
	ch := sub.Channel()

	ticker := time.NewTicker(time.Duration(b.cfg.MustStopPeriodicitySeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok || msg == nil {
				return
			}
			b.event.Set()
		case <-ticker.C:
			b.event.Set()
		}
	}
}

// Stop unsubscribes and deregisters this broker from the shared
// registry so peers stop waiting on its heartbeat. It does not close
// the underlying redis client, which the caller owns. Idempotent.
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	cancel := b.cancel
	sub := b.sub
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		_ = sub.Close()
	}
	b.event.Set()

	if err := b.rdb.HDel(ctx, brokersSetKey(b.cfg.Namespace), b.id).Err(); err != nil {
		return fmt.Errorf("%w: deregister broker: %v", broker.ErrTransport, err)
	}
	log.Info("redis broker stopped", "broker_id", b.id)
	return nil
}

// enqueueJobWire is the per-job shape handed to enqueueScript.
type enqueueJobWire struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`
	At    int64  `json:"at"`
	Job   string `json:"job"`
}

// EnqueueJobs implements broker.Backend.EnqueueJobs.
func (b *Broker) EnqueueJobs(ctx context.Context, jobs []*types.Job, opts ...broker.EnqueueOption) error {
	token := broker.EnqueueOptions(opts)

	now := b.clk.Now()
	wire := make([]enqueueJobWire, 0, len(jobs))
	for _, job := range jobs {
		job = job.Clone()
		job.Status = types.StatusQueued
		serialized, err := job.Serialize()
		if err != nil {
			return fmt.Errorf("%w: %v", broker.ErrSerialization, err)
		}
		wire = append(wire, enqueueJobWire{
			ID:    job.ID.String(),
			Queue: job.Queue,
			At:    job.At.UTC().Unix(),
			Job:   serialized,
		})
	}

	payload, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("%w: %v", broker.ErrSerialization, err)
	}

	keys := []string{
		idempotencyTokensSetKey(b.cfg.Namespace),
		futureJobsSetKey(b.cfg.Namespace),
		runningJobsKey(b.cfg.Namespace, b.id),
		notificationsChannelKey(b.cfg.Namespace),
	}
	_, err = enqueueScript.Run(ctx, b.rdb, keys,
		b.cfg.Namespace, strconv.FormatInt(now.Unix(), 10), token, string(payload),
	).Result()
	if err != nil {
		return fmt.Errorf("%w: enqueue: %v", broker.ErrTransport, err)
	}
	return nil
}

// GetJobsFromQueue implements broker.Backend.GetJobsFromQueue.
func (b *Broker) GetJobsFromQueue(ctx context.Context, queue string, maxJobs int) ([]*types.Job, error) {
	keys := []string{queueKey(b.cfg.Namespace, queue), runningJobsKey(b.cfg.Namespace, b.id)}
	res, err := dispenseScript.Run(ctx, b.rdb, keys, maxJobs).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: dispense: %v", broker.ErrTransport, err)
	}

	raw, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: dispense: unexpected reply shape", broker.ErrInvariantViolation)
	}

	jobs := make([]*types.Job, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%w: dispense: unexpected job encoding", broker.ErrInvariantViolation)
		}
		job, err := types.DeserializeJob(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", broker.ErrSerialization, err)
		}
		job.Status = types.StatusRunning
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RemoveJobFromRunning implements broker.Backend.RemoveJobFromRunning.
func (b *Broker) RemoveJobFromRunning(ctx context.Context, job *types.Job) error {
	keys := []string{runningJobsKey(b.cfg.Namespace, b.id)}
	if err := removeRunningScript.Run(ctx, b.rdb, keys, job.ID.String()).Err(); err != nil {
		return fmt.Errorf("%w: remove from running: %v", broker.ErrTransport, err)
	}
	return nil
}

// RunningJobs returns a snapshot of every job currently recorded in
// this broker's running hash. It is not part of broker.Backend (the
// spec never asks a caller to list running jobs); it exists so tests
// and operational tooling can inspect the running set the same way
// they can inspect a queue via GetJobsFromQueue.
func (b *Broker) RunningJobs(ctx context.Context) ([]*types.Job, error) {
	raw, err := b.rdb.HGetAll(ctx, runningJobsKey(b.cfg.Namespace, b.id)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: running jobs: %v", broker.ErrTransport, err)
	}
	jobs := make([]*types.Job, 0, len(raw))
	for _, s := range raw {
		job, err := types.DeserializeJob(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", broker.ErrSerialization, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// MoveFutureJobs implements broker.Backend.MoveFutureJobs. Periodic
// tasks found due are built and enqueued here, not inside the script
// itself (see moveFutureJobsScript); that enqueue is a separate script
// call and shares no atomicity with the script's promotion pass.
func (b *Broker) MoveFutureJobs(ctx context.Context) (int, error) {
	now := b.clk.Now()
	keys := []string{
		futureJobsSetKey(b.cfg.Namespace),
		brokersSetKey(b.cfg.Namespace),
		periodicTasksHashKey(b.cfg.Namespace),
		periodicTasksLastRunHashKey(b.cfg.Namespace),
		notificationsChannelKey(b.cfg.Namespace),
	}
	res, err := moveFutureJobsScript.Run(ctx, b.rdb, keys,
		b.cfg.Namespace, strconv.FormatInt(now.Unix(), 10), b.id, b.cfg.BrokerDeadThresholdSeconds,
	).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: move future jobs: %v", broker.ErrTransport, err)
	}

	top, ok := res.([]interface{})
	if !ok || len(top) != 3 {
		return 0, fmt.Errorf("%w: move future jobs: unexpected reply shape", broker.ErrInvariantViolation)
	}
	promoted, _ := top[0].(int64)
	dueTasks, _ := top[1].([]interface{})
	deadBrokers, _ := top[2].([]interface{})

	for _, raw := range dueTasks {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		task, err := types.DeserializePeriodicTask(s)
		if err != nil {
			log.Warn("skipping malformed periodic task record", "error", err)
			continue
		}
		job := types.NewJob(task.Name, task.Queue, now, task.MaxRetries)
		job.Status = types.StatusQueued
		if err := b.EnqueueJobs(ctx, []*types.Job{job}); err != nil {
			log.Warn("failed to enqueue due periodic task", "task", task.Name, "error", err)
			continue
		}
	}

	for _, raw := range deadBrokers {
		peerID, ok := raw.(string)
		if !ok {
			continue
		}
		if _, err := b.EnqueueJobsFromDeadBroker(ctx, peerID); err != nil {
			log.Warn("failed to recover dead broker", "peer_id", peerID, "error", err)
		}
	}

	return int(promoted), nil
}

// EnqueueJobsFromDeadBroker implements broker.Backend.EnqueueJobsFromDeadBroker.
func (b *Broker) EnqueueJobsFromDeadBroker(ctx context.Context, peerID string) (int, error) {
	keys := []string{
		runningJobsKey(b.cfg.Namespace, peerID),
		brokersSetKey(b.cfg.Namespace),
		notificationsChannelKey(b.cfg.Namespace),
	}
	res, err := recoverDeadBrokerScript.Run(ctx, b.rdb, keys, b.cfg.Namespace, peerID).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: recover dead broker: %v", broker.ErrTransport, err)
	}
	recovered, _ := res.(int64)
	if recovered > 0 {
		log.Info("recovered dead broker", "peer_id", peerID, "jobs", recovered)
	}
	return int(recovered), nil
}

// RegisterPeriodicTasks implements broker.Backend.RegisterPeriodicTasks.
func (b *Broker) RegisterPeriodicTasks(ctx context.Context, tasks []*types.PeriodicTask) error {
	wire := make([]string, 0, len(tasks))
	for _, t := range tasks {
		s, err := t.Serialize()
		if err != nil {
			return fmt.Errorf("%w: %v", broker.ErrSerialization, err)
		}
		wire = append(wire, s)
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("%w: %v", broker.ErrSerialization, err)
	}

	keys := []string{
		periodicTasksHashKey(b.cfg.Namespace),
		periodicTasksLastRunHashKey(b.cfg.Namespace),
	}
	if err := registerPeriodicTasksScript.Run(ctx, b.rdb, keys, string(payload)).Err(); err != nil {
		return fmt.Errorf("%w: register periodic tasks: %v", broker.ErrTransport, err)
	}
	return nil
}

// NextFutureJobDelta implements broker.Backend.NextFutureJobDelta.
func (b *Broker) NextFutureJobDelta(ctx context.Context) (*time.Duration, error) {
	res, err := b.rdb.ZRangeWithScores(ctx, futureJobsSetKey(b.cfg.Namespace), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: next future job delta: %v", broker.ErrTransport, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	at := time.Unix(int64(res[0].Score), 0).UTC()
	delta := at.Sub(b.clk.Now())
	rounded := time.Duration(broker.CeilSeconds(delta)) * time.Second
	return &rounded, nil
}

// WaitForEvent implements broker.Backend.WaitForEvent. It blocks on the
// local Event, which a peer's PUBLISH (forwarded by Start's subscriber
// goroutine) or Stop wakes, bounded by the next future job's delta or
// the configured ceiling, whichever is sooner.
func (b *Broker) WaitForEvent(ctx context.Context) {
	delta, err := b.NextFutureJobDelta(ctx)
	if err != nil {
		delta = nil
	}
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
	return fmt.Sprintf("redisbroker.Broker{id=%s, namespace=%s}", b.ID(), b.cfg.Namespace)
}

// Flush removes every key this broker's namespace owns. Test-only:
// production callers have no business wiping a shared namespace.
func (b *Broker) Flush(ctx context.Context) error {
	keys, err := b.rdb.Keys(ctx, b.cfg.Namespace+"/*").Result()
	if err != nil {
		return fmt.Errorf("%w: flush: %v", broker.ErrTransport, err)
	}
	if len(keys) == 0 {
		return nil
	}
	return b.rdb.Del(ctx, keys...).Err()
}
