// Package broker defines the contract every job-broker backend must
// satisfy (spec §4.1), independent of whether jobs live in one
// process's memory or in a shared Redis instance.
package broker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/broker-core/pkg/types"
)

// Defaults for the configuration knobs named in spec §6.
const (
	// DefaultWaitForEventMaxSeconds bounds how long WaitForEvent blocks
	// when no future job is scheduled sooner.
	DefaultWaitForEventMaxSeconds = 5 * 60

	// DefaultBrokerDeadThresholdSeconds is how long a broker may go
	// without a heartbeat before peers consider it dead.
	DefaultBrokerDeadThresholdSeconds = 30

	// DefaultMustStopPeriodicitySeconds bounds how quickly a backend's
	// background maintenance loop notices a shutdown request.
	DefaultMustStopPeriodicitySeconds = 5
)

// Config holds the options recognized by every backend (spec §6).
type Config struct {
	// Namespace prefixes every key/queue name this broker touches, so
	// multiple deployments can share one store.
	Namespace string

	// BrokerDeadThresholdSeconds is how stale a peer's heartbeat may be
	// before it is recovered from. Ignored by the in-memory backend,
	// which has no peers.
	BrokerDeadThresholdSeconds int

	// MustStopPeriodicitySeconds bounds the maintenance loop's poll
	// period, independent of any event-driven wakeup. Only the Redis
	// backend uses it; the in-memory backend ignores it.
	MustStopPeriodicitySeconds int

	// WaitForEventMaxSeconds is the ceiling on WaitForEvent's block time.
	WaitForEventMaxSeconds int
}

// WithDefaults fills zero-valued fields with the package defaults.
func (c Config) WithDefaults() Config {
	if c.BrokerDeadThresholdSeconds <= 0 {
		c.BrokerDeadThresholdSeconds = DefaultBrokerDeadThresholdSeconds
	}
	if c.MustStopPeriodicitySeconds <= 0 {
		c.MustStopPeriodicitySeconds = DefaultMustStopPeriodicitySeconds
	}
	if c.WaitForEventMaxSeconds <= 0 {
		c.WaitForEventMaxSeconds = DefaultWaitForEventMaxSeconds
	}
	return c
}

// IdempotencyTokenGenerator returns a fresh random token. It is a
// package-level var so it can be substituted. Neither backend calls
// it: EnqueueJobs collapses duplicates only by a token passed with
// WithIdempotencyToken, and a call without that option records no
// token at all.
var IdempotencyTokenGenerator = func() string {
	return uuid.New().String()
}

// Backend is the contract every broker implementation satisfies.
// Both the in-memory and the Redis-backed implementations in this
// module implement it identically; callers should depend on this
// interface, not on a concrete backend type.
type Backend interface {
	// Start acquires resources and begins any background maintenance.
	Start(ctx context.Context) error

	// Stop signals shutdown and releases resources. Idempotent.
	Stop(ctx context.Context) error

	// EnqueueJobs atomically places each job on its queue or the future
	// set, collapsing jobs whose IdempotencyToken has already been
	// seen. Partial success is not allowed.
	EnqueueJobs(ctx context.Context, jobs []*types.Job, opts ...EnqueueOption) error

	// GetJobsFromQueue removes up to maxJobs jobs from the head of
	// queue, recording idempotent ones as running.
	GetJobsFromQueue(ctx context.Context, queue string, maxJobs int) ([]*types.Job, error)

	// RemoveJobFromRunning removes job from this broker's running set.
	// Silently succeeds if absent or non-idempotent.
	RemoveJobFromRunning(ctx context.Context, job *types.Job) error

	// MoveFutureJobs promotes ripe future jobs, refreshes this broker's
	// heartbeat, recovers dead peers, and enqueues due periodic tasks.
	// It returns the number of jobs promoted from the future set on
	// this call (dead-peer recoveries are not counted).
	MoveFutureJobs(ctx context.Context) (int, error)

	// EnqueueJobsFromDeadBroker drains peerID's running set back onto
	// its queues, incrementing each job's retry count. Returns the
	// count recovered; 0 on any call after the first for a given peer.
	EnqueueJobsFromDeadBroker(ctx context.Context, peerID string) (int, error)

	// RegisterPeriodicTasks replaces the set of periodic-task
	// registrations with exactly tasks.
	RegisterPeriodicTasks(ctx context.Context, tasks []*types.PeriodicTask) error

	// NextFutureJobDelta returns the time until the future set's head
	// becomes ripe, or nil if the future set is empty. It never mutates
	// state.
	NextFutureJobDelta(ctx context.Context) (*time.Duration, error)

	// WaitForEvent blocks until new work arrives, the next future job
	// becomes due, or a bounded ceiling elapses.
	WaitForEvent(ctx context.Context)
}

// EnqueueOption customizes a single EnqueueJobs call.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	idempotencyToken string
}

// WithIdempotencyToken marks every job in the batch with the given
// token; a second enqueue bearing the same token is dropped silently.
func WithIdempotencyToken(token string) EnqueueOption {
	return func(o *enqueueOptions) { o.idempotencyToken = token }
}

func applyOptions(opts []EnqueueOption) enqueueOptions {
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// EnqueueOptions resolves a slice of EnqueueOption into its effective
// idempotency token ("" if none was set). Exported so backend packages
// outside broker can reuse the same option type without import cycles.
func EnqueueOptions(opts []EnqueueOption) (idempotencyToken string) {
	o := applyOptions(opts)
	return o.idempotencyToken
}
