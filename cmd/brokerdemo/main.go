// Command brokerdemo exercises the in-memory broker end to end:
// enqueue a batch of jobs, dispense and complete most of them, leave
// one running to simulate a crash, then show how MoveFutureJobs and a
// registered periodic task behave. Useful for a first look at the
// package without standing up Redis.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/broker-core/internal/broker"
	"github.com/ChuLiYu/broker-core/internal/broker/memory"
	"github.com/ChuLiYu/broker-core/internal/clock"
	"github.com/ChuLiYu/broker-core/pkg/types"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := memory.New(broker.Config{Namespace: "demo"}, clock.Real{})
	if err := b.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "start broker: %v\n", err)
		os.Exit(1)
	}
	defer b.Stop(ctx)

	fmt.Printf("broker started: %s\n", b)

	now := time.Now().UTC()
	jobs := make([]*types.Job, 0, 10)
	for i := 0; i < 10; i++ {
		jobs = append(jobs, types.NewJob("send_email", "default", now, 3))
	}
	if err := b.EnqueueJobs(ctx, jobs); err != nil {
		fmt.Fprintf(os.Stderr, "enqueue jobs: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("enqueued %d jobs\n", len(jobs))

	dispensed, err := b.GetJobsFromQueue(ctx, "default", 10)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dispense: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("dispensed %d jobs\n", len(dispensed))

	for _, job := range dispensed[:len(dispensed)-1] {
		if err := b.RemoveJobFromRunning(ctx, job); err != nil {
			fmt.Fprintf(os.Stderr, "complete job %s: %v\n", job.ID, err)
		}
	}
	fmt.Println("completed all but one job; one is left in the running set, as if its worker crashed")

	task := &types.PeriodicTask{
		Name:        "nightly_cleanup",
		Queue:       "maintenance",
		MaxRetries:  1,
		Periodicity: 24 * time.Hour,
	}
	if err := b.RegisterPeriodicTasks(ctx, []*types.PeriodicTask{task}); err != nil {
		fmt.Fprintf(os.Stderr, "register periodic tasks: %v\n", err)
		os.Exit(1)
	}

	moved, err := b.MoveFutureJobs(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "move future jobs: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("move_future_jobs promoted %d future jobs and fired nightly_cleanup, which was just registered and so is due immediately\n", moved)

	maintenance, err := b.GetJobsFromQueue(ctx, "maintenance", 10)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dispense maintenance: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("maintenance queue now holds %d job(s)\n", len(maintenance))

	fmt.Println("press Ctrl+C to exit")
	<-ctx.Done()
	fmt.Println("shutting down")
}
