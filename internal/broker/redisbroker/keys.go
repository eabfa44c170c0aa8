package redisbroker

import "fmt"

// Key templates, namespaced per spec §4.3.
const (
	queueKeyTemplate        = "%s/queue/%s"
	futureJobsKey           = "%s/future_jobs"
	runningJobsTemplate     = "%s/running/%s"
	brokersKey              = "%s/brokers"
	periodicTasksKey        = "%s/periodic_tasks"
	periodicTasksLastRunKey = "%s/periodic_tasks_last_run"
	idempotencyTokensKey    = "%s/idempotency_tokens"
	notificationsKey        = "%s/notifications"
)

func queueKey(namespace, queue string) string {
	return fmt.Sprintf(queueKeyTemplate, namespace, queue)
}

func futureJobsSetKey(namespace string) string {
	return fmt.Sprintf(futureJobsKey, namespace)
}

func runningJobsKey(namespace, brokerID string) string {
	return fmt.Sprintf(runningJobsTemplate, namespace, brokerID)
}

func brokersSetKey(namespace string) string {
	return fmt.Sprintf(brokersKey, namespace)
}

func periodicTasksHashKey(namespace string) string {
	return fmt.Sprintf(periodicTasksKey, namespace)
}

func periodicTasksLastRunHashKey(namespace string) string {
	return fmt.Sprintf(periodicTasksLastRunKey, namespace)
}

func idempotencyTokensSetKey(namespace string) string {
	return fmt.Sprintf(idempotencyTokensKey, namespace)
}

func notificationsChannelKey(namespace string) string {
	return fmt.Sprintf(notificationsKey, namespace)
}
