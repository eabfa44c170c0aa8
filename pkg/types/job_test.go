package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatus_String(t *testing.T) {
	cases := []struct {
		status JobStatus
		want   string
	}{
		{StatusNotSet, "NOT_SET"},
		{StatusQueued, "QUEUED"},
		{StatusRunning, "RUNNING"},
		{StatusSucceeded, "SUCCEEDED"},
		{StatusFailed, "FAILED"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.status.String())
	}
}

func TestNewJob_Idempotent(t *testing.T) {
	now := time.Now().UTC()

	retriable := NewJob("send_email", "default", now, 3)
	assert.True(t, retriable.Idempotent())

	oneShot := NewJob("send_email", "default", now, 0)
	assert.False(t, oneShot.Idempotent())
}

func TestJob_Clone_IsIndependent(t *testing.T) {
	now := time.Now().UTC()
	job := NewJob("t", "q", now, 1)
	job.TaskArgs = []byte(`[1,2,3]`)

	clone := job.Clone()
	clone.TaskArgs[0] = 'X'

	assert.NotEqual(t, string(job.TaskArgs), string(clone.TaskArgs))
	assert.True(t, job.Equal(job))
	assert.False(t, job.Equal(clone))
}

func TestJob_Equal_ByContent(t *testing.T) {
	now := time.Now().UTC()
	a := NewJob("t", "q", now, 1)
	b := a.Clone()

	assert.True(t, a.Equal(b))

	b.Retries = 1
	assert.False(t, a.Equal(b))
}

func TestJob_Equal_NilHandling(t *testing.T) {
	var a, b *Job
	assert.True(t, a.Equal(b))

	job := NewJob("t", "q", time.Now(), 1)
	assert.False(t, job.Equal(nil))
}

func TestJob_SerializeRoundTrip(t *testing.T) {
	now := time.Now().UTC().Round(time.Millisecond)
	job := NewJob("send_email", "default", now, 3)
	job.Status = StatusQueued
	job.Retries = 1
	job.TaskArgs = []byte(`["a@example.com"]`)
	job.TaskKwargs = []byte(`{"subject":"hi"}`)

	serialized, err := job.Serialize()
	require.NoError(t, err)

	restored, err := DeserializeJob(serialized)
	require.NoError(t, err)

	assert.True(t, job.Equal(restored))
	assert.True(t, job.At.Equal(restored.At))
}

func TestDeserializeJob_BadTimestamp(t *testing.T) {
	_, err := DeserializeJob(`{"id":"` + NewJobID().String() + `","at":"not-a-time"}`)
	assert.Error(t, err)
}

func TestDeserializeJob_BadJSON(t *testing.T) {
	_, err := DeserializeJob("not json")
	assert.Error(t, err)
}

func TestJobID_JSONRoundTrip(t *testing.T) {
	id := NewJobID()

	data, err := id.MarshalJSON()
	require.NoError(t, err)

	var restored JobID
	require.NoError(t, restored.UnmarshalJSON(data))
	assert.Equal(t, id, restored)
}

func TestJobID_UnmarshalJSON_Invalid(t *testing.T) {
	var id JobID
	assert.Error(t, id.UnmarshalJSON([]byte(`"not-a-uuid"`)))
}
