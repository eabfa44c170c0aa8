package redisbroker

import "github.com/redis/go-redis/v9"

// Every compound state transition runs as a single Lua script so it
// executes atomically against Redis, per spec §9 — no read-modify-write
// race is observable between two broker instances sharing a namespace.
// Queue names are only known at call time, so scripts address them by
// building the key string inline from ARGV rather than declaring them
// in KEYS; this module never runs against a Redis Cluster, where that
// would matter.

// enqueueScript places each job on its queue (or the future set, if
// its ready time is still ahead), clears any running-set entry for a
// retried job, and collapses the whole batch if its idempotency token
// has already been seen.
//
// KEYS[1] = idempotency tokens set
// KEYS[2] = future jobs zset
// KEYS[3] = this broker's running hash
// KEYS[4] = notifications channel
// ARGV[1] = namespace
// ARGV[2] = now, unix seconds
// ARGV[3] = idempotency token ("" if none)
// ARGV[4] = JSON array of {id, queue, at, job} objects
var enqueueScript = redis.NewScript(`
local namespace = ARGV[1]
local now = tonumber(ARGV[2])
local token = ARGV[3]

if token ~= "" then
	if redis.call("SISMEMBER", KEYS[1], token) == 1 then
		return 0
	end
	redis.call("SADD", KEYS[1], token)
end

local jobs = cjson.decode(ARGV[4])
for _, j in ipairs(jobs) do
	redis.call("HDEL", KEYS[3], j.id)
	if tonumber(j.at) <= now then
		redis.call("RPUSH", namespace .. "/queue/" .. j.queue, j.job)
	else
		redis.call("ZADD", KEYS[2], j.at, j.job)
	end
end

if #jobs > 0 then
	redis.call("PUBLISH", KEYS[4], "job")
end
return 1
`)

// dispenseScript pops up to maxJobs jobs from the head of a queue and,
// for every idempotent one, records it in this broker's running hash
// keyed by job id so a crash can be recovered from later.
//
// KEYS[1] = queue
// KEYS[2] = this broker's running hash
// ARGV[1] = maxJobs
var dispenseScript = redis.NewScript(`
local maxJobs = tonumber(ARGV[1])
local out = {}
for _ = 1, maxJobs do
	local job = redis.call("LPOP", KEYS[1])
	if not job then
		break
	end
	table.insert(out, job)
	local decoded = cjson.decode(job)
	if decoded.max_retries >= 1 then
		decoded.status = 2 -- RUNNING, per pkg/types.JobStatus
		redis.call("HSET", KEYS[2], decoded.id, cjson.encode(decoded))
	end
end
return out
`)

// removeRunningScript deletes job_id from this broker's running hash.
// Silently succeeds if absent.
//
// KEYS[1] = this broker's running hash
// ARGV[1] = job id
var removeRunningScript = redis.NewScript(`
redis.call("HDEL", KEYS[1], ARGV[1])
return 1
`)

// moveFutureJobsScript promotes every future job whose ready time has
// arrived onto its queue, finds which periodic tasks are due (marking
// their last_run so a concurrent caller won't also fire them), and
// refreshes this broker's heartbeat in the registry. It does not build
// the jobs a due periodic task produces — a job id is a UUID and its
// ready time an RFC3339 timestamp, both awkward to mint correctly from
// Lua — so it returns the due tasks' wire records and leaves their
// enqueue to the caller. Dead-peer recovery is a separate script
// (recoverDeadBrokerScript) so a caller can react to each recovered
// peer individually; this script only reports who looks dead.
//
// KEYS[1] = future jobs zset
// KEYS[2] = brokers hash (member -> last heartbeat unix seconds)
// KEYS[3] = periodic tasks hash (name -> serialized task record)
// KEYS[4] = periodic tasks last-run hash (name -> unix seconds)
// KEYS[5] = notifications channel
// ARGV[1] = namespace
// ARGV[2] = now, unix seconds
// ARGV[3] = this broker's id
// ARGV[4] = dead threshold seconds
// returns {promoted_count, {due_task_json, ...}, {dead_broker_id, ...}}
var moveFutureJobsScript = redis.NewScript(`
local namespace = ARGV[1]
local now = tonumber(ARGV[2])
local selfID = ARGV[3]
local deadThreshold = tonumber(ARGV[4])

local ripe = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", now)
local promoted = 0
for _, job in ipairs(ripe) do
	local decoded = cjson.decode(job)
	redis.call("RPUSH", namespace .. "/queue/" .. decoded.queue, job)
	redis.call("ZREM", KEYS[1], job)
	promoted = promoted + 1
end

local due = {}
local tasks = redis.call("HGETALL", KEYS[3])
for i = 1, #tasks, 2 do
	local name = tasks[i]
	local taskJSON = tasks[i + 1]
	local task = cjson.decode(taskJSON)
	local lastRun = tonumber(redis.call("HGET", KEYS[4], name))
	if lastRun == nil or now - lastRun >= task.periodicity then
		redis.call("HSET", KEYS[4], name, now)
		table.insert(due, taskJSON)
	end
end

redis.call("HSET", KEYS[2], selfID, now)

local deadBrokers = {}
local brokers = redis.call("HGETALL", KEYS[2])
for i = 1, #brokers, 2 do
	local id = brokers[i]
	local lastSeen = tonumber(brokers[i + 1])
	if id ~= selfID and now - lastSeen > deadThreshold then
		table.insert(deadBrokers, id)
	end
end

if promoted > 0 then
	redis.call("PUBLISH", KEYS[5], "job")
end

return {promoted, due, deadBrokers}
`)

// recoverDeadBrokerScript drains peerID's running hash back onto the
// queue each job came from, incrementing its retry count, then removes
// peerID from the broker registry so no other peer recovers it again.
// A running job's ready time is always in the past by construction (it
// was already dispensed), so unlike enqueueScript this never needs to
// weigh the future set — see DESIGN.md. Safe to call more than once for
// the same peer: the second call finds an empty (or already-deleted)
// running hash and returns 0.
//
// KEYS[1] = peer's running hash
// KEYS[2] = brokers hash
// KEYS[3] = notifications channel
// ARGV[1] = namespace
// ARGV[2] = peer id
var recoverDeadBrokerScript = redis.NewScript(`
local namespace = ARGV[1]
local peerID = ARGV[2]

local entries = redis.call("HGETALL", KEYS[1])
local recovered = 0
for i = 1, #entries, 2 do
	local job = cjson.decode(entries[i + 1])
	job.retries = (job.retries or 0) + 1
	job.status = 1 -- QUEUED, per pkg/types.JobStatus
	redis.call("RPUSH", namespace .. "/queue/" .. job.queue, cjson.encode(job))
	recovered = recovered + 1
end

if recovered > 0 then
	redis.call("DEL", KEYS[1])
end
redis.call("HDEL", KEYS[2], peerID)

if recovered > 0 then
	redis.call("PUBLISH", KEYS[3], "job")
end

return recovered
`)

// registerPeriodicTasksScript replaces the full set of periodic-task
// registrations. A task whose name survives unchanged keeps its
// last-run entry, so it does not immediately re-fire; a task dropped
// from the new set has its last-run entry dropped too.
//
// KEYS[1] = periodic tasks hash
// KEYS[2] = periodic tasks last-run hash
// ARGV[1] = JSON array of serialized task records
var registerPeriodicTasksScript = redis.NewScript(`
local tasks = cjson.decode(ARGV[1])

local keep = {}
for _, taskJSON in ipairs(tasks) do
	local task = cjson.decode(taskJSON)
	keep[task.name] = true
end

local existingNames = redis.call("HKEYS", KEYS[1])
for _, name in ipairs(existingNames) do
	if not keep[name] then
		redis.call("HDEL", KEYS[1], name)
		redis.call("HDEL", KEYS[2], name)
	end
end

for _, taskJSON in ipairs(tasks) do
	local task = cjson.decode(taskJSON)
	redis.call("HSET", KEYS[1], task.name, taskJSON)
end
return 1
`)
