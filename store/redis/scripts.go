package redis

import goredis "github.com/redis/go-redis/v9"

// Lease scripts share the key layout
//
//	KEYS[1] job hash, KEYS[2] lease zset, KEYS[3] free set of the job type
//
// and compare times as unix microseconds.

// acquireScript leases an unleased job whose status is one of ARGV[7:].
// ARGV: now, expires, scheduler, worker, batch index, job id, statuses...
// Returns the updated hash, or an empty reply when the row does not qualify.
var acquireScript = goredis.NewScript(`
local h = KEYS[1]
if redis.call('EXISTS', h) == 0 then return {} end
if redis.call('HEXISTS', h, 'lease_expires_at') == 1 then return {} end
if tonumber(redis.call('HGET', h, 'run_at')) > tonumber(ARGV[1]) then return {} end
local status = redis.call('HGET', h, 'status')
local eligible = false
for i = 7, #ARGV do
  if ARGV[i] == status then eligible = true end
end
if not eligible then return {} end
redis.call('HSET', h,
  'status', 'processing',
  'lease_scheduler_id', ARGV[3],
  'lease_worker_id', ARGV[4],
  'lease_batch_index', ARGV[5],
  'lease_expires_at', ARGV[2],
  'updated_at', ARGV[1])
redis.call('HINCRBY', h, 'execution_attempts', 1)
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[6])
redis.call('SREM', KEYS[3], ARGV[6])
return redis.call('HGETALL', h)
`)

// updateScript writes mutable fields while ARGV[2:4] holds a live lease.
// ARGV: now, scheduler, worker, batch index, job id,
// new expiry (empty releases), new scheduler, new worker, new batch index,
// finished_at (empty clears), field/value pairs...
// Returns -1 for a missing job, 0 when the lease is not held, 1 on success.
var updateScript = goredis.NewScript(`
local h = KEYS[1]
if redis.call('EXISTS', h) == 0 then return -1 end
local exp = redis.call('HGET', h, 'lease_expires_at')
if not exp or tonumber(exp) <= tonumber(ARGV[1]) then return 0 end
if redis.call('HGET', h, 'lease_scheduler_id') ~= ARGV[2]
  or redis.call('HGET', h, 'lease_worker_id') ~= ARGV[3]
  or redis.call('HGET', h, 'lease_batch_index') ~= ARGV[4] then
  return 0
end
redis.call('HSET', h, 'updated_at', ARGV[1], unpack(ARGV, 11))
if ARGV[10] == '' then
  redis.call('HDEL', h, 'finished_at')
else
  redis.call('HSET', h, 'finished_at', ARGV[10])
end
if ARGV[6] == '' then
  redis.call('HDEL', h, 'lease_scheduler_id', 'lease_worker_id', 'lease_batch_index', 'lease_expires_at')
  redis.call('ZREM', KEYS[2], ARGV[5])
  redis.call('SADD', KEYS[3], ARGV[5])
else
  redis.call('HSET', h,
    'lease_scheduler_id', ARGV[7],
    'lease_worker_id', ARGV[8],
    'lease_batch_index', ARGV[9],
    'lease_expires_at', ARGV[6])
  redis.call('ZADD', KEYS[2], ARGV[6], ARGV[5])
end
return 1
`)

// expireScript clears a lease that expired at or before now and is still
// held by ARGV[2:4].
// ARGV: now, scheduler, worker, batch index, job id, status, run_at,
// finished_at (empty leaves it unchanged).
// Returns the updated hash, or an empty reply when the lease changed.
var expireScript = goredis.NewScript(`
local h = KEYS[1]
local exp = redis.call('HGET', h, 'lease_expires_at')
if not exp or tonumber(exp) > tonumber(ARGV[1]) then return {} end
if redis.call('HGET', h, 'lease_scheduler_id') ~= ARGV[2]
  or redis.call('HGET', h, 'lease_worker_id') ~= ARGV[3]
  or redis.call('HGET', h, 'lease_batch_index') ~= ARGV[4] then
  return {}
end
redis.call('HDEL', h, 'lease_scheduler_id', 'lease_worker_id', 'lease_batch_index', 'lease_expires_at')
redis.call('HSET', h, 'status', ARGV[6], 'run_at', ARGV[7], 'updated_at', ARGV[1])
if ARGV[8] ~= '' then
  redis.call('HSET', h, 'finished_at', ARGV[8])
end
redis.call('ZREM', KEYS[2], ARGV[5])
redis.call('SADD', KEYS[3], ARGV[5])
return redis.call('HGETALL', h)
`)

// abortScript aborts a job that is not terminal while its holder equals
// ARGV[4:6]; an empty ARGV[4] expects no lease.
// ARGV: now, job id, message (empty keeps it), scheduler, worker, batch index.
// Returns the updated hash, or an empty reply when the row does not qualify.
var abortScript = goredis.NewScript(`
local h = KEYS[1]
if redis.call('EXISTS', h) == 0 then return {} end
local status = redis.call('HGET', h, 'status')
if status == 'finished' or status == 'fatal' or status == 'aborted' then return {} end
local leased = redis.call('HEXISTS', h, 'lease_expires_at') == 1
if ARGV[4] == '' then
  if leased then return {} end
elseif not leased
  or redis.call('HGET', h, 'lease_scheduler_id') ~= ARGV[4]
  or redis.call('HGET', h, 'lease_worker_id') ~= ARGV[5]
  or redis.call('HGET', h, 'lease_batch_index') ~= ARGV[6] then
  return {}
end
redis.call('HDEL', h, 'lease_scheduler_id', 'lease_worker_id', 'lease_batch_index', 'lease_expires_at')
redis.call('HSET', h, 'status', 'aborted', 'finished_at', ARGV[1], 'updated_at', ARGV[1])
if ARGV[3] ~= '' then
  redis.call('HSET', h, 'message', ARGV[3])
end
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[2])
return redis.call('HGETALL', h)
`)

// renewScript extends the leader key only for its current holder.
// KEYS[1] leader key. ARGV: worker id, ttl in milliseconds.
var renewScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the leader key only for its current holder.
// KEYS[1] leader key. ARGV: worker id.
var releaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
