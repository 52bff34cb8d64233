package redisqueue

import "github.com/redis/go-redis/v9"

// Every key lives under one hash tag so the scripts stay single-slot on Redis
// Cluster; keys derived inside a script are built from ARGV prefix.

// KEYS: delayed, entry, dedup. ARGV: ref, job_id, dedup_key, run_at_ms, priority, backoff, prefix.
var enqueueScript = redis.NewScript(`
if ARGV[3] ~= '' then
  local existing = redis.call('GET', KEYS[3])
  if existing then
    if redis.call('EXISTS', ARGV[7] .. 'entry:' .. existing) == 1 then
      return existing
    end
  end
end
redis.call('HSET', KEYS[2],
  'job_id', ARGV[2], 'dedup_key', ARGV[3], 'run_at', ARGV[4],
  'priority', ARGV[5], 'attempts', 0, 'backoff', ARGV[6], 'state', 'delayed')
redis.call('ZADD', KEYS[1], ARGV[4], ARGV[1])
if ARGV[3] ~= '' then
  redis.call('SET', KEYS[3], ARGV[1])
end
return ARGV[1]
`)

// KEYS: delayed, active, events. ARGV: now_ms, lease_until_ms, prefix, maxlen, scan.
// Members whose hash is gone are dropped and the scan moves on to the next due
// member, up to scan members per call. Returns {ref, field, value, ...} or nil.
var reserveScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[5]))
for _, ref in ipairs(due) do
  local key = ARGV[3] .. 'entry:' .. ref
  redis.call('ZREM', KEYS[1], ref)
  if redis.call('EXISTS', key) == 1 then
    redis.call('HSET', key, 'state', 'active', 'lease_until', ARGV[2])
    redis.call('ZADD', KEYS[2], ARGV[2], ref)
    local job = redis.call('HGET', key, 'job_id')
    redis.call('XADD', KEYS[3], 'MAXLEN', '~', ARGV[4], '*',
      'type', 'active', 'ref', ref, 'job_id', job, 'at', ARGV[1])
    local fields = redis.call('HGETALL', key)
    table.insert(fields, 1, ref)
    return fields
  end
end
return false
`)

// KEYS: active, entry. ARGV: ref, lease_until_ms.
// Returns -1 missing, 0 not active, 1 extended.
var heartbeatScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[2], 'state')
if not state then
  return -1
end
if state ~= 'active' then
  return 0
end
redis.call('HSET', KEYS[2], 'lease_until', ARGV[2])
redis.call('ZADD', KEYS[1], 'XX', ARGV[2], ARGV[1])
return 1
`)

// dropEntry removes the hash and its dedup pointer when it still points at ref.
const dropEntry = `
local function drop(key, ref, prefix)
  local dk = redis.call('HGET', key, 'dedup_key')
  if dk and dk ~= '' then
    local dkey = prefix .. 'dedup:' .. dk
    if redis.call('GET', dkey) == ref then
      redis.call('DEL', dkey)
    end
  end
  redis.call('DEL', key)
end
`

// KEYS: active, entry, events. ARGV: ref, now_ms, result_json, prefix, maxlen.
// Returns -1 missing, 0 not active, 1 completed.
var completeScript = redis.NewScript(dropEntry + `
local state = redis.call('HGET', KEYS[2], 'state')
if not state then
  return -1
end
if state ~= 'active' then
  return 0
end
local job = redis.call('HGET', KEYS[2], 'job_id')
local attempts = redis.call('HGET', KEYS[2], 'attempts')
redis.call('ZREM', KEYS[1], ARGV[1])
drop(KEYS[2], ARGV[1], ARGV[4])
redis.call('XADD', KEYS[3], 'MAXLEN', '~', ARGV[5], '*',
  'type', 'completed', 'ref', ARGV[1], 'job_id', job, 'at', ARGV[2],
  'attempts', attempts, 'result', ARGV[3])
return 1
`)

// KEYS: delayed, active, entry, events.
// ARGV: ref, now_ms, expected_attempts, retry(0|1), next_run_at_ms, error, prefix, maxlen.
// Returns -1 missing, 0 not active, -2 attempts changed underneath, 1 applied.
var failScript = redis.NewScript(dropEntry + `
local state = redis.call('HGET', KEYS[3], 'state')
if not state then
  return -1
end
if state ~= 'active' then
  return 0
end
if redis.call('HGET', KEYS[3], 'attempts') ~= ARGV[3] then
  return -2
end
local attempts = tonumber(ARGV[3]) + 1
local job = redis.call('HGET', KEYS[3], 'job_id')
redis.call('ZREM', KEYS[2], ARGV[1])
if ARGV[4] == '1' then
  redis.call('HSET', KEYS[3], 'state', 'delayed', 'attempts', attempts, 'run_at', ARGV[5])
  redis.call('HDEL', KEYS[3], 'lease_until')
  redis.call('ZADD', KEYS[1], ARGV[5], ARGV[1])
else
  drop(KEYS[3], ARGV[1], ARGV[7])
end
redis.call('XADD', KEYS[4], 'MAXLEN', '~', ARGV[8], '*',
  'type', 'failed', 'ref', ARGV[1], 'job_id', job, 'at', ARGV[2],
  'attempts', attempts, 'error', ARGV[6], 'retrying', ARGV[4], 'next_run_at', ARGV[5])
return 1
`)

// KEYS: delayed, active, entry. ARGV: ref, prefix.
var removeScript = redis.NewScript(dropEntry + `
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
drop(KEYS[3], ARGV[1], ARGV[2])
return 1
`)

// KEYS: active, events. ARGV: cutoff_ms, now_ms, prefix, maxlen, limit.
// Entries whose lease ended strictly before cutoff are dropped with a stalled event.
var checkStalledScript = redis.NewScript(dropEntry + `
local refs = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1], 'LIMIT', 0, tonumber(ARGV[5]))
for _, ref in ipairs(refs) do
  local key = ARGV[3] .. 'entry:' .. ref
  local job = redis.call('HGET', key, 'job_id')
  local attempts = redis.call('HGET', key, 'attempts')
  redis.call('ZREM', KEYS[1], ref)
  if job then
    drop(key, ref, ARGV[3])
    redis.call('XADD', KEYS[2], 'MAXLEN', '~', ARGV[4], '*',
      'type', 'stalled', 'ref', ref, 'job_id', job, 'at', ARGV[2],
      'attempts', attempts, 'error', 'lease expired without heartbeat')
  end
end
return #refs
`)
