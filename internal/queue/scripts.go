package queue

import "github.com/redis/go-redis/v9"

// Every state transition runs as one script so that a job is claimed by at
// most one worker and never observed half-moved between lists.

// KEYS: wait, active, delayed
// ARGV: prefix, now, lockMs, token
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[2])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[3], id)
  redis.call('LPUSH', KEYS[1], id)
  redis.call('HSET', ARGV[1] .. 'job:' .. id, 'state', 'waiting')
end

while true do
  local id = redis.call('RPOPLPUSH', KEYS[1], KEYS[2])
  if not id then
    return false
  end
  local jobKey = ARGV[1] .. 'job:' .. id
  if redis.call('EXISTS', jobKey) == 1 then
    redis.call('SET', ARGV[1] .. 'lock:' .. id, ARGV[4], 'PX', ARGV[3])
    redis.call('HSET', jobKey, 'state', 'active', 'processed_on', ARGV[2])
    return id
  end
  redis.call('LREM', KEYS[2], 0, id)
end
`)

// KEYS: none
// ARGV: prefix, id, token, lockMs
var extendLockScript = redis.NewScript(`
local lockKey = ARGV[1] .. 'lock:' .. ARGV[2]
if redis.call('GET', lockKey) == ARGV[3] then
  redis.call('PEXPIRE', lockKey, ARGV[4])
  return 1
end
return 0
`)

// KEYS: active, completed
// ARGV: prefix, id, token, now
var completeScript = redis.NewScript(`
local jobKey = ARGV[1] .. 'job:' .. ARGV[2]
local lockKey = ARGV[1] .. 'lock:' .. ARGV[2]
if redis.call('EXISTS', jobKey) == 0 then
  return -1
end
local owner = redis.call('GET', lockKey)
if redis.call('HGET', jobKey, 'state') ~= 'active' or (owner and owner ~= ARGV[3]) then
  return -2
end
redis.call('LREM', KEYS[1], 0, ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[2])
redis.call('HINCRBY', jobKey, 'attempts_made', 1)
redis.call('HSET', jobKey, 'state', 'completed', 'finished_on', ARGV[4])
redis.call('DEL', lockKey)
return 1
`)

// KEYS: active, delayed, failed
// ARGV: prefix, id, token, now, reason, permanent, retryAt
// Returns {terminal, attemptsMade} or a negative status code.
var failScript = redis.NewScript(`
local jobKey = ARGV[1] .. 'job:' .. ARGV[2]
local lockKey = ARGV[1] .. 'lock:' .. ARGV[2]
if redis.call('EXISTS', jobKey) == 0 then
  return -1
end
local owner = redis.call('GET', lockKey)
if redis.call('HGET', jobKey, 'state') ~= 'active' or (owner and owner ~= ARGV[3]) then
  return -2
end
local attempts = redis.call('HINCRBY', jobKey, 'attempts_made', 1)
local maxAttempts = tonumber(redis.call('HGET', jobKey, 'max_attempts') or '1')
redis.call('LREM', KEYS[1], 0, ARGV[2])
redis.call('DEL', lockKey)
redis.call('HSET', jobKey, 'failed_reason', ARGV[5])
if ARGV[6] == '1' or attempts >= maxAttempts then
  redis.call('ZADD', KEYS[3], ARGV[4], ARGV[2])
  redis.call('HSET', jobKey, 'state', 'failed', 'finished_on', ARGV[4])
  return {1, attempts}
end
redis.call('ZADD', KEYS[2], ARGV[7], ARGV[2])
redis.call('HSET', jobKey, 'state', 'delayed', 'retry_at', ARGV[7])
return {0, attempts}
`)

// KEYS: active, wait, failed
// ARGV: prefix, now, maxStalled
// Returns a flat list of id, outcome pairs.
var stalledScript = redis.NewScript(`
local out = {}
local ids = redis.call('LRANGE', KEYS[1], 0, -1)
for _, id in ipairs(ids) do
  if redis.call('EXISTS', ARGV[1] .. 'lock:' .. id) == 0 then
    local jobKey = ARGV[1] .. 'job:' .. id
    redis.call('LREM', KEYS[1], 0, id)
    if redis.call('EXISTS', jobKey) == 1 then
      local stalled = redis.call('HINCRBY', jobKey, 'stalled_count', 1)
      if stalled > tonumber(ARGV[3]) then
        redis.call('ZADD', KEYS[3], ARGV[2], id)
        redis.call('HSET', jobKey, 'state', 'failed', 'finished_on', ARGV[2],
          'failed_reason', 'job stalled more than allowable limit')
        table.insert(out, id)
        table.insert(out, 'failed')
      else
        redis.call('RPUSH', KEYS[2], id)
        redis.call('HSET', jobKey, 'state', 'waiting')
        table.insert(out, id)
        table.insert(out, 'waiting')
      end
    end
  end
end
return out
`)

// KEYS: wait, active, delayed, completed, failed
// ARGV: prefix, id
var removeScript = redis.NewScript(`
local jobKey = ARGV[1] .. 'job:' .. ARGV[2]
if redis.call('EXISTS', jobKey) == 0 then
  return 0
end
redis.call('LREM', KEYS[1], 0, ARGV[2])
redis.call('LREM', KEYS[2], 0, ARGV[2])
redis.call('ZREM', KEYS[3], ARGV[2])
redis.call('ZREM', KEYS[4], ARGV[2])
redis.call('ZREM', KEYS[5], ARGV[2])
redis.call('DEL', jobKey, ARGV[1] .. 'lock:' .. ARGV[2])
return 1
`)

// KEYS: wait, delayed
// ARGV: prefix
var clearScript = redis.NewScript(`
local n = 0
for _, id in ipairs(redis.call('LRANGE', KEYS[1], 0, -1)) do
  redis.call('DEL', ARGV[1] .. 'job:' .. id)
  n = n + 1
end
for _, id in ipairs(redis.call('ZRANGE', KEYS[2], 0, -1)) do
  redis.call('DEL', ARGV[1] .. 'job:' .. id)
  n = n + 1
end
redis.call('DEL', KEYS[1], KEYS[2])
return n
`)

// KEYS: finished set (completed or failed)
// ARGV: prefix, cutoff
var cleanScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
for _, id in ipairs(ids) do
  redis.call('DEL', ARGV[1] .. 'job:' .. id)
  redis.call('ZREM', KEYS[1], id)
end
return #ids
`)
