package queue

import "github.com/redis/go-redis/v9"

// Server-side scripts for queue state transitions. Timestamps are passed in
// from the client so the scripts stay deterministic.

// enqueueScript writes the job record and places the id on the waiting list
// or, with a positive delay, on the delayed zset. A child enqueued while its
// parent is already waiting on children extends the parent's pending counter,
// so late-created children (reconcile jobs) gate the parent too.
//
// KEYS[1] job key, KEYS[2] waiting, KEYS[3] delayed, KEYS[4] queues set
// ARGV[1] envelope, ARGV[2] queue, ARGV[3] parent, ARGV[4] delay ms,
// ARGV[5] now ms, ARGV[6] job id, ARGV[7] job key prefix, ARGV[8] run id
var enqueueScript = redis.NewScript(`
redis.call('HSET', KEYS[1],
  'data', ARGV[1], 'queue', ARGV[2], 'parent', ARGV[3], 'run', ARGV[8],
  'attempt', 0, 'error', '')
redis.call('SADD', KEYS[4], ARGV[2])

if ARGV[3] ~= '' then
  local pkey = ARGV[7] .. ARGV[3]
  if redis.call('EXISTS', pkey) == 1 and redis.call('HGET', pkey, 'state') == 'waiting-children' then
    redis.call('HINCRBY', pkey, 'pending', 1)
  end
end

if tonumber(ARGV[4]) > 0 then
  redis.call('HSET', KEYS[1], 'state', 'delayed')
  redis.call('ZADD', KEYS[3], tonumber(ARGV[5]) + tonumber(ARGV[4]), ARGV[6])
else
  redis.call('HSET', KEYS[1], 'state', 'waiting')
  redis.call('LPUSH', KEYS[2], ARGV[6])
end

return 1
`)

// enqueueParentScript writes a parent job record in waiting-children state
// with a pending counter. A zero-child parent is deliverable immediately.
//
// KEYS[1] job key, KEYS[2] waiting, KEYS[3] queues set
// ARGV[1] envelope, ARGV[2] queue, ARGV[3] child count, ARGV[4] job id,
// ARGV[5] run id
var enqueueParentScript = redis.NewScript(`
redis.call('HSET', KEYS[1],
  'data', ARGV[1], 'queue', ARGV[2], 'parent', '', 'run', ARGV[5],
  'attempt', 0, 'error', '', 'pending', ARGV[3])
redis.call('SADD', KEYS[3], ARGV[2])

if tonumber(ARGV[3]) > 0 then
  redis.call('HSET', KEYS[1], 'state', 'waiting-children')
else
  redis.call('HSET', KEYS[1], 'state', 'waiting')
  redis.call('LPUSH', KEYS[2], ARGV[4])
end

return 1
`)

// popScript claims one job: promotes due delayed jobs, honors the paused
// flag, pops the oldest waiting id, takes an active lease and bumps the
// attempt counter. Returns {id, attempt} or nil.
//
// KEYS[1] waiting, KEYS[2] delayed, KEYS[3] active, KEYS[4] paused
// ARGV[1] now ms, ARGV[2] lease deadline ms, ARGV[3] job key prefix,
// ARGV[4] promote batch
var popScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[4]) == 1 then
  return false
end

local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[4]))
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('LPUSH', KEYS[1], id)
  redis.call('HSET', ARGV[3] .. id, 'state', 'waiting')
end

local id = redis.call('RPOP', KEYS[1])
if not id then
  return false
end

redis.call('ZADD', KEYS[3], tonumber(ARGV[2]), id)
local attempt = redis.call('HINCRBY', ARGV[3] .. id, 'attempt', 1)
redis.call('HSET', ARGV[3] .. id, 'state', 'active')

return {id, attempt}
`)

// completeScript acknowledges a job and, when it has a parent, decrements the
// parent's pending-children counter; at zero the parent is promoted onto its
// own queue's waiting list.
//
// KEYS[1] active, KEYS[2] job key
// ARGV[1] job id, ARGV[2] job key prefix, ARGV[3] retention seconds
var completeScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], 'state', 'completed')
redis.call('EXPIRE', KEYS[2], tonumber(ARGV[3]))

local parent = redis.call('HGET', KEYS[2], 'parent')
if parent and parent ~= '' then
  local pkey = ARGV[2] .. parent
  if redis.call('EXISTS', pkey) == 1 then
    local pending = redis.call('HINCRBY', pkey, 'pending', -1)
    if pending <= 0 and redis.call('HGET', pkey, 'state') == 'waiting-children' then
      local pqueue = redis.call('HGET', pkey, 'queue')
      redis.call('HSET', pkey, 'state', 'waiting')
      redis.call('LPUSH', 'q:' .. pqueue .. ':waiting', parent)
    end
  end
end

return 1
`)

// failScript records a failed delivery: either back onto the delayed zset for
// retry, or into the dead-letter queue. A dead-lettered child still counts
// against its parent's pending counter so the parent stays deliverable; the
// run's final status reflects the dead letters via the per-run counter.
//
// KEYS[1] active, KEYS[2] job key, KEYS[3] delayed, KEYS[4] dead-letter list,
// KEYS[5] per-run dead-letter hash
// ARGV[1] job id, ARGV[2] error, ARGV[3] retry flag, ARGV[4] ready-at ms,
// ARGV[5] job key prefix
var failScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], 'error', ARGV[2])

if ARGV[3] == '1' then
  redis.call('HSET', KEYS[2], 'state', 'delayed')
  redis.call('ZADD', KEYS[3], tonumber(ARGV[4]), ARGV[1])
  return 'delayed'
end

redis.call('HSET', KEYS[2], 'state', 'dead-letter')
redis.call('LPUSH', KEYS[4], ARGV[1])

local run = redis.call('HGET', KEYS[2], 'run')
if run and run ~= '' then
  redis.call('HINCRBY', KEYS[5], run, 1)
end

local parent = redis.call('HGET', KEYS[2], 'parent')
if parent and parent ~= '' then
  local pkey = ARGV[5] .. parent
  if redis.call('EXISTS', pkey) == 1 then
    local pending = redis.call('HINCRBY', pkey, 'pending', -1)
    if pending <= 0 and redis.call('HGET', pkey, 'state') == 'waiting-children' then
      local pqueue = redis.call('HGET', pkey, 'queue')
      redis.call('HSET', pkey, 'state', 'waiting')
      redis.call('LPUSH', 'q:' .. pqueue .. ':waiting', parent)
    end
  end
end

return 'dead-letter'
`)

// promoteScript moves due delayed jobs to the waiting list. Also run
// opportunistically inside popScript; the mover covers queues nobody is
// currently polling.
//
// KEYS[1] delayed, KEYS[2] waiting
// ARGV[1] now ms, ARGV[2] job key prefix, ARGV[3] batch
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('LPUSH', KEYS[2], id)
  redis.call('HSET', ARGV[2] .. id, 'state', 'waiting')
end
return #due
`)

// reclaimScript moves jobs with expired leases off the active zset. Expired
// deliveries count against MaxRetries; exhausted jobs dead-letter and, like
// failScript, still release their hold on the parent's pending counter.
//
// KEYS[1] active, KEYS[2] waiting, KEYS[3] dead-letter list,
// KEYS[4] per-run dead-letter hash
// ARGV[1] now ms, ARGV[2] max retries, ARGV[3] job key prefix, ARGV[4] batch
var reclaimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[4]))
local requeued = 0
local dead = {}

for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[3] .. id
  local attempt = tonumber(redis.call('HGET', key, 'attempt') or '0')

  if attempt >= tonumber(ARGV[2]) then
    redis.call('HSET', key, 'state', 'dead-letter', 'error', 'job timeout exceeded')
    redis.call('LPUSH', KEYS[3], id)
    dead[#dead + 1] = id

    local run = redis.call('HGET', key, 'run')
    if run and run ~= '' then
      redis.call('HINCRBY', KEYS[4], run, 1)
    end

    local parent = redis.call('HGET', key, 'parent')
    if parent and parent ~= '' and redis.call('EXISTS', ARGV[3] .. parent) == 1 then
      local pending = redis.call('HINCRBY', ARGV[3] .. parent, 'pending', -1)
      if pending <= 0 and redis.call('HGET', ARGV[3] .. parent, 'state') == 'waiting-children' then
        local pqueue = redis.call('HGET', ARGV[3] .. parent, 'queue')
        redis.call('HSET', ARGV[3] .. parent, 'state', 'waiting')
        redis.call('LPUSH', 'q:' .. pqueue .. ':waiting', parent)
      end
    end
  else
    redis.call('HSET', key, 'state', 'waiting')
    redis.call('LPUSH', KEYS[2], id)
    requeued = requeued + 1
  end
end

return {requeued, dead}
`)
