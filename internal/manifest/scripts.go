package manifest

import "github.com/redis/go-redis/v9"

// Server-side scripts for the multi-step manifest operations. Each script is
// the single authority for its invariant; worker code never reimplements these
// steps client-side.

// seedExpectationScript implements first-seed-then-monotonically-raise.
//
// KEYS[1] rel_map, KEYS[2] rel_authority
// ARGV[1] hash, ARGV[2] proposed expectation, ARGV[3] proposer authority
//
// The first proposer seeds both hashes. A later proposer raises the
// expectation only when it outranks the recorded seeder AND proposes a higher
// value; expectations are never lowered. Returns the expectation in effect.
var seedExpectationScript = redis.NewScript(`
local seeded = redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2])
if seeded == 1 then
  redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
  return tonumber(ARGV[2])
end

local current = tonumber(redis.call('HGET', KEYS[1], ARGV[1]))
local rank = tonumber(redis.call('HGET', KEYS[2], ARGV[1]) or '0')
local proposed = tonumber(ARGV[2])
local proposerRank = tonumber(ARGV[3])

if proposerRank > rank then
  redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
  if proposed > current then
    redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
    return proposed
  end
end

return current
`)

// countEvidenceScript implements the validation counter.
//
// KEYS[1] evidence counter, KEYS[2] rel_map, KEYS[3] reconciled set,
// KEYS[4] seen evidence ids
// ARGV[1] hash, ARGV[2] evidence id
//
// Returns {received, expected, dispatch}. expected == -1 signals a missing
// expectation (contract violation; nothing is recorded). The counter counts
// distinct evidence ids, not deliveries: a redelivered event finds its id in
// the seen set and reads the counter without incrementing. dispatch is 1 only
// on the exact increment that made received reach expected, and only if the
// hash was not already in the reconciled set.
var countEvidenceScript = redis.NewScript(`
local expected = redis.call('HGET', KEYS[2], ARGV[1])
if not expected then
  return {-1, -1, 0}
end

expected = tonumber(expected)

local received
if redis.call('SADD', KEYS[4], ARGV[2]) == 1 then
  received = redis.call('INCR', KEYS[1])
else
  received = tonumber(redis.call('GET', KEYS[1]) or '0')
  return {received, expected, 0}
end

local dispatch = 0
if received == expected and redis.call('SISMEMBER', KEYS[3], ARGV[1]) == 0 then
  redis.call('SADD', KEYS[3], ARGV[1])
  dispatch = 1
end

return {received, expected, dispatch}
`)

// acquireLeaseScript is plain SET NX PX, expressed through the client.

// renewLeaseScript extends a lease only while we still own it.
//
// KEYS[1] lease key; ARGV[1] owner token, ARGV[2] ttl millis
var renewLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// releaseLeaseScript deletes a lease only while we still own it, so a process
// never releases a lease it no longer holds.
//
// KEYS[1] lease key; ARGV[1] owner token
var releaseLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
