package redis

import "github.com/redis/go-redis/v9"

// Server-side scripts. Each compound mutation of the store contract runs as
// exactly one script invocation so the read-modify-write and any queue push
// share a single linearization point. Consumer and queue keys are derived
// inside the scripts from the fixed task:{id} / queue:{service} namespaces.

// claimScript transitions a popped task QUEUED -> PROCESSING.
// KEYS[1] task key; ARGV[1] updated_at. Returns 1 on success, 0 when the
// id is a late artefact (task missing or not QUEUED).
var claimScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'QUEUED' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'PROCESSING', 'updated_at', ARGV[1])
return 1
`)

// completeScript is the succeed fan-out: terminal transition, consumer
// decrements and conditional enqueues in one atomic step.
// KEYS[1] task key; ARGV[1] result_ref; ARGV[2] updated_at.
// Returns the list of consumer ids that were enqueued.
var completeScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return redis.error_reply('TASK_NOT_FOUND')
end
if status ~= 'PROCESSING' then
  return redis.error_reply('INVALID_TRANSITION ' .. status)
end
redis.call('HSET', KEYS[1], 'status', 'SUCCESS', 'result_ref', ARGV[1], 'updated_at', ARGV[2])
local consumers = cjson.decode(redis.call('HGET', KEYS[1], 'consumers') or '[]')
local enqueued = {}
for _, cid in ipairs(consumers) do
  local ckey = 'task:' .. cid
  if redis.call('HGET', ckey, 'status') == 'PENDING' then
    local n = redis.call('HINCRBY', ckey, 'pending_count', -1)
    if n == 0 then
      redis.call('HSET', ckey, 'status', 'QUEUED', 'updated_at', ARGV[2])
      local svc = redis.call('HGET', ckey, 'service')
      redis.call('LPUSH', 'queue:' .. svc, cid)
      enqueued[#enqueued + 1] = cid
    end
  end
end
return enqueued
`)

// failScript transitions a task PROCESSING -> FAILED. Consumers stay
// PENDING. KEYS[1] task key; ARGV[1] reason; ARGV[2] updated_at.
var failScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return redis.error_reply('TASK_NOT_FOUND')
end
if status ~= 'PROCESSING' then
  return redis.error_reply('INVALID_TRANSITION ' .. status)
end
redis.call('HSET', KEYS[1], 'status', 'FAILED', 'error', ARGV[1], 'updated_at', ARGV[2])
return 1
`)

// cascadeScript is failScript plus a breadth-first walk marking every
// transitively dependent task that is still PENDING as FAILED.
// KEYS[1] task key; ARGV[1] reason; ARGV[2] updated_at; ARGV[3] root id.
var cascadeScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return redis.error_reply('TASK_NOT_FOUND')
end
if status ~= 'PROCESSING' then
  return redis.error_reply('INVALID_TRANSITION ' .. status)
end
redis.call('HSET', KEYS[1], 'status', 'FAILED', 'error', ARGV[1], 'updated_at', ARGV[2])
local frontier = cjson.decode(redis.call('HGET', KEYS[1], 'consumers') or '[]')
while #frontier > 0 do
  local cid = table.remove(frontier, 1)
  local ckey = 'task:' .. cid
  if redis.call('HGET', ckey, 'status') == 'PENDING' then
    redis.call('HSET', ckey, 'status', 'FAILED',
      'error', 'upstream task ' .. ARGV[3] .. ' failed', 'updated_at', ARGV[2])
    local next = cjson.decode(redis.call('HGET', ckey, 'consumers') or '[]')
    for _, nid in ipairs(next) do
      frontier[#frontier + 1] = nid
    end
  end
end
return 1
`)

// revokeScript conditionally fails a stale PROCESSING task. The caller
// reads updated_at first and passes the observed value; the script only
// fires if the task has not been touched since (optimistic compare-and-set).
// KEYS[1] task key; ARGV[1] observed updated_at; ARGV[2] reason;
// ARGV[3] new updated_at. Returns 1 when the transition happened.
var revokeScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'PROCESSING' then
  return 0
end
if redis.call('HGET', KEYS[1], 'updated_at') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'FAILED', 'error', ARGV[2], 'updated_at', ARGV[3])
return 1
`)
