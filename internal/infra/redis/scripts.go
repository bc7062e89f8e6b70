package redis

import "github.com/redis/go-redis/v9"

// KEYS[1]=record KEYS[2]=active set
// ARGV[1]=message id ARGV[2]=now ARGV[3]=address
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'status', 'active',
  'message_id', ARGV[1],
  'thread_id', '',
  'token_address', '',
  'total', '0',
  'created_at', ARGV[2],
  'updated_at', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
return 1
`)

// KEYS[1]=record KEYS[2]=active set
// ARGV[1]=status ARGV[2]=token or "" ARGV[3]=now ARGV[4]=address
// Returns {code, current status}: -1 missing, 0 no-op, 1 applied, 2 rejected.
var setStatusScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
  return {-1, ''}
end
if cur == ARGV[1] then
  return {0, cur}
end
if cur ~= 'active' then
  return {2, cur}
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[3])
if ARGV[2] ~= '' then
  redis.call('HSET', KEYS[1], 'token_address', ARGV[2])
end
redis.call('SREM', KEYS[2], ARGV[4])
return {1, ARGV[1]}
`)

// KEYS[1]=record
// ARGV[1]=thread id ARGV[2]=now
var setThreadScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local t = redis.call('HGET', KEYS[1], 'thread_id')
if t and t ~= '' then
  return 0
end
redis.call('HSET', KEYS[1], 'thread_id', ARGV[1], 'updated_at', ARGV[2])
return 1
`)

// KEYS[1]=record KEYS[2]=processed tx set KEYS[3]=contribution list
// ARGV[1]=tx hash ARGV[2]=reported running total
// ARGV[3]=entry prefix ARGV[4]=entry suffix ARGV[5]=now
// Totals are non-negative decimal strings without leading zeros, so a longer
// string is larger and equal lengths compare lexicographically.
// Returns {code, total}: -1 missing, 0 duplicate, 1 applied, 2 closed.
var appendScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
  return {-1, ''}
end
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
  return {0, ''}
end
if status ~= 'active' then
  return {2, ''}
end
local total = redis.call('HGET', KEYS[1], 'total') or '0'
local reported = ARGV[2]
if string.len(reported) > string.len(total) or
   (string.len(reported) == string.len(total) and reported > total) then
  total = reported
end
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('RPUSH', KEYS[3], ARGV[3] .. total .. ARGV[4])
redis.call('HSET', KEYS[1], 'total', total, 'updated_at', ARGV[5])
return {1, total}
`)
