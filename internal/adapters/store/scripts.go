package store

import "github.com/redis/go-redis/v9"

// join result codes
const (
	joinMissing  = -1
	joinFull     = 0
	joinAdmitted = 1
)

// KEYS: meta, members, conns. ARGV: connection id, connection json.
// Returns {code, count}. The membership keys inherit the meta key's
// remaining lifetime so all three expire together.
var joinScript = redis.NewScript(`
local ttl = redis.call("PTTL", KEYS[1])
if ttl <= 0 then
	return {-1, 0}
end
if redis.call("HEXISTS", KEYS[1], "closing") == 1 then
	return {-1, 0}
end
local max = tonumber(redis.call("HGET", KEYS[1], "max_users"))
local count = redis.call("SCARD", KEYS[2])
if redis.call("SISMEMBER", KEYS[2], ARGV[1]) == 1 then
	return {1, count}
end
if max == nil or count >= max then
	return {0, count}
end
redis.call("SADD", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[3], ARGV[1], ARGV[2])
redis.call("PEXPIRE", KEYS[2], ttl)
redis.call("PEXPIRE", KEYS[3], ttl)
return {1, count + 1}
`)

// KEYS: members, conns. ARGV: connection id.
// Returns {removed, count, descriptor}.
var leaveScript = redis.NewScript(`
local desc = redis.call("HGET", KEYS[2], ARGV[1])
local removed = redis.call("SREM", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
local count = redis.call("SCARD", KEYS[1])
if not desc then
	desc = ""
end
return {removed, count, desc}
`)

// KEYS: meta. ARGV: claimant.
// Returns -1 when the room is gone, 1 for the single winner, 0 otherwise.
var teardownScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return -1
end
return redis.call("HSETNX", KEYS[1], "closing", ARGV[1])
`)
