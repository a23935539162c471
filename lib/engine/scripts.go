package engine

import "github.com/garyburd/redigo/redis"

// Lua scripts implementing the atomic set-TTL-if-absent rule: a hot
// key's TTL must survive repeated writes, but a key freshly created this
// call must get the TTL applied once. Registered once per process and
// invoked via EVALSHA with an EVAL fallback.
var (
	// subscribeScriptSource performs the four-key write of Subscribe
	// atomically and applies subscription_ttl to each key only if it has
	// none yet (TTL == -1).
	//
	// KEYS[1] = subscriptions:{cid}
	// KEYS[2] = channels:{ch}
	// KEYS[3] = subscription:{cid}:{ch}
	// KEYS[4] = patterns
	// ARGV[1] = ch
	// ARGV[2] = cid
	// ARGV[3] = subscribed_at (unix seconds)
	// ARGV[4] = subscription_ttl (seconds)
	// ARGV[5] = "1" if ch is a wildcard pattern, else "0"
	subscribeScriptSource = `
redis.call("sadd", KEYS[1], ARGV[1])
redis.call("sadd", KEYS[2], ARGV[2])
redis.call("hset", KEYS[3], "subscribed_at", ARGV[3], "channel", ARGV[1], "client_id", ARGV[2])
if ARGV[5] == "1" then
  redis.call("sadd", KEYS[4], ARGV[1])
end
if redis.call("ttl", KEYS[1]) == -1 then redis.call("expire", KEYS[1], ARGV[4]) end
if redis.call("ttl", KEYS[2]) == -1 then redis.call("expire", KEYS[2], ARGV[4]) end
if redis.call("ttl", KEYS[3]) == -1 then redis.call("expire", KEYS[3], ARGV[4]) end
if ARGV[5] == "1" then
  if redis.call("ttl", KEYS[4]) == -1 then redis.call("expire", KEYS[4], ARGV[4]) end
end
return 1
`

	// enqueueScriptSource RPUSHes a message and applies message_ttl only
	// if the list had no TTL before this push, so a hot queue is never
	// re-extended forever. The TTL check runs after RPUSH (mirroring
	// subscribeScriptSource) so a brand-new list - TTL == -2 before
	// creation - reads as "no TTL" (-1) once RPUSH has created it,
	// instead of being mistaken for an already-expiring key.
	//
	// KEYS[1] = messages:{cid}
	// ARGV[1] = JSON-encoded message
	// ARGV[2] = message_ttl (seconds)
	enqueueScriptSource = `
local n = redis.call("rpush", KEYS[1], ARGV[1])
if redis.call("ttl", KEYS[1]) == -1 then
  redis.call("expire", KEYS[1], ARGV[2])
end
return n
`

	// clientCreateScriptSource writes the client hash, indexes it, and
	// applies client_timeout atomically.
	//
	// KEYS[1] = clients:{cid}
	// KEYS[2] = clients:index
	// ARGV[1] = cid
	// ARGV[2] = created_at
	// ARGV[3] = last_ping
	// ARGV[4] = server_id
	// ARGV[5] = client_timeout (seconds)
	clientCreateScriptSource = `
redis.call("hset", KEYS[1], "client_id", ARGV[1], "created_at", ARGV[2], "last_ping", ARGV[3], "server_id", ARGV[4])
redis.call("sadd", KEYS[2], ARGV[1])
redis.call("expire", KEYS[1], ARGV[5])
return 1
`
)

type compiledScripts struct {
	subscribe    *redis.Script
	enqueue      *redis.Script
	clientCreate *redis.Script
}

func newCompiledScripts() *compiledScripts {
	return &compiledScripts{
		subscribe:    redis.NewScript(4, subscribeScriptSource),
		enqueue:      redis.NewScript(1, enqueueScriptSource),
		clientCreate: redis.NewScript(2, clientCreateScriptSource),
	}
}
