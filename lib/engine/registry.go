package engine

import (
	"time"

	"github.com/garyburd/redigo/redis"

	"github.com/7a6163/faye-redis-go/lib/logging"
)

// ClientRecord is the hash stored at clients:{cid}.
type ClientRecord struct {
	ClientID  string
	CreatedAt int64
	LastPing  int64
	ServerID  string
}

// registry tracks active client sessions: lifecycle, heartbeat, and the
// clients:index membership set.
type registry struct {
	pool     *pool
	keys     keyScheme
	cfg      Config
	scripts  *compiledScripts
	log      logging.Logger
	serverID string

	// repairCounter triggers a full index rebuild every tenth
	// cleanupExpired call; reset to 0 after each repair.
	repairCounter int
}

func newRegistry(p *pool, keys keyScheme, cfg Config, scripts *compiledScripts, log logging.Logger, serverID string) *registry {
	return &registry{pool: p, keys: keys, cfg: cfg, scripts: scripts, log: log, serverID: serverID}
}

// create writes the client hash, indexes it, and applies client_timeout
// TTL atomically via clientCreateScriptSource.
func (r *registry) create(cid string) (bool, error) {
	now := time.Now().Unix()
	err := r.pool.withConnection("registry.create", func(conn redis.Conn) error {
		_, err := r.scripts.clientCreate.Do(conn,
			r.keys.client(cid), r.keys.clientsIndex(),
			cid, now, now, r.serverID, int64(r.cfg.ClientTimeout.Seconds()),
		)
		return err
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// destroy removes the hash and index membership in one MULTI/EXEC.
func (r *registry) destroy(cid string) (bool, error) {
	err := r.pool.withConnection("registry.destroy", func(conn redis.Conn) error {
		conn.Send("MULTI")
		conn.Send("DEL", r.keys.client(cid))
		conn.Send("SREM", r.keys.clientsIndex(), cid)
		_, err := conn.Do("EXEC")
		return err
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// exists is true iff the hash exists.
func (r *registry) exists(cid string) (bool, error) {
	var ok bool
	err := r.pool.withConnection("registry.exists", func(conn redis.Conn) error {
		n, err := redis.Int(conn.Do("EXISTS", r.keys.client(cid)))
		if err != nil {
			return err
		}
		ok = n > 0
		return nil
	})
	return ok, err
}

// ping refreshes last_ping and client_timeout TTL.
func (r *registry) ping(cid string) error {
	now := time.Now().Unix()
	return r.pool.withConnection("registry.ping", func(conn redis.Conn) error {
		conn.Send("HSET", r.keys.client(cid), "last_ping", now)
		_, err := conn.Do("EXPIRE", r.keys.client(cid), int64(r.cfg.ClientTimeout.Seconds()))
		return err
	})
}

// get returns the client record, or nil if the hash is gone.
func (r *registry) get(cid string) (*ClientRecord, error) {
	var rec *ClientRecord
	err := r.pool.withConnection("registry.get", func(conn redis.Conn) error {
		vals, err := redis.StringMap(conn.Do("HGETALL", r.keys.client(cid)))
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			return nil
		}
		rec = &ClientRecord{
			ClientID: vals["client_id"],
			ServerID: vals["server_id"],
		}
		if v, ok := vals["created_at"]; ok {
			rec.CreatedAt = parseInt64(v)
		}
		if v, ok := vals["last_ping"]; ok {
			rec.LastPing = parseInt64(v)
		}
		return nil
	})
	return rec, err
}

// all returns the member ids of the index set.
func (r *registry) all() ([]string, error) {
	var ids []string
	err := r.pool.withConnection("registry.all", func(conn redis.Conn) error {
		vals, err := redis.Strings(conn.Do("SMEMBERS", r.keys.clientsIndex()))
		if err != nil {
			return err
		}
		ids = vals
		return nil
	})
	return ids, err
}

// cleanupExpired reconciles index membership against actual hash
// existence, returning the number of ids reaped. Every tenth call
// triggers a full SCAN-based index repair.
func (r *registry) cleanupExpired() (int, error) {
	ids, err := r.all()
	if err != nil {
		return 0, err
	}

	var toRemove []string
	err = r.pool.withConnection("registry.cleanupExpired.check", func(conn redis.Conn) error {
		for _, cid := range ids {
			conn.Send("EXISTS", r.keys.client(cid))
		}
		if err := conn.Flush(); err != nil {
			return err
		}
		for _, cid := range ids {
			n, err := redis.Int(conn.Receive())
			if err != nil {
				return err
			}
			if n == 0 {
				toRemove = append(toRemove, cid)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(toRemove) > 0 {
		err = r.pool.withConnection("registry.cleanupExpired.remove", func(conn redis.Conn) error {
			conn.Send("MULTI")
			for _, cid := range toRemove {
				conn.Send("SREM", r.keys.clientsIndex(), cid)
				conn.Send("DEL", r.keys.client(cid))
			}
			_, err := conn.Do("EXEC")
			return err
		})
		if err != nil {
			return 0, err
		}
	}

	r.repairCounter++
	if r.repairCounter >= 10 {
		r.repairCounter = 0
		if err := r.repairIndex(); err != nil && r.log != nil {
			r.log.Log(logging.NewEntry(logging.ERROR, "engine: index repair failed", map[string]interface{}{"error": err.Error()}))
		}
	}

	return len(toRemove), nil
}

// repairIndex SCANs every clients:{*} hash key and atomically rebuilds
// clients:index from what actually exists, eliminating ids that slipped
// past the per-cycle reconciliation above (e.g. an index add that
// succeeded just before a crash left no hash behind).
func (r *registry) repairIndex() error {
	var found []string
	err := r.pool.withConnection("registry.repairIndex.scan", func(conn redis.Conn) error {
		cursor := "0"
		pattern := r.keys.clientsScanPattern()
		for {
			reply, err := redis.Values(conn.Do("SCAN", cursor, "MATCH", pattern, "COUNT", 200))
			if err != nil {
				return err
			}
			cursor, err = redis.String(reply[0], nil)
			if err != nil {
				return err
			}
			keys, err := redis.Strings(reply[1], nil)
			if err != nil {
				return err
			}
			for _, key := range keys {
				if cid, ok := r.keys.cidFromClientKey(key); ok {
					found = append(found, cid)
				}
			}
			if cursor == "0" {
				return nil
			}
		}
	})
	if err != nil {
		return err
	}

	return r.pool.withConnection("registry.repairIndex.rebuild", func(conn redis.Conn) error {
		conn.Send("MULTI")
		conn.Send("DEL", r.keys.clientsIndex())
		if len(found) > 0 {
			args := redis.Args{}.Add(r.keys.clientsIndex())
			for _, cid := range found {
				args = args.Add(cid)
			}
			conn.Send("SADD", args...)
		}
		_, err := conn.Do("EXEC")
		return err
	})
}

func parseInt64(s string) int64 {
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
