package engine

import (
	"encoding/json"

	"github.com/garyburd/redigo/redis"

	"github.com/7a6163/faye-redis-go/lib/logging"
)

// messageQueue is the per-client FIFO of undelivered messages. FIFO order
// is guaranteed by RPUSH/LRANGE ordering per key; no cross-queue ordering
// is promised.
type messageQueue struct {
	pool    *pool
	keys    keyScheme
	cfg     Config
	scripts *compiledScripts
	log     logging.Logger
	metrics *metrics
}

func newMessageQueue(p *pool, keys keyScheme, cfg Config, scripts *compiledScripts, log logging.Logger, m *metrics) *messageQueue {
	return &messageQueue{pool: p, keys: keys, cfg: cfg, scripts: scripts, log: log, metrics: m}
}

// enqueue RPUSHes msg (assigning an id if absent) and applies message_ttl
// only if the list had no TTL before this push (enqueueScriptSource). The
// script already returns the list's post-push length, so the queue_depth
// gauge is updated from that reply instead of a separate LLEN round trip.
func (q *messageQueue) enqueue(cid string, msg *Message) (bool, error) {
	msg.ensureID()
	payload, err := json.Marshal(msg)
	if err != nil {
		return false, err
	}
	var depth int
	err = q.pool.withConnection("queue.enqueue", func(conn redis.Conn) error {
		n, err := redis.Int(q.scripts.enqueue.Do(conn, q.keys.messages(cid), payload, int64(q.cfg.MessageTTL.Seconds())))
		if err != nil {
			return err
		}
		depth = n
		return nil
	})
	if err != nil {
		return false, err
	}
	if q.metrics != nil {
		q.metrics.queueDepth.WithLabelValues(cid).Set(float64(depth))
	}
	return true, nil
}

// enqueueBatch delivers msg to every cid in recipients with a single
// pipelined sequence of RPUSH + EXPIRE-if-absent commands issued over one
// pooled connection: the whole batch succeeds or the caller is told it
// failed. Each reply is the recipient's post-push queue length, fed
// straight into the queue_depth gauge per recipient.
func (q *messageQueue) enqueueBatch(recipients []string, msg *Message) error {
	if len(recipients) == 0 {
		return nil
	}
	msg.ensureID()
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ttl := int64(q.cfg.MessageTTL.Seconds())
	depths := make([]int, len(recipients))
	err = q.pool.withConnection("queue.enqueueBatch", func(conn redis.Conn) error {
		for _, cid := range recipients {
			q.scripts.enqueue.Send(conn, q.keys.messages(cid), payload, ttl)
		}
		if err := conn.Flush(); err != nil {
			return err
		}
		for i := range recipients {
			n, err := redis.Int(conn.Receive())
			if err != nil {
				return err
			}
			depths[i] = n
		}
		return nil
	})
	if err != nil {
		return err
	}
	if q.metrics != nil {
		for i, cid := range recipients {
			q.metrics.queueDepth.WithLabelValues(cid).Set(float64(depths[i]))
		}
	}
	return nil
}

// dequeueAll atomically reads and clears the queue (LRANGE + DEL in one
// MULTI/EXEC), parsing each element as JSON and dropping malformed
// entries with a log rather than failing the whole drain.
func (q *messageQueue) dequeueAll(cid string) ([]Message, error) {
	var raw []string
	err := q.pool.withConnection("queue.dequeueAll", func(conn redis.Conn) error {
		conn.Send("MULTI")
		conn.Send("LRANGE", q.keys.messages(cid), 0, -1)
		conn.Send("DEL", q.keys.messages(cid))
		reply, err := redis.Values(conn.Do("EXEC"))
		if err != nil {
			return err
		}
		if len(reply) == 0 {
			return nil
		}
		vals, err := redis.Strings(reply[0], nil)
		if err != nil {
			return err
		}
		raw = vals
		return nil
	})
	if err != nil {
		return nil, err
	}

	messages := make([]Message, 0, len(raw))
	for _, item := range raw {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			if q.log != nil {
				q.log.Log(logging.NewEntry(logging.ERROR, "engine: dropping malformed queue entry", map[string]interface{}{
					"client_id": cid, "error": err.Error(),
				}))
			}
			continue
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// peek returns the first limit messages without removing them.
func (q *messageQueue) peek(cid string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	var raw []string
	err := q.pool.withConnection("queue.peek", func(conn redis.Conn) error {
		vals, err := redis.Strings(conn.Do("LRANGE", q.keys.messages(cid), 0, limit-1))
		if err != nil {
			return err
		}
		raw = vals
		return nil
	})
	if err != nil {
		return nil, err
	}
	messages := make([]Message, 0, len(raw))
	for _, item := range raw {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			continue
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// size returns the current queue length.
func (q *messageQueue) size(cid string) (int, error) {
	var n int
	err := q.pool.withConnection("queue.size", func(conn redis.Conn) error {
		v, err := redis.Int(conn.Do("LLEN", q.keys.messages(cid)))
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

// clear deletes the queue outright.
func (q *messageQueue) clear(cid string) error {
	return q.pool.withConnection("queue.clear", func(conn redis.Conn) error {
		_, err := conn.Do("DEL", q.keys.messages(cid))
		return err
	})
}
