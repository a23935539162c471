package engine

import (
	"time"

	"github.com/garyburd/redigo/redis"

	"github.com/7a6163/faye-redis-go/lib/logging"
)

// subscriptionManager maintains the client<->channel bipartite graph,
// the wildcard pattern set, and the compiled-pattern cache.
type subscriptionManager struct {
	pool    *pool
	keys    keyScheme
	cfg     Config
	scripts *compiledScripts
	log     logging.Logger
	cache   *patternCache
}

func newSubscriptionManager(p *pool, keys keyScheme, cfg Config, scripts *compiledScripts, log logging.Logger) *subscriptionManager {
	return &subscriptionManager{
		pool: p, keys: keys, cfg: cfg, scripts: scripts, log: log,
		cache: newPatternCache(log),
	}
}

// subscribe performs the four-key write atomically via
// subscribeScriptSource: add to subscriptions:{cid} and channels:{ch},
// write the meta hash, add to patterns if ch is a wildcard, and apply
// subscription_ttl to each key only if it doesn't already have one.
func (s *subscriptionManager) subscribe(cid, ch string) (bool, error) {
	wildcard := "0"
	if isWildcard(ch) {
		wildcard = "1"
	}
	now := time.Now().Unix()
	err := s.pool.withConnection("subscriptions.subscribe", func(conn redis.Conn) error {
		_, err := s.scripts.subscribe.Do(conn,
			s.keys.subscriptions(cid), s.keys.channel(ch), s.keys.subscriptionMeta(cid, ch), s.keys.patterns(),
			ch, cid, now, int64(s.cfg.SubscriptionTTL.Seconds()), wildcard,
		)
		return err
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// unsubscribe removes both set memberships and the meta hash atomically.
// If ch is a wildcard whose subscriber set is now empty, it is also
// removed from `patterns` and evicted from the compiled-pattern cache.
func (s *subscriptionManager) unsubscribe(cid, ch string) (bool, error) {
	wildcard := isWildcard(ch)
	var remaining int64
	err := s.pool.withConnection("subscriptions.unsubscribe", func(conn redis.Conn) error {
		conn.Send("MULTI")
		conn.Send("SREM", s.keys.subscriptions(cid), ch)
		conn.Send("SREM", s.keys.channel(ch), cid)
		conn.Send("DEL", s.keys.subscriptionMeta(cid, ch))
		if wildcard {
			conn.Send("SCARD", s.keys.channel(ch))
		}
		reply, err := redis.Values(conn.Do("EXEC"))
		if err != nil {
			return err
		}
		if wildcard && len(reply) == 4 {
			remaining, _ = redis.Int64(reply[3], nil)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if wildcard && remaining == 0 {
		if err := s.pool.withConnection("subscriptions.unsubscribe.dropPattern", func(conn redis.Conn) error {
			_, err := conn.Do("SREM", s.keys.patterns(), ch)
			return err
		}); err != nil {
			return false, err
		}
		s.cache.evict(ch)
	}
	return true, nil
}

// unsubscribeAll fans out unsubscribe over cid's current channel list
// and returns once, after every per-channel unsubscribe has completed.
func (s *subscriptionManager) unsubscribeAll(cid string) (bool, error) {
	channels, err := s.getClientSubscriptions(cid)
	if err != nil {
		return false, err
	}
	if len(channels) == 0 {
		return true, nil
	}

	results := make(chan error, len(channels))
	for _, ch := range channels {
		ch := ch
		go func() {
			_, err := s.unsubscribe(cid, ch)
			results <- err
		}()
	}

	var firstErr error
	for range channels {
		if err := <-results; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr == nil, firstErr
}

func (s *subscriptionManager) getClientSubscriptions(cid string) ([]string, error) {
	var channels []string
	err := s.pool.withConnection("subscriptions.getClientSubscriptions", func(conn redis.Conn) error {
		vals, err := redis.Strings(conn.Do("SMEMBERS", s.keys.subscriptions(cid)))
		if err != nil {
			return err
		}
		channels = vals
		return nil
	})
	return channels, err
}

// getSubscribers returns the deduplicated union of exact subscribers
// (channels:{ch}) and pattern subscribers whose patterns match ch.
func (s *subscriptionManager) getSubscribers(ch string) ([]string, error) {
	var exact []string
	err := s.pool.withConnection("subscriptions.getSubscribers.exact", func(conn redis.Conn) error {
		vals, err := redis.Strings(conn.Do("SMEMBERS", s.keys.channel(ch)))
		if err != nil {
			return err
		}
		exact = vals
		return nil
	})
	if err != nil {
		return nil, err
	}

	patternSubs, err := s.getPatternSubscribers(ch)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(exact)+len(patternSubs))
	out := make([]string, 0, len(exact)+len(patternSubs))
	for _, cid := range exact {
		if _, ok := seen[cid]; !ok {
			seen[cid] = struct{}{}
			out = append(out, cid)
		}
	}
	for _, cid := range patternSubs {
		if _, ok := seen[cid]; !ok {
			seen[cid] = struct{}{}
			out = append(out, cid)
		}
	}
	return out, nil
}

// getPatternSubscribers resolves pattern subscribers in three steps:
// SMEMBERS patterns, filter matches in-process, then a single pipelined
// SMEMBERS round trip for every matching pattern.
func (s *subscriptionManager) getPatternSubscribers(ch string) ([]string, error) {
	var patterns []string
	err := s.pool.withConnection("subscriptions.getPatternSubscribers.patterns", func(conn redis.Conn) error {
		vals, err := redis.Strings(conn.Do("SMEMBERS", s.keys.patterns()))
		if err != nil {
			return err
		}
		patterns = vals
		return nil
	})
	if err != nil {
		return nil, err
	}

	var matched []string
	for _, p := range patterns {
		if s.matches(ch, p) {
			matched = append(matched, p)
		}
	}
	if len(matched) == 0 {
		return nil, nil
	}

	var out []string
	err = s.pool.withConnection("subscriptions.getPatternSubscribers.members", func(conn redis.Conn) error {
		for _, p := range matched {
			conn.Send("SMEMBERS", s.keys.channel(p))
		}
		if err := conn.Flush(); err != nil {
			return err
		}
		seen := make(map[string]struct{})
		for range matched {
			vals, err := redis.Strings(conn.Receive())
			if err != nil {
				return err
			}
			for _, cid := range vals {
				if _, ok := seen[cid]; !ok {
					seen[cid] = struct{}{}
					out = append(out, cid)
				}
			}
		}
		return nil
	})
	return out, err
}

// matches reports whether ch satisfies pattern, using the per-instance
// compiled-pattern cache.
func (s *subscriptionManager) matches(ch, pattern string) bool {
	return s.cache.matches(ch, pattern)
}

// refreshClientSubscriptionsTTL is called from Engine.Ping: it
// unconditionally refreshes TTL on subscriptions:{cid} and every member's
// channels:{ch} and subscription:{cid}:{ch}. An active client's keys are
// always re-extended here, unlike subscribe's TTL-if-absent rule.
func (s *subscriptionManager) refreshClientSubscriptionsTTL(cid string) error {
	channels, err := s.getClientSubscriptions(cid)
	if err != nil {
		return err
	}
	ttl := int64(s.cfg.SubscriptionTTL.Seconds())
	return s.pool.withConnection("subscriptions.refreshTTL", func(conn redis.Conn) error {
		conn.Send("EXPIRE", s.keys.subscriptions(cid), ttl)
		for _, ch := range channels {
			conn.Send("EXPIRE", s.keys.channel(ch), ttl)
			conn.Send("EXPIRE", s.keys.subscriptionMeta(cid, ch), ttl)
		}
		// Empty Do flushes the pipeline and drains every pending reply so
		// the connection goes back to the pool clean.
		_, err := conn.Do("")
		return err
	})
}

// cleanupOrphanedData runs the five-phase orphan reconciliation. Phase 2
// works through orphan ids in batches of cfg.CleanupBatchSize, borrowing
// a pooled connection per batch and pausing between batches. Phases 3 and
// 4 page through SCAN results on one pooled connection each and pause
// between pages without returning that connection to the pool. Phases 1
// and 5 run without pauses.
func (s *subscriptionManager) cleanupOrphanedData(activeCids map[string]struct{}) error {
	orphans, err := s.scanOrphanSubscriptionIDs(activeCids)
	if err != nil {
		return err
	}
	if err := s.purgeOrphans(orphans); err != nil {
		return err
	}
	if err := s.purgeOrphanMessageQueues(activeCids); err != nil {
		return err
	}
	if err := s.purgeEmptyChannelSets(); err != nil {
		return err
	}
	return s.purgeEmptyPatterns()
}

// scanOrphanSubscriptionIDs is phase 1: SCAN subscriptions:* and collect
// ids not present in activeCids.
func (s *subscriptionManager) scanOrphanSubscriptionIDs(activeCids map[string]struct{}) ([]string, error) {
	var orphans []string
	err := s.pool.withConnection("subscriptions.cleanup.scanSubscriptions", func(conn redis.Conn) error {
		cursor := "0"
		pattern := s.keys.subscriptionsScanPattern()
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
				if cid, ok := s.keys.cidFromSubscriptionsKey(key); ok {
					if _, active := activeCids[cid]; !active {
						orphans = append(orphans, cid)
					}
				}
			}
			if cursor == "0" {
				return nil
			}
		}
	})
	return orphans, err
}

// purgeOrphans is phase 2: for each orphan id, in batches of
// cfg.CleanupBatchSize, read its channel list then pipeline-delete every
// key it owns, yielding to other callers between batches.
func (s *subscriptionManager) purgeOrphans(orphans []string) error {
	batchSize := s.cfg.CleanupBatchSize
	for i := 0; i < len(orphans); i += batchSize {
		end := i + batchSize
		if end > len(orphans) {
			end = len(orphans)
		}
		batch := orphans[i:end]
		if err := s.purgeOrphanBatch(batch); err != nil {
			return err
		}
		yieldToScheduler()
	}
	return nil
}

func (s *subscriptionManager) purgeOrphanBatch(batch []string) error {
	return s.pool.withConnection("subscriptions.cleanup.purgeBatch", func(conn redis.Conn) error {
		for _, cid := range batch {
			channels, err := redis.Strings(conn.Do("SMEMBERS", s.keys.subscriptions(cid)))
			if err != nil {
				return err
			}
			conn.Send("DEL", s.keys.subscriptions(cid))
			for _, ch := range channels {
				conn.Send("DEL", s.keys.subscriptionMeta(cid, ch))
				conn.Send("SREM", s.keys.channel(ch), cid)
			}
			conn.Send("DEL", s.keys.messages(cid))
		}
		_, err := conn.Do("")
		return err
	})
}

// purgeOrphanMessageQueues is phase 3: SCAN messages:* and delete queues
// whose owning id is not active.
func (s *subscriptionManager) purgeOrphanMessageQueues(activeCids map[string]struct{}) error {
	return s.pool.withConnection("subscriptions.cleanup.scanMessages", func(conn redis.Conn) error {
		cursor := "0"
		pattern := s.keys.messagesScanPattern()
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
				cid, ok := s.keys.cidFromMessagesKey(key)
				if !ok {
					continue
				}
				if _, active := activeCids[cid]; !active {
					if _, err := conn.Do("DEL", key); err != nil {
						return err
					}
				}
			}
			if cursor == "0" {
				return nil
			}
			yieldToScheduler()
		}
	})
}

// purgeEmptyChannelSets is phase 4: SCAN channels:* and delete sets whose
// cardinality is zero.
func (s *subscriptionManager) purgeEmptyChannelSets() error {
	return s.pool.withConnection("subscriptions.cleanup.scanChannels", func(conn redis.Conn) error {
		cursor := "0"
		pattern := s.keys.channelsScanPattern()
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
				card, err := redis.Int(conn.Do("SCARD", key))
				if err != nil {
					return err
				}
				if card == 0 {
					if _, err := conn.Do("DEL", key); err != nil {
						return err
					}
					if ch, ok := s.keys.channelFromChannelsKey(key); ok && s.log != nil {
						s.log.Log(logging.NewEntry(logging.DEBUG, "engine: purged empty channel set", map[string]interface{}{"channel": ch}))
					}
				}
			}
			if cursor == "0" {
				return nil
			}
			yieldToScheduler()
		}
	})
}

// purgeEmptyPatterns is phase 5: for every pattern whose channels:{pattern}
// set is empty, remove it from `patterns`, delete the set, and evict the
// compiled pattern from the cache.
func (s *subscriptionManager) purgeEmptyPatterns() error {
	var patterns []string
	err := s.pool.withConnection("subscriptions.cleanup.patterns", func(conn redis.Conn) error {
		vals, err := redis.Strings(conn.Do("SMEMBERS", s.keys.patterns()))
		if err != nil {
			return err
		}
		patterns = vals
		return nil
	})
	if err != nil {
		return err
	}

	for _, p := range patterns {
		empty := false
		err := s.pool.withConnection("subscriptions.cleanup.patternCard", func(conn redis.Conn) error {
			card, err := redis.Int(conn.Do("SCARD", s.keys.channel(p)))
			if err != nil {
				return err
			}
			empty = card == 0
			return nil
		})
		if err != nil {
			return err
		}
		if !empty {
			continue
		}
		err = s.pool.withConnection("subscriptions.cleanup.dropPattern", func(conn redis.Conn) error {
			conn.Send("MULTI")
			conn.Send("SREM", s.keys.patterns(), p)
			conn.Send("DEL", s.keys.channel(p))
			_, err := conn.Do("EXEC")
			return err
		})
		if err != nil {
			return err
		}
		s.cache.evict(p)
	}
	return nil
}

// yieldToScheduler is a tiny sleep between cleanup batches or SCAN pages.
// Where the caller has already returned its connection (phase 2), other
// goroutines waiting on the pool can take it during the pause; where the
// caller still holds its connection (phases 3 and 4), it stays checked out.
func yieldToScheduler() {
	time.Sleep(time.Millisecond)
}
