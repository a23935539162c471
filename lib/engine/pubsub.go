package engine

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/garyburd/redigo/redis"

	"github.com/7a6163/faye-redis-go/lib/logging"
)

// MessageHandler receives a message delivered over the shared PUB/SUB
// bus, on the channel it was published to.
type MessageHandler func(channel string, msg Message)

// pubsub is a long-lived background worker that owns one dedicated Redis
// connection and subscribes to the namespace's "publish:*" pattern,
// demultiplexing inter-process traffic to a single registered handler.
type pubsub struct {
	pool *pool
	keys keyScheme
	cfg  Config
	log  logging.Logger

	sched *scheduler

	mu      sync.Mutex
	handler MessageHandler
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	reconnectAttempt int32
	metrics          *metrics
}

func newPubSub(p *pool, keys keyScheme, cfg Config, log logging.Logger, sched *scheduler, m *metrics) *pubsub {
	return &pubsub{pool: p, keys: keys, cfg: cfg, log: log, sched: sched, metrics: m}
}

// onMessage registers the single handler slot. A second call replaces the
// previous handler and logs the replacement at INFO, preventing duplicate
// processing.
func (ps *pubsub) onMessage(h MessageHandler) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.handler != nil && ps.log != nil {
		ps.log.Log(logging.NewEntry(logging.INFO, "engine: replacing existing pubsub handler"))
	}
	ps.handler = h
}

// ensureStarted lazily starts the subscriber worker goroutine.
func (ps *pubsub) ensureStarted() {
	ps.mu.Lock()
	if ps.running {
		ps.mu.Unlock()
		return
	}
	ps.running = true
	ps.stopCh = make(chan struct{})
	ps.doneCh = make(chan struct{})
	ps.mu.Unlock()

	go ps.run()
}

// publish PUBLISHes the JSON-encoded msg on publish:{ch}, starting the
// subscriber worker on first use.
func (ps *pubsub) publish(ch string, msg Message) (bool, error) {
	ps.ensureStarted()
	payload, err := json.Marshal(msg)
	if err != nil {
		return false, err
	}
	err = ps.pool.withConnection("pubsub.publish", func(conn redis.Conn) error {
		_, err := conn.Do("PUBLISH", ps.keys.pubsubChannel(ch), payload)
		return err
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// disconnect sets the stop flag, kills the worker, quits the dedicated
// connection (errors suppressed), clears the handler, and resets the
// reconnect counter.
func (ps *pubsub) disconnect() {
	ps.mu.Lock()
	if !ps.running {
		ps.mu.Unlock()
		return
	}
	ps.running = false
	stopCh := ps.stopCh
	doneCh := ps.doneCh
	ps.mu.Unlock()

	close(stopCh)
	<-doneCh

	ps.mu.Lock()
	ps.handler = nil
	ps.mu.Unlock()
	atomic.StoreInt32(&ps.reconnectAttempt, 0)
}

func (ps *pubsub) run() {
	defer close(ps.doneCh)

	for {
		select {
		case <-ps.stopCh:
			return
		default:
		}

		err := ps.subscribeLoop()
		if err == nil {
			return // stopCh closed from inside subscribeLoop
		}

		attempt := int(atomic.AddInt32(&ps.reconnectAttempt, 1))
		if ps.metrics != nil {
			ps.metrics.pubsubReconnects.Inc()
		}
		if attempt > ps.cfg.PubSubMaxReconnectAttempts {
			if ps.log != nil {
				ps.log.Log(logging.NewEntry(logging.ERROR, "engine: pubsub reconnect attempts exhausted, giving up", map[string]interface{}{
					"attempts": attempt - 1,
				}))
			}
			return
		}

		delay := jitteredBackoff(ps.cfg.PubSubReconnectDelay, attempt, 60*time.Second)
		if ps.log != nil {
			ps.log.Log(logging.NewEntry(logging.ERROR, "engine: pubsub connection lost, reconnecting", map[string]interface{}{
				"attempt": attempt, "delay": delay.String(), "error": err.Error(),
			}))
		}
		select {
		case <-ps.stopCh:
			return
		case <-time.After(delay):
		}
	}
}

// subscribeLoop owns the dedicated connection for one subscribe session.
// It returns nil only when stopCh fires (clean shutdown); any other
// return value is the error that triggers the reconnect-with-backoff
// path in run().
func (ps *pubsub) subscribeLoop() error {
	conn, err := ps.pool.dedicatedConn()
	if err != nil {
		return err
	}
	psc := redis.PubSubConn{Conn: conn}
	defer psc.Close()

	if err := psc.PSubscribe(ps.keys.pubsubPattern()); err != nil {
		return err
	}

	atomic.StoreInt32(&ps.reconnectAttempt, 0)

	msgCh := make(chan redis.Message, RedisPubSubWorkerChannelSize)
	recvDone := make(chan error, 1)
	go func() {
		for {
			switch n := psc.Receive().(type) {
			case redis.Message:
				select {
				case msgCh <- n:
				case <-ps.stopCh:
					recvDone <- nil
					return
				}
			case redis.PMessage:
				// Pattern subscriptions deliver PMessage frames.
				select {
				case msgCh <- redis.Message{Channel: n.Channel, Data: n.Data}:
				case <-ps.stopCh:
					recvDone <- nil
					return
				}
			case redis.Subscription:
				// Nothing to do; subscription count change.
			case error:
				recvDone <- n
				return
			}
		}
	}()

	for {
		select {
		case <-ps.stopCh:
			return nil
		case err := <-recvDone:
			return err
		case n := <-msgCh:
			ps.dispatch(n)
		}
	}
}

// dispatch parses an incoming PUB/SUB message and schedules delivery to
// the registered handler on the cooperative scheduler; if the scheduler
// is not running the message is dropped and logged, observable only
// during shutdown. Business logic never runs on this goroutine, only
// receive, parse, and hand off.
func (ps *pubsub) dispatch(n redis.Message) {
	logicalChannel, ok := ps.keys.channelFromPubSub(n.Channel)
	if !ok {
		return
	}
	var msg Message
	if err := json.Unmarshal(n.Data, &msg); err != nil {
		if ps.log != nil {
			ps.log.Log(logging.NewEntry(logging.ERROR, "engine: malformed pubsub payload", map[string]interface{}{
				"channel": logicalChannel, "error": err.Error(),
			}))
		}
		return
	}

	ps.mu.Lock()
	handler := ps.handler
	ps.mu.Unlock()
	if handler == nil {
		return
	}

	ok = ps.sched.submit(func() {
		defer func() {
			if r := recover(); r != nil && ps.log != nil {
				ps.log.Log(logging.NewEntry(logging.ERROR, "engine: pubsub handler panicked", map[string]interface{}{"recovered": r}))
			}
		}()
		handler(logicalChannel, msg)
	})
	if !ok && ps.log != nil {
		ps.log.Log(logging.NewEntry(logging.ERROR, "engine: scheduler not running, dropping pubsub message", map[string]interface{}{
			"channel": logicalChannel, "message_id": msg.ID,
		}))
	}
}
