package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/7a6163/faye-redis-go/lib/logging"
)

// Engine composes the connection pool, client registry, subscription
// manager, message queue, and PUB/SUB coordinator into the single object
// the protocol layer talks to. All coordination state lives in one shared
// Redis; there is no cross-Redis sharding.
type Engine struct {
	cfg Config
	log logging.Logger

	pool    *pool
	keys    keyScheme
	scripts *compiledScripts

	registry *registry
	subs     *subscriptionManager
	queue    *messageQueue
	pubsub   *pubsub
	sched    *scheduler
	echo     *echoSet
	metrics  *metrics

	serverID string

	gcMu      sync.Mutex
	gcStarted bool
	gcStop    chan struct{}
	gcDone    chan struct{}

	cancel context.CancelFunc

	disconnectOnce sync.Once
}

// Option configures optional Engine construction parameters: a custom
// logger/handler or an existing Prometheus registerer to register metrics
// against, instead of the package defaults.
type Option func(*engineOptions)

type engineOptions struct {
	logger     logging.Logger
	registerer prometheus.Registerer
}

// WithLogger overrides the default stderr text-handler logger.
func WithLogger(l logging.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// WithRegisterer registers engine metrics against reg instead of a
// private registry, so a host process can expose them on its own
// /metrics endpoint.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *engineOptions) { o.registerer = reg }
}

// New wires together the engine's components and starts its cooperative
// scheduler. Cancelling ctx is equivalent to calling Disconnect.
func New(ctx context.Context, cfg Config, opts ...Option) (*Engine, error) {
	cfg.normalize()

	o := &engineOptions{}
	for _, opt := range opts {
		opt(o)
	}
	log := o.logger
	if log == nil {
		log = logging.New(cfg.logLevel(), logging.DefaultHandler())
	}

	m := newMetrics(o.registerer, cfg.Namespace)

	p := newPool(cfg, log, m)
	keys := newKeyScheme(cfg.Namespace)
	scripts := newCompiledScripts()
	sched := newScheduler()

	serverID := uuid.NewString()
	e := &Engine{
		cfg:      cfg,
		log:      log,
		pool:     p,
		keys:     keys,
		scripts:  scripts,
		registry: newRegistry(p, keys, cfg, scripts, log, serverID),
		subs:     newSubscriptionManager(p, keys, cfg, scripts, log),
		queue:    newMessageQueue(p, keys, cfg, scripts, log, m),
		sched:    sched,
		echo:     newEchoSet(),
		metrics:  m,
		serverID: serverID,
	}
	e.pubsub = newPubSub(p, keys, cfg, log, sched, m)
	e.pubsub.onMessage(e.handlePubSubMessage)

	sched.start()
	// The subscriber worker must be listening before this process ever
	// publishes: a client subscribed through this engine receives remote
	// publishes over the shared bus even if this process never calls
	// Publish itself.
	e.pubsub.ensureStarted()
	// The scheduler is running at this point, so the GC timer starts now;
	// ensureGCStarted stays in CreateClient as the lazy fallback.
	e.ensureGCStarted()

	if ctx != nil {
		ctx, cancel := context.WithCancel(ctx)
		e.cancel = cancel
		go func() {
			<-ctx.Done()
			e.Disconnect()
		}()
	}

	return e, nil
}

// CreateClient generates a UUIDv4 client id, creates its registry entry,
// and makes sure the GC timer is running. It returns ("", err) on
// failure.
func (e *Engine) CreateClient() (string, error) {
	e.ensureGCStarted()
	cid := uuid.NewString()
	ok, err := e.registry.create(cid)
	if err != nil || !ok {
		if e.log != nil {
			e.log.Log(logging.NewEntry(logging.ERROR, "engine: create_client failed", map[string]interface{}{"error": errString(err)}))
		}
		return "", err
	}
	return cid, nil
}

// DestroyClient unsubscribes cid from everything, clears its queue, and
// removes its registry entry, in that order.
func (e *Engine) DestroyClient(cid string) (bool, error) {
	if _, err := e.subs.unsubscribeAll(cid); err != nil {
		return false, err
	}
	if err := e.queue.clear(cid); err != nil {
		return false, err
	}
	return e.registry.destroy(cid)
}

// ClientExists delegates to the registry.
func (e *Engine) ClientExists(cid string) (bool, error) {
	return e.registry.exists(cid)
}

// Ping refreshes the client's liveness window and its subscription TTLs.
func (e *Engine) Ping(cid string) error {
	if err := e.registry.ping(cid); err != nil {
		return err
	}
	return e.subs.refreshClientSubscriptionsTTL(cid)
}

// Subscribe delegates to the Subscription Manager.
func (e *Engine) Subscribe(cid, channel string) (bool, error) {
	return e.subs.subscribe(cid, channel)
}

// Unsubscribe delegates to the Subscription Manager.
func (e *Engine) Unsubscribe(cid, channel string) (bool, error) {
	return e.subs.unsubscribe(cid, channel)
}

// Publish fans msg out: for every channel, publish on the shared PUB/SUB
// bus and batch-enqueue for the current snapshot of subscribers,
// concurrently. The result is the AND-reduction of every per-channel,
// per-operation outcome, returned exactly once regardless of how many
// channels or subscribers are involved.
func (e *Engine) Publish(msg Message, channels []string) (bool, error) {
	start := time.Now()
	ok, err := e.publish(msg, channels)
	if e.metrics != nil {
		e.metrics.publishLatency.Observe(time.Since(start).Seconds())
		outcome := "success"
		if !ok {
			outcome = "failure"
		}
		e.metrics.publishTotal.WithLabelValues(outcome).Inc()
	}
	return ok, err
}

func (e *Engine) publish(msg Message, channels []string) (bool, error) {
	if len(channels) == 0 {
		return true, nil
	}
	msg.ensureID()
	e.echo.record(msg.ID)

	var wg sync.WaitGroup
	var mu sync.Mutex
	success := true
	var firstErr error

	fail := func(err error) {
		mu.Lock()
		success = false
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for _, ch := range channels {
		ch := ch
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := e.pubsub.publish(ch, msg); err != nil {
				fail(err)
			}
		}()
		go func() {
			defer wg.Done()
			subscribers, err := e.subs.getSubscribers(ch)
			if err != nil {
				fail(err)
				return
			}
			if err := e.queue.enqueueBatch(subscribers, &msg); err != nil {
				fail(err)
			}
		}()
	}
	wg.Wait()

	return success, firstErr
}

// EmptyQueue drains cid's queue and returns the drained messages.
func (e *Engine) EmptyQueue(cid string) ([]Message, error) {
	return e.queue.dequeueAll(cid)
}

// CleanupExpired runs one full GC cycle: sweep stale local-echo ids,
// reconcile the client registry, then reconcile subscription/queue/channel
// orphans against the resulting active-id set. It returns the count of
// reaped clients.
func (e *Engine) CleanupExpired() (int, error) {
	e.echo.sweep()

	reaped, err := e.registry.cleanupExpired()
	if err != nil {
		if e.log != nil {
			e.log.Log(logging.NewEntry(logging.ERROR, "engine: registry cleanup failed", map[string]interface{}{"error": err.Error()}))
		}
		return 0, err
	}
	if e.metrics != nil {
		e.metrics.gcCycles.Inc()
		e.metrics.reapedClients.Add(float64(reaped))
	}

	active, err := e.registry.all()
	if err != nil {
		return reaped, err
	}
	activeSet := make(map[string]struct{}, len(active))
	for _, cid := range active {
		activeSet[cid] = struct{}{}
	}
	if e.metrics != nil {
		e.metrics.activeClients.Set(float64(len(active)))
	}

	if err := e.subs.cleanupOrphanedData(activeSet); err != nil {
		if e.log != nil {
			e.log.Log(logging.NewEntry(logging.ERROR, "engine: orphan cleanup failed", map[string]interface{}{"error": err.Error()}))
		}
		return reaped, err
	}

	return reaped, nil
}

// Disconnect stops the GC timer, disconnects the PUB/SUB coordinator,
// stops the scheduler, and closes the connection pool. Safe to call more
// than once.
func (e *Engine) Disconnect() {
	e.disconnectOnce.Do(func() {
		e.stopGC()
		e.pubsub.disconnect()
		e.sched.stop()
		if err := e.pool.close(); err != nil && e.log != nil {
			e.log.Log(logging.NewEntry(logging.ERROR, "engine: error closing pool on disconnect", map[string]interface{}{"error": err.Error()}))
		}
		if e.cancel != nil {
			e.cancel()
		}
	})
}

// Stats is a read-only snapshot of engine activity.
type Stats struct {
	ActiveClients      int
	PubSubReconnecting int32
}

// Stats reports the current number of ids in the client index (read from
// Redis on each call) and the PUB/SUB coordinator's current reconnect
// attempt counter.
func (e *Engine) Stats() Stats {
	ids, _ := e.registry.all()
	return Stats{
		ActiveClients:      len(ids),
		PubSubReconnecting: atomic.LoadInt32(&e.pubsub.reconnectAttempt),
	}
}

// ensureGCStarted starts the GC timer if it isn't already running. A
// GCInterval of zero disables the timer entirely.
func (e *Engine) ensureGCStarted() {
	if e.cfg.GCInterval <= 0 {
		return
	}
	e.gcMu.Lock()
	if e.gcStarted {
		e.gcMu.Unlock()
		return
	}
	e.gcStarted = true
	e.gcStop = make(chan struct{})
	e.gcDone = make(chan struct{})
	stop := e.gcStop
	done := e.gcDone
	e.gcMu.Unlock()

	go e.runGC(stop, done)
}

func (e *Engine) runGC(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := e.CleanupExpired(); err != nil && e.log != nil {
				e.log.Log(logging.NewEntry(logging.ERROR, "engine: gc cycle failed", map[string]interface{}{"error": err.Error()}))
			}
		}
	}
}

func (e *Engine) stopGC() {
	e.gcMu.Lock()
	if !e.gcStarted {
		e.gcMu.Unlock()
		return
	}
	e.gcStarted = false
	stop := e.gcStop
	done := e.gcDone
	e.gcMu.Unlock()

	close(stop)
	<-done
}

func (e *Engine) handlePubSubMessage(channel string, msg Message) {
	if e.echo.isLocalEcho(msg.ID) {
		return
	}
	subscribers, err := e.subs.getSubscribers(channel)
	if err != nil {
		if e.log != nil {
			e.log.Log(logging.NewEntry(logging.ERROR, "engine: resolving subscribers for remote publish failed", map[string]interface{}{
				"channel": channel, "error": err.Error(),
			}))
		}
		return
	}
	if err := e.queue.enqueueBatch(subscribers, &msg); err != nil && e.log != nil {
		e.log.Log(logging.NewEntry(logging.ERROR, "engine: enqueueing remote publish failed", map[string]interface{}{
			"channel": channel, "error": err.Error(),
		}))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
