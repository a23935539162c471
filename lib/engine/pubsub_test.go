package engine

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPubSub(t *testing.T) (*pubsub, *scheduler) {
	t.Helper()
	_, cfg := newTestRedis(t)
	p := newPool(cfg, nil, nil)
	t.Cleanup(func() { _ = p.close() })
	sched := newScheduler()
	sched.start()
	t.Cleanup(sched.stop)
	ps := newPubSub(p, newKeyScheme(cfg.Namespace), cfg, nil, sched, nil)
	t.Cleanup(ps.disconnect)
	return ps, sched
}

func TestPubSubPublishDeliversToRegisteredHandler(t *testing.T) {
	ps, _ := newTestPubSub(t)

	received := make(chan Message, 64)
	ps.onMessage(func(channel string, msg Message) {
		if channel == "/m" {
			select {
			case received <- msg:
			default:
			}
		}
	})

	// First publish starts the subscriber worker lazily; the PSUBSCRIBE
	// may still be in flight, so retry until the round trip lands.
	require.Eventually(t, func() bool {
		ok, err := ps.publish("/m", Message{ID: "m1", Channel: "/m", Data: []byte(`1`)})
		if err != nil || !ok {
			return false
		}
		select {
		case msg := <-received:
			assert.Equal(t, "m1", msg.ID)
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPubSubOnMessageReplacesPreviousHandler(t *testing.T) {
	ps, _ := newTestPubSub(t)

	var first, second int32
	ps.onMessage(func(string, Message) { atomic.AddInt32(&first, 1) })
	ps.onMessage(func(string, Message) { atomic.AddInt32(&second, 1) })

	require.Eventually(t, func() bool {
		_, err := ps.publish("/m", Message{ID: "m1"})
		if err != nil {
			return false
		}
		return atomic.LoadInt32(&second) > 0
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(0), atomic.LoadInt32(&first), "replaced handler must never fire")
}

func TestPubSubDispatchDropsMessageWhenSchedulerStopped(t *testing.T) {
	_, cfg := newTestRedis(t)
	p := newPool(cfg, nil, nil)
	t.Cleanup(func() { _ = p.close() })
	sched := newScheduler() // never started
	ps := newPubSub(p, newKeyScheme(cfg.Namespace), cfg, nil, sched, nil)

	var fired int32
	ps.onMessage(func(string, Message) { atomic.AddInt32(&fired, 1) })

	// Hand-deliver a raw wire message; with the scheduler not running the
	// dispatch must drop it instead of blocking or panicking.
	ps.dispatch(wireMessage(ps.keys, "/m", `{"id":"m1","channel":"/m"}`))
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestPubSubDispatchIgnoresMalformedPayload(t *testing.T) {
	ps, _ := newTestPubSub(t)
	var fired int32
	ps.onMessage(func(string, Message) { atomic.AddInt32(&fired, 1) })

	ps.dispatch(wireMessage(ps.keys, "/m", `{not json`))
	ps.dispatch(wireMessage(ps.keys, "/m", `{"id":"ok","channel":"/m"}`))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPubSubHandlerPanicDoesNotKillScheduler(t *testing.T) {
	ps, sched := newTestPubSub(t)
	ps.onMessage(func(string, Message) { panic("boom") })

	ps.dispatch(wireMessage(ps.keys, "/m", `{"id":"m1","channel":"/m"}`))

	// The scheduler keeps draining tasks after the recovered panic.
	done := make(chan struct{})
	require.Eventually(t, func() bool {
		return sched.submit(func() { close(done) })
	}, time.Second, 5*time.Millisecond)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler stopped processing after handler panic")
	}
}

// With the dedicated connection factory persistently failing, the worker
// keeps reconnecting with backoff and gives up once the attempt counter
// passes pubsub_max_reconnect_attempts.
func TestPubSubReconnectBackoffStopsAtCeiling(t *testing.T) {
	mr, cfg := newTestRedis(t)
	mr.Close() // nothing is listening: every dial fails
	cfg.PubSubMaxReconnectAttempts = 3
	cfg.PubSubReconnectDelay = time.Millisecond
	cfg.ConnectTimeout = 50 * time.Millisecond

	p := newPool(cfg, nil, nil)
	t.Cleanup(func() { _ = p.close() })
	sched := newScheduler()
	sched.start()
	t.Cleanup(sched.stop)

	ps := newPubSub(p, newKeyScheme(cfg.Namespace), cfg, nil, sched, nil)
	ps.ensureStarted()

	<-ps.doneCh // worker exits on its own once attempts are exhausted

	// Attempts 1..3 back off and retry; attempt 4 crosses the ceiling.
	assert.Equal(t, int32(cfg.PubSubMaxReconnectAttempts+1), atomic.LoadInt32(&ps.reconnectAttempt))
}

func TestPubSubDisconnectResetsReconnectCounter(t *testing.T) {
	ps, _ := newTestPubSub(t)
	atomic.StoreInt32(&ps.reconnectAttempt, 5)
	ps.ensureStarted()
	ps.disconnect()
	assert.Equal(t, int32(0), atomic.LoadInt32(&ps.reconnectAttempt))
}
