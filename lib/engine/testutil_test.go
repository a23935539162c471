package engine

import (
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/garyburd/redigo/redis"
)

// newTestRedis starts an in-process miniredis server and returns a Config
// pointed at it, so tests run without a live Redis server.
func newTestRedis(t *testing.T) (*miniredis.Miniredis, Config) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	host, port, err := net.SplitHostPort(mr.Addr())
	if err != nil {
		t.Fatalf("splitting miniredis addr: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Host = host
	cfg.Port = port
	cfg.PoolSize = 5
	cfg.ConnectTimeout = time.Second
	cfg.ReadTimeout = time.Second
	cfg.WriteTimeout = time.Second
	cfg.MaxRetries = 1
	cfg.RetryDelay = time.Millisecond
	cfg.Namespace = "faye"
	cfg.normalize()
	return mr, cfg
}

func newTestPool(t *testing.T) (*miniredis.Miniredis, *pool) {
	t.Helper()
	mr, cfg := newTestRedis(t)
	p := newPool(cfg, nil, nil)
	t.Cleanup(func() { _ = p.close() })
	return mr, p
}

// wireMessage builds the raw PUB/SUB frame the coordinator's receive loop
// would hand to dispatch for a payload published on the logical channel ch.
func wireMessage(keys keyScheme, ch, payload string) redis.Message {
	return redis.Message{
		Channel: keys.pubsubChannel(ch),
		Data:    []byte(payload),
	}
}
