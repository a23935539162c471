package engine

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	sentinel "github.com/FZambia/go-sentinel"
	"github.com/garyburd/redigo/redis"

	"github.com/7a6163/faye-redis-go/lib/logging"
)

// pool wraps a redigo connection pool with a retry-with-backoff
// discipline: a fixed-size redis.Pool dialed against either a plain
// host:port or, optionally, a Sentinel-discovered master.
type pool struct {
	cfg     Config
	rp      *redis.Pool
	log     logging.Logger
	metrics *metrics

	mu       sync.Mutex
	sentinel *sentinel.Sentinel
	closed   bool
}

func newPool(cfg Config, log logging.Logger, m *metrics) *pool {
	p := &pool{cfg: cfg, log: log, metrics: m}
	if cfg.usesSentinel() {
		p.sentinel = &sentinel.Sentinel{
			Addrs:      cfg.SentinelAddrs,
			MasterName: cfg.MasterName,
			Dial: func(addr string) (redis.Conn, error) {
				return redis.DialTimeout("tcp", addr, cfg.ConnectTimeout, cfg.ConnectTimeout, cfg.ConnectTimeout)
			},
		}
	}
	p.rp = p.buildRedigoPool()
	return p
}

func (p *pool) buildRedigoPool() *redis.Pool {
	cfg := p.cfg
	maxIdle := cfg.PoolSize
	if maxIdle > 10 {
		maxIdle = 10
	}
	return &redis.Pool{
		MaxIdle:     maxIdle,
		MaxActive:   cfg.PoolSize,
		Wait:        true,
		IdleTimeout: 240 * time.Second,
		Dial:        p.dial,
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if p.sentinel != nil {
				if !sentinel.TestRole(c, "master") {
					return errors.New("engine: sentinel master role check failed")
				}
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

func (p *pool) serverAddr() (string, error) {
	if p.sentinel != nil {
		return p.sentinel.MasterAddr()
	}
	return net.JoinHostPort(p.cfg.Host, p.cfg.Port), nil
}

func (p *pool) dial() (redis.Conn, error) {
	return p.dialWithReadTimeout(p.cfg.ReadTimeout)
}

// dedicatedConn opens a single, unpooled, unretried connection for the
// PUB/SUB coordinator's blocking subscribe loop. It carries no read
// deadline: the subscriber sits in a blocking receive for as long as the
// channel is quiet, and a command read timeout there would read as a
// connection failure every idle interval.
func (p *pool) dedicatedConn() (redis.Conn, error) {
	return p.dialWithReadTimeout(0)
}

func (p *pool) dialWithReadTimeout(readTimeout time.Duration) (redis.Conn, error) {
	addr, err := p.serverAddr()
	if err != nil {
		return nil, err
	}
	opts := []redis.DialOption{
		redis.DialConnectTimeout(p.cfg.ConnectTimeout),
		redis.DialReadTimeout(readTimeout),
		redis.DialWriteTimeout(p.cfg.WriteTimeout),
	}
	if p.cfg.SSL {
		opts = append(opts, redis.DialUseTLS(true))
	}
	c, err := redis.Dial("tcp", addr, opts...)
	if err != nil {
		return nil, err
	}
	if p.cfg.Password != "" {
		if _, err := c.Do("AUTH", p.cfg.Password); err != nil {
			c.Close()
			return nil, err
		}
	}
	if p.cfg.Database != 0 {
		if _, err := c.Do("SELECT", strconv.Itoa(p.cfg.Database)); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (p *pool) close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.rp.Close()
}

func (p *pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// classifyConnError maps a raw redigo/net connectivity error onto the
// package's sentinel errors, wrapping both the sentinel and the original
// cause via a double %w so a caller can errors.Is against
// ErrConnectionRefused/ErrReadTimeout/ErrWriteTimeout/ErrUnexpectedEOF
// while errors.As can still reach the underlying *net.OpError for
// diagnostics.
func classifyConnError(err error) error {
	if err == nil {
		return nil
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial":
			return fmt.Errorf("%w: %w", ErrConnectionRefused, err)
		case "read":
			return fmt.Errorf("%w: %w", ErrReadTimeout, err)
		case "write":
			return fmt.Errorf("%w: %w", ErrWriteTimeout, err)
		}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrUnexpectedEOF, err)
	}
	return err
}

// isTransient reports whether err is a retryable connectivity failure:
// connection refused, read/write timeout, EOF. Pool exhaustion and a
// closed pool are never retried, and anything else (a protocol error, a
// WRONGTYPE reply, ...) is treated as non-retryable too.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPoolExhausted) || errors.Is(err, ErrPoolClosed) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return false
}

// withConnection borrows a pooled connection and runs op, retrying on
// transient errors up to cfg.MaxRetries with exponential backoff
// retry_delay * 2^(attempt-1). A non-retryable error or exhausted
// retries surfaces as a *ConnectionError.
func (p *pool) withConnection(opName string, op func(redis.Conn) error) error {
	var lastErr error
	attempts := p.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		err := p.tryOnce(op)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) {
			return newConnectionError(opName, attempt, err)
		}
		if p.metrics != nil {
			p.metrics.poolRetries.Inc()
		}
		if p.log != nil {
			p.log.Log(logging.NewEntry(logging.DEBUG, "engine: transient redis error, retrying", map[string]interface{}{
				"op": opName, "attempt": attempt, "error": err.Error(),
			}))
		}
		if attempt < attempts {
			delay := p.cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
			time.Sleep(delay)
		}
	}
	return newConnectionError(opName, attempts, lastErr)
}

func (p *pool) tryOnce(op func(redis.Conn) error) error {
	if p.isClosed() {
		return ErrPoolClosed
	}
	conn, err := p.borrow()
	if err != nil {
		return err
	}
	defer conn.Close()
	if conn.Err() != nil {
		return classifyConnError(conn.Err())
	}
	return classifyConnError(op(conn))
}

// borrow fetches a connection from the pool, bounded by cfg.PoolTimeout
// when set. redigo's Pool.Get blocks indefinitely with Wait: true, so a
// borrow that can't be satisfied within PoolTimeout surfaces as
// ErrPoolExhausted instead of hanging forever; the connection that
// eventually arrives (if any) is drained and closed on its own goroutine
// so it isn't leaked back into a pool nobody is waiting on anymore.
func (p *pool) borrow() (redis.Conn, error) {
	if p.cfg.PoolTimeout <= 0 {
		return p.rp.Get(), nil
	}
	resultCh := make(chan redis.Conn, 1)
	go func() { resultCh <- p.rp.Get() }()
	select {
	case conn := <-resultCh:
		return conn, nil
	case <-time.After(p.cfg.PoolTimeout):
		go func() {
			if conn := <-resultCh; conn != nil {
				conn.Close()
			}
		}()
		return nil, ErrPoolExhausted
	}
}

// connected reports redis reachability, returning false instead of an
// error for the same connectivity-error classes withConnection retries.
func (p *pool) connected() bool {
	conn := p.rp.Get()
	defer conn.Close()
	if conn.Err() != nil {
		return false
	}
	_, err := conn.Do("PING")
	return err == nil
}

// jitteredBackoff computes base*2^(attempt-1) plus up to 30% jitter,
// capped at max. Used by the PUB/SUB coordinator's reconnect loop.
func jitteredBackoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	d := base * time.Duration(1<<uint(attempt-1))
	if d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)*3/10 + 1))
	d += jitter
	if d > max {
		d = max
	}
	return d
}
