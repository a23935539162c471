package engine

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/garyburd/redigo/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolWithConnectionRunsOpOnce(t *testing.T) {
	_, p := newTestPool(t)
	var ran int
	err := p.withConnection("test.op", func(conn redis.Conn) error {
		ran++
		_, err := conn.Do("PING")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, ran)
}

func TestPoolWithConnectionRetriesTransientErrors(t *testing.T) {
	_, p := newTestPool(t)
	p.cfg.MaxRetries = 3
	p.cfg.RetryDelay = time.Millisecond

	attempts := 0
	err := p.withConnection("test.transient", func(conn redis.Conn) error {
		attempts++
		if attempts < 3 {
			return &net.OpError{Op: "read", Err: errors.New("connection reset")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestPoolWithConnectionSurfacesConnectionErrorAfterExhaustion(t *testing.T) {
	_, p := newTestPool(t)
	p.cfg.MaxRetries = 2
	p.cfg.RetryDelay = time.Millisecond

	attempts := 0
	err := p.withConnection("test.exhausted", func(conn redis.Conn) error {
		attempts++
		return io.ErrUnexpectedEOF
	})
	require.Error(t, err)
	assert.Equal(t, 2, attempts)
	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, "test.exhausted", connErr.Op)
	assert.True(t, errors.Is(err, ErrUnexpectedEOF), "expected ConnectionError to unwrap to ErrUnexpectedEOF, got %v", err)
}

func TestClassifyConnErrorMapsOpErrorsToSentinels(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want error
	}{
		{"dial", &net.OpError{Op: "dial", Err: errors.New("refused")}, ErrConnectionRefused},
		{"read", &net.OpError{Op: "read", Err: errors.New("i/o timeout")}, ErrReadTimeout},
		{"write", &net.OpError{Op: "write", Err: errors.New("i/o timeout")}, ErrWriteTimeout},
		{"eof", io.ErrUnexpectedEOF, ErrUnexpectedEOF},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyConnError(tc.in)
			assert.True(t, errors.Is(got, tc.want), "classifyConnError(%v) = %v, want errors.Is match for %v", tc.in, got, tc.want)
			assert.True(t, errors.Is(got, tc.in) || errors.Unwrap(got) != nil, "classified error should still retain the original cause")
		})
	}
}

func TestPoolBorrowSurfacesPoolExhaustedOnTimeout(t *testing.T) {
	_, p := newTestPool(t)
	p.cfg.PoolSize = 1
	p.cfg.MaxRetries = 1
	p.cfg.PoolTimeout = 20 * time.Millisecond
	p.rp = p.buildRedigoPool()

	held := p.rp.Get()
	defer held.Close()

	attempts := 0
	err := p.withConnection("test.exhausted_pool", func(conn redis.Conn) error {
		attempts++
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 0, attempts, "op must not run when no connection could be borrowed")
	assert.True(t, errors.Is(err, ErrPoolExhausted), "expected ErrPoolExhausted, got %v", err)
}

func TestPoolTryOnceRejectsWorkOnceClosed(t *testing.T) {
	_, p := newTestPool(t)
	require.NoError(t, p.close())

	attempts := 0
	err := p.withConnection("test.closed_pool", func(conn redis.Conn) error {
		attempts++
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 0, attempts, "op must not run once the pool is closed")
	assert.True(t, errors.Is(err, ErrPoolClosed), "expected ErrPoolClosed, got %v", err)
}

func TestPoolWithConnectionDoesNotRetryNonTransientErrors(t *testing.T) {
	_, p := newTestPool(t)
	p.cfg.MaxRetries = 5

	attempts := 0
	err := p.withConnection("test.wrongtype", func(conn redis.Conn) error {
		attempts++
		return redis.Error("WRONGTYPE Operation against a key holding the wrong kind of value")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestPoolConnectedReportsReachability(t *testing.T) {
	mr, p := newTestPool(t)
	assert.True(t, p.connected())

	mr.Close()
	assert.False(t, p.connected())
}

func TestJitteredBackoffCappedAndIncreasing(t *testing.T) {
	base := 100 * time.Millisecond
	max := 1 * time.Second

	d1 := jitteredBackoff(base, 1, max)
	d5 := jitteredBackoff(base, 5, max)

	assert.True(t, d1 >= base)
	assert.True(t, d5 <= max)
	assert.Greater(t, d5, d1)
}
