// Package db owns the process-wide database connection. A Manager is
// created once at startup and handed to every component that needs data
// access; nothing else opens or stores a connection.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dmitrijs2005/siteauth/internal/common"
	"github.com/dmitrijs2005/siteauth/internal/logging"
)

// Provider hands out the shared connection, connecting on first use.
type Provider interface {
	EnsureConnected(ctx context.Context) (*sql.DB, error)
}

// ConnectFunc opens and verifies a connection. The context carries the
// connect deadline.
type ConnectFunc func(ctx context.Context) (*sql.DB, error)

const (
	DefaultConnectTimeout = 10 * time.Second
	flightKey             = "connect"
)

// Manager guarantees at most one connection attempt in flight per process.
// A successful connection is cached and reused; a failed attempt leaves
// nothing behind so the next caller retries.
type Manager struct {
	connect        ConnectFunc
	connectTimeout time.Duration
	logger         logging.Logger

	flight singleflight.Group

	mu   sync.RWMutex
	conn *sql.DB
}

type Option func(*Manager)

func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.connectTimeout = d
		}
	}
}

func WithLogger(l logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func NewManager(connect ConnectFunc, opts ...Option) *Manager {
	m := &Manager{
		connect:        connect,
		connectTimeout: DefaultConnectTimeout,
		logger:         logging.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureConnected returns the shared connection, starting or joining the
// single in-flight attempt when there is none yet.
//
// Cancelling ctx only stops this caller from waiting: the attempt itself
// runs detached and still settles for everyone else. Connection failures
// match common.ErrConnection.
func (m *Manager) EnsureConnected(ctx context.Context) (*sql.DB, error) {
	if conn := m.current(); conn != nil {
		return conn, nil
	}

	// DoChan registers the call before it starts the attempt goroutine, so
	// concurrent callers arriving before it settles share it.
	ch := m.flight.DoChan(flightKey, m.attempt)

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*sql.DB), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) current() *sql.DB {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

// attempt runs inside the singleflight call.
func (m *Manager) attempt() (any, error) {
	// A previous flight may have finished between our cache check and
	// DoChan registering this one.
	if conn := m.current(); conn != nil {
		return conn, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.connectTimeout)
	defer cancel()

	started := time.Now()
	m.logger.Info(ctx, "connecting to database")

	conn, err := m.connectWithDeadline(ctx)
	if err != nil {
		m.logger.Warn(ctx, "database connection failed", "error", err, "elapsed", time.Since(started))
		return nil, fmt.Errorf("%w: %w", common.ErrConnection, err)
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	m.logger.Info(ctx, "database connected", "elapsed", time.Since(started))
	return conn, nil
}

// connectWithDeadline enforces the connect timeout even if the ConnectFunc
// ignores its context. A connection that arrives after the deadline is
// closed.
func (m *Manager) connectWithDeadline(ctx context.Context) (*sql.DB, error) {
	type result struct {
		conn *sql.DB
		err  error
	}
	done := make(chan result, 1)

	go func() {
		conn, err := m.connect(ctx)
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if r.conn == nil {
			return nil, fmt.Errorf("connector returned no connection")
		}
		return r.conn, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("connect timed out after %s: %w", m.connectTimeout, ctx.Err())
	}
}

// Connected reports whether a connection is currently cached.
func (m *Manager) Connected() bool {
	return m.current() != nil
}

// Reset drops the cached connection so the next EnsureConnected reconnects.
func (m *Manager) Reset() {
	if err := m.Close(); err != nil {
		m.logger.Warn(context.Background(), "closing database on reset", "error", err)
	}
}

// Close releases the cached connection, if any.
func (m *Manager) Close() error {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}
