// Package pool implements a generic bounded connection pool: a single
// implementation serves TDS, PostgreSQL and MySQL connections alike,
// parameterized over a Factory that dials the concrete protocol. Blocked
// Acquire calls wait in a mutex-guarded FIFO slice, each on its own
// one-slot result channel that Release hands a connection to directly;
// the wait timeout uses time.AfterFunc. The overall shape is adapted from
// a multi-tenant Postgres/MySQL pooler's per-tenant pool.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mickamy/sqlnative/dberr"
)

// Conn is the minimal surface the pool needs from a pooled connection. The
// tds.Conn, postgres.Conn and mysql.Conn types each satisfy it without
// depending on the pool package themselves.
type Conn interface {
	IsOpen() bool
	Ping(ctx context.Context) error
	Close() error
}

// Factory dials a new connection. It is supplied by the caller (composing
// whichever engine package it wants pooled), not by the pool itself, so
// pool has no import-time dependency on tds/postgres/mysql.
type Factory[C Conn] func(ctx context.Context) (C, error)

// Config configures a Pool's bounds and background behavior.
type Config struct {
	MaxConns     int
	MinIdle      int
	PingInterval time.Duration
	IdleTimeout  time.Duration // 0 disables the idle reaper
	AcquireWait  time.Duration // 0 means wait indefinitely (still subject to ctx)
	OnExhausted  func(poolName string)
	Logger       *slog.Logger
	Name         string
}

type idleEntry[C Conn] struct {
	conn      C
	returnsAt time.Time
	lastPing  time.Time
}

// waiter is one blocked Acquire call, parked on the pool's FIFO queue.
type waiter[C Conn] struct {
	result chan acquireResult[C]
	timer  *time.Timer
}

type acquireResult[C Conn] struct {
	conn C
	err  error
}

// Pool is a bounded, FIFO-fair connection pool for a single Factory.
type Pool[C Conn] struct {
	cfg     Config
	factory Factory[C]
	log     *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	idle     []idleEntry[C]
	active   map[any]C
	waiters  []*waiter[C]
	total    int
	closed   bool
	stopReap chan struct{}
}

// New constructs a pool. It does not dial any connections; call WarmUp to
// pre-fill idle connections.
func New[C Conn](cfg Config, factory Factory[C]) *Pool[C] {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Pool[C]{
		cfg:      cfg,
		factory:  factory,
		log:      cfg.Logger,
		active:   make(map[any]C),
		stopReap: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	if cfg.IdleTimeout > 0 {
		go p.reapLoop()
	}
	return p
}

// WarmUp dials up to MinIdle connections ahead of first use.
func (p *Pool[C]) WarmUp(ctx context.Context) error {
	p.mu.Lock()
	need := p.cfg.MinIdle - (len(p.idle) + len(p.active))
	p.mu.Unlock()

	for i := 0; i < need; i++ {
		c, err := p.factory(ctx)
		if err != nil {
			return fmt.Errorf("pool: warm up: %w", err)
		}
		p.mu.Lock()
		p.total++
		p.idle = append(p.idle, idleEntry[C]{conn: c, returnsAt: time.Now(), lastPing: time.Now()})
		p.mu.Unlock()
	}
	p.log.Info("pool warmed up", "pool", p.cfg.Name, "min_idle", p.cfg.MinIdle)
	return nil
}

// Acquire checks out a connection, reusing an idle one (pinging it first
// whenever PingInterval is non-zero; the time since its last ping is not
// consulted) or dialing a new one
// while under MaxConns, and otherwise blocking in FIFO order until one is
// returned or ctx is done.
func (p *Pool[C]) Acquire(ctx context.Context) (C, error) {
	var zero C
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, dberr.ConnectionClosed("pool: acquire: pool is closed")
	}

	for {
		if c, ok := p.takeIdleLocked(); ok {
			p.active[any(c)] = c
			p.mu.Unlock()
			return p.verifyOrRedial(ctx, c)
		}

		if p.total < p.cfg.MaxConns {
			p.total++
			p.mu.Unlock()
			c, err := p.factory(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.cond.Signal()
				p.mu.Unlock()
				return zero, fmt.Errorf("pool: acquire: dial: %w", err)
			}
			p.mu.Lock()
			p.active[any(c)] = c
			p.mu.Unlock()
			return c, nil
		}

		if p.cfg.OnExhausted != nil {
			p.cfg.OnExhausted(p.cfg.Name)
		}

		w := &waiter[C]{result: make(chan acquireResult[C], 1)}
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()

		res, err := p.waitFor(ctx, w)
		if err != nil {
			return zero, err
		}
		if res.err != nil {
			return zero, res.err
		}
		return res.conn, nil
	}
}

func (p *Pool[C]) takeIdleLocked() (C, bool) {
	var zero C
	if len(p.idle) == 0 {
		return zero, false
	}
	e := p.idle[0]
	p.idle = p.idle[1:]
	return e.conn, true
}

// verifyOrRedial pings a reused idle connection on every reuse when
// PingInterval is non-zero, replacing it with a freshly dialed one if it's
// dead.
func (p *Pool[C]) verifyOrRedial(ctx context.Context, c C) (C, error) {
	if !c.IsOpen() {
		return p.replaceDead(ctx, c)
	}
	if p.cfg.PingInterval > 0 {
		if err := c.Ping(ctx); err != nil {
			return p.replaceDead(ctx, c)
		}
	}
	return c, nil
}

func (p *Pool[C]) replaceDead(ctx context.Context, dead C) (C, error) {
	var zero C
	p.mu.Lock()
	delete(p.active, any(dead))
	p.mu.Unlock()
	_ = dead.Close()

	c, err := p.factory(ctx)
	if err != nil {
		p.mu.Lock()
		p.total--
		p.cond.Signal()
		p.mu.Unlock()
		return zero, fmt.Errorf("pool: replace dead connection: %w", err)
	}
	p.mu.Lock()
	p.active[any(c)] = c
	p.mu.Unlock()
	return c, nil
}

// waitFor blocks until the waiter is woken by a Release, times out per
// cfg.AcquireWait, or ctx is cancelled.
func (p *Pool[C]) waitFor(ctx context.Context, w *waiter[C]) (acquireResult[C], error) {
	var zero acquireResult[C]

	if p.cfg.AcquireWait > 0 {
		w.timer = time.AfterFunc(p.cfg.AcquireWait, func() {
			p.failWaiter(w, dberr.Timeout("pool: acquire: timed out waiting for a connection"))
		})
	}

	select {
	case res := <-w.result:
		if w.timer != nil {
			w.timer.Stop()
		}
		return res, nil
	case <-ctx.Done():
		if w.timer != nil {
			w.timer.Stop()
		}
		p.failWaiter(w, ctx.Err())
		// drain in case failWaiter lost the race with a concurrent wake.
		select {
		case res := <-w.result:
			return res, nil
		default:
			return zero, ctx.Err()
		}
	}
}

func (p *Pool[C]) failWaiter(w *waiter[C], err error) {
	p.mu.Lock()
	for i, ww := range p.waiters {
		if ww == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			select {
			case w.result <- acquireResult[C]{err: err}:
			default:
			}
			return
		}
	}
	p.mu.Unlock()
}

// Release returns a connection to the pool. A dead connection is closed
// and its pool slot freed rather than being placed back on the idle list.
func (p *Pool[C]) Release(c C) {
	p.mu.Lock()
	delete(p.active, any(c))

	if p.closed || !c.IsOpen() {
		p.total--
		redial := !p.closed && len(p.waiters) > 0
		if redial {
			p.total++ // reserve the slot for the replacement dial
		}
		p.mu.Unlock()
		_ = c.Close()
		if redial {
			go p.redialForWaiter()
		}
		return
	}

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.active[any(c)] = c
		p.mu.Unlock()
		select {
		case w.result <- acquireResult[C]{conn: c}:
		default:
			// waiter already timed out; put the connection back.
			p.mu.Lock()
			delete(p.active, any(c))
			p.idle = append(p.idle, idleEntry[C]{conn: c, returnsAt: time.Now(), lastPing: time.Now()})
			p.mu.Unlock()
		}
		return
	}

	p.idle = append(p.idle, idleEntry[C]{conn: c, returnsAt: time.Now(), lastPing: time.Now()})
	p.mu.Unlock()
}

// redialForWaiter dials a replacement for a discarded dead connection and
// hands it to the head waiter. A dial failure propagates to that waiter
// only; the pool itself remains usable.
func (p *Pool[C]) redialForWaiter() {
	c, err := p.factory(context.Background())

	p.mu.Lock()
	if err != nil {
		p.total--
		var w *waiter[C]
		if len(p.waiters) > 0 {
			w = p.waiters[0]
			p.waiters = p.waiters[1:]
		}
		p.cond.Signal()
		p.mu.Unlock()
		if w != nil {
			select {
			case w.result <- acquireResult[C]{err: fmt.Errorf("pool: replace dead connection: %w", err)}:
			default:
			}
		}
		return
	}

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.active[any(c)] = c
		p.mu.Unlock()
		select {
		case w.result <- acquireResult[C]{conn: c}:
		default:
			// waiter already gone; park the replacement as idle.
			p.mu.Lock()
			delete(p.active, any(c))
			p.idle = append(p.idle, idleEntry[C]{conn: c, returnsAt: time.Now(), lastPing: time.Now()})
			p.mu.Unlock()
		}
		return
	}

	if p.closed {
		p.total--
		p.mu.Unlock()
		_ = c.Close()
		return
	}
	p.idle = append(p.idle, idleEntry[C]{conn: c, returnsAt: time.Now(), lastPing: time.Now()})
	p.mu.Unlock()
}

// WithConnection acquires a connection, runs fn, and always releases the
// connection afterward (even if fn returns an error or panics).
func (p *Pool[C]) WithConnection(ctx context.Context, fn func(c C) error) (err error) {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(c)
	return fn(c)
}

// Stats is a read-only snapshot of pool occupancy.
type Stats struct {
	Active    int64
	Idle      int64
	Waiting   int64
	Total     int64
	MaxConns  int64
	MinConns  int64
	Exhausted int64
}

func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:   int64(len(p.active)),
		Idle:     int64(len(p.idle)),
		Waiting:  int64(len(p.waiters)),
		Total:    int64(p.total),
		MaxConns: int64(p.cfg.MaxConns),
		MinConns: int64(p.cfg.MinIdle),
	}
}

// CloseAll closes every idle connection immediately and waits (up to 30s,
// matching the grounding pooler's drain timeout) for active connections to
// be released before closing them too. It is idempotent.
func (p *Pool[C]) CloseAll() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	for _, w := range p.waiters {
		if w.timer != nil {
			w.timer.Stop()
		}
		select {
		case w.result <- acquireResult[C]{err: dberr.ConnectionClosed("pool: closed while waiting")}:
		default:
		}
	}
	p.waiters = nil
	close(p.stopReap)
	p.mu.Unlock()

	for _, e := range idle {
		_ = e.conn.Close()
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		p.mu.Lock()
		remaining := len(p.active)
		p.mu.Unlock()
		if remaining == 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	p.mu.Lock()
	var toClose []C
	for _, c := range p.active {
		toClose = append(toClose, c)
	}
	p.active = make(map[any]C)
	p.mu.Unlock()
	for _, c := range toClose {
		_ = c.Close()
	}
	return nil
}

func (p *Pool[C]) reapLoop() {
	ticker := time.NewTicker(p.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopReap:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

// reapIdle prunes idle connections older than IdleTimeout, never shrinking
// the pool below MinIdle.
func (p *Pool[C]) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)
	kept := p.idle[:0:0]
	for _, e := range p.idle {
		if e.returnsAt.Before(cutoff) && len(kept)+p.activeCountLocked() >= p.cfg.MinIdle {
			_ = e.conn.Close()
			p.total--
			continue
		}
		kept = append(kept, e)
	}
	p.idle = kept
}

func (p *Pool[C]) activeCountLocked() int { return len(p.active) }
