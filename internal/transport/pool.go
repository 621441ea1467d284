package transport

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"

	"fleetd/internal/types"
)

// Pool caps and reuses sessions per endpoint. Each (user, host, port) bucket
// holds up to maxPerKey live connections; callers beyond the cap queue on the
// slot channel and are served roughly in arrival order.
//
// Sessions handed out are wrapped so Close returns them to the idle set.
// A session that saw a transport error is discarded instead, freeing its
// slot for a fresh dial.
type Pool struct {
	dialer    Dialer
	maxPerKey int
	logger    *zap.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool
}

type bucket struct {
	idle  chan Session
	slots chan struct{}
}

var _ Dialer = (*Pool)(nil)

// NewPool wraps dialer with per-endpoint reuse and capacity.
func NewPool(dialer Dialer, maxPerKey int, logger *zap.Logger) *Pool {
	if maxPerKey <= 0 {
		maxPerKey = 1
	}
	return &Pool{
		dialer:    dialer,
		maxPerKey: maxPerKey,
		logger:    logger.Named("pool"),
		buckets:   make(map[string]*bucket),
	}
}

// Dial returns a pooled session, dialing a fresh one only when the bucket has
// no idle session and a free slot.
func (p *Pool) Dial(ctx context.Context, ep Endpoint) (Session, error) {
	b, err := p.bucket(ep.PoolKey())
	if err != nil {
		return nil, err
	}

	// Fast path: reuse an idle session.
	select {
	case sess := <-b.idle:
		return &pooledSession{Session: sess, pool: p, bucket: b, key: ep.PoolKey()}, nil
	default:
	}

	// Slow path: wait for a slot, then dial.
	select {
	case b.slots <- struct{}{}:
	case sess := <-b.idle:
		return &pooledSession{Session: sess, pool: p, bucket: b, key: ep.PoolKey()}, nil
	case <-ctx.Done():
		return nil, types.Cancelledf("waiting for connection slot to %s", ep.PoolKey())
	}

	sess, err := p.dialer.Dial(ctx, ep)
	if err != nil {
		<-b.slots
		return nil, err
	}
	p.logger.Debug("dialed", zap.String("endpoint", ep.PoolKey()))
	return &pooledSession{Session: sess, pool: p, bucket: b, key: ep.PoolKey()}, nil
}

// Validate bypasses the pool; reachability probes should not hold slots.
func (p *Pool) Validate(ctx context.Context, ep Endpoint) error {
	return p.dialer.Validate(ctx, ep)
}

// Stats reports idle and total connection counts per bucket.
func (p *Pool) Stats() map[string]PoolStat {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]PoolStat, len(p.buckets))
	for key, b := range p.buckets {
		out[key] = PoolStat{Idle: len(b.idle), InUse: len(b.slots) - len(b.idle), Cap: p.maxPerKey}
	}
	return out
}

// PoolStat is one bucket's occupancy.
type PoolStat struct {
	Idle  int
	InUse int
	Cap   int
}

// Close drains every idle session and rejects further dials.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	buckets := make([]*bucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		buckets = append(buckets, b)
	}
	p.mu.Unlock()

	for _, b := range buckets {
	drain:
		for {
			select {
			case sess := <-b.idle:
				sess.Close()
				<-b.slots
			default:
				break drain
			}
		}
	}
	return nil
}

func (p *Pool) bucket(key string) (*bucket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, types.Conflictf("connection pool is closed")
	}
	b, ok := p.buckets[key]
	if !ok {
		b = &bucket{
			idle:  make(chan Session, p.maxPerKey),
			slots: make(chan struct{}, p.maxPerKey),
		}
		p.buckets[key] = b
	}
	return b, nil
}

func (p *Pool) release(b *bucket, sess Session, broken bool) {
	if broken {
		sess.Close()
		<-b.slots
		return
	}
	select {
	case b.idle <- sess:
	default:
		// Bucket shrank or double release; drop the extra connection.
		sess.Close()
		<-b.slots
	}
}

// pooledSession returns itself to the pool on Close. Transport errors mark it
// broken so the underlying connection is not reused.
type pooledSession struct {
	Session
	pool   *Pool
	bucket *bucket
	key    string

	mu     sync.Mutex
	broken bool
	done   bool
}

var _ Session = (*pooledSession)(nil)

func (ps *pooledSession) Exec(ctx context.Context, cmd Command) (*ExecResult, error) {
	res, err := ps.Session.Exec(ctx, cmd)
	ps.noteErr(err)
	return res, err
}

func (ps *pooledSession) Upload(ctx context.Context, src io.Reader, remotePath string) (*TransferResult, error) {
	res, err := ps.Session.Upload(ctx, src, remotePath)
	ps.noteErr(err)
	return res, err
}

func (ps *pooledSession) Download(ctx context.Context, remotePath string, dst io.Writer) (*TransferResult, error) {
	res, err := ps.Session.Download(ctx, remotePath, dst)
	ps.noteErr(err)
	return res, err
}

func (ps *pooledSession) Close() error {
	ps.mu.Lock()
	if ps.done {
		ps.mu.Unlock()
		return nil
	}
	ps.done = true
	broken := ps.broken
	ps.mu.Unlock()

	ps.pool.release(ps.bucket, ps.Session, broken)
	return nil
}

func (ps *pooledSession) noteErr(err error) {
	if err == nil {
		return
	}
	if types.KindOf(err) == types.ErrTransport {
		ps.mu.Lock()
		ps.broken = true
		ps.mu.Unlock()
	}
}
