package email

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gopkg.in/gomail.v2"

	"PulseDispatch/internal/models"
)

// SettingsStore is the read side of the SMTP settings document store.
type SettingsStore interface {
	GetSMTPSettings(ctx context.Context) (*models.SMTPSettings, bool, error)
}

// Dialer opens authenticated SMTP connections. *gomail.Dialer satisfies it.
type Dialer interface {
	Dial() (gomail.SendCloser, error)
}

// DialerFactory builds a Dialer for a resolved endpoint and credentials.
type DialerFactory func(ep Endpoint, user, pass string) Dialer

func gomailDialer(ep Endpoint, user, pass string) Dialer {
	d := gomail.NewDialer(ep.Host, ep.Port, user, pass)
	d.SSL = ep.SSL
	return d
}

// Option configures a Transport.
type Option func(*Transport)

// WithPoolSize sets how many idle connections are kept open.
// Default: 5
func WithPoolSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.poolSize = n
		}
	}
}

// WithSendTimeout bounds a single message hand-off.
// Default: 30 seconds
func WithSendTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.sendTimeout = d
		}
	}
}

// WithVerifyInterval sets how stale the last connectivity check may get
// before EnsureInitialized checks again. Zero disables periodic checks.
// Default: 1 minute
func WithVerifyInterval(d time.Duration) Option {
	return func(t *Transport) {
		t.verifyInterval = d
	}
}

// WithDialerFactory replaces the gomail dialer.
func WithDialerFactory(f DialerFactory) Option {
	return func(t *Transport) {
		t.newDialer = f
	}
}

// Transport owns the SMTP connection pool. The pool is built lazily from the
// stored settings and replaced as a whole when the settings change; sends
// already running keep the pool they started on.
type Transport struct {
	store     SettingsStore
	newDialer DialerFactory
	log       *zap.Logger

	poolSize       int
	sendTimeout    time.Duration
	verifyInterval time.Duration

	// mu serializes pool replacement; readers use current without locking.
	mu      sync.Mutex
	current atomic.Pointer[pool]
	group   singleflight.Group
}

func NewTransport(store SettingsStore, log *zap.Logger, opts ...Option) *Transport {
	t := &Transport{
		store:          store,
		newDialer:      gomailDialer,
		log:            log,
		poolSize:       5,
		sendTimeout:    30 * time.Second,
		verifyInterval: time.Minute,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Init loads the SMTP settings and builds a verified connection pool. It is a
// no-op when a pool for identical settings already exists.
func (t *Transport) Init(ctx context.Context) error {
	_, err := t.rebuild(ctx, false)
	return err
}

// Reload rebuilds the pool from the stored settings even if they did not
// change. Sends in flight finish on the previous pool.
func (t *Transport) Reload(ctx context.Context) error {
	_, err, _ := t.group.Do("reload", func() (any, error) {
		return t.rebuild(ctx, true)
	})
	return err
}

// EnsureInitialized builds the pool on first use. Concurrent first calls
// share a single Init. Once the last connectivity check is older than the
// verify interval the settings are re-read and the connection re-verified;
// a failed check rebuilds the pool.
func (t *Transport) EnsureInitialized(ctx context.Context) error {
	p := t.current.Load()
	if p == nil {
		_, err, _ := t.group.Do("init", func() (any, error) {
			if t.current.Load() != nil {
				return false, nil
			}
			return t.rebuild(ctx, false)
		})
		return err
	}

	if t.verifyInterval <= 0 || time.Since(p.verifiedAt()) < t.verifyInterval {
		return nil
	}

	_, err, _ := t.group.Do("verify", func() (any, error) {
		rebuilt, err := t.rebuild(ctx, false)
		if err != nil || rebuilt {
			return nil, err
		}

		cur := t.current.Load()
		if verr := cur.verify(); verr != nil {
			t.log.Warn("smtp connectivity check failed, reinitializing",
				zap.String("host", cur.endpoint.Host),
				zap.Error(verr),
			)
			return t.rebuild(ctx, true)
		}
		return nil, nil
	})
	return err
}

// Initialized reports whether a pool is in place.
func (t *Transport) Initialized() bool {
	return t.current.Load() != nil
}

// DefaultFrom returns the sender configured in the active settings.
func (t *Transport) DefaultFrom() string {
	if p := t.current.Load(); p != nil {
		return p.settings.From
	}
	return ""
}

// Close shuts the active pool.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p := t.current.Swap(nil); p != nil {
		p.close()
	}
}

// rebuild reports whether a new pool was installed.
func (t *Transport) rebuild(ctx context.Context, force bool) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	settings, found, err := t.store.GetSMTPSettings(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: load settings: %w", ErrSMTPInitFailed, err)
	}
	if !found {
		return false, fmt.Errorf("%w: smtp settings not configured", ErrSMTPInitFailed)
	}

	ep, err := ResolveEndpoint(settings)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrSMTPInitFailed, err)
	}

	fp := fingerprint(ep, settings)
	old := t.current.Load()
	if old != nil && !force && old.fingerprint == fp {
		return false, nil
	}

	p := newPool(t.newDialer(ep, settings.User, settings.Pass), ep, *settings, fp, t.poolSize)
	if err := p.verify(); err != nil {
		p.close()
		t.log.Error("smtp verification failed",
			zap.String("host", ep.Host),
			zap.Int("port", ep.Port),
			zap.Error(err),
		)
		return false, fmt.Errorf("%w: verify %s:%d: %w", ErrSMTPInitFailed, ep.Host, ep.Port, err)
	}

	t.current.Store(p)
	if old != nil {
		old.close()
	}

	t.log.Info("smtp transport initialized",
		zap.String("host", ep.Host),
		zap.Int("port", ep.Port),
		zap.Bool("ssl", ep.SSL),
		zap.Bool("replaced", old != nil),
	)

	return true, nil
}

func fingerprint(ep Endpoint, s *models.SMTPSettings) string {
	return fmt.Sprintf("%s|%d|%t|%s|%s|%s", ep.Host, ep.Port, ep.SSL, s.User, s.Pass, s.From)
}

// pool keeps idle connections for one settings snapshot.
type pool struct {
	dialer      Dialer
	endpoint    Endpoint
	settings    models.SMTPSettings
	fingerprint string

	idle     chan gomail.SendCloser
	closed   atomic.Bool
	verified atomic.Int64
}

func newPool(d Dialer, ep Endpoint, s models.SMTPSettings, fp string, size int) *pool {
	return &pool{
		dialer:      d,
		endpoint:    ep,
		settings:    s,
		fingerprint: fp,
		idle:        make(chan gomail.SendCloser, size),
	}
}

// verify dials a fresh connection and keeps it for the next send. Idle
// connections are dropped first; the server may have closed them since.
func (p *pool) verify() error {
	conn, err := p.dialer.Dial()
	if err != nil {
		return err
	}
	p.verified.Store(time.Now().UnixNano())

flush:
	for {
		select {
		case idle := <-p.idle:
			p.discard(idle)
		default:
			break flush
		}
	}

	p.put(conn)
	return nil
}

func (p *pool) verifiedAt() time.Time {
	return time.Unix(0, p.verified.Load())
}

// get reports whether the connection was reused from the idle set.
func (p *pool) get() (gomail.SendCloser, bool, error) {
	select {
	case conn := <-p.idle:
		return conn, true, nil
	default:
		conn, err := p.dialer.Dial()
		return conn, false, err
	}
}

// put returns a healthy connection. Connections coming back to a closed pool
// are closed instead.
func (p *pool) put(conn gomail.SendCloser) {
	if p.closed.Load() {
		_ = conn.Close()
		return
	}

	select {
	case p.idle <- conn:
	default:
		_ = conn.Close()
	}

	// close may have drained idle between the check and the send.
	if p.closed.Load() {
		p.drain()
	}
}

// discard drops a connection in an unknown state without blocking the caller.
func (p *pool) discard(conn gomail.SendCloser) {
	go func() { _ = conn.Close() }()
}

func (p *pool) close() {
	p.closed.Store(true)
	p.drain()
}

func (p *pool) drain() {
	for {
		select {
		case conn := <-p.idle:
			_ = conn.Close()
		default:
			return
		}
	}
}
