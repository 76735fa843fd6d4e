package email_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/textproto"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"PulseDispatch/internal/email"
	"PulseDispatch/internal/models"
)

type fakeStore struct {
	mu       sync.Mutex
	settings *models.SMTPSettings
	err      error
	loads    atomic.Int32
	delay    time.Duration
}

func (s *fakeStore) GetSMTPSettings(ctx context.Context) (*models.SMTPSettings, bool, error) {
	s.loads.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, false, s.err
	}
	if s.settings == nil {
		return nil, false, nil
	}
	cp := *s.settings
	return &cp, true, nil
}

func (s *fakeStore) set(st *models.SMTPSettings) {
	s.mu.Lock()
	s.settings = st
	s.mu.Unlock()
}

type sentMessage struct {
	host string
	from string
	to   []string
	raw  string
}

// fakeSMTP hands out connections that record what they send.
type fakeSMTP struct {
	mu      sync.Mutex
	sent    []sentMessage
	conns   []*fakeConn
	dials   atomic.Int32
	dialErr error

	// send, when set, runs before a message is recorded.
	send func(from string, to []string) error
}

func (f *fakeSMTP) factory(ep email.Endpoint, user, pass string) email.Dialer {
	return &fakeDialer{smtp: f, host: ep.Host}
}

func (f *fakeSMTP) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type fakeDialer struct {
	smtp *fakeSMTP
	host string
}

func (d *fakeDialer) Dial() (gomail.SendCloser, error) {
	d.smtp.dials.Add(1)

	d.smtp.mu.Lock()
	err := d.smtp.dialErr
	d.smtp.mu.Unlock()
	if err != nil {
		return nil, err
	}

	conn := &fakeConn{smtp: d.smtp, host: d.host}
	d.smtp.mu.Lock()
	d.smtp.conns = append(d.smtp.conns, conn)
	d.smtp.mu.Unlock()
	return conn, nil
}

// dropConnections closes every open connection on the server side, the way
// an idle timeout does. New dials still succeed.
func (f *fakeSMTP) dropConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.dropped.Store(true)
	}
}

type fakeConn struct {
	smtp    *fakeSMTP
	host    string
	closed  atomic.Bool
	dropped atomic.Bool
}

func (c *fakeConn) Send(from string, to []string, msg io.WriterTo) error {
	if c.dropped.Load() {
		return io.EOF
	}
	if c.smtp.send != nil {
		if err := c.smtp.send(from, to); err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	if _, err := msg.WriteTo(&buf); err != nil {
		return err
	}

	c.smtp.mu.Lock()
	c.smtp.sent = append(c.smtp.sent, sentMessage{host: c.host, from: from, to: to, raw: buf.String()})
	c.smtp.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func testSettings() *models.SMTPSettings {
	return &models.SMTPSettings{
		Host: "smtp.test",
		Port: 587,
		User: "mailer",
		Pass: "secret",
		From: "noreply@example.com",
	}
}

func newTestTransport(t *testing.T, store *fakeStore, smtp *fakeSMTP, opts ...email.Option) *email.Transport {
	t.Helper()

	opts = append([]email.Option{email.WithDialerFactory(smtp.factory)}, opts...)
	tr := email.NewTransport(store, zap.NewNop(), opts...)
	t.Cleanup(tr.Close)
	return tr
}

func TestTransport_EnsureInitializedRunsOnce(t *testing.T) {
	t.Parallel()

	store := &fakeStore{settings: testSettings(), delay: 20 * time.Millisecond}
	smtp := &fakeSMTP{}
	tr := newTestTransport(t, store, smtp)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- tr.EnsureInitialized(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, store.loads.Load())
	require.EqualValues(t, 1, smtp.dials.Load())
	require.True(t, tr.Initialized())
}

func TestTransport_InitIsIdempotent(t *testing.T) {
	t.Parallel()

	store := &fakeStore{settings: testSettings()}
	smtp := &fakeSMTP{}
	tr := newTestTransport(t, store, smtp)
	ctx := context.Background()

	require.NoError(t, tr.Init(ctx))
	require.NoError(t, tr.Init(ctx))

	// Same settings: no second pool, no second verification.
	require.EqualValues(t, 1, smtp.dials.Load())
	require.Equal(t, "noreply@example.com", tr.DefaultFrom())

	st := testSettings()
	st.From = "updates@example.com"
	store.set(st)

	require.NoError(t, tr.Init(ctx))
	require.EqualValues(t, 2, smtp.dials.Load())
	require.Equal(t, "updates@example.com", tr.DefaultFrom())
}

func TestTransport_InitFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("settings missing", func(t *testing.T) {
		t.Parallel()

		tr := newTestTransport(t, &fakeStore{}, &fakeSMTP{})

		err := tr.Init(ctx)
		require.ErrorIs(t, err, email.ErrSMTPInitFailed)
		require.False(t, tr.Initialized())
	})

	t.Run("settings store error", func(t *testing.T) {
		t.Parallel()

		tr := newTestTransport(t, &fakeStore{err: errors.New("connection refused")}, &fakeSMTP{})

		require.ErrorIs(t, tr.EnsureInitialized(ctx), email.ErrSMTPInitFailed)
	})

	t.Run("incomplete settings", func(t *testing.T) {
		t.Parallel()

		st := testSettings()
		st.Host = ""
		tr := newTestTransport(t, &fakeStore{settings: st}, &fakeSMTP{})

		require.ErrorIs(t, tr.Init(ctx), email.ErrSMTPInitFailed)
	})

	t.Run("verification fails", func(t *testing.T) {
		t.Parallel()

		smtp := &fakeSMTP{dialErr: errors.New("535 authentication failed")}
		tr := newTestTransport(t, &fakeStore{settings: testSettings()}, smtp)

		require.ErrorIs(t, tr.Init(ctx), email.ErrSMTPInitFailed)
		require.False(t, tr.Initialized())
	})

	t.Run("failed reload keeps the working pool", func(t *testing.T) {
		t.Parallel()

		store := &fakeStore{settings: testSettings()}
		smtp := &fakeSMTP{}
		tr := newTestTransport(t, store, smtp)
		require.NoError(t, tr.Init(ctx))

		smtp.mu.Lock()
		smtp.dialErr = errors.New("dial tcp: i/o timeout")
		smtp.mu.Unlock()

		require.ErrorIs(t, tr.Reload(ctx), email.ErrSMTPInitFailed)
		require.True(t, tr.Initialized())
		require.Equal(t, "noreply@example.com", tr.DefaultFrom())
	})
}

func TestTransport_Reverify(t *testing.T) {
	t.Parallel()

	store := &fakeStore{settings: testSettings()}
	smtp := &fakeSMTP{}
	tr := newTestTransport(t, store, smtp, email.WithVerifyInterval(time.Nanosecond))
	ctx := context.Background()

	require.NoError(t, tr.EnsureInitialized(ctx))
	time.Sleep(time.Millisecond)
	require.NoError(t, tr.EnsureInitialized(ctx))

	require.EqualValues(t, 2, smtp.dials.Load())
	require.EqualValues(t, 2, store.loads.Load())
}

func TestTransport_Deliver(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("uses settings sender and writes headers", func(t *testing.T) {
		t.Parallel()

		smtp := &fakeSMTP{}
		tr := newTestTransport(t, &fakeStore{settings: testSettings()}, smtp)

		err := tr.Deliver(ctx, models.EmailJobData{
			To:      []string{"a@example.com", "b@example.com"},
			Cc:      []string{"c@example.com"},
			Bcc:     []string{"hidden@example.com"},
			Subject: "Welcome",
			HTML:    "<p>Hi</p>",
			Text:    "Hi",
			Attachments: []models.Attachment{
				{Filename: "report.txt", Content: []byte("hello"), ContentType: "text/plain"},
			},
		})
		require.NoError(t, err)

		msgs := smtp.messages()
		require.Len(t, msgs, 1)
		m := msgs[0]
		require.Equal(t, "noreply@example.com", m.from)
		require.ElementsMatch(t,
			[]string{"a@example.com", "b@example.com", "c@example.com", "hidden@example.com"}, m.to)
		require.Contains(t, m.raw, "To: <a@example.com>, <b@example.com>")
		require.Contains(t, m.raw, "Cc: <c@example.com>")
		require.NotContains(t, m.raw, "hidden@example.com")
		require.Contains(t, m.raw, "Subject: Welcome")
		require.Contains(t, m.raw, "text/html")
		require.Contains(t, m.raw, "report.txt")
	})

	t.Run("request sender overrides settings", func(t *testing.T) {
		t.Parallel()

		smtp := &fakeSMTP{}
		tr := newTestTransport(t, &fakeStore{settings: testSettings()}, smtp)

		require.NoError(t, tr.Deliver(ctx, models.EmailJobData{
			To:      []string{"a@example.com"},
			From:    "Billing <billing@example.com>",
			Subject: "Invoice",
			Text:    "attached",
		}))

		msgs := smtp.messages()
		require.Len(t, msgs, 1)
		require.Equal(t, "billing@example.com", msgs[0].from)
		require.Contains(t, msgs[0].raw, `From: "Billing" <billing@example.com>`)
	})

	t.Run("no sender anywhere", func(t *testing.T) {
		t.Parallel()

		st := testSettings()
		st.From = ""
		tr := newTestTransport(t, &fakeStore{settings: st}, &fakeSMTP{})

		err := tr.Deliver(ctx, models.EmailJobData{To: []string{"a@example.com"}, Subject: "x"})
		require.ErrorIs(t, err, email.ErrDefaultSenderMissing)
	})

	t.Run("settings missing", func(t *testing.T) {
		t.Parallel()

		tr := newTestTransport(t, &fakeStore{}, &fakeSMTP{})

		err := tr.Deliver(ctx, models.EmailJobData{To: []string{"a@example.com"}, Subject: "x"})
		require.ErrorIs(t, err, email.ErrSMTPInitFailed)

		var permanent *backoff.PermanentError
		require.False(t, errors.As(err, &permanent))
	})

	t.Run("malformed address is permanent", func(t *testing.T) {
		t.Parallel()

		smtp := &fakeSMTP{}
		tr := newTestTransport(t, &fakeStore{settings: testSettings()}, smtp)

		err := tr.Deliver(ctx, models.EmailJobData{To: []string{"not-an-address"}, Subject: "x"})
		require.ErrorIs(t, err, email.ErrInvalidAddress)
		require.ErrorIs(t, err, email.ErrSMTPSendFailed)

		var permanent *backoff.PermanentError
		require.True(t, errors.As(err, &permanent))
		require.Empty(t, smtp.messages())
	})

	t.Run("no recipients is permanent", func(t *testing.T) {
		t.Parallel()

		tr := newTestTransport(t, &fakeStore{settings: testSettings()}, &fakeSMTP{})

		err := tr.Deliver(ctx, models.EmailJobData{Subject: "x"})
		require.ErrorIs(t, err, email.ErrNoRecipient)

		var permanent *backoff.PermanentError
		require.True(t, errors.As(err, &permanent))
	})
}

func TestTransport_DeliverClassification(t *testing.T) {
	t.Parallel()

	// dials counts the verification dial; a stale-looking error on the
	// pooled connection adds one redial.
	tests := []struct {
		name      string
		err       error
		permanent bool
		dials     int32
	}{
		{name: "recipient rejected", err: &textproto.Error{Code: 550, Msg: "mailbox unavailable"}, permanent: true, dials: 1},
		{name: "auth rejected", err: &textproto.Error{Code: 535, Msg: "authentication failed"}, permanent: true, dials: 1},
		{name: "plain auth reply", err: errors.New("535 5.7.8 Username and Password not accepted"), permanent: true, dials: 1},
		{name: "greylisted", err: &textproto.Error{Code: 451, Msg: "try again later"}, permanent: false, dials: 1},
		{name: "address containing 535", err: errors.New("write tcp 10.0.5.35:2535: protocol error"), permanent: false, dials: 1},
		{name: "connection reset", err: io.EOF, permanent: false, dials: 2},
		{name: "server closing channel", err: &textproto.Error{Code: 421, Msg: "timeout exceeded"}, permanent: false, dials: 2},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			smtp := &fakeSMTP{send: func(string, []string) error { return tc.err }}
			tr := newTestTransport(t, &fakeStore{settings: testSettings()}, smtp)

			err := tr.Deliver(context.Background(), models.EmailJobData{
				To:      []string{"a@example.com"},
				Subject: "x",
				Text:    "y",
			})
			require.ErrorIs(t, err, email.ErrSMTPSendFailed)
			require.ErrorIs(t, err, tc.err)

			var permanent *backoff.PermanentError
			require.Equal(t, tc.permanent, errors.As(err, &permanent))
			require.Equal(t, tc.dials, smtp.dials.Load())
		})
	}
}

func TestTransport_StaleIdleConnections(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	job := func(to string) models.EmailJobData {
		return models.EmailJobData{To: []string{to}, Subject: "x", Text: "y"}
	}

	t.Run("redials when the server dropped pooled connections", func(t *testing.T) {
		t.Parallel()

		// Hold three sends open at once so the pool ends up with three idle
		// connections.
		gate := make(chan struct{})
		var inBurst atomic.Bool
		var held atomic.Int32
		inBurst.Store(true)

		smtp := &fakeSMTP{send: func(string, []string) error {
			if inBurst.Load() {
				if held.Add(1) == 3 {
					close(gate)
				}
				<-gate
			}
			return nil
		}}
		tr := newTestTransport(t, &fakeStore{settings: testSettings()}, smtp, email.WithPoolSize(3))

		var wg sync.WaitGroup
		errs := make(chan error, 3)
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- tr.Deliver(ctx, job("burst@example.com"))
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		inBurst.Store(false)
		require.EqualValues(t, 3, smtp.dials.Load())

		smtp.dropConnections()

		for i := 1; i <= 3; i++ {
			require.NoError(t, tr.Deliver(ctx, job("later@example.com")))
			require.EqualValues(t, 3+i, smtp.dials.Load())
		}
		require.Len(t, smtp.messages(), 6)
	})

	t.Run("fresh connection failure is returned", func(t *testing.T) {
		t.Parallel()

		smtp := &fakeSMTP{}
		tr := newTestTransport(t, &fakeStore{settings: testSettings()}, smtp)
		require.NoError(t, tr.Init(ctx))

		smtp.dropConnections()
		smtp.mu.Lock()
		smtp.dialErr = errors.New("dial tcp: connection refused")
		smtp.mu.Unlock()

		err := tr.Deliver(ctx, job("a@example.com"))
		require.ErrorIs(t, err, email.ErrSMTPSendFailed)
		require.EqualValues(t, 2, smtp.dials.Load())

		var permanent *backoff.PermanentError
		require.False(t, errors.As(err, &permanent))
	})

	t.Run("reverify replaces idle connections", func(t *testing.T) {
		t.Parallel()

		smtp := &fakeSMTP{}
		tr := newTestTransport(t, &fakeStore{settings: testSettings()}, smtp,
			email.WithVerifyInterval(time.Nanosecond))
		require.NoError(t, tr.Init(ctx))

		smtp.dropConnections()
		time.Sleep(time.Millisecond)

		// The check dials once and drops the dead idle connection, so the
		// send goes out on the checked connection without a redial.
		require.NoError(t, tr.Deliver(ctx, job("a@example.com")))
		require.EqualValues(t, 2, smtp.dials.Load())
		require.Len(t, smtp.messages(), 1)
	})
}

func TestTransport_DeliverTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	smtp := &fakeSMTP{send: func(string, []string) error {
		<-release
		return nil
	}}
	tr := newTestTransport(t, &fakeStore{settings: testSettings()}, smtp,
		email.WithSendTimeout(50*time.Millisecond))

	start := time.Now()
	err := tr.Deliver(context.Background(), models.EmailJobData{To: []string{"a@example.com"}, Subject: "x"})
	require.ErrorIs(t, err, email.ErrSendTimeout)
	require.ErrorIs(t, err, email.ErrSMTPSendFailed)
	require.Less(t, time.Since(start), 2*time.Second)

	var permanent *backoff.PermanentError
	require.False(t, errors.As(err, &permanent))
}

func TestTransport_ReloadDuringSend(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	var blocked atomic.Bool

	smtp := &fakeSMTP{send: func(string, []string) error {
		if blocked.CompareAndSwap(false, true) {
			close(started)
			<-release
		}
		return nil
	}}
	store := &fakeStore{settings: testSettings()}
	tr := newTestTransport(t, store, smtp)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- tr.Deliver(ctx, models.EmailJobData{To: []string{"first@example.com"}, Subject: "one"})
	}()
	<-started

	st := testSettings()
	st.Host = "smtp2.test"
	st.From = "new-sender@example.com"
	store.set(st)
	require.NoError(t, tr.Reload(ctx))

	close(release)
	require.NoError(t, <-done)

	require.NoError(t, tr.Deliver(ctx, models.EmailJobData{To: []string{"second@example.com"}, Subject: "two"}))

	msgs := smtp.messages()
	require.Len(t, msgs, 2)

	byRcpt := map[string]sentMessage{}
	for _, m := range msgs {
		byRcpt[m.to[0]] = m
	}
	require.Equal(t, "smtp.test", byRcpt["first@example.com"].host)
	require.Equal(t, "noreply@example.com", byRcpt["first@example.com"].from)
	require.Equal(t, "smtp2.test", byRcpt["second@example.com"].host)
	require.Equal(t, "new-sender@example.com", byRcpt["second@example.com"].from)
}

func TestResolveEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		settings models.SMTPSettings
		want     email.Endpoint
		wantErr  bool
	}{
		{
			name:     "known service",
			settings: models.SMTPSettings{Service: "Gmail"},
			want:     email.Endpoint{Host: "smtp.gmail.com", Port: 465, SSL: true},
		},
		{
			name:     "service wins over host",
			settings: models.SMTPSettings{Service: "sendgrid", Host: "mail.local", Port: 25},
			want:     email.Endpoint{Host: "smtp.sendgrid.net", Port: 587},
		},
		{
			name:     "unknown service falls back to host",
			settings: models.SMTPSettings{Service: "internal", Host: "mail.local", Port: 25},
			want:     email.Endpoint{Host: "mail.local", Port: 25},
		},
		{
			name:     "port 465 implies ssl",
			settings: models.SMTPSettings{Host: "mail.local", Port: 465},
			want:     email.Endpoint{Host: "mail.local", Port: 465, SSL: true},
		},
		{
			name:     "secure flag",
			settings: models.SMTPSettings{Host: "mail.local", Port: 2525, Secure: true},
			want:     email.Endpoint{Host: "mail.local", Port: 2525, SSL: true},
		},
		{name: "unknown service without host", settings: models.SMTPSettings{Service: "nope"}, wantErr: true},
		{name: "missing host", settings: models.SMTPSettings{Port: 25}, wantErr: true},
		{name: "bad port", settings: models.SMTPSettings{Host: "mail.local", Port: 70000}, wantErr: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := email.ResolveEndpoint(&tc.settings)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestFormatAddressList(t *testing.T) {
	t.Parallel()

	require.Equal(t, "", email.FormatAddressList(nil))
	require.Equal(t, "a@example.com", email.FormatAddressList([]string{"a@example.com"}))
	require.Equal(t, "a@example.com, b@example.com",
		email.FormatAddressList([]string{"a@example.com", "b@example.com"}))
	require.False(t, strings.Contains(email.FormatAddressList([]string{"a@x.io", "b@x.io"}), ";"))
}
