package email

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/mail"
	"net/textproto"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"PulseDispatch/internal/models"
)

// Deliver hands one job's message to the SMTP server. Errors wrap
// ErrSMTPSendFailed; errors that retrying cannot fix are additionally wrapped
// in *backoff.PermanentError.
func (t *Transport) Deliver(ctx context.Context, data models.EmailJobData) error {
	if err := t.EnsureInitialized(ctx); err != nil {
		return err
	}

	p := t.current.Load()
	if p == nil {
		return fmt.Errorf("%w: transport closed", ErrSMTPInitFailed)
	}

	from := data.From
	if from == "" {
		from = p.settings.From
	}
	if from == "" {
		return ErrDefaultSenderMissing
	}

	env, err := buildEnvelope(from, data)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("%w: %w", ErrSMTPSendFailed, err))
	}

	msg := buildMessage(env, data)

	if err := t.send(ctx, p, env, msg); err != nil {
		t.log.Error("smtp send failed",
			zap.String("to", FormatAddressList(data.To)),
			zap.String("host", p.endpoint.Host),
			zap.Error(err),
		)
		return classify(err)
	}

	t.log.Info("email handed to smtp server",
		zap.String("to", FormatAddressList(data.To)),
		zap.String("from", env.from),
		zap.String("host", p.endpoint.Host),
	)

	return nil
}

func (t *Transport) send(ctx context.Context, p *pool, env envelope, msg *gomail.Message) error {
	conn, reused, err := p.get()
	if err != nil {
		return fmt.Errorf("dial %s:%d: %w", p.endpoint.Host, p.endpoint.Port, err)
	}

	err = t.sendOn(ctx, p, conn, env, msg)
	if err == nil || !reused || !isStaleConn(err) {
		return err
	}

	// The server dropped the idle connection. A fresh dial stays within the
	// same attempt.
	t.log.Debug("pooled smtp connection closed by server, redialing",
		zap.String("host", p.endpoint.Host),
		zap.Error(err),
	)

	conn, err = p.dialer.Dial()
	if err != nil {
		return fmt.Errorf("dial %s:%d: %w", p.endpoint.Host, p.endpoint.Port, err)
	}
	return t.sendOn(ctx, p, conn, env, msg)
}

func (t *Transport) sendOn(ctx context.Context, p *pool, conn gomail.SendCloser, env envelope, msg *gomail.Message) error {
	errc := make(chan error, 1)
	go func() {
		errc <- conn.Send(env.from, env.recipients, msg)
	}()

	timer := time.NewTimer(t.sendTimeout)
	defer timer.Stop()

	select {
	case err := <-errc:
		if err != nil {
			p.discard(conn)
			return err
		}
		p.put(conn)
		return nil
	case <-timer.C:
		p.discard(conn)
		return fmt.Errorf("%w after %s", ErrSendTimeout, t.sendTimeout)
	case <-ctx.Done():
		p.discard(conn)
		return ctx.Err()
	}
}

// isStaleConn reports whether err means the server had already closed the
// connection: a 421 reply or a reset, broken or closed socket.
func isStaleConn(err error) bool {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code == 421
	}

	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}

// permanentReply matches a 5xx SMTP reply at the start of an error message.
var permanentReply = regexp.MustCompile(`^5\d\d[ -]`)

// classify marks errors that a retry cannot fix as permanent: SMTP 5xx
// replies such as rejected recipients or failed authentication. Network
// errors, timeouts and 4xx replies stay retryable.
func classify(err error) error {
	wrapped := fmt.Errorf("%w: %w", ErrSMTPSendFailed, err)

	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		if tpErr.Code >= 500 {
			return backoff.Permanent(wrapped)
		}
		return wrapped
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, ErrSendTimeout) {
		return wrapped
	}

	// Some auth mechanisms report the server reply as a plain error.
	if permanentReply.MatchString(rootCause(err).Error()) {
		return backoff.Permanent(wrapped)
	}

	return wrapped
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

type envelope struct {
	from       string
	fromHeader string
	to         []string
	cc         []string
	bcc        []string
	recipients []string
}

func buildEnvelope(from string, data models.EmailJobData) (envelope, error) {
	var env envelope

	sender, err := mail.ParseAddress(from)
	if err != nil {
		return env, fmt.Errorf("%w: from %q: %w", ErrInvalidAddress, from, err)
	}
	env.from = sender.Address
	env.fromHeader = sender.String()

	parse := func(field string, list []string) ([]string, error) {
		out := make([]string, 0, len(list))
		for _, raw := range list {
			for _, part := range splitAddresses(raw) {
				addr, err := mail.ParseAddress(part)
				if err != nil {
					return nil, fmt.Errorf("%w: %s %q: %w", ErrInvalidAddress, field, part, err)
				}
				out = append(out, addr.String())
				env.recipients = append(env.recipients, addr.Address)
			}
		}
		return out, nil
	}

	if env.to, err = parse("to", data.To); err != nil {
		return env, err
	}
	if env.cc, err = parse("cc", data.Cc); err != nil {
		return env, err
	}
	if env.bcc, err = parse("bcc", data.Bcc); err != nil {
		return env, err
	}

	if len(env.recipients) == 0 {
		return env, ErrNoRecipient
	}

	return env, nil
}

func buildMessage(env envelope, data models.EmailJobData) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", env.fromHeader)
	m.SetHeader("To", env.to...)
	if len(env.cc) > 0 {
		m.SetHeader("Cc", env.cc...)
	}
	if len(env.bcc) > 0 {
		// gomail leaves Bcc out of the written headers.
		m.SetHeader("Bcc", env.bcc...)
	}
	m.SetHeader("Subject", data.Subject)

	switch {
	case data.Text != "" && data.HTML != "":
		m.SetBody("text/plain", data.Text)
		m.AddAlternative("text/html", data.HTML)
	case data.HTML != "":
		m.SetBody("text/html", data.HTML)
	default:
		m.SetBody("text/plain", data.Text)
	}

	for _, a := range data.Attachments {
		content := a.Content
		settings := []gomail.FileSetting{
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(content)
				return err
			}),
		}
		if a.ContentType != "" {
			settings = append(settings, gomail.SetHeader(map[string][]string{
				"Content-Type": {a.ContentType},
			}))
		}
		m.Attach(a.Filename, settings...)
	}

	return m
}

// FormatAddressList joins recipients the way they appear in a header.
func FormatAddressList(addrs []string) string {
	return strings.Join(addrs, ", ")
}

// splitAddresses accepts comma or semicolon separated lists in a single entry.
func splitAddresses(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
