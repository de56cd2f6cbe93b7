// Package email delivers voicemail notifications over SMTP. Delivery is
// best effort: the notifier logs failures and never blocks the deposit
// path on a slow relay.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const dialTimeout = 10 * time.Second

// Config is the SMTP relay configuration.
type Config struct {
	Host        string
	Port        int
	From        string
	Username    string // empty disables AUTH
	Password    string
	ImplicitTLS bool // TLS from the first byte; otherwise STARTTLS when offered
}

// Enabled reports whether the relay is configured well enough to send.
func (c Config) Enabled() bool {
	return c.Host != "" && c.From != ""
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Notification is one deposited voicemail message to announce.
type Notification struct {
	To          string // recipient address from the extension record
	Mailbox     string
	Caller      string // caller extension or URI user
	CallerName  string
	ReceivedAt  time.Time
	DurationSec int
	AudioPath   string // message WAV; attached when non-empty
}

// smtpClient is the slice of *smtp.Client the sender uses. Tests
// substitute a fake through the dial hook.
type smtpClient interface {
	Hello(localName string) error
	Extension(ext string) (bool, string)
	StartTLS(config *tls.Config) error
	Auth(a smtp.Auth) error
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

// Sender delivers notification emails through one SMTP relay.
type Sender struct {
	cfg    Config
	logger *slog.Logger

	// dial is swapped out in tests.
	dial func(ctx context.Context, cfg Config, tlsConf *tls.Config) (smtpClient, error)
}

// NewSender returns a sender for the given relay.
func NewSender(cfg Config, logger *slog.Logger) *Sender {
	return &Sender{
		cfg:    cfg,
		logger: logger.With("component", "email"),
		dial:   dialRelay,
	}
}

// Send delivers one notification. The context bounds the connection
// attempt only; net/smtp has no deadline support past that.
func (s *Sender) Send(ctx context.Context, n Notification) error {
	if !s.cfg.Enabled() {
		return fmt.Errorf("smtp relay not configured")
	}
	if n.To == "" {
		return fmt.Errorf("notification has no recipient")
	}

	msg, err := buildMessage(s.cfg.From, n)
	if err != nil {
		return fmt.Errorf("building message: %w", err)
	}

	tlsConf := &tls.Config{ServerName: s.cfg.Host}
	client, err := s.dial(ctx, s.cfg, tlsConf)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", s.cfg.addr(), err)
	}
	defer client.Close()

	if err := client.Hello("ironpbx"); err != nil {
		return fmt.Errorf("smtp hello: %w", err)
	}
	if !s.cfg.ImplicitTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConf); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}
	if s.cfg.Username != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(n.To); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}
	if err := client.Quit(); err != nil {
		s.logger.Debug("smtp quit failed", "error", err)
	}

	s.logger.Info("voicemail notification sent",
		"to", n.To,
		"mailbox", n.Mailbox,
		"caller", n.Caller,
	)
	return nil
}

// dialRelay opens the SMTP connection, with TLS from the start when the
// relay wants implicit TLS.
func dialRelay(ctx context.Context, cfg Config, tlsConf *tls.Config) (smtpClient, error) {
	d := &net.Dialer{Timeout: dialTimeout}
	if cfg.ImplicitTLS {
		conn, err := (&tls.Dialer{NetDialer: d, Config: tlsConf}).DialContext(ctx, "tcp", cfg.addr())
		if err != nil {
			return nil, err
		}
		return smtp.NewClient(conn, cfg.Host)
	}
	conn, err := d.DialContext(ctx, "tcp", cfg.addr())
	if err != nil {
		return nil, err
	}
	return smtp.NewClient(conn, cfg.Host)
}

// buildMessage renders the notification as a MIME message, multipart
// with the WAV attached when the audio path is set.
func buildMessage(from string, n Notification) ([]byte, error) {
	caller := n.Caller
	if n.CallerName != "" {
		caller = fmt.Sprintf("%s <%s>", n.CallerName, n.Caller)
	}
	subject := fmt.Sprintf("New voicemail from %s", caller)
	body := fmt.Sprintf(
		"New message in mailbox %s.\n\nFrom: %s\nReceived: %s\nDuration: %s\n",
		n.Mailbox,
		caller,
		n.ReceivedAt.Format("Mon, 02 Jan 2006 15:04 MST"),
		formatDuration(n.DurationSec),
	)

	var buf bytes.Buffer
	if n.AudioPath != "" {
		return buildWithAttachment(&buf, from, n.To, subject, body, n.AudioPath)
	}

	writeHeaders(&buf, from, n.To, subject, "text/plain; charset=utf-8")
	buf.WriteString(body)
	return buf.Bytes(), nil
}

func buildWithAttachment(buf *bytes.Buffer, from, to, subject, body, audioPath string) ([]byte, error) {
	mw := multipart.NewWriter(buf)
	writeHeaders(buf, from, to, subject, "multipart/mixed; boundary="+mw.Boundary())

	textHdr := make(textproto.MIMEHeader)
	textHdr.Set("Content-Type", "text/plain; charset=utf-8")
	part, err := mw.CreatePart(textHdr)
	if err != nil {
		return nil, fmt.Errorf("creating text part: %w", err)
	}
	if _, err := part.Write([]byte(body)); err != nil {
		return nil, fmt.Errorf("writing text part: %w", err)
	}

	audio, err := os.ReadFile(audioPath)
	if err != nil {
		return nil, fmt.Errorf("reading message audio: %w", err)
	}
	name := filepath.Base(audioPath)
	attachHdr := make(textproto.MIMEHeader)
	attachHdr.Set("Content-Type", `audio/wav; name="`+name+`"`)
	attachHdr.Set("Content-Disposition", `attachment; filename="`+name+`"`)
	attachHdr.Set("Content-Transfer-Encoding", "base64")
	part, err = mw.CreatePart(attachHdr)
	if err != nil {
		return nil, fmt.Errorf("creating attachment part: %w", err)
	}
	enc := base64.NewEncoder(base64.StdEncoding, part)
	if _, err := enc.Write(audio); err != nil {
		return nil, fmt.Errorf("encoding attachment: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("closing attachment: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart body: %w", err)
	}
	return buf.Bytes(), nil
}

func writeHeaders(buf *bytes.Buffer, from, to, subject, contentType string) {
	fmt.Fprintf(buf, "From: %s\r\n", from)
	fmt.Fprintf(buf, "To: %s\r\n", to)
	fmt.Fprintf(buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(buf, "Content-Type: %s\r\n\r\n", contentType)
}

func formatDuration(secs int) string {
	if secs < 60 {
		return fmt.Sprintf("%ds", secs)
	}
	if secs%60 == 0 {
		return fmt.Sprintf("%dm", secs/60)
	}
	return fmt.Sprintf("%dm %ds", secs/60, secs%60)
}
