// Package smtpreply sends reply e-mails over SMTP, grounded directly on
// the teacher's email/smtp.go ConnectSMTPWithContext: dial with
// net.Dialer, smtp.NewClient, STARTTLS if offered, smtp.PlainAuth. Used
// standalone by nothing in this module on its own — the IMAP transport
// delegates SendReply to a Client here, since IMAP does not send mail
// itself; the POP3 transport does not send replies.
package smtpreply

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"github.com/pkg/errors"
)

func tlsConfig(host string) *tls.Config {
	return &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
}

// Config names the outbound SMTP relay and the reply's From identity.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Client sends one message per call; it does not hold a persistent
// connection, since replies are infrequent (one per completed file).
type Client struct {
	cfg Config
}

// New returns a Client bound to cfg.
func New(cfg Config) *Client {
	return &Client{cfg: cfg}
}

// Send dials the relay, authenticates, and delivers a plain-text message
// with subject and body to to.
func (c *Client) Send(ctx context.Context, to, subject, body string) error {
	client, err := c.connect(ctx)
	if err != nil {
		return errors.Wrap(err, "smtp connect")
	}
	defer client.Quit()

	if err := client.Mail(c.cfg.From); err != nil {
		return errors.Wrap(err, "smtp MAIL FROM")
	}
	if err := client.Rcpt(to); err != nil {
		return errors.Wrap(err, "smtp RCPT TO")
	}

	w, err := client.Data()
	if err != nil {
		return errors.Wrap(err, "smtp DATA")
	}
	defer w.Close()

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", c.cfg.From, to, subject, body)
	if _, err := bytes.NewBufferString(msg).WriteTo(w); err != nil {
		return errors.Wrap(err, "smtp write body")
	}
	return nil
}

func (c *Client) connect(ctx context.Context) (*smtp.Client, error) {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "dial")
	}

	client, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "init client")
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(tlsConfig(c.cfg.Host)); err != nil {
			client.Close()
			return nil, errors.Wrap(err, "starttls")
		}
	}

	if c.cfg.Username != "" {
		auth := smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, errors.Wrap(err, "auth")
		}
	}

	return client, nil
}
