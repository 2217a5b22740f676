// Package imap implements transport.Transport over IMAP, grounded on the
// ternarybob-quaero reference repo's go.mod pairing of
// github.com/emersion/go-imap (plus its client subpackage) with
// github.com/emersion/go-message's mail reader for attachment extraction.
// SendReply delegates to an SMTP sibling (internal/transport/smtpreply),
// grounded on the teacher's email/smtp.go, since IMAP has no way to send
// mail of its own.
package imap

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"

	"github.com/priceflow/batchflow/internal/transport"
	"github.com/priceflow/batchflow/internal/transport/smtpreply"
)

// Config names the mailbox and the SMTP relay replies go out through.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	UseTLS   bool
	Mailbox  string

	Reply smtpreply.Config
}

// Transport is an IMAP transport.Transport. MarkProcessed sets the
// server-side \Seen flag, unlike the POP3 driver, so processed state
// survives restarts — real IMAP read-flag support is the difference
// that makes this possible.
type Transport struct {
	cfg   Config
	reply *smtpreply.Client

	mu      sync.Mutex
	senders map[string]string
}

// New returns a Transport bound to cfg.
func New(cfg Config) *Transport {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	return &Transport{cfg: cfg, reply: smtpreply.New(cfg.Reply), senders: make(map[string]string)}
}

func (t *Transport) dial() (*imapclient.Client, error) {
	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)
	var c *imapclient.Client
	var err error
	if t.cfg.UseTLS {
		c, err = imapclient.DialTLS(addr, nil)
	} else {
		c, err = imapclient.Dial(addr)
	}
	if err != nil {
		return nil, errors.Wrap(err, "imap dial")
	}
	if err := c.Login(t.cfg.Username, t.cfg.Password); err != nil {
		c.Close()
		return nil, errors.Wrap(err, "imap login")
	}
	return c, nil
}

// GetNewMessages searches the mailbox for messages lacking the \Seen
// flag and extracts any .csv attachment from each.
func (t *Transport) GetNewMessages(_ context.Context) ([]transport.Message, error) {
	c, err := t.dial()
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	if _, err := c.Select(t.cfg.Mailbox, false); err != nil {
		return nil, errors.Wrap(err, "select mailbox")
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	ids, err := c.Search(criteria)
	if err != nil {
		return nil, errors.Wrap(err, "search")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, len(ids))
	fetchErr := make(chan error, 1)
	go func() {
		fetchErr <- c.Fetch(seqset, items, messages)
	}()

	var out []transport.Message
	for msg := range messages {
		converted, err := convertMessage(t.cfg.Host, msg, section)
		if err != nil {
			continue
		}
		out = append(out, converted)
	}
	if err := <-fetchErr; err != nil {
		return nil, errors.Wrap(err, "fetch")
	}

	t.mu.Lock()
	for _, msg := range out {
		t.senders[msg.ID] = msg.From
	}
	t.mu.Unlock()

	return out, nil
}

func convertMessage(host string, msg *imap.Message, section *imap.BodySectionName) (transport.Message, error) {
	out := transport.Message{ID: idOf(host, msg.Uid), ReceivedAt: time.Now().UTC().Format(time.RFC3339)}
	if msg.Envelope != nil {
		out.Subject = msg.Envelope.Subject
		if len(msg.Envelope.From) > 0 {
			out.From = msg.Envelope.From[0].Address()
		}
		if !msg.Envelope.Date.IsZero() {
			out.ReceivedAt = msg.Envelope.Date.UTC().Format(time.RFC3339)
		}
	}

	body := msg.GetBody(section)
	if body == nil {
		return out, nil
	}

	mr, err := mail.CreateReader(body)
	if err != nil {
		return out, errors.Wrap(err, "mail reader")
	}
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		header, ok := part.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}
		filename, err := header.Filename()
		if err != nil || !strings.HasSuffix(strings.ToLower(filename), ".csv") {
			continue
		}
		contentType, _, _ := header.ContentType()
		data, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		out.Attachments = append(out.Attachments, transport.Attachment{
			Filename:    filename,
			ContentType: contentType,
			Bytes:       data,
		})
	}
	return out, nil
}

// SendReply sends via the configured SMTP sibling, to the sender address
// observed the last time this message was fetched.
func (t *Transport) SendReply(ctx context.Context, emailID, body string) error {
	t.mu.Lock()
	to := t.senders[emailID]
	t.mu.Unlock()
	if to == "" {
		return errors.Errorf("send reply: no known sender address for %q", emailID)
	}
	return t.reply.Send(ctx, to, "Re: your price list", body)
}

// MarkProcessed sets the \Seen flag on the message identified by emailID.
func (t *Transport) MarkProcessed(_ context.Context, emailID string) error {
	uid, ok := uidFromID(t.cfg.Host, emailID)
	if !ok {
		return errors.Errorf("mark processed: malformed email id %q", emailID)
	}

	c, err := t.dial()
	if err != nil {
		return err
	}
	defer c.Logout()

	if _, err := c.Select(t.cfg.Mailbox, false); err != nil {
		return errors.Wrap(err, "select mailbox")
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.SeenFlag}
	return c.UidStore(seqset, item, flags, nil)
}

func idOf(host string, uid uint32) string {
	return host + ":" + strconv.FormatUint(uint64(uid), 10)
}

func uidFromID(host, id string) (uint32, bool) {
	prefix := host + ":"
	if !strings.HasPrefix(id, prefix) {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(id, prefix), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

var _ transport.Transport = (*Transport)(nil)
