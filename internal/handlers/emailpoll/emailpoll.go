// Package emailpoll implements the Email Poll Handler (C4): it drains new
// messages from the bound transport, uploads every CSV attachment to the
// object store, and enqueues one CSV Split job per attachment.
package emailpoll

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/priceflow/batchflow/internal/appmetrics"
	"github.com/priceflow/batchflow/internal/csvmodel"
	"github.com/priceflow/batchflow/internal/handlers/csvsplit"
	"github.com/priceflow/batchflow/internal/ids"
	"github.com/priceflow/batchflow/internal/jobstore"
	"github.com/priceflow/batchflow/internal/logx"
	"github.com/priceflow/batchflow/internal/objectstore"
	"github.com/priceflow/batchflow/internal/transport"
)

// HandlerRef is the registry key this handler is bound under.
const HandlerRef = "email.poll"

// ConcurrencyKey and ConcurrencyTTL are fixed for every C4 job: two
// concurrent polls racing the same mailbox must never overlap.
const (
	ConcurrencyKey = "email-poll"
	ConcurrencyTTL = 5 * time.Minute
)

// Handler drains messages and fans out CSV Split jobs.
type Handler struct {
	transport   transport.Transport
	objectStore objectstore.Store
	store       jobstore.Store
	log         *logrus.Entry
}

// New returns a Handler bound to its dependencies.
func New(tr transport.Transport, os objectstore.Store, store jobstore.Store) *Handler {
	return &Handler{transport: tr, objectStore: os, store: store, log: logx.New("handler.emailpoll")}
}

// NewJob builds an Enqueue-ready Job for this handler, with the
// concurrency key/TTL the spec requires already set. The Scheduler's
// recurring schedule and the control plane's manual /poll both use this.
func NewJob() (jobstore.Job, error) {
	job, err := jobstore.New(jobstore.DefaultQueue, HandlerRef, nil)
	if err != nil {
		return jobstore.Job{}, err
	}
	job.ConcurrencyKey = ConcurrencyKey
	job.ConcurrencyTTL = ConcurrencyTTL
	return job, nil
}

// Handle runs one poll cycle. A message is marked processed only once
// every one of its CSV attachments has been uploaded and enqueued;
// messages already fully handled before a later failure stay processed.
func (h *Handler) Handle(ctx context.Context, _ jobstore.Job) error {
	messages, err := h.transport.GetNewMessages(ctx)
	if err != nil {
		return jobstore.Integration(err)
	}

	metrics := appmetrics.Get()

	for _, msg := range messages {
		metrics.MessagesPolled.Add(1)
		attachments := csvAttachments(msg.Attachments)
		if len(attachments) == 0 {
			if err := h.transport.MarkProcessed(ctx, msg.ID); err != nil {
				return jobstore.Integration(err)
			}
			continue
		}

		receivedAt, err := time.Parse(time.RFC3339, msg.ReceivedAt)
		if err != nil {
			receivedAt = time.Now().UTC()
		}

		for _, att := range attachments {
			metrics.AttachmentsFound.Add(1)
			key := ids.ObjectKey(time.Now(), att.Filename)
			if err := h.objectStore.Put(ctx, key, bytes.NewReader(att.Bytes), int64(len(att.Bytes)), att.ContentType); err != nil {
				return jobstore.Integration(err)
			}

			desc := csvmodel.FileDescriptor{
				EmailID:    msg.ID,
				Filename:   att.Filename,
				Sender:     msg.From,
				Subject:    msg.Subject,
				ReceivedAt: receivedAt,
				ObjectKey:  key,
			}
			job, err := jobstore.New(jobstore.DefaultQueue, csvsplit.HandlerRef, desc)
			if err != nil {
				return jobstore.Validation(err)
			}
			job.ConcurrencyKey = key
			job.ConcurrencyTTL = csvsplit.ConcurrencyTTL

			if _, err := h.store.Enqueue(ctx, job); err != nil {
				return jobstore.Integration(err)
			}
			metrics.JobsEnqueued.Add(1)
		}

		if err := h.transport.MarkProcessed(ctx, msg.ID); err != nil {
			return jobstore.Integration(err)
		}
	}

	return nil
}

func csvAttachments(all []transport.Attachment) []transport.Attachment {
	var out []transport.Attachment
	for _, a := range all {
		if strings.HasSuffix(strings.ToLower(a.Filename), ".csv") {
			out = append(out, a)
		}
	}
	return out
}
