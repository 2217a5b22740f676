// Package batchdispatch implements the Batch Dispatch Handler (C6): it
// ships one batch of coerced rows to the destination API and, on the
// file's final batch, sends a short receipt back to the sender.
//
// Grounded on the teacher's email/dispatcher.go worker loop shape (pull
// one unit of work, call an outbound client, log and move on) with the
// outbound call itself delegated to internal/apiclient.
package batchdispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/priceflow/batchflow/internal/apiclient"
	"github.com/priceflow/batchflow/internal/appmetrics"
	"github.com/priceflow/batchflow/internal/csvmodel"
	"github.com/priceflow/batchflow/internal/jobstore"
	"github.com/priceflow/batchflow/internal/logx"
	"github.com/priceflow/batchflow/internal/transport"
)

// HandlerRef is the registry key this handler is bound under.
const HandlerRef = "batch.dispatch"

// ConcurrencyTTL is the exclusion window held per email while its batch
// chain is dispatching, keeping two files from the same email racing
// each other's reply.
const ConcurrencyTTL = 5 * time.Minute

// DispatchPath is the destination endpoint batches are POSTed to when
// api.endpoint is left unset in configuration.
const DispatchPath = "/batches"

// ConcurrencyKeyFor returns the concurrency key a batch job for emailID
// is enqueued under.
func ConcurrencyKeyFor(emailID string) string {
	return "batch-dispatch:" + emailID
}

// payload is the wire shape sent to the destination API for one batch,
// per SPEC_FULL.md section 6's HTTP payload contract.
type payload struct {
	FileName     string           `json:"fileName"`
	SenderEmail  string           `json:"senderEmail"`
	Subject      string           `json:"subject"`
	ReceivedAt   time.Time        `json:"receivedAt"`
	Data         []map[string]any `json:"data"`
	IsLast       bool             `json:"isLast"`
	BatchNumber  int              `json:"batchNumber"`
	TotalBatches int              `json:"totalBatches"`
}

// Handler ships one batch and, on the last batch, replies to the sender.
type Handler struct {
	api       *apiclient.Client
	transport transport.Transport
	endpoint  string
	log       *logrus.Entry
}

// New returns a Handler bound to its dependencies. endpoint is the
// destination path batches are POSTed to (api.endpoint in configuration);
// an empty endpoint falls back to DispatchPath.
func New(api *apiclient.Client, tr transport.Transport, endpoint string) *Handler {
	if endpoint == "" {
		endpoint = DispatchPath
	}
	return &Handler{api: api, transport: tr, endpoint: endpoint, log: logx.New("handler.batchdispatch")}
}

// Handle dispatches batch and, if it is the file's last batch, sends a
// receipt. A reply failure is logged but does not fail the job: the
// batch itself already succeeded at the destination.
func (h *Handler) Handle(ctx context.Context, job jobstore.Job) error {
	var batch csvmodel.BatchDescriptor
	if err := unmarshalArgs(job, &batch); err != nil {
		return jobstore.Validation(err)
	}

	body := payload{
		FileName:     batch.Filename,
		SenderEmail:  batch.Sender,
		Subject:      batch.Subject,
		ReceivedAt:   batch.ReceivedAt,
		Data:         batch.Rows,
		IsLast:       batch.IsLast(),
		BatchNumber:  batch.BatchNumber,
		TotalBatches: batch.TotalBatches,
	}

	metrics := appmetrics.Get()

	if _, err := h.api.Send(ctx, apiclient.Request{Path: h.endpoint, Body: body}); err != nil {
		return err
	}
	metrics.BatchesDispatched.Add(1)

	if batch.IsLast() {
		reply := receipt(batch)
		if err := h.transport.SendReply(ctx, batch.EmailID, reply); err != nil {
			metrics.RepliesFailed.Add(1)
			h.log.WithError(err).WithField("email_id", batch.EmailID).Warn("send reply failed, batch already dispatched")
		} else {
			metrics.RepliesSent.Add(1)
		}
	}

	return nil
}

func receipt(batch csvmodel.BatchDescriptor) string {
	return fmt.Sprintf(
		"Your price list %q has finished processing as of %s (%d batch(es) delivered).",
		batch.Filename, time.Now().UTC().Format(time.RFC3339), batch.TotalBatches,
	)
}

func unmarshalArgs(job jobstore.Job, out *csvmodel.BatchDescriptor) error {
	if len(job.Args) == 0 {
		return errors.New("batch dispatch job missing batch descriptor args")
	}
	return errors.Wrap(json.Unmarshal(job.Args, out), "unmarshal batch descriptor")
}
