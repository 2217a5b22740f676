// Package csvsplit implements the CSV Split Handler (C5): it streams a
// stored CSV file, runs every field through the coercion ladder, and
// builds a linear continuation chain of Batch Dispatch jobs.
//
// CSV scanning is grounded on the teacher's parser/csv.go
// (encoding/csv + TrimLeadingSpace, tolerant skip of rows that fail to
// read or whose field count doesn't match the header), generalized from
// "recipient rows keyed on an email column" to generic rows typed
// through internal/coerce.
package csvsplit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/priceflow/batchflow/internal/coerce"
	"github.com/priceflow/batchflow/internal/csvmodel"
	"github.com/priceflow/batchflow/internal/handlers/batchdispatch"
	"github.com/priceflow/batchflow/internal/jobstore"
	"github.com/priceflow/batchflow/internal/objectstore"
)

// HandlerRef is the registry key this handler is bound under.
const HandlerRef = "csv.split"

// ConcurrencyTTL is the exclusion window held on a file's object_key
// while it is being split, preventing a duplicate enqueue of the same
// file from racing this one.
const ConcurrencyTTL = 10 * time.Minute

// DefaultBatchSize is B, the default maximum rows per batch.
const DefaultBatchSize = 1000

// Config controls batch sizing.
type Config struct {
	BatchSize int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}

// Handler streams an object-store file and fans it out into a batch
// continuation chain.
type Handler struct {
	objectStore objectstore.Store
	store       jobstore.Store
	cfg         Config
}

// New returns a Handler bound to its dependencies.
func New(os objectstore.Store, store jobstore.Store, cfg Config) *Handler {
	return &Handler{objectStore: os, store: store, cfg: cfg.withDefaults()}
}

// Handle streams desc.ObjectKey, coerces every row, and enqueues a
// linear chain of Batch Dispatch jobs: batch 1 is enqueued immediately,
// batch k (k>1) continues on batch k-1's id. A 0-row file succeeds with
// no batch job enqueued.
func (h *Handler) Handle(ctx context.Context, job jobstore.Job) error {
	var desc csvmodel.FileDescriptor
	if err := unmarshalArgs(job, &desc); err != nil {
		return jobstore.Validation(err)
	}

	stream, err := h.objectStore.GetStream(ctx, desc.ObjectKey)
	if err != nil {
		return jobstore.Integration(errors.Wrap(err, "stream object"))
	}
	defer stream.Close()

	rows, err := readRows(stream)
	if err != nil {
		return err
	}

	batchCount := csvmodel.BatchCount(len(rows), h.cfg.BatchSize)
	if batchCount == 0 {
		return nil
	}

	var parentID string
	for i := 1; i <= batchCount; i++ {
		start := (i - 1) * h.cfg.BatchSize
		end := start + h.cfg.BatchSize
		if end > len(rows) {
			end = len(rows)
		}

		batch := csvmodel.BatchDescriptor{
			FileDescriptor: desc,
			BatchNumber:    i,
			TotalBatches:   batchCount,
			Rows:           rows[start:end],
		}

		batchJob, err := jobstore.New(jobstore.DefaultQueue, batchdispatch.HandlerRef, batch)
		if err != nil {
			return jobstore.Validation(err)
		}
		batchJob.ConcurrencyKey = batchdispatch.ConcurrencyKeyFor(desc.EmailID)
		batchJob.ConcurrencyTTL = batchdispatch.ConcurrencyTTL

		var id string
		if i == 1 {
			id, err = h.store.Enqueue(ctx, batchJob)
		} else {
			id, err = h.store.Continue(ctx, parentID, batchJob)
		}
		if err != nil {
			return jobstore.Integration(errors.Wrap(err, "enqueue batch job"))
		}
		parentID = id
	}

	return nil
}

// readRows validates the header and reads every data row, coercing each
// field and silently skipping rows that fail to parse or whose field
// count doesn't match the header, per the teacher's parser/csv.go
// tolerance.
func readRows(r io.Reader) ([]map[string]any, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	headers, err := reader.Read()
	if err != nil {
		return nil, jobstore.Validation(errors.Wrap(err, "read header row"))
	}
	for i, h := range headers {
		headers[i] = strings.TrimSpace(h)
	}
	if !hasNonEmptyHeader(headers) {
		return nil, jobstore.Validation(errors.New("csv header row is empty"))
	}

	var rows []map[string]any
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil || len(record) != len(headers) {
			continue
		}
		rows = append(rows, coerce.Row(headers, record))
	}
	return rows, nil
}

func hasNonEmptyHeader(headers []string) bool {
	for _, h := range headers {
		if h != "" {
			return true
		}
	}
	return false
}

func unmarshalArgs(job jobstore.Job, out *csvmodel.FileDescriptor) error {
	if len(job.Args) == 0 {
		return errors.New("csv split job missing file descriptor args")
	}
	return errors.Wrap(json.Unmarshal(job.Args, out), "unmarshal file descriptor")
}
