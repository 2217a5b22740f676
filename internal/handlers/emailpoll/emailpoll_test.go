package emailpoll

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/priceflow/batchflow/internal/handlers/csvsplit"
	"github.com/priceflow/batchflow/internal/jobstore"
	"github.com/priceflow/batchflow/internal/jobstore/boltstore"
	"github.com/priceflow/batchflow/internal/objectstore/memstore"
	"github.com/priceflow/batchflow/internal/transport"
	"github.com/priceflow/batchflow/internal/transport/mock"
)

func openStore(t *testing.T) *boltstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.db")
	s, err := boltstore.Open(path, "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHandleUploadsCSVAttachmentAndEnqueuesSplitJob(t *testing.T) {
	ctx := context.Background()
	tr := mock.New()
	os := memstore.New()
	store := openStore(t)

	tr.Seed(transport.Message{
		ID:         "msg-1",
		From:       "vendor@example.com",
		Subject:    "Weekly prices",
		ReceivedAt: time.Now().UTC().Format(time.RFC3339),
		Attachments: []transport.Attachment{
			{Filename: "prices.csv", ContentType: "text/csv", Bytes: []byte("sku,price\nA1,10.00\n")},
			{Filename: "notes.txt", ContentType: "text/plain", Bytes: []byte("not a csv")},
		},
	})

	h := New(tr, os, store)
	job, err := NewJob()
	require.NoError(t, err)

	require.NoError(t, h.Handle(ctx, job))
	require.True(t, tr.IsProcessed("msg-1"))

	fetched, err := store.Fetch(ctx, []string{jobstore.DefaultQueue}, "w1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, csvsplit.HandlerRef, fetched.HandlerRef)
	require.NotEmpty(t, fetched.ConcurrencyKey)
	require.Equal(t, csvsplit.ConcurrencyTTL, fetched.ConcurrencyTTL)

	_, err = store.Fetch(ctx, []string{jobstore.DefaultQueue}, "w2", time.Minute)
	require.ErrorIs(t, err, jobstore.ErrNoReadyJob)
}

func TestHandleMarksProcessedWithNoAttachmentsAndEnqueuesNothing(t *testing.T) {
	ctx := context.Background()
	tr := mock.New()
	os := memstore.New()
	store := openStore(t)

	tr.Seed(transport.Message{ID: "msg-2", From: "vendor@example.com", Subject: "hi"})

	h := New(tr, os, store)
	job, err := NewJob()
	require.NoError(t, err)
	require.NoError(t, h.Handle(ctx, job))

	require.True(t, tr.IsProcessed("msg-2"))
	_, err = store.Fetch(ctx, []string{jobstore.DefaultQueue}, "w1", time.Minute)
	require.ErrorIs(t, err, jobstore.ErrNoReadyJob)
}

func TestHandleMultipleCSVAttachmentsEnqueueOneJobEach(t *testing.T) {
	ctx := context.Background()
	tr := mock.New()
	os := memstore.New()
	store := openStore(t)

	tr.Seed(transport.Message{
		ID:   "msg-3",
		From: "vendor@example.com",
		Attachments: []transport.Attachment{
			{Filename: "a.csv", Bytes: []byte("sku\nA\n")},
			{Filename: "b.CSV", Bytes: []byte("sku\nB\n")},
		},
	})

	h := New(tr, os, store)
	job, err := NewJob()
	require.NoError(t, err)
	require.NoError(t, h.Handle(ctx, job))

	var seen int
	for {
		_, err := store.Fetch(ctx, []string{jobstore.DefaultQueue}, "w1", time.Minute)
		if err != nil {
			break
		}
		seen++
	}
	require.Equal(t, 2, seen)
}

func TestNewJobSetsConcurrencyKeyAndTTL(t *testing.T) {
	job, err := NewJob()
	require.NoError(t, err)
	require.Equal(t, ConcurrencyKey, job.ConcurrencyKey)
	require.Equal(t, ConcurrencyTTL, job.ConcurrencyTTL)
	require.Equal(t, HandlerRef, job.HandlerRef)
}
