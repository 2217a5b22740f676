package mock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/priceflow/batchflow/internal/transport"
)

func TestSeedAndGetNewMessagesExcludesProcessed(t *testing.T) {
	ctx := context.Background()
	tr := New()

	tr.Seed(transport.Message{ID: "m1", From: "a@example.com"})
	tr.Seed(transport.Message{ID: "m2", From: "b@example.com"})

	msgs, err := tr.GetNewMessages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	require.NoError(t, tr.MarkProcessed(ctx, "m1"))
	require.True(t, tr.IsProcessed("m1"))

	msgs, err = tr.GetNewMessages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "m2", msgs[0].ID)
}

func TestReseedingProcessedMessageStaysExcluded(t *testing.T) {
	ctx := context.Background()
	tr := New()
	tr.Seed(transport.Message{ID: "m1"})
	require.NoError(t, tr.MarkProcessed(ctx, "m1"))

	tr.Seed(transport.Message{ID: "m1"})
	msgs, err := tr.GetNewMessages(ctx)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestSendReplyRecordsHistory(t *testing.T) {
	ctx := context.Background()
	tr := New()
	require.NoError(t, tr.SendReply(ctx, "m1", "done"))
	require.Equal(t, []Reply{{EmailID: "m1", Body: "done"}}, tr.Replies())
}

func TestClearResetsState(t *testing.T) {
	ctx := context.Background()
	tr := New()
	tr.Seed(transport.Message{ID: "m1"})
	require.NoError(t, tr.MarkProcessed(ctx, "m1"))
	require.NoError(t, tr.SendReply(ctx, "m1", "done"))

	tr.Clear()

	msgs, err := tr.GetNewMessages(ctx)
	require.NoError(t, err)
	require.Empty(t, msgs)
	require.False(t, tr.IsProcessed("m1"))
	require.Empty(t, tr.Replies())
}
