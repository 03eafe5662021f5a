package inmem

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelRecordsInOrder(t *testing.T) {
	t.Parallel()
	c := New()
	require.NoError(t, c.Send(context.Background(), "c1", "first"))
	require.NoError(t, c.Send(context.Background(), "c2", "second"))

	sent := c.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, Message{ChatID: "c1", Text: "first"}, sent[0])
	assert.Equal(t, Message{ChatID: "c2", Text: "second"}, sent[1])

	c.Reset()
	assert.Empty(t, c.Sent())
}

func TestChannelBoundsHistory(t *testing.T) {
	t.Parallel()
	c := New()
	for i := 0; i < keep+25; i++ {
		require.NoError(t, c.Send(context.Background(), "c", fmt.Sprintf("m%d", i)))
	}
	sent := c.Sent()
	require.Len(t, sent, keep)
	assert.Equal(t, "m25", sent[0].Text)
}
