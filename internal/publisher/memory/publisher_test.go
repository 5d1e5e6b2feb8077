package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dankin/vmware-kb/internal/kb"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	ctx := context.Background()
	id1, err := pub.Publish(ctx, "kb-inserted", kb.ArticleInserted{KBNumber: 318, Title: "Host fails to boot"})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(ctx, "audit", "payload")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "kb-inserted", msgs[0].Topic)
	assert.Equal(t, "audit", msgs[1].Topic)

	var decoded kb.ArticleInserted
	require.NoError(t, json.Unmarshal(msgs[0].Data, &decoded))
	assert.Equal(t, 318, decoded.KBNumber)

	msgs[0].Topic = "modified"
	assert.Equal(t, "kb-inserted", pub.Messages()[0].Topic, "Messages must return a copy")
	assert.Len(t, pub.Topic("kb-inserted"), 1)
	assert.Empty(t, pub.Topic("missing"))
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("topic deleted")
	pub.FailWith(boom)
	_, err := pub.Publish(context.Background(), "kb-inserted", kb.ArticleInserted{KBNumber: 1, InsertedAt: time.Unix(0, 0)})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, pub.Messages())

	pub.FailWith(nil)
	_, err = pub.Publish(context.Background(), "kb-inserted", kb.ArticleInserted{KBNumber: 1})
	require.NoError(t, err)
	assert.Len(t, pub.Messages(), 1)
}

func TestPublisherRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	_, err := New().Publish(context.Background(), "t", make(chan int))
	require.Error(t, err)
}
