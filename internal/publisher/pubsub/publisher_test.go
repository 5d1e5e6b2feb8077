package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/Dankin/vmware-kb/internal/kb"
)

const project = "kb-project"

func newFakeClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, project, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: "projects/" + project + "/topics/kb-inserted"})
	require.NoError(t, err)
	return client, srv
}

func TestPublishSendsJSONWithTraceContext(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	client, srv := newFakeClient(t)
	pub := New(client, nil)
	t.Cleanup(func() { assert.NoError(t, pub.Close()) })

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	id, err := pub.Publish(ctx, "kb-inserted", kb.ArticleInserted{KBNumber: 318, Title: "Host fails to boot"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got kb.ArticleInserted
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, 318, got.KBNumber)
	assert.Equal(t, "application/json", msgs[0].Attributes[ContentTypeAttr])
	assert.Contains(t, msgs[0].Attributes["traceparent"], "4bf92f3577b34da6a3ce929d0e0e4736")
}

func TestCheckTopic(t *testing.T) {
	client, _ := newFakeClient(t)
	pub := New(client, nil)
	ctx := context.Background()

	require.NoError(t, pub.CheckTopic(ctx, "kb-inserted"))
	require.Error(t, pub.CheckTopic(ctx, "missing"))
}

func TestPublishAfterClose(t *testing.T) {
	client, _ := newFakeClient(t)
	pub := New(client, nil)
	require.NoError(t, pub.Close())
	require.NoError(t, pub.Close())

	_, err := pub.Publish(context.Background(), "kb-inserted", kb.ArticleInserted{KBNumber: 1})
	require.Error(t, err)
}

func TestPublishRequiresClientAndTopic(t *testing.T) {
	t.Parallel()

	_, err := (&Publisher{}).Publish(context.Background(), "kb-inserted", "x")
	require.Error(t, err)

	client, _ := newFakeClient(t)
	_, err = New(client, nil).Publish(context.Background(), "", "x")
	require.Error(t, err)
}
