//go:build integration

package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"carbonledger/internal/platform/config"
	"carbonledger/pkg/testutil/containers"
)

func TestKafkaPublisher(t *testing.T) {
	ctx := context.Background()
	rp := containers.NewRedpandaContainer(t)

	cfg := config.KafkaConfig{
		Brokers: []string{rp.Broker},
		Topic:   "carbonledger.events.test",
	}
	publisher, err := NewKafkaPublisher(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, publisher)
	defer publisher.Close()

	published := New(TypeCreditsIssued, map[string]string{
		"issuance_id": "b2b8a6ae-26b5-4b78-9df4-5a1254a6c5a8",
		"quantity":    "500",
	})
	require.NoError(t, publisher.Publish(ctx, published))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(rp.Broker),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	fetchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	fetches := consumer.PollFetches(fetchCtx)
	require.NoError(t, fetches.Err())

	records := fetches.Records()
	require.Len(t, records, 1)
	assert.Equal(t, string(TypeCreditsIssued), string(records[0].Key))

	var got Event
	require.NoError(t, json.Unmarshal(records[0].Value, &got))
	assert.Equal(t, TypeCreditsIssued, got.Type)
	assert.Equal(t, "500", got.Fields["quantity"])

	t.Run("missing brokers disables the publisher", func(t *testing.T) {
		p, err := NewKafkaPublisher(ctx, config.KafkaConfig{})
		require.NoError(t, err)
		assert.Nil(t, p)
	})
}
