package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSync struct {
	sent   []*sarama.ProducerMessage
	err    error
	closed bool
}

func (f *fakeSync) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	f.sent = append(f.sent, msg)
	return 0, int64(len(f.sent)), f.err
}

func (f *fakeSync) Close() error {
	f.closed = true
	return nil
}

func TestPublishBuildsRecord(t *testing.T) {
	fake := &fakeSync{}
	p := NewProducerWith(fake, "swaply.chat.events")

	err := p.Publish(context.Background(), "chat.message.created", map[string]string{"id": "m1"}, map[string]string{"x-request-id": "r1"})
	require.NoError(t, err)
	require.Len(t, fake.sent, 1)

	msg := fake.sent[0]
	assert.Equal(t, "swaply.chat.events", msg.Topic)
	key, _ := msg.Key.Encode()
	assert.Equal(t, "chat.message.created", string(key))
	value, _ := msg.Value.Encode()
	assert.JSONEq(t, `{"id":"m1"}`, string(value))

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[string(h.Key)] = string(h.Value)
	}
	assert.Equal(t, "r1", headers["x-request-id"])
	assert.Equal(t, "chat.message.created", headers["routing_key"])
}

func TestPublishPropagatesErrors(t *testing.T) {
	fake := &fakeSync{err: errors.New("leader not available")}
	p := NewProducerWith(fake, "t")
	assert.Error(t, p.Publish(context.Background(), "k", struct{}{}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Publish(ctx, "k", struct{}{}, nil), context.Canceled)
	assert.Len(t, fake.sent, 1)

	require.NoError(t, p.Close())
	assert.True(t, fake.closed)
}
