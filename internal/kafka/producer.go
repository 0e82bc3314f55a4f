package kafka

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"

	"swaply-chat/internal/observability"
)

// SyncProducer is the subset of sarama.SyncProducer the producer needs.
type SyncProducer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

// Producer publishes events to a single topic. The routing key becomes the record key
// so events of one kind keep their relative order within a partition.
type Producer struct {
	sync  SyncProducer
	topic string
}

func NewProducer(brokers []string, topic string, cfg *sarama.Config) (*Producer, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Return.Successes = true
	cfg.Net.MaxOpenRequests = 1
	sync, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &Producer{sync: sync, topic: topic}, nil
}

// NewProducerWith wraps an existing sync producer.
func NewProducerWith(sync SyncProducer, topic string) *Producer {
	return &Producer{sync: sync, topic: topic}
}

func (p *Producer) Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	hs := []sarama.RecordHeader{{Key: []byte("routing_key"), Value: []byte(routingKey)}}
	for k, v := range headers {
		hs = append(hs, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	msg := &sarama.ProducerMessage{
		Topic:   p.topic,
		Key:     sarama.StringEncoder(routingKey),
		Value:   sarama.ByteEncoder(payload),
		Headers: hs,
	}
	_, _, err = p.sync.SendMessage(msg)
	return err
}

func (p *Producer) Close() error {
	if p.sync == nil {
		return nil
	}
	return p.sync.Close()
}

var _ observability.Publisher = (*Producer)(nil)
