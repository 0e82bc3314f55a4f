package observability

import (
	"context"
	"sync"
	"time"
)

// Publisher delivers JSON events to the configured broker.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
	Close() error
}

var (
	publisherMu      sync.RWMutex
	defaultPublisher Publisher
)

func SetPublisher(publisher Publisher) {
	publisherMu.Lock()
	defer publisherMu.Unlock()
	defaultPublisher = publisher
}

// PublishEvent sends the envelope through the default publisher. Without one it is a no-op.
func PublishEvent(ctx context.Context, routingKey string, envelope EventEnvelope, headers map[string]string) error {
	publisherMu.RLock()
	publisher := defaultPublisher
	publisherMu.RUnlock()
	if publisher == nil {
		return nil
	}

	if envelope.OccurredAt.IsZero() {
		envelope.OccurredAt = time.Now().UTC()
	}
	if headers == nil {
		headers = HeadersFromContext(ctx)
	}
	err := publisher.Publish(ctx, routingKey, envelope, headers)
	if err != nil {
		IncPublishError()
	}
	return err
}
