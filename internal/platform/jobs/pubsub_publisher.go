package jobs

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/oklog/ulid/v2"

	"github.com/meridianpay/api/internal/repositories"
)

// PubSubReplicationPublisher publishes split replication events to a Pub/Sub topic.
type PubSubReplicationPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
	now     func() time.Time
}

// NewPubSubReplicationPublisher constructs a Pub/Sub backed replication event publisher.
func NewPubSubReplicationPublisher(topic *pubsub.Topic) (*PubSubReplicationPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub replication publisher: topic is required")
	}
	return &PubSubReplicationPublisher{
		topic:   topic,
		marshal: json.Marshal,
		now:     time.Now,
	}, nil
}

// PublishReplication enqueues a replication event message on the configured topic.
// Missing event IDs and timestamps are filled in before publishing.
func (p *PubSubReplicationPublisher) PublishReplication(ctx context.Context, event repositories.SplitReplicationEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub replication publisher: not initialised")
	}

	if strings.TrimSpace(event.EventID) == "" {
		event.EventID = NewEventID(p.now())
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = p.now().UTC()
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal replication event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventId", event.EventID)
	setAttr(attrs, "merchantWallet", event.MerchantWallet)
	setAttr(attrs, "brandKey", event.BrandKey)
	setAttr(attrs, "status", string(event.Status))

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish replication event: %w", err)
	}
	return nil
}

// NewEventID returns a time-ordered unique event identifier.
func NewEventID(at time.Time) string {
	if at.IsZero() {
		at = time.Now()
	}
	return ulid.MustNew(ulid.Timestamp(at.UTC()), rand.Reader).String()
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
