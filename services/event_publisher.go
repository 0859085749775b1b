package services

import (
	"context"
	"encoding/json"
	"fmt"

	pubnub "github.com/pubnub/go/v7"
	kafka "github.com/segmentio/kafka-go"

	"ticketing/internal/status"
)

// Event topics published after durable state changes.
const (
	TopicTicketsPurchased = "tickets.purchased"
	TopicTicketsRefunded  = "tickets.refunded"
)

// PubNubPublisher delivers events on PubNub channels, one channel per
// topic.
type PubNubPublisher struct {
	pn *pubnub.PubNub
}

func NewPubNubPublisher(pn *pubnub.PubNub) *PubNubPublisher {
	return &PubNubPublisher{pn: pn}
}

func (p *PubNubPublisher) Publish(ctx context.Context, topic string, payload any) error {
	_, _, err := p.pn.Publish().
		Channel(topic).
		Message(payload).
		Execute()
	if err != nil {
		return fmt.Errorf("%w: pubnub publish: %v", status.ErrInfrastructure, err)
	}
	return nil
}

// KafkaPublisher writes JSON events to Kafka, topic per event kind.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Balancer: &kafka.LeastBytes{},
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic string, payload any) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal event: %v", status.ErrInfrastructure, err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("%w: kafka publish: %v", status.ErrInfrastructure, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher is used when no event transport is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, topic string, payload any) error { return nil }
