package producer

import (
	"context"
	"encoding/json"
	"time"

	"allocation-service/internal/service"

	"github.com/segmentio/kafka-go"
)

// AllocationEventProducer публикует события жизненного цикла аллокаций.
// Форматирование и доставка уведомлений — забота downstream-потребителя.
type AllocationEventProducer struct {
	writer *kafka.Writer
}

func NewAllocationEventProducer(brokers []string, topic string) *AllocationEventProducer {
	return &AllocationEventProducer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

func (p *AllocationEventProducer) publish(ctx context.Context, key string, eventType string, payload any) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	value, err := json.Marshal(envelope{Type: eventType, Payload: payload})
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
	})
}

func (p *AllocationEventProducer) PublishAllocationCreated(ctx context.Context, e service.AllocationCreatedEvent) error {
	return p.publish(ctx, e.PlanID.String(), "allocation.created", e)
}

func (p *AllocationEventProducer) PublishAllocationCancelled(ctx context.Context, e service.AllocationCancelledEvent) error {
	return p.publish(ctx, e.DetailID.String(), "allocation.cancelled", e)
}

func (p *AllocationEventProducer) PublishCancellationReversed(ctx context.Context, e service.CancellationReversedEvent) error {
	return p.publish(ctx, e.DetailID.String(), "allocation.cancellation_reversed", e)
}

func (p *AllocationEventProducer) PublishETDUpdated(ctx context.Context, e service.AllocationETDUpdatedEvent) error {
	return p.publish(ctx, e.DetailID.String(), "allocation.etd_updated", e)
}

func (p *AllocationEventProducer) Close() error {
	return p.writer.Close()
}
