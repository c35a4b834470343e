package mail

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"content-hub/internal/models"
)

// KafkaTransport hands messages to a mail relay consuming a Kafka topic.
type KafkaTransport struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaTransport dials the brokers with an idempotent, all-acks producer.
func NewKafkaTransport(brokers []string, topic string) (*KafkaTransport, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = "content-hub-mail"
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	prod, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewKafkaTransportWithProducer(prod, topic), nil
}

func NewKafkaTransportWithProducer(prod sarama.SyncProducer, topic string) *KafkaTransport {
	return &KafkaTransport{producer: prod, topic: topic}
}

type relayMessage struct {
	MessageID string           `json:"messageId"`
	CreatedAt time.Time        `json:"createdAt"`
	Email     models.EmailData `json:"email"`
}

func (t *KafkaTransport) Send(ctx context.Context, msg models.EmailData) error {
	if err := validate(msg); err != nil {
		return err
	}
	id := uuid.New().String()
	value, err := json.Marshal(relayMessage{MessageID: id, CreatedAt: time.Now().UTC(), Email: msg})
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrRejected, err)
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := t.producer.SendMessage(&sarama.ProducerMessage{
			Topic: t.topic,
			Key:   sarama.StringEncoder(id),
			Value: sarama.ByteEncoder(value),
		})
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("publish mail: %w", err)
		}
		return nil
	}
}

func (t *KafkaTransport) Close() error {
	return t.producer.Close()
}
