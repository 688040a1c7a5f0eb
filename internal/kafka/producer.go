package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/resortops/passkeeper/internal/logger"
	"github.com/resortops/passkeeper/internal/models"
)

// SaramaProducer publishes device history events keyed by device serial, so
// each device's events stay ordered within one partition.
type SaramaProducer struct {
	producer sarama.SyncProducer
	topic    string
}

func NewSaramaProducer(brokers []string, topic string) (*SaramaProducer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Timeout = 5 * time.Second
	prod, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewProducerFrom(prod, topic), nil
}

func NewProducerFrom(prod sarama.SyncProducer, topic string) *SaramaProducer {
	return &SaramaProducer{producer: prod, topic: topic}
}

func (p *SaramaProducer) PublishEvent(ctx context.Context, ev models.DeviceHistoryEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(ev.DeviceSerial),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("eventType"), Value: []byte(ev.EventType)},
			{Key: []byte("processingStatus"), Value: []byte(ev.ProcessingStatus)},
		},
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("send event %s to %s: %w", ev.ID, p.topic, err)
	}
	logger.Debug("event published", "topic", p.topic, "partition", partition, "offset", offset, "eventId", ev.ID)
	return nil
}

func (p *SaramaProducer) Close() error {
	return p.producer.Close()
}
