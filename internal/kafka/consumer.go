package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/resortops/passkeeper/internal/logger"
	"github.com/resortops/passkeeper/internal/models"
)

// EventHandler receives each decoded device history event.
type EventHandler func(ctx context.Context, ev models.DeviceHistoryEvent) error

type ConsumerGroupHandler struct {
	handle EventHandler
}

func NewConsumerGroupHandler(handle EventHandler) ConsumerGroupHandler {
	return ConsumerGroupHandler{handle: handle}
}

func (ConsumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (ConsumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim marks every message, including ones that fail to decode or
// handle; those are logged and skipped.
func (h ConsumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		ev, err := DecodeEvent(msg)
		if err != nil {
			logger.Warning("skipping undecodable message", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err.Error())
		} else if err := h.handle(session.Context(), ev); err != nil {
			logger.Error("event handler failed", err, "eventId", ev.ID, "offset", msg.Offset)
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

func DecodeEvent(msg *sarama.ConsumerMessage) (models.DeviceHistoryEvent, error) {
	var ev models.DeviceHistoryEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return ev, fmt.Errorf("decode event at offset %d: %w", msg.Offset, err)
	}
	return ev, nil
}

// StartSaramaConsumer consumes topics until ctx is done.
func StartSaramaConsumer(ctx context.Context, cfg *sarama.Config, brokers []string, groupID string, topics []string, handle EventHandler) error {
	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() {
		if err := consumerGroup.Close(); err != nil {
			logger.Error("close consumer group", err)
		}
	}()

	handler := NewConsumerGroupHandler(handle)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			if err := consumerGroup.Consume(ctx, topics, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return nil
				}
				logger.Error("consumer error", err)
			}
		}
	}
}
