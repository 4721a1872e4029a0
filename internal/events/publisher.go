// Package events publishes import lifecycle events to Kafka. Publishing is
// fire-and-forget: a broker problem is logged and never fails pipeline
// processing.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/IBM/sarama"
)

type Event struct {
	ItemID int64     `json:"item_id"`
	UserID string    `json:"user_id"`
	Status string    `json:"status"`
	TS     time.Time `json:"ts"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event)
	Close() error
}

type kafkaPublisher struct {
	log   *slog.Logger
	prod  sarama.SyncProducer
	topic string
}

func NewKafka(brokers []string, topic string, log *slog.Logger) (Publisher, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 3

	prod, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return &kafkaPublisher{log: log, prod: prod, topic: topic}, nil
}

func (p *kafkaPublisher) Publish(ctx context.Context, ev Event) {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	buf, err := json.Marshal(ev)
	if err != nil {
		p.log.ErrorContext(ctx, "encode import event", "err", err, "item_id", ev.ItemID)
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(strconv.FormatInt(ev.ItemID, 10)),
		Value: sarama.ByteEncoder(buf),
	}
	if _, _, err := p.prod.SendMessage(msg); err != nil {
		p.log.WarnContext(ctx, "publish import event failed",
			"err", err, "item_id", ev.ItemID, "status", ev.Status)
	}
}

func (p *kafkaPublisher) Close() error {
	if err := p.prod.Close(); err != nil {
		return fmt.Errorf("kafka producer close: %w", err)
	}
	return nil
}

// Nop is the publisher used when events are disabled.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
func (Nop) Close() error                   { return nil }
