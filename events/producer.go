// Package events publishes aggregate progress updates to Kafka for
// consumers outside the generation host.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
)

// ProgressMessage is one aggregate counter update.
type ProgressMessage struct {
	RunID     string    `json:"run_id"`
	Completed int       `json:"completed"`
	Total     int       `json:"total"`
	Timestamp time.Time `json:"timestamp"`
}

// Producer is a nil-safe Kafka publisher; nil ignores every call.
type Producer struct {
	producer sarama.SyncProducer
	topic    string
	runID    string
}

// New connects a progress publisher. An empty brokers string disables it.
func New(brokers, topic, runID string) (*Producer, error) {
	if brokers == "" {
		return nil, nil
	}

	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true

	p, err := sarama.NewSyncProducer(strings.Split(brokers, ","), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect kafka producer: %w", err)
	}
	return &Producer{producer: p, topic: topic, runID: runID}, nil
}

// Publish implements the progress sink.
func (p *Producer) Publish(_ context.Context, completed, total int) error {
	if p == nil {
		return nil
	}

	data, err := json.Marshal(ProgressMessage{
		RunID:     p.runID,
		Completed: completed,
		Total:     total,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(p.runID),
		Value: sarama.ByteEncoder(data),
	}
	_, _, err = p.producer.SendMessage(msg)
	return err
}

// Close shuts the underlying producer down.
func (p *Producer) Close() error {
	if p == nil {
		return nil
	}
	return p.producer.Close()
}
