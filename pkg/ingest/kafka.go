// Package ingest feeds events produced by other services into the emitter.
// Producers publish JSON envelopes to a Kafka topic:
//
//	{"workspaceId":42,"type":"alert_created","data":{"alertId":7,...}}
//
// Each envelope is decoded through the same tagged union the broker speaks,
// so an unknown type or a malformed body is skipped rather than forwarded.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/rubiojr/netpulse/pkg/log"
	"github.com/rubiojr/netpulse/pkg/realtime"
)

var logger = log.ForService("ingest")

const readErrorBackoff = 500 * time.Millisecond

// Dispatcher receives decoded events.
type Dispatcher interface {
	Dispatch(workspace int64, p realtime.Payload) (int, error)
}

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type KafkaConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	MaxWait time.Duration
}

// KafkaConsumer reads envelopes from a topic and dispatches them.
type KafkaConsumer struct {
	reader     MessageReader
	dispatcher Dispatcher
}

func NewKafkaConsumer(cfg KafkaConsumerConfig, d Dispatcher) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers list is empty")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka group id is required")
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = 500 * time.Millisecond
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		StartOffset: kafka.LastOffset,
		MaxWait:     maxWait,
	})
	return NewConsumerWithReader(reader, d), nil
}

// NewConsumerWithReader builds a consumer around an existing reader.
func NewConsumerWithReader(r MessageReader, d Dispatcher) *KafkaConsumer {
	return &KafkaConsumer{reader: r, dispatcher: d}
}

// Run consumes until ctx is cancelled. Read errors are retried after a short
// pause; bad envelopes are logged and skipped.
func (c *KafkaConsumer) Run(ctx context.Context) {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			logger.Warnf("kafka read failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(readErrorBackoff):
			}
			continue
		}

		workspace, payload, err := DecodeEnvelope(msg.Value)
		if err != nil {
			logger.Warnf("skipping message at %s/%d offset %d: %v", msg.Topic, msg.Partition, msg.Offset, err)
			continue
		}
		n, err := c.dispatcher.Dispatch(workspace, payload)
		if err != nil {
			logger.Warnf("dispatch %s to workspace %d: %v", payload.EventType(), workspace, err)
			continue
		}
		logger.Debugf("%s for workspace %d delivered to %d subscribers", payload.EventType(), workspace, n)
	}
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

type envelope struct {
	WorkspaceID int64           `json:"workspaceId"`
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data"`
}

// DecodeEnvelope parses one Kafka message value.
func DecodeEnvelope(value []byte) (int64, realtime.Payload, error) {
	var env envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return 0, nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.WorkspaceID <= 0 {
		return 0, nil, fmt.Errorf("invalid workspace id %d", env.WorkspaceID)
	}
	t, err := realtime.ParseEventType(env.Type)
	if err != nil {
		return 0, nil, err
	}
	p, err := realtime.DecodePayload(t, env.Data)
	if err != nil {
		return 0, nil, err
	}
	return env.WorkspaceID, p, nil
}
