// Package ingest moves driver location pings over Kafka between the API and
// the location consumer.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/models"
)

var ErrInvalidSample = errors.New("invalid location sample")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer  messageWriter
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

// PublishLocation writes s keyed by driver id.
func (k *KafkaProducer) PublishLocation(ctx context.Context, s models.LocationSample) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(s.DriverID), Value: b, Time: s.CapturedAt})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DecodeLocation parses and validates one ping.
func DecodeLocation(b []byte) (models.LocationSample, error) {
	var s models.LocationSample
	if err := json.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("%w: %v", ErrInvalidSample, err)
	}
	if s.DriverID == "" {
		return s, fmt.Errorf("%w: missing driverId", ErrInvalidSample)
	}
	if !geo.Valid(s.Loc) {
		return s, fmt.Errorf("%w: coordinates out of range", ErrInvalidSample)
	}
	if s.CapturedAt.IsZero() {
		s.CapturedAt = time.Now()
	}
	return s, nil
}
