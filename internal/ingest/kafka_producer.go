package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/carpool-matching/internal/models"
)

// LocationUpdate is the wire message carried on the location topic.
// Coords is nil when the driver stopped sharing.
type LocationUpdate struct {
	DriverID string        `json:"driver_id"`
	Coords   *models.Coord `json:"coords,omitempty"`
	At       time.Time     `json:"at"`
}

// KafkaProducer streams offer location updates to the topic the
// consumer process applies from. Optional: when no brokers are
// configured the API applies locations directly.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishLocation(u LocationUpdate) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(u.DriverID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
