package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/mentorflow/libs/kafkax"
	otelx "github.com/md-rashed-zaman/mentorflow/libs/otel"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/model"
	"github.com/segmentio/kafka-go"
)

const MovedEventType = "appointment.moved.v1"

// Moved is the payload of MovedEventType.
type Moved struct {
	UserID        string `json:"user_id"`
	AppointmentID string `json:"appointment_id"`
	From          string `json:"from"`
	To            string `json:"to"`
	MovedAt       string `json:"moved_at"`
	// Traceparent repeats the trace header for consumers that only read the body.
	Traceparent string `json:"traceparent,omitempty"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes one Kafka message per completed move, keyed by user so a
// user's moves stay ordered within a partition.
type Publisher struct {
	writer messageWriter
	topic  string
}

type PublisherConfig struct {
	Brokers string
	Topic   string
}

func NewPublisher(cfg PublisherConfig) *Publisher {
	if cfg.Topic == "" {
		cfg.Topic = MovedEventType
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(kafkax.SplitBrokers(cfg.Brokers)...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           50 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		topic: cfg.Topic,
	}
}

func (p *Publisher) PublishMoved(ctx context.Context, mv model.MoveOp, movedAt time.Time) error {
	payload, err := json.Marshal(Moved{
		UserID:        mv.UserID,
		AppointmentID: mv.Appointment.ID,
		From:          string(mv.From),
		To:            string(mv.To),
		MovedAt:       movedAt.UTC().Format(time.RFC3339),
		Traceparent:   otelx.Traceparent(ctx),
	})
	if err != nil {
		return err
	}
	meta := kafkax.EventMeta{EventID: uuid.NewString(), EventType: MovedEventType}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(mv.UserID),
		Value:   payload,
		Headers: kafkax.InjectTraceHeaders(ctx, meta.Headers()),
	})
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
