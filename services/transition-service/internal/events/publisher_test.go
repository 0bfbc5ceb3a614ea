package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/md-rashed-zaman/mentorflow/libs/kafkax"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/model"
	"github.com/segmentio/kafka-go"
)

type captureWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublishMoved(t *testing.T) {
	w := &captureWriter{}
	p := &Publisher{writer: w, topic: MovedEventType}

	mv := model.MoveOp{
		UserID:      "u-1",
		From:        model.CategoryUpcoming,
		To:          model.CategoryFeedback,
		Appointment: model.Appointment{ID: "a-1"},
	}
	movedAt := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	if err := p.PublishMoved(context.Background(), mv, movedAt); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "u-1" {
		t.Fatalf("expected user key, got %q", msg.Key)
	}
	meta := kafkax.ExtractEventMeta(msg)
	if meta.EventType != MovedEventType || meta.EventID == "" {
		t.Fatalf("unexpected meta %+v", meta)
	}

	var got Moved
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := Moved{UserID: "u-1", AppointmentID: "a-1", From: "upcoming", To: "feedback", MovedAt: "2024-01-02T09:00:00Z"}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}

	_ = p.Close()
	if !w.closed {
		t.Fatalf("expected writer to be closed")
	}
}
