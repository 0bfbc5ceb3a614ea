package kafkax

import (
	"testing"

	"github.com/segmentio/kafka-go"
)

func TestExtractEventMetaFallsBackToKeyAndTopic(t *testing.T) {
	meta := ExtractEventMeta(kafka.Message{Topic: "mentor.app.opened.v1", Key: []byte("user-1")})
	if meta.EventID != "user-1" || meta.EventType != "mentor.app.opened.v1" {
		t.Fatalf("unexpected meta: %+v", meta)
	}
}

func TestEventMetaHeadersRoundTrip(t *testing.T) {
	in := EventMeta{EventID: "evt-1", EventType: "appointment.moved.v1"}
	out := ExtractEventMeta(kafka.Message{Topic: "other", Headers: in.Headers()})
	if out != in {
		t.Fatalf("expected %+v, got %+v", in, out)
	}
}

func TestSplitBrokers(t *testing.T) {
	got := SplitBrokers(" kafka-1:9092, ,kafka-2:9092 ")
	if len(got) != 2 || got[0] != "kafka-1:9092" || got[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers: %v", got)
	}
}
