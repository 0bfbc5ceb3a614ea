package inbox

import (
	"context"
	"testing"
)

func TestMemoryDedupes(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2)

	if ok, _ := m.Record(ctx, "e-1", "t"); !ok {
		t.Fatalf("first record should be new")
	}
	if ok, _ := m.Record(ctx, "e-1", "t"); ok {
		t.Fatalf("second record should be a duplicate")
	}

	_, _ = m.Record(ctx, "e-2", "t")
	_, _ = m.Record(ctx, "e-3", "t")
	if ok, _ := m.Record(ctx, "e-1", "t"); !ok {
		t.Fatalf("oldest id should have been evicted")
	}
}
