package transition

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/model"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/store"
)

var errBoom = errors.New("boom")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// flakyStore wraps a Memory store, records every call and fails the paths it
// is told to fail.
type flakyStore struct {
	*store.Memory

	mu          sync.Mutex
	ops         []string
	failWrite   map[store.Path]bool
	failDelete  map[store.Path]bool
	failRead    error
	failWatch   error
	readGate    chan struct{}
	reads       int
	subscribeNs int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{
		Memory:     store.NewMemory(),
		failWrite:  map[store.Path]bool{},
		failDelete: map[store.Path]bool{},
	}
}

func (s *flakyStore) record(op string) {
	s.mu.Lock()
	s.ops = append(s.ops, op)
	s.mu.Unlock()
}

func (s *flakyStore) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

func (s *flakyStore) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func (s *flakyStore) Read(ctx context.Context, userID string) (model.Snapshot, error) {
	s.mu.Lock()
	s.reads++
	gate := s.readGate
	failRead := s.failRead
	s.mu.Unlock()
	s.record("read " + userID)

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return model.Snapshot{}, ctx.Err()
		}
	}
	if failRead != nil {
		return model.Snapshot{}, failRead
	}
	return s.Memory.Read(ctx, userID)
}

func (s *flakyStore) Subscribe(ctx context.Context, path store.Path, onChange func(store.Event)) (store.Subscription, error) {
	s.record("subscribe " + path.String())
	s.mu.Lock()
	s.subscribeNs++
	failWatch := s.failWatch
	s.mu.Unlock()
	if failWatch != nil {
		return nil, failWatch
	}
	return s.Memory.Subscribe(ctx, path, onChange)
}

func (s *flakyStore) Write(ctx context.Context, path store.Path, doc store.Document) error {
	s.record("write " + path.String())
	s.mu.Lock()
	fail := s.failWrite[path]
	s.mu.Unlock()
	if fail {
		return errBoom
	}
	return s.Memory.Write(ctx, path, doc)
}

func (s *flakyStore) Delete(ctx context.Context, path store.Path) error {
	s.record("delete " + path.String())
	s.mu.Lock()
	fail := s.failDelete[path]
	s.mu.Unlock()
	if fail {
		return errBoom
	}
	return s.Memory.Delete(ctx, path)
}

func seed(s *flakyStore, userID string, category model.Category, a model.Appointment) {
	_ = s.Memory.Write(context.Background(), store.DocumentPath(userID, category, a.ID), a.Document())
}

type recordingPublisher struct {
	mu    sync.Mutex
	moved []model.MoveOp
	err   error
}

func (p *recordingPublisher) PublishMoved(_ context.Context, mv model.MoveOp, _ time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.moved = append(p.moved, mv)
	return p.err
}

func (p *recordingPublisher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.moved)
}
