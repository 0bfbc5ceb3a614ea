package store

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/model"
)

// Memory is an in-process Store. It is used for local runs and as the test
// double for everything above the store port.
type Memory struct {
	Hub

	mu   sync.RWMutex
	docs map[Path]Document
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[Path]Document)}
}

func (m *Memory) Read(ctx context.Context, userID string) (model.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return model.Snapshot{}, err
	}
	snap := model.Snapshot{UserID: userID, Categories: make(map[model.Category][]model.Appointment)}

	m.mu.RLock()
	for p, doc := range m.docs {
		if p.UserID != userID {
			continue
		}
		snap.Categories[p.Category] = append(snap.Categories[p.Category], model.FromDocument(userID, p.Category, p.AppointmentID, doc))
	}
	m.mu.RUnlock()

	for _, appts := range snap.Categories {
		sort.Slice(appts, func(i, j int) bool { return appts[i].ID < appts[j].ID })
	}
	return snap, nil
}

func (m *Memory) Subscribe(ctx context.Context, path Path, onChange func(Event)) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := path.Validate(); err != nil {
		return nil, err
	}
	return m.Add(path, onChange), nil
}

func (m *Memory) Write(ctx context.Context, path Path, doc Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := path.Validate(); err != nil {
		return err
	}
	if !path.IsDocument() {
		return ErrInvalidPath
	}
	stored := maps.Clone(doc)
	if stored == nil {
		stored = Document{}
	}

	m.mu.Lock()
	m.docs[path] = stored
	m.mu.Unlock()

	m.Publish(Event{Path: path, Kind: EventPut, Document: maps.Clone(stored)})
	return nil
}

func (m *Memory) Delete(ctx context.Context, path Path) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !path.IsDocument() {
		return ErrInvalidPath
	}

	m.mu.Lock()
	_, ok := m.docs[path]
	delete(m.docs, path)
	m.mu.Unlock()

	// Deleting a missing document succeeds, as in the remote store.
	if !ok {
		return nil
	}
	m.Publish(Event{Path: path, Kind: EventDelete})
	return nil
}

// Get returns a copy of the document at path.
func (m *Memory) Get(path Path) (Document, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[path]
	return maps.Clone(doc), ok
}
