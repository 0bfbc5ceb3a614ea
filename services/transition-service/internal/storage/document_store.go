package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/md-rashed-zaman/mentorflow/libs/db"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/model"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/store"
)

// NotifyChannel carries one JSON notification per document change.
const NotifyChannel = "appointment_documents"

// Schema creates the document table, its change trigger and the consumer
// inbox. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS appointment_documents (
	user_id        text        NOT NULL,
	category       text        NOT NULL CHECK (category IN ('upcoming', 'progress', 'feedback')),
	appointment_id text        NOT NULL,
	body           jsonb       NOT NULL DEFAULT '{}'::jsonb,
	updated_at     timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, category, appointment_id)
);

CREATE OR REPLACE FUNCTION notify_appointment_document() RETURNS trigger AS $$
BEGIN
	IF TG_OP = 'DELETE' THEN
		PERFORM pg_notify('appointment_documents', json_build_object(
			'user_id', OLD.user_id, 'category', OLD.category, 'appointment_id', OLD.appointment_id, 'op', 'delete')::text);
		RETURN OLD;
	END IF;
	PERFORM pg_notify('appointment_documents', json_build_object(
		'user_id', NEW.user_id, 'category', NEW.category, 'appointment_id', NEW.appointment_id, 'op', 'put')::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS appointment_documents_notify ON appointment_documents;
CREATE TRIGGER appointment_documents_notify
	AFTER INSERT OR UPDATE OR DELETE ON appointment_documents
	FOR EACH ROW EXECUTE FUNCTION notify_appointment_document();

CREATE TABLE IF NOT EXISTS inbox_events (
	event_id    text        PRIMARY KEY,
	event_type  text        NOT NULL,
	received_at timestamptz NOT NULL DEFAULT now()
);
`

// DocumentStore keeps appointment documents in Postgres, one row per
// users/{userId}/{category}/{appointmentId} path. Watches are fed by
// LISTEN/NOTIFY, so Run must be running for Subscribe to succeed.
type DocumentStore struct {
	store.Hub

	pool      *db.Pool
	logger    *slog.Logger
	listening atomic.Bool
}

func NewDocumentStore(pool *db.Pool, logger *slog.Logger) *DocumentStore {
	return &DocumentStore{pool: pool, logger: logger}
}

func (s *DocumentStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *DocumentStore) Read(ctx context.Context, userID string) (model.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT category, appointment_id, body
		FROM appointment_documents
		WHERE user_id = $1
		ORDER BY category, appointment_id
	`, userID)
	if err != nil {
		return model.Snapshot{}, err
	}
	defer rows.Close()

	snap := model.Snapshot{UserID: userID, Categories: make(map[model.Category][]model.Appointment)}
	for rows.Next() {
		var category, appointmentID string
		var raw []byte
		if err := rows.Scan(&category, &appointmentID, &raw); err != nil {
			return model.Snapshot{}, err
		}
		c, err := model.ParseCategory(category)
		if err != nil {
			return model.Snapshot{}, err
		}
		doc := map[string]any{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &doc); err != nil {
				return model.Snapshot{}, fmt.Errorf("decode %s: %w", store.DocumentPath(userID, c, appointmentID), err)
			}
		}
		snap.Categories[c] = append(snap.Categories[c], model.FromDocument(userID, c, appointmentID, doc))
	}
	if rows.Err() != nil {
		return model.Snapshot{}, rows.Err()
	}
	return snap, nil
}

// Write upserts the document at path in a single statement.
func (s *DocumentStore) Write(ctx context.Context, path store.Path, doc store.Document) error {
	if err := path.Validate(); err != nil {
		return err
	}
	if !path.IsDocument() {
		return store.ErrInvalidPath
	}
	if doc == nil {
		doc = store.Document{}
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO appointment_documents (user_id, category, appointment_id, body)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, category, appointment_id) DO UPDATE
		SET body = EXCLUDED.body,
			updated_at = now()
	`, path.UserID, string(path.Category), path.AppointmentID, body)
	return err
}

// Delete removes the document at path. A missing row is not an error.
func (s *DocumentStore) Delete(ctx context.Context, path store.Path) error {
	if err := path.Validate(); err != nil {
		return err
	}
	if !path.IsDocument() {
		return store.ErrInvalidPath
	}
	_, err := s.pool.Exec(ctx, `
		DELETE FROM appointment_documents
		WHERE user_id = $1 AND category = $2 AND appointment_id = $3
	`, path.UserID, string(path.Category), path.AppointmentID)
	return err
}

func (s *DocumentStore) Subscribe(_ context.Context, path store.Path, onChange func(store.Event)) (store.Subscription, error) {
	if err := path.Validate(); err != nil {
		return nil, err
	}
	if !s.listening.Load() {
		return nil, store.ErrNotListening
	}
	return s.Add(path, onChange), nil
}

// Run holds a LISTEN connection and dispatches notifications to subscribers
// until ctx is done. A lost connection is re-established after a pause.
func (s *DocumentStore) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if err := s.listen(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("document change feed failed", "err", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

func (s *DocumentStore) listen(ctx context.Context) error {
	conn, err := s.pool.Listen(ctx, NotifyChannel)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = conn.Exec(context.WithoutCancel(ctx), "UNLISTEN *")
		conn.Release()
	}()

	s.listening.Store(true)
	defer s.listening.Store(false)
	s.logger.Info("document change feed listening", "channel", NotifyChannel)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		ev, err := DecodeNotification(n.Payload)
		if err != nil {
			s.logger.Warn("ignoring malformed document notification", "err", err, "payload", n.Payload)
			continue
		}
		s.Publish(ev)
	}
}

type notification struct {
	UserID        string `json:"user_id"`
	Category      string `json:"category"`
	AppointmentID string `json:"appointment_id"`
	Op            string `json:"op"`
}

// DecodeNotification turns a trigger payload into a store event. The event
// carries no document body.
func DecodeNotification(payload string) (store.Event, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return store.Event{}, err
	}
	path := store.DocumentPath(n.UserID, model.Category(n.Category), n.AppointmentID)
	if err := path.Validate(); err != nil {
		return store.Event{}, err
	}
	if !path.IsDocument() {
		return store.Event{}, store.ErrInvalidPath
	}
	var kind store.EventKind
	switch n.Op {
	case "put":
		kind = store.EventPut
	case "delete":
		kind = store.EventDelete
	default:
		return store.Event{}, fmt.Errorf("unknown op %q", n.Op)
	}
	return store.Event{Path: path, Kind: kind}, nil
}
