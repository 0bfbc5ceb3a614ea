package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/model"
)

const usersNode = "users"

var (
	ErrNotFound     = errors.New("document not found")
	ErrInvalidPath  = errors.New("invalid store path")
	ErrNotListening = errors.New("store change feed is not running")
)

type Document map[string]any

// Store is the remote hierarchical document store. Write and Delete are atomic
// for a single document; nothing is atomic across documents.
type Store interface {
	// Read returns every appointment of userID, grouped by category.
	Read(ctx context.Context, userID string) (model.Snapshot, error)
	// Subscribe delivers changes under path until the subscription is closed.
	// The current contents are not replayed.
	Subscribe(ctx context.Context, path Path, onChange func(Event)) (Subscription, error)
	Write(ctx context.Context, path Path, doc Document) error
	Delete(ctx context.Context, path Path) error
}

type Subscription interface {
	Close() error
}

type EventKind string

const (
	EventPut    EventKind = "put"
	EventDelete EventKind = "delete"
)

// Event describes one document change. Document may be nil when the backing
// feed only carries keys.
type Event struct {
	Path     Path
	Kind     EventKind
	Document Document
}

// Path addresses users/{userId}/{category}/{appointmentId}. An empty
// AppointmentID addresses the whole category.
type Path struct {
	UserID        string
	Category      model.Category
	AppointmentID string
}

func DocumentPath(userID string, category model.Category, appointmentID string) Path {
	return Path{UserID: userID, Category: category, AppointmentID: appointmentID}
}

func CategoryPath(userID string, category model.Category) Path {
	return Path{UserID: userID, Category: category}
}

func (p Path) String() string {
	s := usersNode + "/" + p.UserID + "/" + string(p.Category)
	if p.AppointmentID != "" {
		s += "/" + p.AppointmentID
	}
	return s
}

// IsDocument reports whether p names a single appointment.
func (p Path) IsDocument() bool {
	return p.AppointmentID != ""
}

// Contains reports whether other is p itself or lies beneath it.
func (p Path) Contains(other Path) bool {
	if p.UserID != other.UserID || p.Category != other.Category {
		return false
	}
	return p.AppointmentID == "" || p.AppointmentID == other.AppointmentID
}

func (p Path) Validate() error {
	if p.UserID == "" || strings.Contains(p.UserID, "/") {
		return fmt.Errorf("%w: user id %q", ErrInvalidPath, p.UserID)
	}
	if _, err := model.ParseCategory(string(p.Category)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if strings.Contains(p.AppointmentID, "/") {
		return fmt.Errorf("%w: appointment id %q", ErrInvalidPath, p.AppointmentID)
	}
	return nil
}

func ParsePath(raw string) (Path, error) {
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) < 3 || len(parts) > 4 || parts[0] != usersNode {
		return Path{}, fmt.Errorf("%w: %q", ErrInvalidPath, raw)
	}
	p := Path{UserID: parts[1], Category: model.Category(parts[2])}
	if len(parts) == 4 {
		if parts[3] == "" {
			return Path{}, fmt.Errorf("%w: %q", ErrInvalidPath, raw)
		}
		p.AppointmentID = parts[3]
	}
	if err := p.Validate(); err != nil {
		return Path{}, err
	}
	return p, nil
}
