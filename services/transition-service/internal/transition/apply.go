package transition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	otelx "github.com/md-rashed-zaman/mentorflow/libs/otel"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/model"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrWrite means the destination write failed; the source is untouched.
	ErrWrite = errors.New("move write failed")
	// ErrDelete means the destination was written but the source could not
	// be removed, leaving the appointment visible in both categories.
	ErrDelete = errors.New("move delete failed")
)

type Stage string

const (
	StageDone   Stage = "done"
	StageWrite  Stage = "write"
	StageDelete Stage = "delete"
)

type MoveResult struct {
	Move  model.MoveOp
	Stage Stage
	Err   error
}

func (r MoveResult) OK() bool { return r.Err == nil }

// Duplicate reports the accepted partial failure where the appointment now
// exists under both categories.
func (r MoveResult) Duplicate() bool { return errors.Is(r.Err, ErrDelete) }

// Publisher announces completed moves. Publishing is best effort.
type Publisher interface {
	PublishMoved(ctx context.Context, mv model.MoveOp, movedAt time.Time) error
}

type Applier struct {
	store       store.Store
	publisher   Publisher
	logger      *slog.Logger
	concurrency int
	now         func() time.Time
}

type ApplierConfig struct {
	Concurrency int
	Publisher   Publisher
	Now         func() time.Time
}

func NewApplier(st store.Store, logger *slog.Logger, cfg ApplierConfig) *Applier {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Applier{
		store:       st,
		publisher:   cfg.Publisher,
		logger:      logger,
		concurrency: cfg.Concurrency,
		now:         cfg.Now,
	}
}

// Apply attempts every move and returns one result per move, in move order.
// Moves run in parallel; within a move the write always precedes the delete.
// Apply returns only after every move reached a terminal state.
func (a *Applier) Apply(ctx context.Context, moves []model.MoveOp) []MoveResult {
	results := make([]MoveResult, len(moves))
	if len(moves) == 0 {
		return results
	}

	ctx, span := otelx.Tracer("transition").Start(ctx, "transition.apply",
		trace.WithAttributes(attribute.Int("moves", len(moves))),
	)
	defer span.End()

	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, mv := range moves {
		g.Go(func() error {
			results[i] = a.applyOne(ctx, mv)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.Err != nil {
			span.RecordError(r.Err)
		}
	}
	return results
}

func (a *Applier) applyOne(ctx context.Context, mv model.MoveOp) MoveResult {
	src := store.DocumentPath(mv.UserID, mv.From, mv.Appointment.ID)
	dst := store.DocumentPath(mv.UserID, mv.To, mv.Appointment.ID)

	if err := a.store.Write(ctx, dst, mv.Appointment.Document()); err != nil {
		a.logger.Warn("move write failed", "err", err, "user_id", mv.UserID, "appointment_id", mv.Appointment.ID, "from", mv.From, "to", mv.To)
		return MoveResult{Move: mv, Stage: StageWrite, Err: fmt.Errorf("%w: %s: %w", ErrWrite, dst, err)}
	}
	if err := a.store.Delete(ctx, src); err != nil {
		a.logger.Error("move delete failed, appointment duplicated", "err", err, "user_id", mv.UserID, "appointment_id", mv.Appointment.ID, "from", mv.From, "to", mv.To)
		return MoveResult{Move: mv, Stage: StageDelete, Err: fmt.Errorf("%w: %s: %w", ErrDelete, src, err)}
	}

	if a.publisher != nil {
		if err := a.publisher.PublishMoved(ctx, mv, a.now().UTC()); err != nil {
			a.logger.Warn("move event publish failed", "err", err, "user_id", mv.UserID, "appointment_id", mv.Appointment.ID)
		}
	}
	return MoveResult{Move: mv, Stage: StageDone}
}
