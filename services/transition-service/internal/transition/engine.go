package transition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	otelx "github.com/md-rashed-zaman/mentorflow/libs/otel"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/model"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrSubscription wraps failures of the store's read or watch channel.
var ErrSubscription = errors.New("store subscription failed")

// ErrClosed is returned by Activate after Close.
var ErrClosed = errors.New("engine closed")

// ErrLockHeld is wrapped by Locker errors that mean another instance is
// mid-pass for the user. A triggered pass that hits it is retried.
var ErrLockHeld = errors.New("pass lock held by another instance")

// Locker serializes passes for one user across processes. Lock returns a
// release func, or an error when the pass must not run.
type Locker interface {
	Lock(ctx context.Context, userID string) (func(context.Context) error, error)
}

type Config struct {
	Location *time.Location
	Now      func() time.Time
	Locker   Locker
	// HeldRetryDelay and HeldRetries bound how a triggered pass that found
	// the lock held is retried before the user is left to the sweep.
	HeldRetryDelay time.Duration
	HeldRetries    int
	// DisableWatches skips the rearm step; one-shot tools use it.
	DisableWatches bool
	// OnChange observes every watched event before the engine reacts to it.
	OnChange func(store.Event)
}

// PassReport summarizes one activation.
type PassReport struct {
	PassID    string
	UserID    string
	StartedAt time.Time
	Moves     []MoveResult
	Rearmed   bool
}

func (r PassReport) Applied() int {
	n := 0
	for _, m := range r.Moves {
		if m.OK() {
			n++
		}
	}
	return n
}

func (r PassReport) Failed() int {
	return len(r.Moves) - r.Applied()
}

func (r PassReport) Duplicates() int {
	n := 0
	for _, m := range r.Moves {
		if m.Duplicate() {
			n++
		}
	}
	return n
}

// Engine runs reconcile passes against a Store. At most one pass per user is
// in flight in this process; different users proceed concurrently.
type Engine struct {
	store   store.Store
	applier *Applier
	logger  *slog.Logger
	cfg     Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	users  map[string]*userSlot
	closed bool
}

type userSlot struct {
	// sem is held for the duration of a pass.
	sem chan struct{}
	// pending is set while a triggered pass waits for sem; guarded by Engine.mu.
	pending bool
	// watches is only touched by the sem holder.
	watches []store.Subscription
	// heldRetries counts consecutive ErrLockHeld retries; guarded by Engine.mu.
	heldRetries int
}

func NewEngine(st store.Store, applier *Applier, logger *slog.Logger, cfg Config) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HeldRetryDelay <= 0 {
		cfg.HeldRetryDelay = 2 * time.Second
	}
	if cfg.HeldRetries <= 0 {
		cfg.HeldRetries = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:   st,
		applier: applier,
		logger:  logger,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		users:   make(map[string]*userSlot),
	}
}

// Activate runs one full pass for userID: read, reconcile, apply, rearm. A
// call for a user whose pass is in flight waits for that pass to finish.
func (e *Engine) Activate(ctx context.Context, userID string) (PassReport, error) {
	slot, err := e.slot(userID)
	if err != nil {
		return PassReport{UserID: userID}, err
	}
	select {
	case slot.sem <- struct{}{}:
	case <-ctx.Done():
		return PassReport{UserID: userID}, ctx.Err()
	case <-e.ctx.Done():
		return PassReport{UserID: userID}, ErrClosed
	}
	defer func() { <-slot.sem }()

	return e.pass(ctx, userID, slot)
}

// Trigger schedules a pass for userID without blocking. Triggers that arrive
// while a pass is queued collapse into it; a trigger that arrives while a pass
// is running queues exactly one follow-up.
func (e *Engine) Trigger(userID string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	slot := e.slotLocked(userID)
	if slot.pending {
		e.mu.Unlock()
		return
	}
	slot.pending = true
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		select {
		case slot.sem <- struct{}{}:
		case <-e.ctx.Done():
			return
		}
		defer func() { <-slot.sem }()

		e.mu.Lock()
		slot.pending = false
		e.mu.Unlock()

		_, err := e.pass(e.ctx, userID, slot)
		if errors.Is(err, ErrLockHeld) {
			e.retryHeld(userID, slot)
			return
		}
		e.mu.Lock()
		slot.heldRetries = 0
		e.mu.Unlock()
		if err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("triggered pass failed", "err", err, "user_id", userID)
		}
	}()
}

// retryHeld re-triggers userID after HeldRetryDelay, at most HeldRetries times
// in a row.
func (e *Engine) retryHeld(userID string, slot *userSlot) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if slot.heldRetries >= e.cfg.HeldRetries {
		slot.heldRetries = 0
		e.mu.Unlock()
		e.logger.Warn("pass lock still held, leaving user to the sweep", "user_id", userID, "retries", e.cfg.HeldRetries)
		return
	}
	slot.heldRetries++
	e.mu.Unlock()
	e.logger.Debug("pass lock held, retrying", "user_id", userID, "delay", e.cfg.HeldRetryDelay)
	time.AfterFunc(e.cfg.HeldRetryDelay, func() { e.Trigger(userID) })
}

// Plan reads the user's snapshot and returns the moves a pass would make now,
// without applying them.
func (e *Engine) Plan(ctx context.Context, userID string) ([]model.MoveOp, error) {
	snap, err := e.store.Read(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrSubscription, userID, err)
	}
	return Reconcile(userID, e.cfg.Now(), e.cfg.Location, snap.Upcoming(), snap.Progress()), nil
}

// Users returns every user the engine has activated or been triggered for.
func (e *Engine) Users() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.users))
	for id := range e.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Watching reports whether userID currently has armed watches.
func (e *Engine) Watching(userID string) bool {
	e.mu.Lock()
	slot, ok := e.users[userID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case slot.sem <- struct{}{}:
		defer func() { <-slot.sem }()
		return len(slot.watches) > 0
	default:
		// A pass is running and will rearm when it finishes.
		return true
	}
}

// Close stops triggered passes, waits for them and closes every watch.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()

	e.mu.Lock()
	slots := make([]*userSlot, 0, len(e.users))
	for _, s := range e.users {
		slots = append(slots, s)
	}
	e.mu.Unlock()

	for _, s := range slots {
		s.sem <- struct{}{}
		disarm(s)
		<-s.sem
	}
}

func (e *Engine) slot(userID string) (*userSlot, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	return e.slotLocked(userID), nil
}

func (e *Engine) slotLocked(userID string) *userSlot {
	s, ok := e.users[userID]
	if !ok {
		s = &userSlot{sem: make(chan struct{}, 1)}
		e.users[userID] = s
	}
	return s
}

// pass must be called with slot.sem held.
func (e *Engine) pass(ctx context.Context, userID string, slot *userSlot) (PassReport, error) {
	report := PassReport{
		PassID:    uuid.NewString(),
		UserID:    userID,
		StartedAt: e.cfg.Now(),
	}

	ctx, span := otelx.Tracer("transition").Start(ctx, "transition.activate",
		trace.WithAttributes(
			attribute.String("user_id", userID),
			attribute.String("pass_id", report.PassID),
		),
	)
	defer span.End()

	if e.cfg.Locker != nil {
		release, err := e.cfg.Locker.Lock(ctx, userID)
		if err != nil {
			span.SetStatus(codes.Error, "lock")
			return report, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				e.logger.Warn("pass lock release failed", "err", err, "user_id", userID)
			}
		}()
	}

	// Our own moves must not wake the watches of the previous pass.
	disarm(slot)

	snap, err := e.store.Read(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read")
		return report, fmt.Errorf("%w: read %s: %w", ErrSubscription, userID, err)
	}

	moves := Reconcile(userID, report.StartedAt, e.cfg.Location, snap.Upcoming(), snap.Progress())
	report.Moves = e.applier.Apply(ctx, moves)

	// A closed engine must not leave fresh watches behind.
	if !e.cfg.DisableWatches && e.ctx.Err() == nil {
		if err := e.rearmWatches(ctx, userID, slot); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "rearm")
			e.logPass(ctx, report)
			return report, err
		}
		report.Rearmed = true
	}

	span.SetAttributes(
		attribute.Int("moves", len(report.Moves)),
		attribute.Int("failed", report.Failed()),
	)
	e.logPass(ctx, report)
	return report, nil
}

// rearmWatches subscribes to every category of userID. It runs once per pass,
// after every move reached a terminal state.
func (e *Engine) rearmWatches(ctx context.Context, userID string, slot *userSlot) error {
	subs := make([]store.Subscription, 0, len(model.Categories))
	for _, c := range model.Categories {
		sub, err := e.store.Subscribe(ctx, store.CategoryPath(userID, c), e.onChange)
		if err != nil {
			for _, s := range subs {
				_ = s.Close()
			}
			return fmt.Errorf("%w: watch %s: %w", ErrSubscription, store.CategoryPath(userID, c), err)
		}
		subs = append(subs, sub)
	}
	slot.watches = subs
	return nil
}

func (e *Engine) onChange(ev store.Event) {
	if e.cfg.OnChange != nil {
		e.cfg.OnChange(ev)
	}
	if ev.Path.Category.Terminal() {
		return
	}
	e.logger.Debug("watched change", "path", ev.Path.String(), "kind", ev.Kind)
	e.Trigger(ev.Path.UserID)
}

func disarm(slot *userSlot) {
	for _, s := range slot.watches {
		_ = s.Close()
	}
	slot.watches = nil
}

func (e *Engine) logPass(ctx context.Context, r PassReport) {
	if len(r.Moves) == 0 {
		e.logger.Debug("pass complete", "user_id", r.UserID, "pass_id", r.PassID, "rearmed", r.Rearmed)
		return
	}
	e.logger.Info("pass complete",
		"user_id", r.UserID,
		"pass_id", r.PassID,
		"trace_id", otelx.TraceID(ctx),
		"moves", len(r.Moves),
		"applied", r.Applied(),
		"failed", r.Failed(),
		"duplicates", r.Duplicates(),
		"rearmed", r.Rearmed,
	)
}
