package transition

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/model"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/store"
)

func moveOf(userID string, from, to model.Category, a model.Appointment) model.MoveOp {
	a.UserID = userID
	a.Category = from
	return model.MoveOp{UserID: userID, From: from, To: to, Appointment: a}
}

func TestApply_WritesThenDeletes(t *testing.T) {
	st := newFlakyStore()
	a := appt("a-1", "01/01/2024", "10:00", "11:00")
	a.Payload["mentor"] = "m-7"
	seed(st, "u-1", model.CategoryUpcoming, a)

	pub := &recordingPublisher{}
	applier := NewApplier(st, discardLogger(), ApplierConfig{Publisher: pub})
	results := applier.Apply(context.Background(), []model.MoveOp{moveOf("u-1", model.CategoryUpcoming, model.CategoryProgress, a)})

	if len(results) != 1 || !results[0].OK() || results[0].Stage != StageDone {
		t.Fatalf("unexpected results %+v", results)
	}
	ops := st.Ops()
	if len(ops) != 2 || ops[0] != "write users/u-1/progress/a-1" || ops[1] != "delete users/u-1/upcoming/a-1" {
		t.Fatalf("unexpected op order %v", ops)
	}
	doc, ok := st.Get(store.DocumentPath("u-1", model.CategoryProgress, "a-1"))
	if !ok || doc["mentor"] != "m-7" || doc["date"] != "01/01/2024" {
		t.Fatalf("payload not carried over: %v", doc)
	}
	if _, ok := st.Get(store.DocumentPath("u-1", model.CategoryUpcoming, "a-1")); ok {
		t.Fatalf("source still present")
	}
	if pub.Len() != 1 {
		t.Fatalf("expected one moved event, got %d", pub.Len())
	}
}

func TestApply_WriteFailureKeepsSource(t *testing.T) {
	st := newFlakyStore()
	a := appt("a-1", "01/01/2024", "10:00", "11:00")
	seed(st, "u-1", model.CategoryUpcoming, a)
	st.failWrite[store.DocumentPath("u-1", model.CategoryFeedback, "a-1")] = true

	pub := &recordingPublisher{}
	results := NewApplier(st, discardLogger(), ApplierConfig{Publisher: pub}).Apply(context.Background(),
		[]model.MoveOp{moveOf("u-1", model.CategoryUpcoming, model.CategoryFeedback, a)})

	r := results[0]
	if r.Stage != StageWrite || !errors.Is(r.Err, ErrWrite) || !errors.Is(r.Err, errBoom) {
		t.Fatalf("expected write failure, got %+v", r)
	}
	if r.Duplicate() {
		t.Fatalf("write failure is not a duplicate")
	}
	for _, op := range st.Ops() {
		if strings.HasPrefix(op, "delete") {
			t.Fatalf("source must not be deleted after a failed write: %v", st.Ops())
		}
	}
	if _, ok := st.Get(store.DocumentPath("u-1", model.CategoryUpcoming, "a-1")); !ok {
		t.Fatalf("source lost")
	}
	if pub.Len() != 0 {
		t.Fatalf("no event expected for a failed move")
	}
}

func TestApply_DeleteFailureLeavesDuplicate(t *testing.T) {
	st := newFlakyStore()
	a := appt("a-1", "01/01/2024", "10:00", "11:00")
	seed(st, "u-1", model.CategoryProgress, a)
	st.failDelete[store.DocumentPath("u-1", model.CategoryProgress, "a-1")] = true

	results := NewApplier(st, discardLogger(), ApplierConfig{}).Apply(context.Background(),
		[]model.MoveOp{moveOf("u-1", model.CategoryProgress, model.CategoryFeedback, a)})

	r := results[0]
	if r.Stage != StageDelete || !errors.Is(r.Err, ErrDelete) || !r.Duplicate() {
		t.Fatalf("expected delete failure, got %+v", r)
	}
	if _, ok := st.Get(store.DocumentPath("u-1", model.CategoryProgress, "a-1")); !ok {
		t.Fatalf("expected source copy to remain")
	}
	if _, ok := st.Get(store.DocumentPath("u-1", model.CategoryFeedback, "a-1")); !ok {
		t.Fatalf("expected destination copy")
	}
}

func TestApply_AttemptsEveryMove(t *testing.T) {
	st := newFlakyStore()
	var moves []model.MoveOp
	for i := 0; i < 20; i++ {
		a := appt(fmt.Sprintf("a-%02d", i), "01/01/2024", "10:00", "11:00")
		seed(st, "u-1", model.CategoryUpcoming, a)
		moves = append(moves, moveOf("u-1", model.CategoryUpcoming, model.CategoryFeedback, a))
	}
	st.failWrite[store.DocumentPath("u-1", model.CategoryFeedback, "a-03")] = true
	st.failDelete[store.DocumentPath("u-1", model.CategoryUpcoming, "a-07")] = true

	pub := &recordingPublisher{err: errBoom}
	results := NewApplier(st, discardLogger(), ApplierConfig{Concurrency: 3, Publisher: pub}).Apply(context.Background(), moves)

	if len(results) != len(moves) {
		t.Fatalf("expected %d results, got %d", len(moves), len(results))
	}
	for i, r := range results {
		if r.Move.Appointment.ID != moves[i].Appointment.ID {
			t.Fatalf("result %d out of order: %s", i, r.Move.Appointment.ID)
		}
		switch r.Move.Appointment.ID {
		case "a-03":
			if !errors.Is(r.Err, ErrWrite) {
				t.Fatalf("a-03: expected write failure, got %v", r.Err)
			}
		case "a-07":
			if !errors.Is(r.Err, ErrDelete) {
				t.Fatalf("a-07: expected delete failure, got %v", r.Err)
			}
		default:
			if !r.OK() {
				t.Fatalf("%s: unexpected failure %v", r.Move.Appointment.ID, r.Err)
			}
		}
	}
	// A failing publisher never fails the move.
	if pub.Len() != 18 {
		t.Fatalf("expected 18 moved events, got %d", pub.Len())
	}

	// Per move the write is always recorded before the delete.
	ops := st.Ops()
	for _, mv := range moves {
		w := indexOf(ops, "write "+store.DocumentPath("u-1", mv.To, mv.Appointment.ID).String())
		d := indexOf(ops, "delete "+store.DocumentPath("u-1", mv.From, mv.Appointment.ID).String())
		if w < 0 {
			t.Fatalf("%s: write not attempted", mv.Appointment.ID)
		}
		if d >= 0 && d < w {
			t.Fatalf("%s: delete before write", mv.Appointment.ID)
		}
	}
}

func TestApply_Empty(t *testing.T) {
	st := newFlakyStore()
	if got := NewApplier(st, discardLogger(), ApplierConfig{}).Apply(context.Background(), nil); len(got) != 0 {
		t.Fatalf("expected no results, got %+v", got)
	}
	if len(st.Ops()) != 0 {
		t.Fatalf("expected no store calls")
	}
}

func indexOf(ops []string, op string) int {
	for i, o := range ops {
		if o == op {
			return i
		}
	}
	return -1
}
