package transition

import (
	"time"

	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/model"
)

// Reconcile decides which of a user's appointments change category at now.
// It performs no I/O. Moves are returned in input order, upcoming first.
//
// An upcoming appointment whose window already closed goes straight to
// feedback; it is never routed through progress.
func Reconcile(userID string, now time.Time, loc *time.Location, upcoming, progress []model.Appointment) []model.MoveOp {
	var moves []model.MoveOp

	for _, appt := range upcoming {
		start, end := appt.Window(loc)
		switch {
		case !now.Before(start) && !now.After(end):
			moves = append(moves, move(userID, model.CategoryUpcoming, model.CategoryProgress, appt))
		case end.Before(now):
			moves = append(moves, move(userID, model.CategoryUpcoming, model.CategoryFeedback, appt))
		}
	}

	for _, appt := range progress {
		_, end := appt.Window(loc)
		if end.Before(now) {
			moves = append(moves, move(userID, model.CategoryProgress, model.CategoryFeedback, appt))
		}
	}

	return moves
}

func move(userID string, from, to model.Category, appt model.Appointment) model.MoveOp {
	appt.UserID = userID
	appt.Category = from
	return model.MoveOp{UserID: userID, From: from, To: to, Appointment: appt}
}
