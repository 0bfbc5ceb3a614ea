package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/mentorflow/libs/httpx"
	otelx "github.com/md-rashed-zaman/mentorflow/libs/otel"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/lock"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/model"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/store"
	"github.com/md-rashed-zaman/mentorflow/services/transition-service/internal/transition"
)

type Engine interface {
	Activate(ctx context.Context, userID string) (transition.PassReport, error)
	Plan(ctx context.Context, userID string) ([]model.MoveOp, error)
}

type AdminHandler struct {
	engine Engine
	store  store.Store
	logger *slog.Logger
}

func NewAdminHandler(engine Engine, st store.Store, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{engine: engine, store: st, logger: logger}
}

func (h *AdminHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/users/{userID}/reconcile", h.Reconcile)
	mux.HandleFunc("GET /v1/users/{userID}/appointments", h.List)
	mux.HandleFunc("PUT /v1/users/{userID}/appointments/{category}/{appointmentID}", h.Put)
	mux.HandleFunc("DELETE /v1/users/{userID}/appointments/{category}/{appointmentID}", h.Delete)
}

type moveItem struct {
	AppointmentID string `json:"appointment_id"`
	From          string `json:"from"`
	To            string `json:"to"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
}

type reconcileResponse struct {
	PassID     string     `json:"pass_id,omitempty"`
	UserID     string     `json:"user_id"`
	DryRun     bool       `json:"dry_run"`
	StartedAt  string     `json:"started_at,omitempty"`
	Moves      []moveItem `json:"moves"`
	Applied    int        `json:"applied"`
	Failed     int        `json:"failed"`
	Duplicates int        `json:"duplicates"`
	Rearmed    bool       `json:"rearmed"`
	TraceID    string     `json:"trace_id,omitempty"`
	Error      string     `json:"error,omitempty"`
}

type appointmentItem struct {
	AppointmentID string         `json:"appointment_id"`
	Category      string         `json:"category"`
	Date          string         `json:"date"`
	StartTime     string         `json:"start_time"`
	EndTime       string         `json:"end_time"`
	Payload       map[string]any `json:"payload,omitempty"`
}

type listResponse struct {
	UserID       string                       `json:"user_id"`
	Appointments map[string][]appointmentItem `json:"appointments"`
}

// Reconcile runs a pass for the user. With ?dry_run=true it only reports the
// moves a pass would make.
func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}

	if dryRun, _ := strconv.ParseBool(r.URL.Query().Get("dry_run")); dryRun {
		moves, err := h.engine.Plan(r.Context(), userID)
		if err != nil {
			h.logger.Warn("plan failed", "err", err, "user_id", userID)
			http.Error(w, "failed to read appointments", http.StatusBadGateway)
			return
		}
		resp := reconcileResponse{UserID: userID, DryRun: true, Moves: make([]moveItem, 0, len(moves))}
		for _, mv := range moves {
			resp.Moves = append(resp.Moves, moveItem{
				AppointmentID: mv.Appointment.ID,
				From:          string(mv.From),
				To:            string(mv.To),
				Status:        "planned",
			})
		}
		httpx.WriteJSON(w, http.StatusOK, resp)
		return
	}

	report, err := h.engine.Activate(r.Context(), userID)
	status := http.StatusOK
	resp := reportResponse(report)
	resp.TraceID = otelx.TraceID(r.Context())
	if err != nil {
		resp.Error = err.Error()
		switch {
		case errors.Is(err, lock.ErrHeld):
			status = http.StatusConflict
		case errors.Is(err, transition.ErrClosed):
			status = http.StatusServiceUnavailable
		case errors.Is(err, transition.ErrSubscription):
			status = http.StatusBadGateway
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
		default:
			status = http.StatusInternalServerError
		}
		h.logger.Warn("reconcile request failed", "err", err, "user_id", userID, "request_id", httpx.RequestIDFromContext(r.Context()))
	}
	httpx.WriteJSON(w, status, resp)
}

func (h *AdminHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return
	}
	snap, err := h.store.Read(r.Context(), userID)
	if err != nil {
		h.logger.Warn("list appointments failed", "err", err, "user_id", userID)
		http.Error(w, "failed to read appointments", http.StatusBadGateway)
		return
	}

	resp := listResponse{UserID: userID, Appointments: make(map[string][]appointmentItem, len(model.Categories))}
	for _, c := range model.Categories {
		appts := snap.Categories[c]
		items := make([]appointmentItem, 0, len(appts))
		for _, a := range appts {
			items = append(items, appointmentItem{
				AppointmentID: a.ID,
				Category:      string(c),
				Date:          a.Date,
				StartTime:     a.StartTime,
				EndTime:       a.EndTime,
				Payload:       a.Payload,
			})
		}
		resp.Appointments[string(c)] = items
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// Put writes a booking or a manual edit. Watches on the category pick it up.
func (h *AdminHandler) Put(w http.ResponseWriter, r *http.Request) {
	path, ok := documentPath(w, r)
	if !ok {
		return
	}

	var doc store.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil || doc == nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	for _, field := range []string{model.FieldDate, model.FieldStartTime, model.FieldEndTime} {
		if v, _ := doc[field].(string); strings.TrimSpace(v) == "" {
			http.Error(w, "missing "+field, http.StatusBadRequest)
			return
		}
	}

	if err := h.store.Write(r.Context(), path, doc); err != nil {
		h.logger.Warn("write appointment failed", "err", err, "path", path.String())
		http.Error(w, "failed to write appointment", http.StatusBadGateway)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"path": path.String()})
}

func (h *AdminHandler) Delete(w http.ResponseWriter, r *http.Request) {
	path, ok := documentPath(w, r)
	if !ok {
		return
	}
	if err := h.store.Delete(r.Context(), path); err != nil {
		h.logger.Warn("delete appointment failed", "err", err, "path", path.String())
		http.Error(w, "failed to delete appointment", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func reportResponse(report transition.PassReport) reconcileResponse {
	resp := reconcileResponse{
		PassID:     report.PassID,
		UserID:     report.UserID,
		Moves:      make([]moveItem, 0, len(report.Moves)),
		Applied:    report.Applied(),
		Failed:     report.Failed(),
		Duplicates: report.Duplicates(),
		Rearmed:    report.Rearmed,
	}
	if !report.StartedAt.IsZero() {
		resp.StartedAt = report.StartedAt.UTC().Format(time.RFC3339)
	}
	for _, m := range report.Moves {
		item := moveItem{
			AppointmentID: m.Move.Appointment.ID,
			From:          string(m.Move.From),
			To:            string(m.Move.To),
			Status:        "moved",
		}
		if m.Err != nil {
			item.Status = "failed_" + string(m.Stage)
			item.Error = m.Err.Error()
		}
		resp.Moves = append(resp.Moves, item)
	}
	return resp
}

func pathUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.PathValue("userID"))
	if userID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

func documentPath(w http.ResponseWriter, r *http.Request) (store.Path, bool) {
	userID, ok := pathUserID(w, r)
	if !ok {
		return store.Path{}, false
	}
	category, err := model.ParseCategory(r.PathValue("category"))
	if err != nil {
		http.Error(w, "invalid category", http.StatusBadRequest)
		return store.Path{}, false
	}
	path := store.DocumentPath(userID, category, strings.TrimSpace(r.PathValue("appointmentID")))
	if err := path.Validate(); err != nil || !path.IsDocument() {
		http.Error(w, "invalid appointment path", http.StatusBadRequest)
		return store.Path{}, false
	}
	return path, true
}
