package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/medsync/internal/adherence"
	"github.com/hitoshi/medsync/internal/gate"
	"github.com/hitoshi/medsync/internal/middleware"
	"github.com/hitoshi/medsync/internal/model"
	"github.com/hitoshi/medsync/internal/realtime"
)

// RealtimeStatus はリアルタイム接続の状態を返す。*realtime.Channel が実装する。
type RealtimeStatus interface {
	State() realtime.State
	Degraded() bool
	LastError() error
}

// MedicationService はステータスAPIが必要とする薬一覧の操作。
type MedicationService interface {
	List(ctx context.Context) ([]model.Medication, error)
	Refresh(ctx context.Context) ([]model.Medication, error)
	Stale() bool
}

// StatusHandler はセッションと薬一覧の状態を返すHTTPハンドラー。
type StatusHandler struct {
	realtime    RealtimeStatus
	medications MedicationService
	logger      *slog.Logger
}

// NewStatusHandler はStatusHandlerを生成する。
func NewStatusHandler(rt RealtimeStatus, meds MedicationService, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		realtime:    rt,
		medications: meds,
		logger:      logger,
	}
}

type realtimeResponse struct {
	State     string `json:"state"`
	Degraded  bool   `json:"degraded"`
	LastError string `json:"last_error,omitempty"`
}

type sessionResponse struct {
	UserID   string           `json:"user_id"`
	Username string           `json:"username"`
	Role     string           `json:"role"`
	Home     string           `json:"home"`
	Realtime realtimeResponse `json:"realtime"`
}

type medicationsResponse struct {
	Medications []model.Medication `json:"medications"`
	Summary     adherence.Summary  `json:"summary"`
	// Stale は一覧がバックグラウンドで再取得中であることを示す。
	Stale bool `json:"stale"`
}

type dashboardResponse struct {
	Route    string `json:"route"`
	Role     string `json:"role"`
	ReadOnly bool   `json:"read_only"`
	medicationsResponse
}

type landingResponse struct {
	Authenticated bool   `json:"authenticated"`
	Home          string `json:"home,omitempty"`
}

// Health はプロセスの生存確認に応答する。
// GET /health
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Landing は未認証でも参照できるランディング情報を返す。
// GET /
func (h *StatusHandler) Landing(w http.ResponseWriter, r *http.Request) {
	resp := landingResponse{}
	if s := middleware.SessionFromContext(r.Context()); s != nil {
		resp.Authenticated = true
		resp.Home = string(gate.HomeFor(s.Role))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Login はログイン画面に相当する案内を返す。ログインはCLIから行う。
// GET /login
func (h *StatusHandler) Login(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "no active session; run `medsync login` to sign in",
	})
}

// Session は現在のセッションとリアルタイム接続の状態を返す。
// GET /api/session
func (h *StatusHandler) Session(w http.ResponseWriter, r *http.Request) {
	s := middleware.SessionFromContext(r.Context())
	if s == nil {
		middleware.WriteError(w, model.NewNotAuthenticatedError())
		return
	}

	rt := realtimeResponse{
		State:    h.realtime.State().String(),
		Degraded: h.realtime.Degraded(),
	}
	if err := h.realtime.LastError(); err != nil {
		rt.LastError = err.Error()
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		UserID:   s.UserID,
		Username: s.Username,
		Role:     s.Role.String(),
		Home:     string(gate.HomeFor(s.Role)),
		Realtime: rt,
	})
}

// ListMedications は薬一覧と遵守率を返す。stale な一覧は即座に返され、再取得はバックグラウンドで行われる。
// GET /api/medications
func (h *StatusHandler) ListMedications(w http.ResponseWriter, r *http.Request) {
	meds, err := h.medications.List(r.Context())
	if err != nil {
		h.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.newMedicationsResponse(meds))
}

// RefreshMedications は一覧を無効化して再取得し、その結果を返す。
// POST /api/medications/refresh
func (h *StatusHandler) RefreshMedications(w http.ResponseWriter, r *http.Request) {
	meds, err := h.medications.Refresh(r.Context())
	if err != nil {
		h.serviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.newMedicationsResponse(meds))
}

// Dashboard はルートに設定されたロールでセッションを判定し、ダッシュボードの内容を返す。
// 未認証の場合は/loginへ、ロールが異なる場合は自分のホーム画面へ303でリダイレクトする。
// GET /dashboard, GET /caretaker-dashboard
func (h *StatusHandler) Dashboard(route gate.Route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := middleware.SessionFromContext(r.Context())
		if redirect, err := gate.CheckRoute(s, route); err != nil {
			h.logger.Debug("route gate redirect",
				slog.String("route", string(route)),
				slog.String("redirect", string(redirect)),
				slog.String("reason", model.CategoryOf(err)),
			)
			http.Redirect(w, r, string(redirect), http.StatusSeeOther)
			return
		}

		meds, err := h.medications.List(r.Context())
		if err != nil {
			h.serviceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, dashboardResponse{
			Route:               string(route),
			Role:                s.Role.String(),
			ReadOnly:            s.Role != model.RolePatient,
			medicationsResponse: h.newMedicationsResponse(meds),
		})
	}
}

func (h *StatusHandler) newMedicationsResponse(meds []model.Medication) medicationsResponse {
	if meds == nil {
		meds = []model.Medication{}
	}
	return medicationsResponse{
		Medications: meds,
		Summary:     adherence.Summarize(meds),
		Stale:       h.medications.Stale(),
	}
}

// serviceError はサービス層のエラーを統一フォーマットで返す。APIError以外はログに記録する。
func (h *StatusHandler) serviceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		h.logger.Error("internal server error", slog.String("error", err.Error()))
	}
	middleware.WriteError(w, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
