// Package handler はローカルのステータスAPIを提供する。
//
// ステータスAPIはプロセスが保持する単一のセッションを提示する読み取り中心のAPIで、
// 介護者向けの画面をヘッドレスに再現する用途を想定する。ループバックアドレスでの待ち受けを前提とする。
package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/medsync/internal/gate"
	"github.com/hitoshi/medsync/internal/metrics"
	"github.com/hitoshi/medsync/internal/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Sessions    middleware.SessionSource
	Realtime    RealtimeStatus
	Medications MedicationService
	Gatherer    prometheus.Gatherer
	// RefreshLimiter はサーバーへの再取得を伴うエンドポイントに適用する。nilの場合は制限しない。
	RefreshLimiter *middleware.RateLimiter
	Logger         *slog.Logger
}

// NewRouter はステータスAPIのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Session → Logging
//
// /health と /metrics はセッションに依存しない。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()
	h := NewStatusHandler(deps.Realtime, deps.Medications, deps.Logger)

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	r.Get("/health", h.Health)
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.Sessions))
		r.Use(middleware.NewLoggingMiddleware(deps.Logger))

		r.Get(string(gate.RouteLanding), h.Landing)
		r.Get(string(gate.RouteLogin), h.Login)
		r.Get(string(gate.RoutePatient), h.Dashboard(gate.RoutePatient))
		r.Get(string(gate.RouteCaretaker), h.Dashboard(gate.RouteCaretaker))

		r.Get("/api/session", h.Session)
		r.Route("/api/medications", func(r chi.Router) {
			r.Get("/", h.ListMedications)
			if deps.RefreshLimiter != nil {
				r.With(deps.RefreshLimiter.Middleware()).Post("/refresh", h.RefreshMedications)
			} else {
				r.Post("/refresh", h.RefreshMedications)
			}
		})
	})

	return r
}
