package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"
)

// RateLimiterConfig はレート制限の設定を保持する。
type RateLimiterConfig struct {
	Rate  rate.Limit // 許可するレート（req/sec）
	Burst int        // バーストサイズ
}

// DefaultRefreshLimit はサーバーへの再取得を伴うエンドポイントのデフォルト設定。
// 6 req/min、バースト3。
func DefaultRefreshLimit() RateLimiterConfig {
	return RateLimiterConfig{
		Rate:  rate.Limit(6.0 / 60.0),
		Burst: 3,
	}
}

// RateLimiter はステータスAPI全体で共有する1つのトークンバケット。
// ステータスAPIはプロセスのセッション1つを提示するため、利用者ごとに分ける必要はない。
type RateLimiter struct {
	config  RateLimiterConfig
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewRateLimiter は新しいRateLimiterを生成する。
func NewRateLimiter(config RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		config:  config,
		limiter: rate.NewLimiter(config.Rate, config.Burst),
		logger:  logger,
	}
}

// Middleware はレート制限ミドルウェアを返す。超過時は429を返す。
func (rl *RateLimiter) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.limiter.Allow() {
				rl.logger.Warn("rate limit exceeded",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				writeRateLimitResponse(w, rl.config.Rate)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := 1
	if r > 0 {
		retryAfterSec = int(math.Ceil(1.0 / float64(r)))
	}
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     "RATE_LIMIT_EXCEEDED",
		Message:  "too many requests",
		Category: "system",
		Action:   "Wait and retry after the time given in Retry-After.",
	})
}
