// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// エラーカテゴリ。UI境界はカテゴリに応じて表示方法を切り替える。
const (
	CategoryAuth         = "auth"
	CategoryValidation   = "validation"
	CategoryNetwork      = "network"
	CategoryPrecondition = "precondition"
	CategoryRoleMismatch = "role_mismatch"
	CategorySystem       = "system"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, network, precondition, role_mismatch, system
	Action   string // ユーザー向け対処方法
	Status   int    // HTTPステータス（サーバー応答由来の場合のみ）
	Err      error  // 原因となったエラー
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeInvalidToken       = "INVALID_TOKEN"
	ErrCodeNotAuthenticated   = "NOT_AUTHENTICATED"
	ErrCodeValidation         = "VALIDATION_FAILED"
	ErrCodeNetwork            = "NETWORK_ERROR"
	ErrCodeNoLogForDay        = "NO_LOG_FOR_DAY"
	ErrCodeRoleMismatch       = "ROLE_MISMATCH"
	ErrCodeServer             = "SERVER_ERROR"
)

// NewAuthError は認証失敗エラーを生成する。
// 認証エラーはセッションの破棄と未認証画面への遷移を伴い、自動リトライしない。
func NewAuthError(code, message string, err error) *APIError {
	return &APIError{
		Code:     code,
		Message:  message,
		Category: CategoryAuth,
		Action:   "Log in again.",
		Err:      err,
	}
}

// NewInvalidTokenError はトークンの復号失敗・期限切れエラーを生成する。
func NewInvalidTokenError(err error) *APIError {
	return NewAuthError(ErrCodeInvalidToken, "session token is invalid or expired", err)
}

// NewNotAuthenticatedError はセッションが存在しない場合のエラーを生成する。
func NewNotAuthenticatedError() *APIError {
	return NewAuthError(ErrCodeNotAuthenticated, "no active session", nil)
}

// NewValidationError は入力検証エラーを生成する。ネットワーク呼び出しは行われていない。
func NewValidationError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  message,
		Category: CategoryValidation,
		Action:   "Check the highlighted fields and try again.",
	}
}

// NewNetworkError は通信失敗エラーを生成する。
// 自動リトライは行わず、利用者の明示的な再操作に任せる。
func NewNetworkError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeNetwork,
		Message:  "could not reach the server",
		Category: CategoryNetwork,
		Action:   "Check your connection and try again.",
		Err:      err,
	}
}

// NewNoLogForDayError は記録のない日に証跡を紐づけようとした場合のエラーを生成する。
func NewNoLogForDayError(medicationID string, day Day) *APIError {
	return &APIError{
		Code:     ErrCodeNoLogForDay,
		Message:  fmt.Sprintf("no attempt recorded for this day: medication %s on %s", medicationID, day),
		Category: CategoryPrecondition,
		Action:   "Mark the medication as taken or missed for this day before uploading a photo.",
	}
}

// NewRoleMismatchError はセッションのロールが要求ロールに含まれない場合のエラーを生成する。
// 表示用エラーではなく、セッション本来の画面への遷移を示す。
func NewRoleMismatchError(have Role, allowed []Role) *APIError {
	return &APIError{
		Code:     ErrCodeRoleMismatch,
		Message:  fmt.Sprintf("role %q is not allowed here (allowed: %v)", have, allowed),
		Category: CategoryRoleMismatch,
	}
}

// NewServerError はサーバーが想定外のステータスを返した場合のエラーを生成する。
func NewServerError(status int, message string) *APIError {
	if message == "" {
		message = fmt.Sprintf("server returned status %d", status)
	}
	return &APIError{
		Code:     ErrCodeServer,
		Message:  message,
		Category: CategorySystem,
		Action:   "Try again later.",
		Status:   status,
	}
}

// CategoryOf はエラーチェーン中のAPIErrorのカテゴリを返す。
// APIErrorを含まない場合は空文字列を返す。
func CategoryOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Category
	}
	return ""
}

// IsAuth は認証エラーかどうかを返す。
func IsAuth(err error) bool { return CategoryOf(err) == CategoryAuth }

// IsValidation は入力検証エラーかどうかを返す。
func IsValidation(err error) bool { return CategoryOf(err) == CategoryValidation }

// IsNetwork は通信エラーかどうかを返す。
func IsNetwork(err error) bool { return CategoryOf(err) == CategoryNetwork }

// IsPrecondition は前提条件エラーかどうかを返す。
func IsPrecondition(err error) bool { return CategoryOf(err) == CategoryPrecondition }

// IsRoleMismatch はロール不一致かどうかを返す。
func IsRoleMismatch(err error) bool { return CategoryOf(err) == CategoryRoleMismatch }
