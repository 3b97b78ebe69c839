// Package model はドメインモデルを定義する。
package model

import "time"

// User は認証サーバーが返すユーザー情報を表す。
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Claims はセッショントークンから復号したクレームを表す。
// 署名検証はサーバー側の責務であり、クライアントは構造の妥当性のみを確認する。
type Claims struct {
	UserID    string
	Username  string
	Role      string // トークンにロールが含まれない場合は空文字列
	IssuedAt  time.Time
	ExpiresAt time.Time // 有効期限がない場合はゼロ値
}

// Expired は指定時刻の時点でトークンが期限切れかどうかを返す。
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Session は現在のクライアントに紐づく認証済みセッションを表す。
// SessionManagerのみが生成・破棄し、生成後にロールが書き換えられることはない。
type Session struct {
	UserID   string
	Username string
	Role     Role
	Token    string
	Claims   Claims
}

// Credentials は永続化されるセッション情報を表す。
// トークンとロールは常に同時に保存・削除する。
type Credentials struct {
	Token string
	Role  string
}

// Empty は認証情報が保存されていないかどうかを返す。
func (c Credentials) Empty() bool {
	return c.Token == ""
}
