// Package model はドメインモデルを定義する。
package model

import "strings"

// Role はセッションが保持するロールを表す。
// patient と caretaker の2値のみを取り、それ以外の文字列は無効として扱う。
type Role string

const (
	// RolePatient は服薬を記録する本人のロール。
	RolePatient Role = "patient"
	// RoleCaretaker は患者の記録を閲覧する介護者のロール。
	RoleCaretaker Role = "caretaker"
)

// DefaultRole はロールが一切解決できない場合に使用するロール。
const DefaultRole = RolePatient

// ParseRole は文字列をRoleに変換する。
// 前後の空白と大文字小文字の差は許容し、未知のロールの場合はfalseを返す。
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RolePatient:
		return RolePatient, true
	case RoleCaretaker:
		return RoleCaretaker, true
	default:
		return "", false
	}
}

// ResolveRole は優先順位の高い順に並べた候補から最初の有効なロールを返す。
// 有効な候補がない場合はDefaultRoleを返す。
//
// ロールの決定は必ずこの関数を経由する。呼び出し側で文字列比較を行わないこと。
func ResolveRole(candidates ...string) Role {
	for _, c := range candidates {
		if r, ok := ParseRole(c); ok {
			return r
		}
	}
	return DefaultRole
}

// String はロールの文字列表現を返す。
func (r Role) String() string {
	return string(r)
}

// Valid はロールが2値のいずれかであるかを返す。
func (r Role) Valid() bool {
	_, ok := ParseRole(string(r))
	return ok
}
