// Package security はアプリケーションのセキュリティ機能を提供する。
//
// Sanitizer はサーバーから受け取った表示用文字列からHTMLを取り除く。
// 薬の名前や用量は利用者が自由に入力した文字列であり、
// ステータスAPIや端末にそのまま出すとマークアップや制御文字が混入するため、
// bluemondayのStrictPolicyでタグをすべて除去したプレーンテキストに変換する。
package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/hitoshi/medsync/internal/model"
	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer は表示用文字列のサニタイズを行う。
// bluemondayのポリシーは並行利用が可能なため、1つのSanitizerを共有してよい。
type Sanitizer struct {
	policy *bluemonday.Policy
}

// NewSanitizer はSanitizerを生成する。
func NewSanitizer() *Sanitizer {
	return &Sanitizer{policy: bluemonday.StrictPolicy()}
}

// Text はタグと制御文字を除去したプレーンテキストを返す。
// StrictPolicyが行うエスケープは元に戻し、前後の空白を取り除く。
// 同一入力に対して常に同一出力を返す（冪等）。
func (s *Sanitizer) Text(raw string) string {
	if raw == "" {
		return ""
	}
	cleaned := html.UnescapeString(s.policy.Sanitize(raw))
	cleaned = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			if r == '\t' || r == '\n' {
				return ' '
			}
			return -1
		}
		return r
	}, cleaned)
	return strings.TrimSpace(cleaned)
}

// Medication は薬の表示用フィールドをサニタイズしたコピーを返す。
// IDや記録は変更しない。
func (s *Sanitizer) Medication(m model.Medication) model.Medication {
	m.Name = s.Text(m.Name)
	m.Dosage = s.Text(m.Dosage)
	m.Frequency = s.Text(m.Frequency)
	return m
}
