// Package model はドメインモデルを定義する。
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DayLayout は日付の文字列表現に使うレイアウト。
const DayLayout = "2006-01-02"

// Day は時刻成分を持たない暦日を表す。
// ゼロ値は「日付なし」を意味する。比較可能なためマップのキーとして使用できる。
type Day struct {
	s string
}

// ParseDay は文字列を暦日に変換する。
// "2006-01-02" 形式に加え、サーバーが返すRFC3339形式のタイムスタンプも受け付け、
// UTCの日付部分のみを採用する。
func ParseDay(s string) (Day, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Day{}, fmt.Errorf("empty date")
	}
	if t, err := time.Parse(DayLayout, s); err == nil {
		return DayOf(t), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return DayOf(t.UTC()), nil
	}
	return Day{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD", s)
}

// MustParseDay はParseDayのpanic版。テストと定数初期化専用。
func MustParseDay(s string) Day {
	d, err := ParseDay(s)
	if err != nil {
		panic(err)
	}
	return d
}

// DayOf は時刻が属する暦日を返す。タイムゾーンは引数の時刻のものを使う。
func DayOf(t time.Time) Day {
	return Day{s: t.Format(DayLayout)}
}

// String は "YYYY-MM-DD" 形式の文字列を返す。
func (d Day) String() string {
	return d.s
}

// IsZero は日付が未設定かどうかを返す。
func (d Day) IsZero() bool {
	return d.s == ""
}

// Before はdがoより前の日付かどうかを返す。
func (d Day) Before(o Day) bool {
	return d.s < o.s
}

// MarshalJSON は "YYYY-MM-DD" 形式の文字列としてエンコードする。
func (d Day) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.s)
}

// UnmarshalJSON は文字列をParseDayで解釈する。
func (d *Day) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	parsed, err := ParseDay(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
