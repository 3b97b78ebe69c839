package security

import (
	"testing"

	"github.com/hitoshi/medsync/internal/model"
)

// TestText はタグが除去されプレーンテキストになることを検証する。
func TestText(t *testing.T) {
	sanitizer := NewSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"プレーンテキストはそのまま", "Aspirin", "Aspirin"},
		{"空文字列", "", ""},
		{"scriptタグは中身ごと除去", `Aspirin<script>alert(1)</script>`, "Aspirin"},
		{"装飾タグは除去", "<b>100</b>mg", "100mg"},
		{"イベント属性を含むタグ", `<img src=x onerror="alert(1)">Vitamin D`, "Vitamin D"},
		{"アンパサンドはエスケープしない", "Vitamin D & K", "Vitamin D & K"},
		{"引用符はエスケープしない", `"twice" daily`, `"twice" daily`},
		{"制御文字を除去", "daily\x07\x1b[31m", "daily[31m"},
		{"改行は空白に", "twice\ndaily", "twice daily"},
		{"前後の空白を除去", "  daily  ", "daily"},
		{"日本語", "<p>朝食後</p>", "朝食後"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizer.Text(tt.input); got != tt.want {
				t.Errorf("Text(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// TestText_Idempotent は同一入力に対して同一出力を返すことを検証する。
func TestText_Idempotent(t *testing.T) {
	sanitizer := NewSanitizer()
	input := `<a href="javascript:alert(1)">Ibuprofen</a> 200mg`
	first := sanitizer.Text(input)
	if second := sanitizer.Text(first); second != first {
		t.Errorf("second pass = %q, want %q", second, first)
	}
}

func TestMedication_KeepsIdentity(t *testing.T) {
	sanitizer := NewSanitizer()
	in := model.Medication{
		ID:        "m1",
		Name:      "<i>Aspirin</i>",
		Dosage:    "100mg",
		Frequency: "<script>x</script>daily",
		OwnerID:   "u1",
		Logs:      []model.MedicationLog{{ID: "l1", MedicationID: "m1", Date: model.MustParseDay("2024-03-01"), Taken: true}},
	}
	got := sanitizer.Medication(in)
	if got.Name != "Aspirin" || got.Frequency != "daily" {
		t.Errorf("got %+v", got)
	}
	if got.ID != "m1" || got.OwnerID != "u1" || len(got.Logs) != 1 || got.Logs[0].ID != "l1" {
		t.Errorf("identity fields changed: %+v", got)
	}
	if in.Name != "<i>Aspirin</i>" {
		t.Error("input must not be modified")
	}
}
