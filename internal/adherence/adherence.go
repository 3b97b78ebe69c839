// Package adherence は服薬記録から服薬遵守率を算出する。
//
// 遵守率は記録された試行のみを対象とする。記録のない日は分子にも分母にも含めない。
package adherence

import (
	"math"
	"strconv"

	"github.com/hitoshi/medsync/internal/model"
)

// Percent は記録のうち服薬済みの割合を0〜100で返す。
// 記録が空の場合は0を返す。
func Percent(logs []model.MedicationLog) float64 {
	if len(logs) == 0 {
		return 0
	}
	taken := 0
	for _, l := range logs {
		if l.Taken {
			taken++
		}
	}
	return float64(taken) / float64(len(logs)) * 100
}

// Round は小数第1位に丸める。
func Round(p float64) float64 {
	return math.Round(p*10) / 10
}

// Format は "66.7%" 形式の表示用文字列を返す。
func Format(p float64) string {
	return strconv.FormatFloat(Round(p), 'f', 1, 64) + "%"
}

// MedicationSummary は薬ごとの遵守率を表す。
type MedicationSummary struct {
	MedicationID string  `json:"medication_id"`
	Name         string  `json:"name"`
	Attempts     int     `json:"attempts"`
	Taken        int     `json:"taken"`
	Percent      float64 `json:"percent"`
}

// Summary は全体と薬ごとの遵守率を表す。
type Summary struct {
	Overall     float64             `json:"overall"`
	Attempts    int                 `json:"attempts"`
	Medications []MedicationSummary `json:"medications"`
}

// Summarize は薬の一覧から遵守率のサマリーを作成する。
// 全体の遵守率は全記録を1つの集合として計算する（薬ごとの率の平均ではない）。
func Summarize(meds []model.Medication) Summary {
	var all []model.MedicationLog
	s := Summary{Medications: make([]MedicationSummary, 0, len(meds))}
	for _, m := range meds {
		ms := MedicationSummary{
			MedicationID: m.ID,
			Name:         m.Name,
			Attempts:     len(m.Logs),
			Percent:      Round(Percent(m.Logs)),
		}
		for _, l := range m.Logs {
			if l.Taken {
				ms.Taken++
			}
		}
		s.Medications = append(s.Medications, ms)
		all = append(all, m.Logs...)
	}
	s.Attempts = len(all)
	s.Overall = Round(Percent(all))
	return s
}
