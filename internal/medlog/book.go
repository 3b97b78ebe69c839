// Package medlog は服薬記録の同一性と証跡の紐づけを管理する。
//
// 服薬記録は (medication_id, date) の組で一意に識別される。
// 同じ薬・同じ日の記録が2件存在することはなく、状態の更新は常にこの組をキーとしたUPSERTになる。
// 証跡画像はサーバーが採番した記録IDに紐づけ、日付では再キー付けしない。
package medlog

import (
	"sort"
	"sync"

	"github.com/hitoshi/medsync/internal/model"
)

// Book は薬ごとの日付→記録インデックスを保持する。
// 複数のgoroutine（利用者操作とリアルタイム更新）から安全に利用できる。
type Book struct {
	mu    sync.RWMutex
	byMed map[string]map[model.Day]*model.MedicationLog
	byID  map[string]*model.MedicationLog

	// seq はApply・AttachProof・Removeのたびに進む。Markの値と比較する。
	seq     uint64
	touched map[string]map[model.Day]uint64
	removed map[string]uint64
}

// NewBook は空のBookを生成する。
func NewBook() *Book {
	b := &Book{}
	b.clearLocked()
	return b
}

// Mark は現在の更新位置を返す。一覧の取得を始める前に呼び、Installに渡す。
func (b *Book) Mark() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seq
}

// Replace は指定した薬の記録をサーバーから取得した集合で置き換える。
// 同じ日付の記録が複数ある場合は最初の1件のみを採用し、別の薬を指す記録と日付のない記録は捨てる。
// 戻り値は捨てた件数。
func (b *Book) Replace(medicationID string, logs []model.MedicationLog) (dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.removeLocked(medicationID)
	kept, dropped := dedupe(medicationID, logs)
	b.putLocked(medicationID, kept)
	return dropped
}

// Dedupe は一覧の各薬の記録から重複・不整合な記録を除き、日付昇順に並べ替えた複製を返す。
// Bookは変更しない。戻り値の2つ目は捨てた記録の件数。
func Dedupe(meds []model.Medication) ([]model.Medication, int) {
	dropped := 0
	out := make([]model.Medication, len(meds))
	for i, m := range meds {
		kept, n := dedupe(m.ID, m.Logs)
		dropped += n
		m.Logs = kept
		out[i] = m
	}
	return out, dropped
}

// Install は取得済みの一覧でBookを作り直す。一覧に含まれない薬の記録は削除される。
// markは取得開始時のMarkの値で、それ以降にApplyまたはAttachProofされた記録は一覧より優先して残す。
// mark以降にRemoveされた薬は一覧に含まれていても取り込まない。
func (b *Book) Install(meds []model.Medication, mark uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	prevByMed := b.byMed
	b.byMed = make(map[string]map[model.Day]*model.MedicationLog, len(meds))
	b.byID = make(map[string]*model.MedicationLog)

	for _, m := range meds {
		if b.removed[m.ID] > mark {
			continue
		}
		kept, _ := dedupe(m.ID, m.Logs)
		b.putLocked(m.ID, kept)
	}

	for medID, days := range b.touched {
		for day, at := range days {
			if at <= mark || b.removed[medID] > at {
				continue
			}
			local, ok := prevByMed[medID][day]
			if !ok {
				continue
			}
			b.keepLocked(*local)
		}
	}
}

// Apply は (medication_id, date) をキーとして記録をUPSERTし、保存後の記録を返す。
// 既存の記録がある場合はIDを変更せずに状態のみを更新する。
// 新しい記録に証跡の参照がない場合は既存の参照を維持する。
func (b *Book) Apply(log model.MedicationLog) model.MedicationLog {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.touchLocked(log.MedicationID, log.Date)

	days, ok := b.byMed[log.MedicationID]
	if !ok {
		days = make(map[model.Day]*model.MedicationLog)
		b.byMed[log.MedicationID] = days
	}

	if existing, ok := days[log.Date]; ok {
		if existing.ID == "" && log.ID != "" {
			existing.ID = log.ID
			b.byID[log.ID] = existing
		}
		existing.Taken = log.Taken
		if log.ProofPhotoRef != "" {
			existing.ProofPhotoRef = log.ProofPhotoRef
		}
		return *existing
	}

	stored := log
	days[log.Date] = &stored
	if stored.ID != "" {
		b.byID[stored.ID] = &stored
	}
	return stored
}

// Find は (medication_id, date) に対応する記録を返す。
func (b *Book) Find(medicationID string, day model.Day) (model.MedicationLog, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if l, ok := b.byMed[medicationID][day]; ok {
		return *l, true
	}
	return model.MedicationLog{}, false
}

// Logs は指定した薬の記録を日付の昇順で返す。
func (b *Book) Logs(medicationID string) []model.MedicationLog {
	b.mu.RLock()
	defer b.mu.RUnlock()

	days := b.byMed[medicationID]
	out := make([]model.MedicationLog, 0, len(days))
	for _, l := range days {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// AttachProof は記録IDに証跡の参照を紐づける。
// 記録IDが未知の場合はfalseを返す。
func (b *Book) AttachProof(logID, ref string) (model.MedicationLog, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.byID[logID]
	if !ok {
		return model.MedicationLog{}, false
	}
	l.ProofPhotoRef = ref
	b.touchLocked(l.MedicationID, l.Date)
	return *l, true
}

// Remove は薬の記録をすべて削除する。
func (b *Book) Remove(medicationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(medicationID)
	b.seq++
	b.removed[medicationID] = b.seq
}

// Reset はすべての記録を削除する。ログアウト時に使用する。
func (b *Book) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clearLocked()
}

func (b *Book) clearLocked() {
	b.byMed = make(map[string]map[model.Day]*model.MedicationLog)
	b.byID = make(map[string]*model.MedicationLog)
	b.touched = make(map[string]map[model.Day]uint64)
	b.removed = make(map[string]uint64)
}

func (b *Book) touchLocked(medicationID string, day model.Day) {
	b.seq++
	days, ok := b.touched[medicationID]
	if !ok {
		days = make(map[model.Day]uint64)
		b.touched[medicationID] = days
	}
	days[day] = b.seq
}

func (b *Book) putLocked(medicationID string, logs []model.MedicationLog) {
	days := make(map[model.Day]*model.MedicationLog, len(logs))
	for _, l := range logs {
		stored := l
		days[l.Date] = &stored
		if stored.ID != "" {
			b.byID[stored.ID] = &stored
		}
	}
	b.byMed[medicationID] = days
}

// keepLocked は手元で更新した記録を取得した一覧の記録に重ねる。
// 手元の記録にIDや証跡の参照がない場合は一覧側の値を使う。
func (b *Book) keepLocked(local model.MedicationLog) {
	days, ok := b.byMed[local.MedicationID]
	if !ok {
		days = make(map[model.Day]*model.MedicationLog)
		b.byMed[local.MedicationID] = days
	}
	if fetched, ok := days[local.Date]; ok {
		if local.ID == "" {
			local.ID = fetched.ID
		}
		if local.ProofPhotoRef == "" {
			local.ProofPhotoRef = fetched.ProofPhotoRef
		}
		if fetched.ID != "" && fetched.ID != local.ID {
			delete(b.byID, fetched.ID)
		}
	}
	stored := local
	days[local.Date] = &stored
	if stored.ID != "" {
		b.byID[stored.ID] = &stored
	}
}

func (b *Book) removeLocked(medicationID string) {
	for _, l := range b.byMed[medicationID] {
		if l.ID != "" {
			delete(b.byID, l.ID)
		}
	}
	delete(b.byMed, medicationID)
	delete(b.touched, medicationID)
}

// dedupe は1つの薬の記録を日付で一意にし、日付昇順に並べて返す。
func dedupe(medicationID string, logs []model.MedicationLog) ([]model.MedicationLog, int) {
	seen := make(map[model.Day]bool, len(logs))
	kept := make([]model.MedicationLog, 0, len(logs))
	dropped := 0
	for _, l := range logs {
		if l.MedicationID == "" {
			l.MedicationID = medicationID
		}
		if l.MedicationID != medicationID || l.Date.IsZero() || seen[l.Date] {
			dropped++
			continue
		}
		seen[l.Date] = true
		kept = append(kept, l)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Date.Before(kept[j].Date) })
	return kept, dropped
}
