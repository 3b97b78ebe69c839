// Package model はドメインモデルを定義する。
package model

// Medication は患者が登録した薬を表す。
// 所有者である患者のみが作成・編集・削除でき、紐づいた介護者には読み取り専用で共有される。
type Medication struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Dosage    string          `json:"dosage"`
	Frequency string          `json:"frequency"`
	OwnerID   string          `json:"owner_id"`
	Logs      []MedicationLog `json:"logs"`
}

// MedicationLog は1日分の服薬記録を表す。
// (MedicationID, Date) の組で一意に識別される。IDは初回作成時にサーバーが採番し、以後変わらない。
type MedicationLog struct {
	ID            string `json:"id"`
	MedicationID  string `json:"medication_id"`
	Date          Day    `json:"date"`
	Taken         bool   `json:"taken"`
	ProofPhotoRef string `json:"proof_photo_ref,omitempty"`
}

// HasProof は証跡画像が紐づいているかどうかを返す。
func (l MedicationLog) HasProof() bool {
	return l.ProofPhotoRef != ""
}

// MedicationInput は薬の作成・更新時の入力を表す。
type MedicationInput struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage"`
	Frequency string `json:"frequency"`
}

// ProofArtifact はアップロードする証跡ファイルを表す。
type ProofArtifact struct {
	Filename    string
	ContentType string
	Data        []byte
}
