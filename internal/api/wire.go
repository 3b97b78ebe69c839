package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/hitoshi/medsync/internal/model"
)

// flexID は数値・文字列のどちらで返されても文字列として扱うID。
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %s", b)
	}
	*f = flexID(n.String())
	return nil
}

// flexBool はtrue/false と 1/0 のどちらの表現も受け付ける真偽値。
// サーバーは服薬状態を整数で保存している。
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	switch strings.ToLower(s) {
	case "true":
		*f = true
		return nil
	case "false", "", "null":
		*f = false
		return nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid boolean value: %s", b)
	}
	*f = n != 0
	return nil
}

type wireUser struct {
	ID       flexID `json:"id"`
	Username string `json:"username"`
}

type wireLog struct {
	ID                flexID   `json:"id"`
	MedicationID      flexID   `json:"medication_id"`
	MedicationIDCamel flexID   `json:"medicationId"`
	Date              string   `json:"date"`
	Taken             flexBool `json:"taken"`
	ProofPhotoPath    string   `json:"proof_photo_path"`
}

// toModel はサーバーの記録をモデルに変換する。
// 日付を解釈できない記録は日付をゼロ値のまま返し、medlog.Bookで破棄される。
func (w wireLog) toModel() model.MedicationLog {
	medID := string(w.MedicationID)
	if medID == "" {
		medID = string(w.MedicationIDCamel)
	}
	day, _ := model.ParseDay(w.Date)
	return model.MedicationLog{
		ID:            string(w.ID),
		MedicationID:  medID,
		Date:          day,
		Taken:         bool(w.Taken),
		ProofPhotoRef: w.ProofPhotoPath,
	}
}

// logEnvelope は記録を直接返す形式と {"log": {...}} で包む形式の両方を受け付ける。
type logEnvelope struct {
	wireLog
	Log *wireLog `json:"log"`
}

func (e logEnvelope) toModel() model.MedicationLog {
	if e.Log != nil {
		return e.Log.toModel()
	}
	return e.wireLog.toModel()
}

type wireMedication struct {
	ID        flexID    `json:"id"`
	Name      string    `json:"name"`
	Dosage    string    `json:"dosage"`
	Frequency string    `json:"frequency"`
	UserID    flexID    `json:"user_id"`
	Logs      []wireLog `json:"logs"`
}

func (w wireMedication) toModel() model.Medication {
	m := model.Medication{
		ID:        string(w.ID),
		Name:      w.Name,
		Dosage:    w.Dosage,
		Frequency: w.Frequency,
		OwnerID:   string(w.UserID),
		Logs:      make([]model.MedicationLog, 0, len(w.Logs)),
	}
	for _, l := range w.Logs {
		m.Logs = append(m.Logs, l.toModel())
	}
	return m
}

// medicationEnvelope は薬を直接返す形式と {"medication": {...}} で包む形式の両方を受け付ける。
type medicationEnvelope struct {
	wireMedication
	Medication *wireMedication `json:"medication"`
}

func (e medicationEnvelope) toModel() model.Medication {
	if e.Medication != nil {
		return e.Medication.toModel()
	}
	return e.wireMedication.toModel()
}

// decodeMedicationList は {"medications": [...]} と配列のみの両方の形式を受け付ける。
func decodeMedicationList(body []byte) ([]model.Medication, error) {
	body = bytes.TrimSpace(body)
	var list []wireMedication
	if len(body) > 0 && body[0] == '[' {
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, err
		}
	} else {
		var env struct {
			Medications []wireMedication `json:"medications"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, err
		}
		list = env.Medications
	}

	meds := make([]model.Medication, 0, len(list))
	for _, w := range list {
		meds = append(meds, w.toModel())
	}
	return meds, nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

type authResponse struct {
	Token string   `json:"token"`
	User  wireUser `json:"user"`
	Role  string   `json:"role"`
}

type takenRequest struct {
	Date  string `json:"date"`
	Taken bool   `json:"taken"`
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}
