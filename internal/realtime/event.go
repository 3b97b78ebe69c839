package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Kind はサーバーが送るイベントの種類。
type Kind string

const (
	KindMedicationAdded         Kind = "medicationAdded"
	KindMedicationUpdated       Kind = "medicationUpdated"
	KindMedicationDeleted       Kind = "medicationDeleted"
	KindMedicationLogAdded      Kind = "medicationLogAdded"
	KindMedicationLogUpdated    Kind = "medicationLogUpdated"
	KindMedicationProofUploaded Kind = "medicationProofUploaded"
)

// Kinds は受け付けるイベントの一覧。
var Kinds = []Kind{
	KindMedicationAdded,
	KindMedicationUpdated,
	KindMedicationDeleted,
	KindMedicationLogAdded,
	KindMedicationLogUpdated,
	KindMedicationProofUploaded,
}

// joinEvent は接続直後に送る、利用者ルームへの参加要求。
const joinEvent = "joinUserRoom"

// 拒否理由。メトリクスのラベルに使う。
const (
	ReasonUnknownEvent = "unknown_event"
	ReasonMalformed    = "malformed"
)

// ErrUnknownEvent は未知のイベント名を受け取った場合のエラー。
var ErrUnknownEvent = errors.New("unknown event")

// ErrMalformedEvent はフレームやペイロードの形式が不正な場合のエラー。
var ErrMalformedEvent = errors.New("malformed event")

// Event はサーバーから受け取った変更通知。
// どのイベントも薬一覧の名前空間全体を無効化する。IDはログ出力にのみ使う。
type Event struct {
	Kind         Kind
	MedicationID string
	LogID        string
}

// IsLogEvent は服薬記録に関するイベントかどうかを返す。
func (k Kind) IsLogEvent() bool {
	switch k {
	case KindMedicationLogAdded, KindMedicationLogUpdated, KindMedicationProofUploaded:
		return true
	}
	return false
}

func (k Kind) valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type payload struct {
	ID             json.RawMessage `json:"id"`
	MedicationID   json.RawMessage `json:"medication_id"`
	MedicationIDJS json.RawMessage `json:"medicationId"`
	LogID          json.RawMessage `json:"log_id"`
	LogIDJS        json.RawMessage `json:"logId"`
}

// Decode はフレームを検証してEventに変換する。
// 未知のイベント名はErrUnknownEvent、JSONとして読めないフレームや
// オブジェクトでないペイロードはErrMalformedEventを返す。
func Decode(b []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	kind := Kind(f.Event)
	if !kind.valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}

	data := bytes.TrimSpace(f.Data)
	if len(data) == 0 || data[0] != '{' {
		return Event{}, fmt.Errorf("%w: %s payload must be an object", ErrMalformedEvent, kind)
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	ev := Event{Kind: kind}
	id, err := idString(p.ID)
	if err != nil {
		return Event{}, err
	}
	medID, err := firstID(p.MedicationID, p.MedicationIDJS)
	if err != nil {
		return Event{}, err
	}
	logID, err := firstID(p.LogID, p.LogIDJS)
	if err != nil {
		return Event{}, err
	}

	if kind.IsLogEvent() {
		ev.MedicationID = medID
		ev.LogID = logID
		if ev.LogID == "" {
			ev.LogID = id
		}
	} else {
		ev.MedicationID = medID
		if ev.MedicationID == "" {
			ev.MedicationID = id
		}
	}
	return ev, nil
}

func firstID(raws ...json.RawMessage) (string, error) {
	for _, raw := range raws {
		s, err := idString(raw)
		if err != nil {
			return "", err
		}
		if s != "" {
			return s, nil
		}
	}
	return "", nil
}

// idString は文字列または数値のIDを文字列にする。
func idString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if _, err := strconv.ParseFloat(n.String(), 64); err == nil {
			return n.String(), nil
		}
	}
	return "", fmt.Errorf("%w: id must be a string or number, got %s", ErrMalformedEvent, raw)
}

type joinFrame struct {
	Event string   `json:"event"`
	Data  joinData `json:"data"`
}

type joinData struct {
	UserID string `json:"userId"`
}
