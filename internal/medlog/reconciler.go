package medlog

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/medsync/internal/model"
)

// Remote は服薬記録を確定させるサーバー側の操作。
type Remote interface {
	// MarkTaken は (medicationID, day) の記録を作成または更新し、確定した記録を返す。
	MarkTaken(ctx context.Context, medicationID string, day model.Day, taken bool) (*model.MedicationLog, error)
	// UploadProof は記録IDに証跡ファイルをアップロードし、更新後の記録を返す。
	UploadProof(ctx context.Context, medicationID, logID string, artifact model.ProofArtifact) (*model.MedicationLog, error)
}

// Reconciler は服薬状態の更新と証跡の紐づけを、記録の同一性を保ったまま行う。
type Reconciler struct {
	book         *Book
	remote       Remote
	logger       *slog.Logger
	maxProofSize int
}

// NewReconciler はReconcilerを生成する。
// maxProofSizeが0以下の場合はサイズ制限を行わない。
func NewReconciler(book *Book, remote Remote, logger *slog.Logger, maxProofSize int) *Reconciler {
	return &Reconciler{
		book:         book,
		remote:       remote,
		logger:       logger,
		maxProofSize: maxProofSize,
	}
}

// Book は内部のBookを返す。
func (r *Reconciler) Book() *Book {
	return r.book
}

// SetTaken は (medicationID, day) の服薬状態を設定する。
// 記録がなければ作成し、あれば状態のみ更新する。呼び出し側は記録IDを知らなくてよい。
// 同じ引数で複数回呼んでも記録は1件のまま。
func (r *Reconciler) SetTaken(ctx context.Context, medicationID string, day model.Day, taken bool) (model.MedicationLog, error) {
	if strings.TrimSpace(medicationID) == "" {
		return model.MedicationLog{}, model.NewValidationError("medication id is required")
	}
	if day.IsZero() {
		return model.MedicationLog{}, model.NewValidationError("date is required")
	}

	confirmed, err := r.remote.MarkTaken(ctx, medicationID, day, taken)
	if err != nil {
		return model.MedicationLog{}, fmt.Errorf("mark taken: %w", err)
	}

	// サーバー応答の日付表現（タイムスタンプ等）に依存せず、要求した組をキーとする
	log := *confirmed
	log.MedicationID = medicationID
	log.Date = day
	log.Taken = taken

	if prev, ok := r.book.Find(medicationID, day); ok && prev.ID != "" && log.ID != "" && prev.ID != log.ID {
		r.logger.Warn("server returned a different log id for an existing day; keeping the original id",
			slog.String("medication_id", medicationID),
			slog.String("date", day.String()),
			slog.String("known_log_id", prev.ID),
			slog.String("returned_log_id", log.ID),
		)
	}

	stored := r.book.Apply(log)
	r.logger.Info("medication log reconciled",
		slog.String("medication_id", medicationID),
		slog.String("log_id", stored.ID),
		slog.String("date", day.String()),
		slog.Bool("taken", taken),
	)
	return stored, nil
}

// BindProof は (medicationID, day) の記録に証跡ファイルを紐づける。
// 記録が存在しない場合は通信を行わずにPreconditionErrorを返す。
// 証跡は記録IDに紐づけるため、後から同じ日の状態を変更しても失われない。
func (r *Reconciler) BindProof(ctx context.Context, medicationID string, day model.Day, artifact model.ProofArtifact) (model.MedicationLog, error) {
	log, ok := r.book.Find(medicationID, day)
	if !ok || log.ID == "" {
		return model.MedicationLog{}, model.NewNoLogForDayError(medicationID, day)
	}

	artifact, err := r.validateArtifact(artifact)
	if err != nil {
		return model.MedicationLog{}, err
	}

	uploaded, err := r.remote.UploadProof(ctx, medicationID, log.ID, artifact)
	if err != nil {
		return model.MedicationLog{}, fmt.Errorf("upload proof: %w", err)
	}
	if uploaded.ProofPhotoRef == "" {
		return model.MedicationLog{}, model.NewServerError(http.StatusOK, "server did not return a proof reference")
	}

	stored, ok := r.book.AttachProof(log.ID, uploaded.ProofPhotoRef)
	if !ok {
		// アップロード中にログアウト等でBookが破棄された
		return model.MedicationLog{}, model.NewNoLogForDayError(medicationID, day)
	}

	r.logger.Info("proof bound to medication log",
		slog.String("medication_id", medicationID),
		slog.String("log_id", log.ID),
		slog.String("date", day.String()),
	)
	return stored, nil
}

// validateArtifact は証跡ファイルが画像であり、サイズ上限以内であることを確認する。
// Content-Typeが未指定の場合は内容から判定する。
func (r *Reconciler) validateArtifact(a model.ProofArtifact) (model.ProofArtifact, error) {
	if len(a.Data) == 0 {
		return a, model.NewValidationError("please select an image to upload")
	}
	if r.maxProofSize > 0 && len(a.Data) > r.maxProofSize {
		return a, model.NewValidationError(fmt.Sprintf("image is too large (%d bytes, max %d)", len(a.Data), r.maxProofSize))
	}
	if a.ContentType == "" {
		a.ContentType = http.DetectContentType(a.Data)
	}
	if !strings.HasPrefix(a.ContentType, "image/") {
		return a, model.NewValidationError("only image files are allowed")
	}
	if a.Filename == "" {
		a.Filename = "proof"
	}
	return a, nil
}
