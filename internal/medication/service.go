// Package medication は薬の一覧と服薬記録の操作をセッションに結びつけて提供する。
//
// 一覧は利用者IDをスコープとしたキャッシュ経由で取得する。
// 変更操作の成功時とリアルタイム通知の受信時に名前空間が無効化され、次の読み取りで再取得される。
package medication

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/medsync/internal/adherence"
	"github.com/hitoshi/medsync/internal/cache"
	"github.com/hitoshi/medsync/internal/medlog"
	"github.com/hitoshi/medsync/internal/model"
	"github.com/hitoshi/medsync/internal/security"
)

// Remote は薬に関するサーバー側の操作。
type Remote interface {
	medlog.Remote
	ListMedications(ctx context.Context) ([]model.Medication, error)
	CreateMedication(ctx context.Context, in model.MedicationInput) (*model.Medication, error)
	UpdateMedication(ctx context.Context, id string, in model.MedicationInput) (*model.Medication, error)
	DeleteMedication(ctx context.Context, id string) error
}

// SessionSource は現在のセッションを返す。*session.Manager が実装する。
type SessionSource interface {
	Current() *model.Session
}

// Snapshot はキャッシュに保存する薬一覧。
// markは取得開始時の記録インデックスの位置で、取り込み時に取得中の更新を残すために使う。
type Snapshot struct {
	Medications []model.Medication
	mark        uint64
}

// Service は薬の一覧と記録の操作を提供する。
type Service struct {
	remote     Remote
	sessions   SessionSource
	cache      *cache.Cache[Snapshot]
	book       *medlog.Book
	reconciler *medlog.Reconciler
	sanitizer  *security.Sanitizer
	logger     *slog.Logger
}

// NewService はServiceを生成する。maxProofSizeは証跡ファイルのサイズ上限。
// 一覧の取得結果はキャッシュに保存されたときにのみ記録のインデックスへ取り込む。
func NewService(remote Remote, sessions SessionSource, c *cache.Cache[Snapshot], sanitizer *security.Sanitizer, logger *slog.Logger, maxProofSize int) *Service {
	book := medlog.NewBook()
	s := &Service{
		remote:     remote,
		sessions:   sessions,
		cache:      c,
		book:       book,
		reconciler: medlog.NewReconciler(book, remote, logger, maxProofSize),
		sanitizer:  sanitizer,
		logger:     logger,
	}
	c.OnStore(s.install)
	return s
}

// List はセッション利用者の薬一覧を返す。
// キャッシュが新しければ通信せず、stale であれば保持している一覧を返してバックグラウンドで再取得する。
func (s *Service) List(ctx context.Context) ([]model.Medication, error) {
	sess, err := s.session()
	if err != nil {
		return nil, err
	}
	snap, err := s.cache.Get(ctx, cache.MedicationsKey(sess.UserID), s.fetcher(sess.UserID))
	if err != nil {
		return nil, err
	}
	return snap.Medications, nil
}

// Refresh は一覧を無効化してから取得し直す。再取得の完了まで待つ。
func (s *Service) Refresh(ctx context.Context) ([]model.Medication, error) {
	sess, err := s.session()
	if err != nil {
		return nil, err
	}
	key := cache.MedicationsKey(sess.UserID)
	s.cache.Invalidate(key)
	if _, err := s.cache.Get(ctx, key, s.fetcher(sess.UserID)); err != nil {
		return nil, err
	}
	s.cache.Wait()
	if err := s.cache.LastError(key); err != nil {
		return nil, err
	}
	snap, _ := s.cache.Peek(key)
	return snap.Medications, nil
}

// Stale はセッション利用者の一覧が再取得待ちかどうかを返す。セッションがない場合はfalse。
func (s *Service) Stale() bool {
	sess := s.sessions.Current()
	if sess == nil {
		return false
	}
	return s.cache.IsStale(cache.MedicationsKey(sess.UserID))
}

// fetcher はサーバーから一覧を取得し、他の利用者のデータと重複した記録を捨てる。
// 記録のインデックスは変更しない。
func (s *Service) fetcher(userID string) cache.FetchFunc[Snapshot] {
	return func(ctx context.Context) (Snapshot, error) {
		mark := s.book.Mark()
		meds, err := s.remote.ListMedications(ctx)
		if err != nil {
			return Snapshot{}, fmt.Errorf("list medications: %w", err)
		}

		owned := make([]model.Medication, 0, len(meds))
		foreign := 0
		for _, m := range meds {
			if m.OwnerID != "" && m.OwnerID != userID {
				foreign++
				continue
			}
			if m.OwnerID == "" {
				m.OwnerID = userID
			}
			owned = append(owned, s.sanitizer.Medication(m))
		}
		if foreign > 0 {
			s.logger.Warn("dropped medications owned by another user",
				slog.String("user_id", userID),
				slog.Int("count", foreign),
			)
		}

		deduped, dropped := medlog.Dedupe(owned)
		if dropped > 0 {
			s.logger.Warn("dropped duplicate or mismatched medication logs",
				slog.String("user_id", userID),
				slog.Int("count", dropped),
			)
		}
		return Snapshot{Medications: deduped, mark: mark}, nil
	}
}

// install はキャッシュに保存された一覧を記録のインデックスに取り込む。
// 現在のセッション以外の利用者の一覧は取り込まない。
func (s *Service) install(key cache.Key, snap Snapshot) {
	if key.Namespace != cache.NamespaceMedications {
		return
	}
	if sess := s.sessions.Current(); sess == nil || sess.UserID != key.Scope {
		s.logger.Debug("skipped medication logs of an inactive session", slog.String("user_id", key.Scope))
		return
	}
	s.book.Install(snap.Medications, snap.mark)
}

// Create は薬を登録する。患者のセッションのみ。
func (s *Service) Create(ctx context.Context, in model.MedicationInput) (*model.Medication, error) {
	sess, err := s.patient()
	if err != nil {
		return nil, err
	}
	in, err = validateInput(in)
	if err != nil {
		return nil, err
	}
	m, err := s.remote.CreateMedication(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("create medication: %w", err)
	}
	s.invalidate(sess)
	s.logger.Info("medication created", slog.String("medication_id", m.ID))
	return m, nil
}

// Update は薬の名前・用量・頻度を更新する。患者のセッションのみ。
func (s *Service) Update(ctx context.Context, id string, in model.MedicationInput) (*model.Medication, error) {
	sess, err := s.patient()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(id) == "" {
		return nil, model.NewValidationError("medication id is required")
	}
	in, err = validateInput(in)
	if err != nil {
		return nil, err
	}
	m, err := s.remote.UpdateMedication(ctx, id, in)
	if err != nil {
		return nil, fmt.Errorf("update medication: %w", err)
	}
	s.invalidate(sess)
	s.logger.Info("medication updated", slog.String("medication_id", id))
	return m, nil
}

// Delete は薬を削除する。患者のセッションのみ。
func (s *Service) Delete(ctx context.Context, id string) error {
	sess, err := s.patient()
	if err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return model.NewValidationError("medication id is required")
	}
	if err := s.remote.DeleteMedication(ctx, id); err != nil {
		return fmt.Errorf("delete medication: %w", err)
	}
	s.book.Remove(id)
	s.invalidate(sess)
	s.logger.Info("medication deleted", slog.String("medication_id", id))
	return nil
}

// SetTaken は (medicationID, day) の服薬状態を設定する。患者のセッションのみ。
func (s *Service) SetTaken(ctx context.Context, medicationID string, day model.Day, taken bool) (model.MedicationLog, error) {
	sess, err := s.patient()
	if err != nil {
		return model.MedicationLog{}, err
	}
	log, err := s.reconciler.SetTaken(ctx, medicationID, day, taken)
	if err != nil {
		return model.MedicationLog{}, err
	}
	s.invalidate(sess)
	return log, nil
}

// BindProof は (medicationID, day) の記録に証跡ファイルを紐づける。患者のセッションのみ。
// 手元に記録がない場合はサーバーから一覧を取得し直してから判定する。
func (s *Service) BindProof(ctx context.Context, medicationID string, day model.Day, artifact model.ProofArtifact) (model.MedicationLog, error) {
	sess, err := s.patient()
	if err != nil {
		return model.MedicationLog{}, err
	}
	if _, ok := s.book.Find(medicationID, day); !ok {
		if _, err := s.Refresh(ctx); err != nil {
			return model.MedicationLog{}, err
		}
	}
	log, err := s.reconciler.BindProof(ctx, medicationID, day, artifact)
	if err != nil {
		return model.MedicationLog{}, err
	}
	s.invalidate(sess)
	return log, nil
}

// Summary は現在の一覧から遵守率のサマリーを作成する。
func (s *Service) Summary(ctx context.Context) (adherence.Summary, error) {
	meds, err := s.List(ctx)
	if err != nil {
		return adherence.Summary{}, err
	}
	return adherence.Summarize(meds), nil
}

// Reset はセッションの切り替え時に呼び、前のセッションのキャッシュと記録を破棄する。
// セッションのListenerから呼ばれるため、通信やブロックする処理は行わない。
func (s *Service) Reset(prev string) {
	if prev != "" {
		s.cache.Forget(prev)
	}
	s.book.Reset()
}

func (s *Service) invalidate(sess *model.Session) {
	s.cache.Invalidate(cache.MedicationsKey(sess.UserID))
}

func (s *Service) session() (*model.Session, error) {
	sess := s.sessions.Current()
	if sess == nil {
		return nil, model.NewNotAuthenticatedError()
	}
	return sess, nil
}

// patient は患者のセッションであることを確認する。介護者は閲覧のみ。
func (s *Service) patient() (*model.Session, error) {
	sess, err := s.session()
	if err != nil {
		return nil, err
	}
	if sess.Role != model.RolePatient {
		return nil, model.NewRoleMismatchError(sess.Role, []model.Role{model.RolePatient})
	}
	return sess, nil
}

func validateInput(in model.MedicationInput) (model.MedicationInput, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Dosage = strings.TrimSpace(in.Dosage)
	in.Frequency = strings.TrimSpace(in.Frequency)

	var missing []string
	if in.Name == "" {
		missing = append(missing, "name")
	}
	if in.Dosage == "" {
		missing = append(missing, "dosage")
	}
	if in.Frequency == "" {
		missing = append(missing, "frequency")
	}
	if len(missing) > 0 {
		return in, model.NewValidationError(fmt.Sprintf("required fields are missing: %s", strings.Join(missing, ", ")))
	}
	return in, nil
}
