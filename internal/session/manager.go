// Package session はセッションの確立・復元・破棄とロールの決定を行う。
//
// 同時に有効なセッションは常に1つまでで、ロールを切り替えるには必ずログアウトとログインを経由する。
// 既存セッションのロールをその場で書き換えることはない。
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/medsync/internal/api"
	"github.com/hitoshi/medsync/internal/claims"
	"github.com/hitoshi/medsync/internal/credstore"
	"github.com/hitoshi/medsync/internal/gate"
	"github.com/hitoshi/medsync/internal/model"
)

// Authenticator は認証APIを表す。
type Authenticator interface {
	Login(ctx context.Context, username, password string) (*api.LoginResult, error)
	Register(ctx context.Context, username, password, role string) (*api.LoginResult, error)
}

// Listener はセッションの変化を受け取る。ログアウト時はnilが渡される。
// 通知はセッション操作の中から同期的に行われるため、ListenerからManagerの操作を呼んではならない。
type Listener func(*model.Session)

// Manager はセッションを管理する。
type Manager struct {
	auth   Authenticator
	store  credstore.Store
	nav    gate.Navigator
	logger *slog.Logger
	now    func() time.Time

	// opMu はLogin/Logout/Restoreを直列化する
	opMu sync.Mutex

	mu      sync.RWMutex
	current *model.Session

	subMu   sync.Mutex
	subs    map[int]Listener
	nextSub int
}

// NewManager はManagerを生成する。navがnilの場合は画面遷移を行わない。
func NewManager(auth Authenticator, store credstore.Store, nav gate.Navigator, logger *slog.Logger) *Manager {
	if nav == nil {
		nav = gate.NavigatorFunc(func(gate.Route) {})
	}
	return &Manager{
		auth:   auth,
		store:  store,
		nav:    nav,
		logger: logger,
		now:    time.Now,
		subs:   make(map[int]Listener),
	}
}

// Login はユーザー名とパスワードでログインし、セッションを確立する。
//
// ロールは次の優先順位で決定する:
// サーバー応答のロール > トークンのロールクレーム > requestedRole > 保存済みのロール > patient。
//
// すでにセッションがある場合は先に完全なログアウトを行う。
// トークンとロールは1回の書き込みで保存し、その後にメモリ上のセッションを差し替える。
func (m *Manager) Login(ctx context.Context, username, password, requestedRole string) (*model.Session, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, model.NewValidationError("username and password are required")
	}
	if err := validateRequestedRole(requestedRole); err != nil {
		return nil, err
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.loginLocked(ctx, username, password, requestedRole)
}

func (m *Manager) loginLocked(ctx context.Context, username, password, requestedRole string) (*model.Session, error) {
	persisted, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Warn("failed to read persisted credentials; ignoring persisted role",
			slog.String("error", err.Error()),
		)
		persisted = model.Credentials{}
	}

	if m.Current() != nil {
		if err := m.logoutLocked(ctx); err != nil {
			return nil, fmt.Errorf("logout before login: %w", err)
		}
	}

	res, err := m.auth.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}

	c, err := claims.Decode(res.Token)
	if err != nil {
		return nil, model.NewInvalidTokenError(err)
	}

	role := model.ResolveRole(res.Role, c.Role, requestedRole, persisted.Role)
	s := &model.Session{
		UserID:   firstNonEmpty(res.User.ID, c.UserID),
		Username: firstNonEmpty(res.User.Username, c.Username, username),
		Role:     role,
		Token:    res.Token,
		Claims:   c,
	}

	if err := m.store.Save(ctx, model.Credentials{Token: s.Token, Role: string(role)}); err != nil {
		return nil, fmt.Errorf("persist credentials: %w", err)
	}

	m.set(s)
	m.logger.Info("session established",
		slog.String("user_id", s.UserID),
		slog.String("role", string(role)),
	)
	m.nav.Navigate(gate.HomeFor(role))
	return s, nil
}

// Register は利用者を登録し、続けてrequestedRoleを初期値としたログインを行う。
func (m *Manager) Register(ctx context.Context, username, password, requestedRole string) (*model.Session, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, model.NewValidationError("username and password are required")
	}
	if err := validateRequestedRole(requestedRole); err != nil {
		return nil, err
	}
	role := model.ResolveRole(requestedRole)

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if _, err := m.auth.Register(ctx, username, password, string(role)); err != nil {
		return nil, err
	}
	m.logger.Info("account registered", slog.String("username", username), slog.String("role", string(role)))
	return m.loginLocked(ctx, username, password, string(role))
}

// Restore は保存済みの認証情報からセッションを復元する。
// トークンが復号できない、利用者IDがない、または期限切れの場合は認証情報を削除してnilを返す。
// ロールはトークンのロールクレーム > 保存済みのロール > patient の順で決定し、変化した場合は保存し直す。
func (m *Manager) Restore(ctx context.Context) (*model.Session, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	creds, err := m.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if creds.Empty() {
		return nil, nil
	}

	c, err := claims.Decode(creds.Token)
	if err == nil && c.Expired(m.now()) {
		err = fmt.Errorf("token expired at %s", c.ExpiresAt.Format(time.RFC3339))
	}
	if err != nil {
		m.logger.Warn("persisted session is invalid; purging credentials", slog.String("error", err.Error()))
		if clearErr := m.store.Clear(ctx); clearErr != nil {
			return nil, fmt.Errorf("purge invalid credentials: %w", clearErr)
		}
		return nil, nil
	}

	role := model.ResolveRole(c.Role, creds.Role)
	if string(role) != creds.Role {
		if err := m.store.Save(ctx, model.Credentials{Token: creds.Token, Role: string(role)}); err != nil {
			return nil, fmt.Errorf("persist resolved role: %w", err)
		}
	}

	s := &model.Session{
		UserID:   c.UserID,
		Username: c.Username,
		Role:     role,
		Token:    creds.Token,
		Claims:   c,
	}
	m.set(s)
	m.logger.Info("session restored",
		slog.String("user_id", s.UserID),
		slog.String("role", string(role)),
	)
	return s, nil
}

// Logout は保存済みの認証情報とメモリ上のセッションを破棄し、ランディング画面に遷移する。
// 認証情報の削除に失敗してもメモリ上のセッションは破棄する。
func (m *Manager) Logout(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	err := m.logoutLocked(ctx)
	m.nav.Navigate(gate.RouteLanding)
	return err
}

// HandleAuthFailure は認証済みAPIの401を受けてセッションを破棄し、ログイン画面に遷移する。
// tokenは拒否されたリクエストに付与したトークンで、現在のセッションのトークンと異なる場合は何もしない。
// 認証エラー以外は無視する。リトライは行わない。
func (m *Manager) HandleAuthFailure(ctx context.Context, token string, err error) {
	if !model.IsAuth(err) {
		return
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	cur := m.Current()
	if cur == nil {
		return
	}
	if token == "" || token != cur.Token {
		m.logger.Debug("ignored auth failure of a previous session", slog.String("error", err.Error()))
		return
	}
	m.logger.Warn("server rejected the session; logging out", slog.String("error", err.Error()))
	if clearErr := m.logoutLocked(ctx); clearErr != nil {
		m.logger.Error("failed to clear credentials", slog.String("error", clearErr.Error()))
	}
	m.nav.Navigate(gate.RouteLogin)
}

func (m *Manager) logoutLocked(ctx context.Context) error {
	err := m.store.Clear(ctx)
	if m.Current() != nil {
		m.set(nil)
		m.logger.Info("session cleared")
	}
	if err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}

// Current は現在のセッションを返す。セッションがない場合はnil。
func (m *Manager) Current() *model.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Token は現在のセッショントークンを返す。セッションがない場合は空文字列。
func (m *Manager) Token() string {
	if s := m.Current(); s != nil {
		return s.Token
	}
	return ""
}

// Subscribe はセッションの変化を受け取るListenerを登録し、登録解除の関数を返す。
func (m *Manager) Subscribe(fn Listener) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
		})
	}
}

// set はセッションを差し替えてListenerに通知する。opMuを保持した状態で呼ぶ。
func (m *Manager) set(s *model.Session) {
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()

	m.subMu.Lock()
	fns := make([]Listener, 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

func validateRequestedRole(role string) error {
	if strings.TrimSpace(role) == "" {
		return nil
	}
	if _, ok := model.ParseRole(role); !ok {
		return model.NewValidationError(fmt.Sprintf("unknown role %q (allowed: patient, caretaker)", role))
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
