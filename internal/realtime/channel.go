// Package realtime はサーバーからの変更通知を受け取り、キャッシュを無効化する。
//
// 接続はセッションに紐づき、セッションが変わるたびに前の接続を完全に閉じてから張り直す。
// 切断そのものはキャッシュを無効化しない。
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hitoshi/medsync/internal/cache"
	"github.com/hitoshi/medsync/internal/metrics"
	"github.com/hitoshi/medsync/internal/model"
	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"
)

// State は接続状態。
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Invalidator は受け取ったイベントを反映する先。*cache.Cache が実装する。
// イベントを受け付けるたびに薬一覧の名前空間が無効化される。
type Invalidator interface {
	InvalidateNamespace(namespace string)
}

// Options はChannelの設定。
type Options struct {
	// URL は接続先 (ws:// または wss://)。トークンはクエリに付与される。
	URL string
	// Origin はハンドシェイクで送るOrigin。空の場合はURLから作る。
	Origin            string
	DialTimeout       time.Duration
	ReconnectInterval time.Duration
	Invalidator       Invalidator
	Recorder          metrics.Recorder
	Logger            *slog.Logger
}

// Channel はセッションごとのリアルタイム接続を管理する。
type Channel struct {
	url               string
	origin            string
	dialTimeout       time.Duration
	reconnectInterval time.Duration
	inv               Invalidator
	recorder          metrics.Recorder
	logger            *slog.Logger

	// opMu はAttach/Detach/Closeを直列化する
	opMu   sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool

	mu       sync.RWMutex
	state    State
	degraded bool
	lastErr  error
}

// New はChannelを生成する。接続はAttachまで行わない。
func New(opts Options) *Channel {
	rec := opts.Recorder
	if rec == nil {
		rec = metrics.Nop{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.ReconnectInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	origin := opts.Origin
	if origin == "" {
		origin = originOf(opts.URL)
	}
	return &Channel{
		url:               opts.URL,
		origin:            origin,
		dialTimeout:       opts.DialTimeout,
		reconnectInterval: interval,
		inv:               opts.Invalidator,
		recorder:          rec,
		logger:            logger,
	}
}

// Attach はセッションに対して接続を開始する。
// 既存の接続は、そのゴルーチンの終了を待って閉じてから新しい接続を始める。
// sがnilまたはトークンを持たない場合はDetachと同じ。
func (c *Channel) Attach(s *model.Session) {
	if s == nil || s.Token == "" {
		c.Detach()
		return
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.closed {
		return
	}
	c.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done

	c.mu.Lock()
	c.degraded = false
	c.lastErr = nil
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.run(ctx, s.UserID, s.Token)
	}()
}

// Detach は現在の接続を閉じる。キャッシュは無効化しない。
func (c *Channel) Detach() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stopLocked()
}

// Close は接続を閉じ、以後のAttachを無視する。
func (c *Channel) Close() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.stopLocked()
	c.closed = true
}

func (c *Channel) stopLocked() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
}

// State は現在の接続状態を返す。
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Degraded は直近の接続が失敗または切断されたままかどうかを返す。
func (c *Channel) Degraded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.degraded
}

// LastError は直近の接続エラーを返す。
func (c *Channel) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Channel) fail(err error) {
	c.mu.Lock()
	c.state = StateDisconnected
	c.degraded = true
	c.lastErr = err
	c.mu.Unlock()
}

// run はctxがキャンセルされるまで接続と再接続を繰り返す。
// 再接続の間隔はreconnectIntervalで制限する。
func (c *Channel) run(ctx context.Context, userID, token string) {
	limiter := rate.NewLimiter(rate.Every(c.reconnectInterval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		c.setState(StateConnecting)
		err := c.session(ctx, userID, token)
		if ctx.Err() != nil {
			return
		}
		c.fail(err)
		c.logger.Warn("realtime channel disconnected",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
			slog.Duration("retry_in", c.reconnectInterval),
		)
	}
}

// session は1回分の接続を行い、切断されるまでイベントを受信する。
func (c *Channel) session(ctx context.Context, userID, token string) error {
	conn, err := c.dial(ctx, token)
	c.recorder.RecordRealtimeConnect(err == nil)
	if err != nil {
		return fmt.Errorf("dial realtime channel: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := websocket.JSON.Send(conn, joinFrame{Event: joinEvent, Data: joinData{UserID: userID}}); err != nil {
		return fmt.Errorf("join user room: %w", err)
	}

	c.mu.Lock()
	c.state = StateConnected
	c.degraded = false
	c.lastErr = nil
	c.mu.Unlock()
	c.logger.Info("realtime channel connected", slog.String("user_id", userID))

	for {
		var msg []byte
		if err := websocket.Message.Receive(conn, &msg); err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		c.handle(userID, msg)
	}
}

func (c *Channel) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	cfg, err := websocket.NewConfig(u.String(), c.origin)
	if err != nil {
		return nil, err
	}
	cfg.Header = http.Header{}
	cfg.Header.Set("Authorization", "Bearer "+token)
	if c.dialTimeout > 0 {
		cfg.Dialer = &net.Dialer{Timeout: c.dialTimeout}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.dialTimeout)
		defer cancel()
	}
	return cfg.DialContext(ctx)
}

// handle は受信したフレームを検証し、受け付けたイベントごとに薬一覧を無効化する。
func (c *Channel) handle(userID string, msg []byte) {
	ev, err := Decode(msg)
	if err != nil {
		reason := ReasonMalformed
		if errors.Is(err, ErrUnknownEvent) {
			reason = ReasonUnknownEvent
		}
		c.recorder.RecordRealtimeRejected(reason)
		c.logger.Warn("rejected realtime event",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return
	}

	c.recorder.RecordRealtimeEvent(string(ev.Kind))
	c.logger.Debug("realtime event",
		slog.String("user_id", userID),
		slog.String("event", string(ev.Kind)),
		slog.String("medication_id", ev.MedicationID),
		slog.String("log_id", ev.LogID),
	)
	if c.inv != nil {
		c.inv.InvalidateNamespace(cache.NamespaceMedications)
	}
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "http://localhost/"
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = "/"
	u.RawQuery = ""
	return u.String()
}
