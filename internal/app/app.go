// Package app はCLIのエントリーポイントと依存関係のワイヤリングを提供する。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hitoshi/medsync/internal/api"
	"github.com/hitoshi/medsync/internal/cache"
	"github.com/hitoshi/medsync/internal/config"
	"github.com/hitoshi/medsync/internal/credstore"
	"github.com/hitoshi/medsync/internal/database"
	"github.com/hitoshi/medsync/internal/gate"
	"github.com/hitoshi/medsync/internal/handler"
	"github.com/hitoshi/medsync/internal/logger"
	"github.com/hitoshi/medsync/internal/medication"
	"github.com/hitoshi/medsync/internal/metrics"
	"github.com/hitoshi/medsync/internal/middleware"
	"github.com/hitoshi/medsync/internal/model"
	"github.com/hitoshi/medsync/internal/realtime"
	"github.com/hitoshi/medsync/internal/security"
	"github.com/hitoshi/medsync/internal/session"
	"github.com/prometheus/client_golang/prometheus"
)

// defaultStatusAddr はSTATUS_ADDRが未設定の場合のステータスAPIの待ち受けアドレス。
const defaultStatusAddr = "127.0.0.1:8090"

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定ファイルでログレベルが指定されている場合に反映する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。コマンドの結果はstdoutに、ログはstderrに出力する。
func Run(stdout, stderr io.Writer, args []string) error {
	cmd, rest := ParseCommand(args)

	switch cmd {
	case CommandUnknown:
		fmt.Fprintln(stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	case CommandHealthcheck:
		// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
		return runHealthcheck(statusAddrFromEnv())
	}

	cfg, err := Init(stderr)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Debug("starting application",
		slog.String("command", string(cmd)),
		slog.String("api_base_url", cfg.APIBaseURL),
		slog.String("credential_store", cfg.CredentialStore),
	)

	if cmd == CommandMigrate {
		return runMigrate(cfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := build(ctx, cfg, slog.Default(), cmd == CommandServe)
	if err != nil {
		return err
	}
	defer c.Close()

	cl := &cli{
		c:            c,
		out:          stdout,
		errOut:       stderr,
		readPassword: promptPassword(stderr),
		now:          time.Now,
	}

	switch cmd {
	case CommandServe:
		return cl.serve(ctx)
	case CommandLogin:
		return cl.login(ctx, rest)
	case CommandRegister:
		return cl.register(ctx, rest)
	case CommandLogout:
		return cl.logout(ctx)
	case CommandWhoami:
		return cl.whoami(ctx)
	case CommandTake:
		return cl.take(ctx, rest)
	case CommandProof:
		return cl.proof(ctx, rest)
	case CommandSummary:
		return cl.summary(ctx)
	default:
		return fmt.Errorf("unsupported command %q", cmd)
	}
}

// components はコマンドが使う依存関係をまとめたもの。
type components struct {
	cfg         *config.Config
	logger      *slog.Logger
	store       credstore.Store
	registry    *prometheus.Registry
	client      *api.Client
	sessions    *session.Manager
	cache       *cache.Cache[medication.Snapshot]
	channel     *realtime.Channel // follow=falseの場合はnil
	medications *medication.Service
	unsubscribe func()
}

// build は設定から依存関係を構築する。
// followがtrueの場合はリアルタイム接続を作成し、セッションの変化に追従させる。
func build(ctx context.Context, cfg *config.Config, log *slog.Logger, follow bool) (*components, error) {
	// 1. 認証情報の保存先
	store, err := credstore.Open(ctx, credstore.Options{
		Kind:        cfg.CredentialStore,
		Profile:     cfg.CredentialProfile,
		Dir:         cfg.CredentialDir,
		DatabaseURL: cfg.DatabaseURL,
		RedisURL:    cfg.RedisURL,
		Logger:      log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 3. APIクライアントとセッション
	client := api.NewClient(&http.Client{Timeout: cfg.HTTPTimeout}, cfg.APIBaseURL, log, collector)
	nav := gate.NavigatorFunc(func(route gate.Route) {
		log.Debug("navigate", slog.String("route", string(route)))
	})
	sessions := session.NewManager(client, store, nav, log)
	client.SetTokenSource(sessions.Token)
	client.SetAuthFailureHandler(sessions.HandleAuthFailure)

	// 4. キャッシュと薬の操作
	c := &components{
		cfg:      cfg,
		logger:   log,
		store:    store,
		registry: registry,
		client:   client,
		sessions: sessions,
		cache: cache.New[medication.Snapshot](cache.Options{
			FetchTimeout: cfg.CacheFetchTimeout,
			Recorder:     collector,
			Logger:       log,
		}),
	}
	c.medications = medication.NewService(client, sessions, c.cache, security.NewSanitizer(), log, cfg.ProofMaxSize)

	// 5. リアルタイム接続
	if follow {
		c.channel = realtime.New(realtime.Options{
			URL:               cfg.RealtimeURL(),
			DialTimeout:       cfg.RealtimeDialTimeout,
			ReconnectInterval: cfg.RealtimeReconnectInterval,
			Invalidator:       c.cache,
			Recorder:          collector,
			Logger:            log,
		})
	}

	// 6. セッションが変わるたびに接続を張り直し、前の利用者のデータを破棄する
	var prevUserID string
	c.unsubscribe = sessions.Subscribe(func(s *model.Session) {
		if c.channel != nil {
			c.channel.Attach(s)
		}
		c.medications.Reset(prevUserID)
		prevUserID = ""
		if s != nil {
			prevUserID = s.UserID
		}
	})

	return c, nil
}

// Close はリアルタイム接続とバックグラウンドの再取得を終了し、保存先を閉じる。
func (c *components) Close() {
	c.unsubscribe()
	if c.channel != nil {
		c.channel.Close()
	}
	c.cache.Wait()
	if err := c.store.Close(); err != nil {
		c.logger.Warn("failed to close credential store", slog.String("error", err.Error()))
	}
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for migrate")
	}
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// ステータスAPIの /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(addr string) error {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	url := fmt.Sprintf("http://%s/health", addr)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

func statusAddrFromEnv() string {
	if addr := os.Getenv("STATUS_ADDR"); addr != "" {
		return addr
	}
	return defaultStatusAddr
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}

// newStatusServer はステータスAPIのHTTPサーバーを構築する。
func newStatusServer(c *components) *http.Server {
	router := handler.NewRouter(&handler.RouterDeps{
		Sessions:       c.sessions,
		Realtime:       c.channel,
		Medications:    c.medications,
		Gatherer:       c.registry,
		RefreshLimiter: middleware.NewRateLimiter(middleware.DefaultRefreshLimit(), c.logger),
		Logger:         c.logger,
	})

	// 再取得はキャッシュのフェッチ上限まで待つため、書き込みのタイムアウトはそれより長くする
	return &http.Server{
		Addr:         c.cfg.StatusAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: c.cfg.CacheFetchTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
