// Package credstore はセッションの認証情報（トークンとロール）を永続化する。
//
// トークンとロールは常に1回の書き込みで同時に保存・削除し、片方だけが残る状態を作らない。
package credstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/medsync/internal/model"
)

// 永続化するキー名。
const (
	KeyToken = "token"
	KeyRole  = "userRole"
)

// Store は認証情報の保存先。
type Store interface {
	// Load は保存済みの認証情報を返す。保存されていない場合は空のCredentialsを返す。
	Load(ctx context.Context) (model.Credentials, error)
	// Save はトークンとロールを同時に保存する。
	Save(ctx context.Context, creds model.Credentials) error
	// Clear はトークンとロールを同時に削除する。
	Clear(ctx context.Context) error
	Close() error
}

// 保存先の種類
const (
	KindBadger   = "badger"
	KindPostgres = "postgres"
	KindRedis    = "redis"
	KindMemory   = "memory"
)

// Options はOpenに渡す設定。
type Options struct {
	Kind        string
	Profile     string
	Dir         string
	DatabaseURL string
	RedisURL    string
	Logger      *slog.Logger
}

// Open は設定に応じたStoreを生成する。
func Open(ctx context.Context, opts Options) (Store, error) {
	if opts.Profile == "" {
		opts.Profile = "default"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch opts.Kind {
	case KindBadger, "":
		return OpenBadger(opts.Dir, opts.Profile, logger)
	case KindPostgres:
		return OpenPostgres(ctx, opts.DatabaseURL, opts.Profile)
	case KindRedis:
		return OpenRedis(ctx, opts.RedisURL, opts.Profile)
	case KindMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown credential store %q", opts.Kind)
	}
}

// validate は保存前に認証情報を確認する。
func validate(creds model.Credentials) error {
	if creds.Token == "" {
		return fmt.Errorf("credential token is empty")
	}
	if _, ok := model.ParseRole(creds.Role); !ok {
		return fmt.Errorf("credential role %q is not a valid role", creds.Role)
	}
	return nil
}

// normalize は読み込んだ認証情報を正規化する。
// トークンがない場合はロールも無視する。
func normalize(token, role string) model.Credentials {
	if token == "" {
		return model.Credentials{}
	}
	return model.Credentials{Token: token, Role: role}
}
