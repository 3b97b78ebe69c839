package credstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger"
	"github.com/hitoshi/medsync/internal/model"
)

// Badger は埋め込みKVS（badger）に認証情報を保存するStore。既定の保存先。
type Badger struct {
	db      *badger.DB
	profile string
}

var _ Store = (*Badger)(nil)

// OpenBadger はdir配下にbadgerのデータベースを開く。
func OpenBadger(dir, profile string, logger *slog.Logger) (*Badger, error) {
	if dir == "" {
		return nil, errors.New("credential directory is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create credential directory: %w", err)
	}

	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{logger: logger})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	return &Badger{db: db, profile: profile}, nil
}

func (b *Badger) key(name string) []byte {
	return []byte(b.profile + "/" + name)
}

func (b *Badger) Load(ctx context.Context) (model.Credentials, error) {
	var token, role string
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		if token, err = getString(txn, b.key(KeyToken)); err != nil {
			return err
		}
		role, err = getString(txn, b.key(KeyRole))
		return err
	})
	if err != nil {
		return model.Credentials{}, fmt.Errorf("failed to load credentials: %w", err)
	}
	return normalize(token, role), nil
}

func (b *Badger) Save(ctx context.Context, creds model.Credentials) error {
	if err := validate(creds); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(b.key(KeyToken), []byte(creds.Token)); err != nil {
			return err
		}
		return txn.Set(b.key(KeyRole), []byte(creds.Role))
	})
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

func (b *Badger) Clear(ctx context.Context) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(b.key(KeyToken)); err != nil {
			return err
		}
		return txn.Delete(b.key(KeyRole))
	})
	if err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	return nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func getString(txn *badger.Txn, key []byte) (string, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// badgerLogger はbadgerのログをslogに流す。badgerのInfoは起動時の定型メッセージが多いためDebugに落とす。
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...), slog.String("component", "badger"))
}
