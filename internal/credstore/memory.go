package credstore

import (
	"context"
	"sync"

	"github.com/hitoshi/medsync/internal/model"
)

// Memory はプロセス内にのみ保持するStore。テストや一時的な利用に使う。
type Memory struct {
	mu    sync.Mutex
	creds model.Credentials
}

var _ Store = (*Memory)(nil)

// NewMemory は空のMemoryを生成する。
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Load(ctx context.Context) (model.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds, nil
}

func (m *Memory) Save(ctx context.Context, creds model.Credentials) error {
	if err := validate(creds); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = creds
	return nil
}

func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = model.Credentials{}
	return nil
}

func (m *Memory) Close() error { return nil }
