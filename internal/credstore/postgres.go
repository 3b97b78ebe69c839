package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/medsync/internal/database"
	"github.com/hitoshi/medsync/internal/model"
)

// Postgres はclient_credentialsテーブルに認証情報を保存するStore。
// トークンとロールは同じ行に保存するため、1文のUPSERT/DELETEで同時に更新される。
type Postgres struct {
	db      *sql.DB
	profile string
}

var _ Store = (*Postgres)(nil)

// NewPostgres は既存の接続からPostgresを生成する。テーブルはマイグレーション済みであること。
func NewPostgres(db *sql.DB, profile string) *Postgres {
	return &Postgres{db: db, profile: profile}
}

// OpenPostgres は接続を開き、疎通を確認してPostgresを生成する。
func OpenPostgres(ctx context.Context, databaseURL, profile string) (*Postgres, error) {
	if databaseURL == "" {
		return nil, errors.New("database url is empty")
	}
	db, err := database.Connect(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	return NewPostgres(db, profile), nil
}

func (p *Postgres) Load(ctx context.Context) (model.Credentials, error) {
	var token, role string
	err := p.db.QueryRowContext(ctx,
		`SELECT token, user_role FROM client_credentials WHERE profile = $1`,
		p.profile,
	).Scan(&token, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Credentials{}, nil
	}
	if err != nil {
		return model.Credentials{}, fmt.Errorf("failed to load credentials: %w", err)
	}
	return normalize(token, role), nil
}

func (p *Postgres) Save(ctx context.Context, creds model.Credentials) error {
	if err := validate(creds); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO client_credentials (profile, token, user_role, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (profile) DO UPDATE
		SET token = EXCLUDED.token, user_role = EXCLUDED.user_role, updated_at = now()
	`, p.profile, creds.Token, creds.Role)
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

func (p *Postgres) Clear(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM client_credentials WHERE profile = $1`, p.profile); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
