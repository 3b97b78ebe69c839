package credstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/medsync/internal/model"
	"github.com/redis/go-redis/v9"
)

// Redis は複数の端末で認証情報を共有するためのStore。
// トークンとロールはMULTI/EXECで同時に書き込む。
type Redis struct {
	client  *redis.Client
	profile string
}

var _ Store = (*Redis)(nil)

// NewRedis は既存のクライアントからRedisを生成する。
func NewRedis(client *redis.Client, profile string) *Redis {
	return &Redis{client: client, profile: profile}
}

// OpenRedis はredis://形式のURLからクライアントを生成し、疎通を確認する。
func OpenRedis(ctx context.Context, redisURL, profile string) (*Redis, error) {
	if redisURL == "" {
		return nil, errors.New("redis url is empty")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedis(client, profile), nil
}

func (r *Redis) key(name string) string {
	return "medsync:" + r.profile + ":" + name
}

func (r *Redis) Load(ctx context.Context) (model.Credentials, error) {
	vals, err := r.client.MGet(ctx, r.key(KeyToken), r.key(KeyRole)).Result()
	if err != nil {
		return model.Credentials{}, fmt.Errorf("failed to load credentials: %w", err)
	}
	token, _ := vals[0].(string)
	role, _ := vals[1].(string)
	return normalize(token, role), nil
}

func (r *Redis) Save(ctx context.Context, creds model.Credentials) error {
	if err := validate(creds); err != nil {
		return err
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key(KeyToken), creds.Token, 0)
		pipe.Set(ctx, r.key(KeyRole), creds.Role, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

func (r *Redis) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key(KeyToken), r.key(KeyRole)).Err(); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
