package intent

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "blossom-gate/internal/errors"
)

const defaultKeyPrefix = "blossom:intent:"

// RedisStoreConfig 控制 Redis 会话存储。
type RedisStoreConfig struct {
	Prefix string
	TTL    time.Duration
}

// RedisContextStore 以 JSON 形式保存上下文，使多个实例共享会话状态。
type RedisContextStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ ContextStore = (*RedisContextStore)(nil)

// NewRedisContextStore 构造 Redis 存储。
func NewRedisContextStore(client *redis.Client, cfg RedisStoreConfig) (*RedisContextStore, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "redis 客户端未初始化")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisContextStore{client: client, prefix: prefix, ttl: cfg.TTL}, nil
}

func (s *RedisContextStore) key(sessionID string) string {
	return s.prefix + strings.TrimSpace(sessionID)
}

// Get 读取并解码上下文。
func (s *RedisContextStore) Get(ctx context.Context, sessionID string) (*Context, error) {
	raw, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return nil, ErrContextNotFound
		}
		return nil, xerrors.Wrap(CodeStoreFailure, err, "读取意图上下文失败")
	}
	var c Context
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, xerrors.Wrap(CodeStoreFailure, err, "解析意图上下文失败",
			xerrors.WithMetadata("session_id", sessionID))
	}
	if c.ConfirmedIntentIDs == nil {
		c.ConfirmedIntentIDs = []string{}
	}
	return &c, nil
}

// Put 以 SET EX 写入上下文。
func (s *RedisContextStore) Put(ctx context.Context, c *Context) error {
	if c == nil || strings.TrimSpace(c.SessionID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "缺少会话 ID")
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return xerrors.Wrap(CodeStoreFailure, err, "编码意图上下文失败")
	}
	if err := s.client.Set(ctx, s.key(c.SessionID), payload, s.ttl).Err(); err != nil {
		return xerrors.Wrap(CodeStoreFailure, err, "写入意图上下文失败")
	}
	return nil
}

// Delete 删除上下文。
func (s *RedisContextStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return xerrors.Wrap(CodeStoreFailure, err, "删除意图上下文失败")
	}
	return nil
}
