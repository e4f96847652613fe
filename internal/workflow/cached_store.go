package workflow

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"wallets-quickstart/pkg/logger"
)

const (
	cacheKeyPrefix = "workflow:"
	fenceKeyPrefix = "workflow-fence:"
	fenceTTL       = 5 * time.Second
)

// CachedStore 在 Redis 中缓存 Get 的结果。写入时先落库，再设置写入栅栏并删除缓存；
// 栅栏存在期间 Get 不回填，避免并发读取把旧记录写回缓存。
// Redis 不可用时直接回源，不影响正确性。
type CachedStore struct {
	inner  Store
	client *goredis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedStore 创建读穿缓存装饰器。
func NewCachedStore(inner Store, client *goredis.Client, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedStore{
		inner:  inner,
		client: client,
		ttl:    ttl,
		logger: logger.Named("workflow.cache"),
	}
}

// Upsert 实现 Store 接口。
func (c *CachedStore) Upsert(ctx context.Context, id, name string, def Definition) error {
	if err := c.inner.Upsert(ctx, id, name, def); err != nil {
		return err
	}
	_, err := c.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, fenceKey(id), 1, fenceTTL)
		pipe.Del(ctx, cacheKey(id))
		return nil
	})
	if err != nil {
		c.logger.Warn("删除工作流缓存失败", slog.String("id", id), slog.Any("error", err))
	}
	return nil
}

// Get 实现 Store 接口。
func (c *CachedStore) Get(ctx context.Context, id string) (*Record, error) {
	raw, err := c.client.Get(ctx, cacheKey(id)).Bytes()
	switch {
	case err == nil:
		var record Record
		if decodeErr := json.Unmarshal(raw, &record); decodeErr == nil {
			record.Definition = normalize(record.Definition)
			return &record, nil
		}
		c.logger.Warn("工作流缓存内容损坏，回源读取", slog.String("id", id))
	case !stdErrors.Is(err, goredis.Nil):
		c.logger.Warn("读取工作流缓存失败", slog.String("id", id), slog.Any("error", err))
	}

	record, err := c.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if encoded, encodeErr := json.Marshal(record); encodeErr == nil {
		if fillErr := c.fill(ctx, id, encoded); fillErr != nil {
			c.logger.Warn("写入工作流缓存失败", slog.String("id", id), slog.Any("error", fillErr))
		}
	}
	return record, nil
}

// fill 在栅栏不存在时回填缓存。WATCH 保证检查与写入之间出现的新栅栏会让事务放弃。
func (c *CachedStore) fill(ctx context.Context, id string, encoded []byte) error {
	err := c.client.Watch(ctx, func(tx *goredis.Tx) error {
		fenced, err := tx.Exists(ctx, fenceKey(id)).Result()
		if err != nil {
			return err
		}
		if fenced > 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, cacheKey(id), encoded, c.ttl)
			return nil
		})
		return err
	}, fenceKey(id))
	if stdErrors.Is(err, goredis.TxFailedErr) {
		return nil
	}
	return err
}

// List 直接回源，列表顺序依赖最新的写入。
func (c *CachedStore) List(ctx context.Context, limit int) ([]Summary, error) {
	return c.inner.List(ctx, limit)
}

// Close 关闭被装饰的存储。Redis 客户端归连接池注册表管理。
func (c *CachedStore) Close() error {
	return c.inner.Close()
}

func cacheKey(id string) string {
	return cacheKeyPrefix + id
}

func fenceKey(id string) string {
	return fenceKeyPrefix + id
}

var _ Store = (*CachedStore)(nil)
