package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ErrRegistryClosed 表示注册表已经关闭。
var ErrRegistryClosed = errors.New("redis 连接池注册表已关闭")

// Config 描述需要预先建立的连接池。
type Config struct {
	Address     string
	Password    string
	PoolSize    int
	DialTimeout time.Duration
	DBs         []int
}

// Registry 按库编号持有共享连接池。
type Registry struct {
	mu      sync.RWMutex
	clients map[int]*goredis.Client
	closed  bool
}

// NewRegistry 为每个库编号创建连接池并逐一探活，任一失败都会关闭已创建的连接。
func NewRegistry(ctx context.Context, cfg Config) (*Registry, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis 地址不能为空")
	}
	dbs := uniqueDBs(cfg.DBs)
	if len(dbs) == 0 {
		dbs = []int{0}
	}

	reg := &Registry{clients: make(map[int]*goredis.Client, len(dbs))}
	for _, db := range dbs {
		client := goredis.NewClient(&goredis.Options{
			Addr:        cfg.Address,
			Password:    cfg.Password,
			DB:          db,
			PoolSize:    cfg.PoolSize,
			DialTimeout: cfg.DialTimeout,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			_ = reg.Close()
			return nil, fmt.Errorf("连接 Redis db=%d 失败: %w", db, err)
		}
		reg.clients[db] = client
	}
	return reg, nil
}

// Acquire 返回指定库的共享客户端。未在启动时声明的库编号会返回错误。
func (r *Registry) Acquire(db int) (*goredis.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	client, ok := r.clients[db]
	if !ok {
		return nil, fmt.Errorf("redis db=%d 未在启动时注册", db)
	}
	return client, nil
}

// Release 归还客户端。连接池由注册表统一管理，这里不做任何事，
// 调用方不应自行关闭 Acquire 得到的客户端。
func (r *Registry) Release(*goredis.Client) {}

// DBs 返回已注册的库编号。
func (r *Registry) DBs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int, 0, len(r.clients))
	for db := range r.clients {
		out = append(out, db)
	}
	sort.Ints(out)
	return out
}

// Close 关闭全部连接池，之后的 Acquire 都会失败。可重复调用。
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var err error
	for db, client := range r.clients {
		err = errors.Join(err, client.Close())
		delete(r.clients, db)
	}
	return err
}

func uniqueDBs(dbs []int) []int {
	seen := make(map[int]struct{}, len(dbs))
	out := make([]int, 0, len(dbs))
	for _, db := range dbs {
		if db < 0 {
			continue
		}
		if _, ok := seen[db]; ok {
			continue
		}
		seen[db] = struct{}{}
		out = append(out, db)
	}
	return out
}
