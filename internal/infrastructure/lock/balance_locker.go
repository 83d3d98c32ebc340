package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// BalanceLocker 积分账户锁，按用户ID串行化余额变更
type BalanceLocker interface {
	// Lock 获取指定用户的账户锁，成功后返回释放函数
	Lock(ctx context.Context, userID int64) (func(), error)
}

// ============================================================================
// Redis 实现（多实例部署）
// ============================================================================

type RedisBalanceLocker struct {
	client *redis.Client
}

func NewRedisBalanceLocker(client *redis.Client) *RedisBalanceLocker {
	return &RedisBalanceLocker{client: client}
}

func (r *RedisBalanceLocker) Lock(ctx context.Context, userID int64) (func(), error) {
	holder := fmt.Sprintf("%d-%d", userID, time.Now().UnixNano())
	l := NewBalanceLock(r.client, userID, holder)
	if err := l.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, err
	}
	return func() {
		// 释放失败时锁会在过期后自动回收
		_ = l.Unlock(context.Background())
	}, nil
}

// ============================================================================
// 进程内实现（单实例部署、测试）
// ============================================================================

// KeyedMutex 按用户ID懒创建互斥锁，同一ID始终取到同一把锁
type KeyedMutex struct {
	mutexes sync.Map // userID -> *sync.Mutex
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{}
}

func (k *KeyedMutex) Lock(ctx context.Context, userID int64) (func(), error) {
	v, _ := k.mutexes.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock, nil
}
