package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// Redis 分布式锁
// ============================================================================
//
// 积分账户的读-改-写必须按用户串行化：
//
//   goroutine1: 查询可用积分=100 -> 扣减80 -> 剩余20
//   goroutine2: 查询可用积分=100 -> 扣减80 -> 超扣！
//
// 按用户维度加锁后，同一用户的操作排队执行，不同用户互不影响。
//
// 加锁：SET key value NX EX timeout（NX 保证互斥，EX 防止死锁）
// 释放锁：Lua 脚本先校验 value 再删除，避免误删他人持有的锁
// ============================================================================

var (
	ErrLockFailed  = errors.New("获取分布式锁失败")
	ErrLockExpired = errors.New("锁已过期")
)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string        // 锁的 key
	value      string        // 锁持有者标识（释放时验证）
	expiration time.Duration // 锁的过期时间
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	// SET key value NX EX timeout
	// 持有锁的进程崩溃时，锁在过期后自动释放
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
			// 继续重试
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
//
// 【关键点】Lua 脚本保证"校验+删除"的原子性：
// 锁超时后被其他持有者取得时，本方的 Unlock 不会删到别人的锁
func (l *DistributedLock) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// NewBalanceLock 创建积分账户锁（按用户维度）
//
// 同一用户的 earn/approve/spend/reverse 串行执行，不同用户并发执行
func NewBalanceLock(client *redis.Client, userID int64, holder string) *DistributedLock {
	key := fmt.Sprintf("points:lock:user:%d", userID)
	return NewDistributedLock(client, key, holder, 30*time.Second)
}
