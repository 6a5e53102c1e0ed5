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
// 【用在哪里？】
//
// 场景：用户双击"生成"按钮，两个 submit 请求几乎同时到达两个实例
//
// 不加锁：
//   请求1: 查幂等记录=无 -> 开事务 -> 建 job -> 冻结 60 元
//   请求2: 查幂等记录=无 -> 开事务 -> 建 job 撞唯一键 -> 回滚 -> 再查一次拿到请求1的 job_id
//   结果正确，但第二个事务白跑一趟
//
// 加锁（按用户）：
//   请求1: 拿锁 -> 建 job -> 冻结 -> 释放锁
//   请求2: 等锁 -> 拿锁 -> 查幂等记录=有 -> 直接返回同一个 job_id
//
// 【关键点】这把锁只缩小竞争窗口，钱和任务状态的正确性由数据库唯一键和
// 版本号 CAS 保证。Redis 挂了、锁过期了，结果依然正确。
//
// 【原理】
//
// 加锁：SET key value NX PX ttl
//   - NX: key 不存在才设置（互斥）
//   - PX: 过期时间（持有者崩溃后自动释放，防止死锁）
//   - value: 持有者标识（释放时校验，防止删掉别人的锁）
//
// 释放：Lua 脚本里"比较 + 删除"，在 Redis 端原子执行
//
// ============================================================================

var ErrLockFailed = errors.New("acquire distributed lock failed")

// unlockScript value 匹配才删除，返回删除的 key 数（0 或 1）
const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// DistributedLock 单个 key 上的互斥锁
type DistributedLock struct {
	client     *redis.Client
	key        string        // 锁的 key
	value      string        // 持有者标识（submit 锁里是 uid:idempotency_key）
	expiration time.Duration // 过期时间
}

// NewDistributedLock 创建锁对象，不会访问 Redis
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取一次锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock 阻塞式获取锁：每隔 retryInterval 重试一次，最多 maxRetries 次，
// ctx 取消时立即返回 ctx.Err()
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
// 【关键点】必须校验 value：
//
//	A 拿锁 -> A 处理太久，锁过期 -> B 拿锁 -> A 处理完调用 Unlock
//	不校验的话 A 会把 B 的锁删掉；校验后 A 的 Unlock 什么也不做
func (l *DistributedLock) Unlock(ctx context.Context) error {
	return l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Err()
}

// ============================================================================
// 按用户维度的 submit 锁
// ============================================================================

// SubmitLocker 同一用户的 submit 串行执行，不同用户互不影响。
//
// 锁粒度选用户而不是 (用户, 幂等键)：同一用户并发提交不同任务时
// 都要冻结同一个钱包，串行化后钱包行锁上不会排队。
type SubmitLocker struct {
	client        *redis.Client
	ttl           time.Duration // 锁过期时间（business.submit_lock_ttl）
	retryInterval time.Duration
	maxRetries    int
}

// NewSubmitLocker 默认每 100ms 重试一次，最多等 3 秒
func NewSubmitLocker(client *redis.Client, ttl time.Duration) *SubmitLocker {
	return &SubmitLocker{
		client:        client,
		ttl:           ttl,
		retryInterval: 100 * time.Millisecond,
		maxRetries:    30,
	}
}

// SubmitLockKey 锁的 key，例如 genpay:submit:lock:user:42
func SubmitLockKey(userID int64) string {
	return fmt.Sprintf("genpay:submit:lock:user:%d", userID)
}

// LockUser 阻塞直到拿到该用户的锁（持有者标识为 token），返回解锁函数。
// 等待超过 retryInterval * maxRetries 返回 ErrLockFailed。
func (s *SubmitLocker) LockUser(ctx context.Context, userID int64, token string) (func(), error) {
	l := NewDistributedLock(s.client, SubmitLockKey(userID), token, s.ttl)
	if err := l.Lock(ctx, s.retryInterval, s.maxRetries); err != nil {
		return nil, err
	}
	return func() {
		// 调用方的 ctx 可能已经取消，解锁用独立的 ctx，否则锁只能等过期
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Unlock(unlockCtx)
	}, nil
}
