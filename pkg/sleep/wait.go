// Package sleep 提供协议栈里的有界等待：按固定间隔轮询条件，直到满足、超时或者ctx被取消
package sleep

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
)

var errPending = errors.New("condition not met")

// Until 每隔interval检查一次cond，最多等待timeout。
// 条件满足返回true；超时或ctx取消返回false。调用方不能在持锁的情况下调用
func Until(ctx context.Context, timeout, interval time.Duration, cond func() bool) bool {
	if cond() {
		return true
	}
	if timeout <= 0 {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.WithContext(backoff.NewConstantBackOff(interval), ctx)
	err := backoff.Retry(func() error {
		if cond() {
			return nil
		}
		return errPending
	}, b)
	if err == nil {
		return true
	}
	// 最后再看一次，避免条件恰好在超时的同时满足
	return cond()
}

// For 按固定间隔重试op直到成功，op返回backoff.Permanent包装的错误时立即放弃
func For(ctx context.Context, timeout, interval time.Duration, op func() error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(interval), ctx))
}
