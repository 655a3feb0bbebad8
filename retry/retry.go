package retry

import (
	"context"
	"errors"
	"time"
)

const (
	DefaultMaxAttempts = 10
	DefaultWait        = 1 * time.Second
)

// Policy 重试策略
type Policy struct {
	MaxAttempts int              // 最多执行次数
	Wait        time.Duration    // 两次执行之间的固定等待
	RetryOn     func(error) bool // 只有匹配的错误才重试，nil表示任何错误
}

// Any 任何错误都重试
func Any(error) bool { return true }

// On 只重试errors.Is匹配的错误
func On(targets ...error) func(error) bool {
	return func(err error) bool {
		for _, target := range targets {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Wait < 0 {
		p.Wait = 0
	}
	if p.RetryOn == nil {
		p.RetryOn = Any
	}
	return p
}

// Run 执行op，失败且匹配RetryOn时等待Wait后重试，返回结果和执行次数
//
// op最多执行MaxAttempts次；不匹配的错误立即返回，不占用重试次数。
// 等待期间阻塞调用方，ctx取消时放弃等待。
func Run[T any](ctx context.Context, op func(context.Context) (T, error), p Policy) (T, int, error) {
	p = p.withDefaults()

	var (
		zero     T
		attempts int
	)
	for {
		attempts++
		res, err := op(ctx)
		if err == nil {
			return res, attempts, nil
		}
		if !p.RetryOn(err) || attempts >= p.MaxAttempts {
			return zero, attempts, err
		}

		if p.Wait == 0 {
			continue
		}
		timer := time.NewTimer(p.Wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, attempts, errors.Join(ctx.Err(), err)
		case <-timer.C:
		}
	}
}

// Do 同Run，用于没有返回值的操作
func Do(ctx context.Context, op func(context.Context) error, p Policy) (int, error) {
	_, attempts, err := Run(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, p)
	return attempts, err
}
