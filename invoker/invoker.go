package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/turnon/deferred/tasklist/common"
	"golang.org/x/time/rate"
)

// DefaultMaxBody 默认响应体上限
const DefaultMaxBody = 16 << 20

// ErrBodyTooLarge 响应体超过上限
var ErrBodyTooLarge = errors.New("response body too large")

// Invoker 执行外部调用
type Invoker interface {
	Invoke(ctx context.Context, target string) (common.Response, error)
}

// InvokerFunc 函数形式的Invoker
type InvokerFunc func(ctx context.Context, target string) (common.Response, error)

func (f InvokerFunc) Invoke(ctx context.Context, target string) (common.Response, error) {
	return f(ctx, target)
}

// StatusError 非2xx响应
type StatusError struct {
	Target string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return "GET " + e.Target + ": " + strconv.Itoa(e.Code) + " " + http.StatusText(e.Code)
}

// Config http调用配置
type Config struct {
	Timeout    time.Duration
	RatePerSec float64 // 0表示不限速
	Burst      int
	MaxBody    int64 // 0表示DefaultMaxBody
}

// HTTP 以GET请求执行调用
type HTTP struct {
	client  *http.Client
	limiter *rate.Limiter
	maxBody int64
}

// NewHTTP 创建http调用者
func NewHTTP(cfg Config) *HTTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = DefaultMaxBody
	}
	h := &HTTP{client: &http.Client{Timeout: cfg.Timeout}, maxBody: cfg.MaxBody}
	if cfg.RatePerSec > 0 {
		if cfg.Burst <= 0 {
			cfg.Burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	}
	return h
}

// Invoke GET target，返回json结果
func (h *HTTP) Invoke(ctx context.Context, target string) (common.Response, error) {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// 多读一个字节以发现超限
	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}
	if int64(len(body)) > h.maxBody {
		return nil, fmt.Errorf("read %s: %w (limit %d bytes)", target, ErrBodyTooLarge, h.maxBody)
	}
	log.Debug().
		Str("mod", "invoker").
		Str("target", target).
		Int("code", resp.StatusCode).
		Int("bytes", len(body)).
		TimeDiff("latency", time.Now(), start).
		Send()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Target: target, Code: resp.StatusCode, Body: string(body)}
	}
	return structured(body), nil
}

// structured 非json的响应体包装成json字符串
func structured(body []byte) common.Response {
	if json.Valid(body) {
		return common.Response(body)
	}
	b, _ := json.Marshal(string(body))
	return common.Response(b)
}
