package tfl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/turnon/deferred/invoker"
	"github.com/turnon/deferred/retry"
)

// DefaultBaseURL tfl接口地址
const DefaultBaseURL = "https://api.tfl.gov.uk"

// ErrInvalidLines 线路为空或不是地铁线路
var ErrInvalidLines = errors.New("lines are invalid")

// Helper 校验地铁线路并拼出Disruption查询地址
type Helper struct {
	base  string
	valid map[string]struct{}
}

// NewHelper 从tfl取得所有地铁线路id，失败时按policy重试
func NewHelper(ctx context.Context, inv invoker.Invoker, base string, policy retry.Policy) (*Helper, error) {
	if base == "" {
		base = DefaultBaseURL
	}
	base = strings.TrimRight(base, "/")

	ids, attempts, err := retry.Run(ctx, func(ctx context.Context) ([]string, error) {
		return fetchLineIDs(ctx, inv, base+"/Line/Mode/tube")
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("fetch tube lines after %d attempts: %w", attempts, err)
	}

	log.Info().Str("mod", "tfl").Msgf("%d tube lines", len(ids))
	return newHelper(base, ids), nil
}

func newHelper(base string, ids []string) *Helper {
	valid := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		valid[id] = struct{}{}
	}
	return &Helper{base: base, valid: valid}
}

func fetchLineIDs(ctx context.Context, inv invoker.Invoker, target string) ([]string, error) {
	resp, err := inv.Invoke(ctx, target)
	if err != nil {
		return nil, err
	}
	var lines []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp, &lines); err != nil {
		return nil, fmt.Errorf("decode %s: %w", target, err)
	}
	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		if l.ID != "" {
			ids = append(ids, l.ID)
		}
	}
	return ids, nil
}

// ValidLines 所有线路都是地铁线路，区分大小写
func (h *Helper) ValidLines(lines []string) bool {
	if len(lines) == 0 {
		return false
	}
	for _, l := range lines {
		if _, ok := h.valid[l]; !ok {
			return false
		}
	}
	return true
}

// URLFromLines 逗号分隔的线路拼成Disruption查询地址
func (h *Helper) URLFromLines(raw string) (string, error) {
	lines := strings.Split(raw, ",")
	if !h.ValidLines(lines) {
		return "", fmt.Errorf("%w: %q", ErrInvalidLines, raw)
	}
	return h.base + "/Line/" + strings.Join(lines, ",") + "/Disruption", nil
}

// DefaultPolicy 取线路列表时的重试
var DefaultPolicy = retry.Policy{MaxAttempts: 3, Wait: retry.DefaultWait}
