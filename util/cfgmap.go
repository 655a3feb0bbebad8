package util

import (
	"fmt"
	"strings"
	"time"
)

// map[string]any形式的配置取值，prefix用于错误信息

func StringOf(cfg map[string]any, key string) string {
	s, _ := cfg[key].(string)
	return s
}

func BoolOf(cfg map[string]any, key string) bool {
	b, _ := cfg[key].(bool)
	return b
}

// StringsOf 支持列表或逗号分隔的字符串
func StringsOf(cfg map[string]any, key string) []string {
	var res []string
	switch v := cfg[key].(type) {
	case string:
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				res = append(res, s)
			}
		}
	case []any:
		for _, s := range v {
			if str, ok := s.(string); ok && str != "" {
				res = append(res, str)
			}
		}
	}
	return res
}

// IntOf 缺省为0
func IntOf(prefix string, cfg map[string]any, key string) (int, error) {
	switch v := cfg[key].(type) {
	case nil:
		return 0, nil
	case int:
		return v, nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("%s.%s: expected integer, got %v", prefix, key, v)
		}
		return int(v), nil
	default:
		return 0, fmt.Errorf("%s.%s: expected integer, got %v", prefix, key, v)
	}
}

// DurationOf 字符串按time.ParseDuration解析，裸数字按秒计，缺省为0
func DurationOf(prefix string, cfg map[string]any, key string) (time.Duration, error) {
	switch v := cfg[key].(type) {
	case nil:
		return 0, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s.%s: %w", prefix, key, err)
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("%s.%s: expected duration, got %v", prefix, key, v)
	}
}
