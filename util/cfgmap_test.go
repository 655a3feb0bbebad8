package util

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestStringsOf(t *testing.T) {
	cases := []struct {
		v    any
		want []string
	}{
		{"a:9000, b:9000,", []string{"a:9000", "b:9000"}},
		{[]any{"a:9000", 1, ""}, []string{"a:9000"}},
		{nil, nil},
	}
	for _, c := range cases {
		got := StringsOf(map[string]any{"addrs": c.v}, "addrs")
		if fmt.Sprint(got) != fmt.Sprint(c.want) {
			t.Fatalf("%v: got %v, want %v", c.v, got, c.want)
		}
	}
}

func TestIntOf(t *testing.T) {
	cfg := map[string]any{"a": 3, "b": float64(4), "c": "5", "d": 1.5}

	if n, err := IntOf("x", cfg, "a"); err != nil || n != 3 {
		t.Fatalf("a: %d %v", n, err)
	}
	if n, err := IntOf("x", cfg, "b"); err != nil || n != 4 {
		t.Fatalf("b: %d %v", n, err)
	}
	if n, err := IntOf("x", cfg, "missing"); err != nil || n != 0 {
		t.Fatalf("missing: %d %v", n, err)
	}
	for _, key := range []string{"c", "d"} {
		if _, err := IntOf("x", cfg, key); err == nil || !strings.HasPrefix(err.Error(), "x."+key+":") {
			t.Fatalf("%s: got %v", key, err)
		}
	}
}

func TestDurationOf(t *testing.T) {
	cases := []struct {
		v    any
		want time.Duration
	}{
		{"250ms", 250 * time.Millisecond},
		{3, 3 * time.Second},
		{0.5, 500 * time.Millisecond},
		{nil, 0},
	}
	for _, c := range cases {
		got, err := DurationOf("output", map[string]any{"period": c.v}, "period")
		if err != nil || got != c.want {
			t.Fatalf("%v: got %v %v, want %v", c.v, got, err, c.want)
		}
	}

	for _, v := range []any{"soon", true} {
		if _, err := DurationOf("output", map[string]any{"period": v}, "period"); err == nil {
			t.Fatalf("%v: expected error", v)
		}
	}
}
