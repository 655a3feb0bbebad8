package local

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/turnon/deferred/invoker"
	"github.com/turnon/deferred/tasklist/common"
	"github.com/turnon/deferred/tfl"
)

var tube = invoker.InvokerFunc(func(ctx context.Context, target string) (common.Response, error) {
	switch {
	case strings.HasSuffix(target, "/Line/Mode/tube"):
		return common.Response(`[{"id":"bakerloo"},{"id":"jubilee"}]`), nil
	case strings.Contains(target, "/fail"):
		return nil, errors.New("connection refused")
	default:
		return common.Response(`[{"target":"` + target + `"}]`), nil
	}
})

func TestRunTarget(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := run(context.Background(), tube, "https://x.example/a", "", buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "0_target: https://x.example/a\n") {
		t.Fatalf("unexpected output\n%s", buf.String())
	}
}

func TestRunLines(t *testing.T) {
	buf := &bytes.Buffer{}
	if err := run(context.Background(), tube, "bakerloo,jubilee", "http://tfl.test", buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "target: http://tfl.test/Line/bakerloo,jubilee/Disruption\n") {
		t.Fatalf("unexpected output\n%s", buf.String())
	}

	err := run(context.Background(), tube, "district", "http://tfl.test", buf)
	if !errors.Is(err, tfl.ErrInvalidLines) {
		t.Fatalf("expected ErrInvalidLines, got %v", err)
	}
}

func TestRunFailure(t *testing.T) {
	buf := &bytes.Buffer{}
	err := run(context.Background(), tube, "https://x.example/fail", "", buf)
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("got %v", err)
	}
	if !strings.Contains(buf.String(), "error: connection refused\n") {
		t.Fatalf("failure should still be printed\n%s", buf.String())
	}
}
