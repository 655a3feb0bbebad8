package tfl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/turnon/deferred/invoker"
	"github.com/turnon/deferred/retry"
	"github.com/turnon/deferred/tasklist/common"
)

const tubeLines = `[{"id":"bakerloo","name":"Bakerloo"},{"id":"jubilee","name":"Jubilee"},{"id":"victoria","name":"Victoria"}]`

func lineInvoker(calls *[]string, failures int) invoker.Invoker {
	return invoker.InvokerFunc(func(ctx context.Context, target string) (common.Response, error) {
		*calls = append(*calls, target)
		if len(*calls) <= failures {
			return nil, errors.New("connection refused")
		}
		return common.Response(tubeLines), nil
	})
}

func TestURLFromLines(t *testing.T) {
	var calls []string
	h, err := NewHelper(context.Background(), lineInvoker(&calls, 0), "", DefaultPolicy)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || calls[0] != "https://api.tfl.gov.uk/Line/Mode/tube" {
		t.Fatalf("unexpected calls %v", calls)
	}

	url, err := h.URLFromLines("bakerloo,jubilee")
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://api.tfl.gov.uk/Line/bakerloo,jubilee/Disruption" {
		t.Fatalf("got %s", url)
	}

	for _, raw := range []string{"", "bakerloo,juBilee", "bakerloo,,jubilee", "district"} {
		if _, err := h.URLFromLines(raw); !errors.Is(err, ErrInvalidLines) {
			t.Fatalf("%q: expected ErrInvalidLines, got %v", raw, err)
		}
	}
}

func TestValidLines(t *testing.T) {
	h := newHelper(DefaultBaseURL, []string{"bakerloo", "jubilee"})
	if !h.ValidLines([]string{"bakerloo", "jubilee"}) {
		t.Fatal("bakerloo,jubilee should be valid")
	}
	if h.ValidLines([]string{"bakerloo", "juBilee"}) {
		t.Fatal("line ids are case sensitive")
	}
	if h.ValidLines(nil) {
		t.Fatal("no lines is invalid")
	}
}

func TestNewHelperRetries(t *testing.T) {
	var calls []string
	policy := retry.Policy{MaxAttempts: 3, Wait: time.Millisecond}

	h, err := NewHelper(context.Background(), lineInvoker(&calls, 2), "http://tfl.test/", policy)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(calls))
	}
	url, _ := h.URLFromLines("victoria")
	if url != "http://tfl.test/Line/victoria/Disruption" {
		t.Fatalf("got %s", url)
	}

	calls = nil
	if _, err := NewHelper(context.Background(), lineInvoker(&calls, 5), "", policy); err == nil {
		t.Fatal("expected error after all attempts failed")
	}
}

func TestNewHelperBadPayload(t *testing.T) {
	inv := invoker.InvokerFunc(func(ctx context.Context, target string) (common.Response, error) {
		return common.Response(`{"message":"rate limited"}`), nil
	})
	_, err := NewHelper(context.Background(), inv, "", retry.Policy{MaxAttempts: 1})
	if err == nil {
		t.Fatal("expected decode error")
	}
}
