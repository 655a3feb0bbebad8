package local

import (
	"context"
	"errors"

	"github.com/turnon/deferred/output/common"
)

// failureCatcher 打印记录，并把失败的调用转成错误
type failureCatcher struct {
	out common.Output
	ch  chan error
}

func newFailureCatcher(out common.Output) *failureCatcher {
	return &failureCatcher{out: out, ch: make(chan error, 1)}
}

func (fc *failureCatcher) Write(ctx context.Context, r common.Record) error {
	err := fc.out.Write(ctx, r)
	if r.Failed() {
		select {
		case fc.ch <- errors.New(r.Error):
		default:
		}
	}
	return err
}

func (fc *failureCatcher) Close(ctx context.Context) error {
	return fc.out.Close(ctx)
}
