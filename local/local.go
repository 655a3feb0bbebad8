package local

import (
	"context"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/turnon/deferred/invoker"
	"github.com/turnon/deferred/output/stdoutvertical"
	"github.com/turnon/deferred/scheduler"
	"github.com/turnon/deferred/tasklist/common"
	"github.com/turnon/deferred/tasklist/memtasklist"
	"github.com/turnon/deferred/tfl"
)

// Run 立即执行一次调用并打印结果，arg为url或逗号分隔的地铁线路
func Run(arg string) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inv := invoker.NewHTTP(invoker.Config{})
	if err := run(ctx, inv, arg, "", os.Stdout); err != nil {
		logFatal(err)
	}
}

func run(ctx context.Context, inv invoker.Invoker, arg, tflBase string, w io.Writer) error {
	target := arg
	if u, err := url.Parse(arg); err != nil || u.Scheme == "" {
		lines, err := tfl.NewHelper(ctx, inv, tflBase, tfl.DefaultPolicy)
		if err != nil {
			return err
		}
		if target, err = lines.URLFromLines(arg); err != nil {
			return err
		}
	}

	store := memtasklist.New()
	failed := newFailureCatcher(stdoutvertical.New(w))
	sched := scheduler.New(store, inv, scheduler.WithWorkers(1), scheduler.WithOutput(failed))
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop(context.Background())

	id, err := sched.ScheduleCall(ctx, target, time.Time{}, "")
	if err != nil {
		return err
	}
	return waitDone(ctx, store, id, failed)
}

// waitDone 等待调用完成或失败
func waitDone(ctx context.Context, store common.Tasklist, id string, failed *failureCatcher) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-failed.ch:
			return err
		case <-ticker.C:
			if _, ok, err := store.LookupResponse(ctx, id); err != nil || ok {
				return err
			}
		}
	}
}

func logFatal(err error) {
	log.Fatal().Stack().Err(err).Send()
}
