package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// call 已到期、等待执行的调用
type call struct {
	id       string
	target   string
	fireTime time.Time
	version  uint64
}

// workteam 工作组
type workteam struct {
	workers []*taskWorker
	ch      chan struct{}
}

// newWorkteam 创建工作组，所有worker从queue取调用
func newWorkteam(ctx context.Context, s *Scheduler, workerCount int) *workteam {
	team := &workteam{
		workers: make([]*taskWorker, 0, workerCount),
		ch:      make(chan struct{}),
	}

	for i := 0; i < workerCount; i++ {
		team.workers = append(team.workers, newTaskWorker(ctx, i, s))
	}

	go func() {
		for _, w := range team.workers {
			<-w.wait()
		}
		close(team.ch)
	}()

	return team
}

// wait 等待worker退出
func (team *workteam) wait() chan struct{} {
	return team.ch
}

// taskWorker worker
type taskWorker struct {
	ctx       context.Context
	scheduler *Scheduler
	idx       int
	ch        chan struct{}
}

// newTaskWorker 创建worker
func newTaskWorker(ctx context.Context, idx int, s *Scheduler) *taskWorker {
	worker := &taskWorker{scheduler: s, ctx: ctx, idx: idx}
	worker.loop()
	return worker
}

// wait 等待worker退出
func (worker *taskWorker) wait() chan struct{} {
	return worker.ch
}

// logDebug 输出日志
func (worker *taskWorker) logDebug(str string, v ...any) {
	log.Debug().Str("mod", "taskWorker").Int("idx", worker.idx).Msgf(str, v...)
}

// loop 从队列取调用执行，调度器停止后退出
func (worker *taskWorker) loop() {
	worker.ch = make(chan struct{})

	go func() {
		defer close(worker.ch)

		for {
			select {
			case <-worker.scheduler.done:
				return
			case c := <-worker.scheduler.queue:
				worker.logDebug("picked %s (v%d)", c.id, c.version)
				worker.scheduler.execute(worker.ctx, c)
			}
		}
	}()
}
