package server

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/turnon/deferred/invoker"
	"github.com/turnon/deferred/output"
	outcommon "github.com/turnon/deferred/output/common"
	"github.com/turnon/deferred/scheduler"
	"github.com/turnon/deferred/tasklist"
	"github.com/turnon/deferred/tasklist/common"
	"github.com/turnon/deferred/tfl"
)

// mainServer 主服务器
type mainServer struct {
	cfg *config
}

// subordinate 从服务器
type subordinate interface {
	wait() chan struct{}
}

// Run 根据配置启动服务器，收到SIGINT或SIGTERM后退出
func Run(cfgPath, anchorsPath string) error {
	cfg, err := loadConfig(cfgPath, anchorsPath)
	if err != nil {
		return err
	}
	if err := SetupLogger(cfg.Log.Level, cfg.Log.Pretty); err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := mainServer{cfg: cfg}
	return srv.run(sigCtx)
}

func (srv *mainServer) errorf(str string, v ...any) {
	log.Error().Str("mod", "server").Msgf(str, v...)
}

// run 组装各部件，运行api直到ctx结束，然后依次关闭
func (srv *mainServer) run(ctx context.Context) error {
	// 连接任务列表
	tasks, err := tasklist.NewTaskList(ctx, srv.cfg.Tasklist)
	if err != nil {
		return err
	}

	out, err := output.New(ctx, srv.cfg.Output)
	if err != nil {
		tasks.Close(context.Background())
		return err
	}

	invCfg, _ := srv.cfg.invoker()
	inv := invoker.NewHTTP(invCfg)

	var lines *tfl.Helper
	if srv.cfg.TfL.Enabled {
		if lines, err = tfl.NewHelper(ctx, inv, srv.cfg.TfL.BaseURL, tfl.DefaultPolicy); err != nil {
			srv.shutdown(nil, out, tasks)
			return err
		}
	}

	recovery, _ := scheduler.ParseRecovery(srv.cfg.Recovery)
	sched := scheduler.New(tasks, inv,
		scheduler.WithWorkers(srv.cfg.Workers),
		scheduler.WithQueueSize(srv.cfg.Queue),
		scheduler.WithOutput(out),
		scheduler.WithCallTimeout(invCfg.Timeout),
		scheduler.WithRecovery(recovery),
	)
	if err := sched.Start(ctx); err != nil {
		srv.shutdown(sched, out, tasks)
		return err
	}

	// 运行从服务器
	children := []subordinate{
		newApi(ctx, srv.cfg.Port, tasks, sched, lines),
	}

	// 等待从服务器退出
	for _, child := range children {
		<-child.wait()
	}

	srv.shutdown(sched, out, tasks)
	return nil
}

// shutdown 停止调度后关闭归档和任务列表
func (srv *mainServer) shutdown(sched *scheduler.Scheduler, out outcommon.Output, tasks common.Tasklist) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if sched != nil {
		if err := sched.Stop(ctx); err != nil {
			srv.errorf("stop scheduler: %v", err)
		}
	}
	if err := out.Close(ctx); err != nil {
		srv.errorf("close output: %v", err)
	}
	if err := tasks.Close(ctx); err != nil {
		srv.errorf("close tasklist: %v", err)
	}
	log.Info().Str("mod", "server").Msg("dead")
}
