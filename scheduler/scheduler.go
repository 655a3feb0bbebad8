package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
	"github.com/turnon/deferred/invoker"
	outcommon "github.com/turnon/deferred/output/common"
	"github.com/turnon/deferred/tasklist/common"
)

// ErrStopped 调度器已停止
var ErrStopped = errors.New("scheduler stopped")

// Recovery 启动时如何处理存储中遗留的pending任务
type Recovery int

const (
	// RecoverReinstall 按原定时间重新安装定时器，已过期的立即执行
	RecoverReinstall Recovery = iota
	// RecoverDrop 删除遗留的pending任务
	RecoverDrop
)

// ParseRecovery reinstall或drop
func ParseRecovery(s string) (Recovery, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reinstall":
		return RecoverReinstall, nil
	case "drop":
		return RecoverDrop, nil
	default:
		return 0, fmt.Errorf("unknown recovery mode: %q", s)
	}
}

// Option 调度器选项
type Option func(*Scheduler)

// WithWorkers worker数量
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithQueueSize 到期调用的队列长度
func WithQueueSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithOutput 每次调用后写入归档
func WithOutput(out outcommon.Output) Option {
	return func(s *Scheduler) {
		if out != nil {
			s.out = out
		}
	}
}

// WithCallTimeout 单次调用超时
func WithCallTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

// WithRecovery 启动时的恢复方式
func WithRecovery(r Recovery) Option {
	return func(s *Scheduler) {
		s.recovery = r
	}
}

// entry 已安装的定时器
type entry struct {
	timer    *time.Timer
	version  uint64
	fireTime time.Time
}

// Scheduler 按任务id安装定时器，到期后交给工作组调用并写入结果
//
// 每次安装都会分配新的版本号，latest记录每个id最新的版本。
// 定时器回调、worker执行前、写入结果前都会核对版本，被替换的调用不会执行或写入。
// 涉及存储读写的步骤只持有该id的锁，s.lock只保护内存中的状态。
type Scheduler struct {
	store       common.Tasklist
	invoker     invoker.Invoker
	out         outcommon.Output
	workers     int
	queueSize   int
	callTimeout time.Duration
	recovery    Recovery

	lock    sync.Mutex
	seq     uint64
	latest  map[string]uint64
	timers  map[string]*entry
	idLocks map[string]*idLock
	started bool
	stopped bool

	queue  chan call
	done   chan struct{}
	team   *workteam
	cancel context.CancelFunc
}

// New 创建调度器，Start之后worker才开始执行
func New(store common.Tasklist, inv invoker.Invoker, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:       store,
		invoker:     inv,
		out:         nopOutput{},
		workers:     4,
		queueSize:   64,
		callTimeout: 30 * time.Second,
		latest:      make(map[string]uint64),
		timers:      make(map[string]*entry),
		idLocks:     make(map[string]*idLock),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue = make(chan call, s.queueSize)
	return s
}

func (s *Scheduler) debugf(str string, v ...any) {
	log.Debug().Str("mod", "scheduler").Msgf(str, v...)
}

func (s *Scheduler) infof(str string, v ...any) {
	log.Info().Str("mod", "scheduler").Msgf(str, v...)
}

func (s *Scheduler) errorf(str string, v ...any) {
	log.Error().Str("mod", "scheduler").Msgf(str, v...)
}

// Start 启动工作组并恢复遗留的pending任务
func (s *Scheduler) Start(ctx context.Context) error {
	s.lock.Lock()
	if s.stopped {
		s.lock.Unlock()
		return ErrStopped
	}
	if s.started {
		s.lock.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	workerCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.team = newWorkteam(workerCtx, s, s.workers)
	s.lock.Unlock()

	s.infof("started %d workers", s.workers)
	return s.recover(ctx)
}

// recover 处理存储中遗留的pending任务
func (s *Scheduler) recover(ctx context.Context) error {
	tasks, err := s.store.PendingTasks(ctx)
	if err != nil {
		return fmt.Errorf("recover pending tasks: %w", err)
	}

	for _, t := range tasks {
		if err := s.recoverOne(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// recoverOne 启动后已被重新调度或已完成的任务不再处理
func (s *Scheduler) recoverOne(ctx context.Context, t common.PendingTask) error {
	unlock := s.lockID(t.ID)
	defer unlock()

	s.lock.Lock()
	_, scheduled := s.latest[t.ID]
	stopped := s.stopped
	s.lock.Unlock()
	if stopped {
		return ErrStopped
	}
	if scheduled {
		return nil
	}

	pending, err := s.store.IsPendingTask(ctx, t.ID)
	if err != nil {
		return fmt.Errorf("recover pending task %s: %w", t.ID, err)
	}
	if !pending {
		return nil
	}

	if s.recovery == RecoverDrop {
		if err := s.store.RemovePendingTask(ctx, t.ID); err != nil {
			return fmt.Errorf("drop pending task %s: %w", t.ID, err)
		}
		s.infof("dropped pending %s", t.ID)
		return nil
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.stopped {
		return ErrStopped
	}
	s.install(t.ID, t.Target, t.FireTime, s.reserve(t.ID))
	s.infof("reinstalled pending %s at %v", t.ID, t.FireTime)
	return nil
}

// ScheduleCall 在fireTime调用target，fireTime为零值时立即调用，id为空时自动生成
//
// 同id已有定时器时被替换，旧定时器不会再触发。返回时定时器已安装。
// 写入pending失败时不改变任何状态，旧定时器照常触发。
func (s *Scheduler) ScheduleCall(ctx context.Context, target string, fireTime time.Time, id string) (string, error) {
	if err := validateTarget(target); err != nil {
		return "", err
	}
	if fireTime.IsZero() {
		fireTime = time.Now()
	}
	if id == "" {
		id = xid.New().String()
	}

	unlock := s.lockID(id)
	defer unlock()

	if s.isStopped() {
		return "", ErrStopped
	}
	if err := s.store.AddPendingTask(ctx, id, fireTime, target); err != nil {
		return "", err
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	if s.stopped {
		return "", ErrStopped
	}
	version := s.reserve(id)
	s.install(id, target, fireTime, version)
	s.debugf("scheduled %s at %v (v%d)", id, fireTime, version)
	return id, nil
}

func (s *Scheduler) isStopped() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.stopped
}

// reserve 为id分配新版本，需持有锁
func (s *Scheduler) reserve(id string) uint64 {
	s.seq++
	s.latest[id] = s.seq
	return s.seq
}

// install 替换id的定时器，需持有锁
func (s *Scheduler) install(id, target string, fireTime time.Time, version uint64) {
	if old, ok := s.timers[id]; ok {
		old.timer.Stop()
	}
	c := call{id: id, target: target, fireTime: fireTime, version: version}
	s.timers[id] = &entry{
		timer:    time.AfterFunc(time.Until(fireTime), func() { s.fire(c) }),
		version:  version,
		fireTime: fireTime,
	}
}

// fire 定时器到期，交给工作组
func (s *Scheduler) fire(c call) {
	s.lock.Lock()
	if s.stopped || s.latest[c.id] != c.version {
		s.lock.Unlock()
		return
	}
	if e, ok := s.timers[c.id]; ok && e.version == c.version {
		delete(s.timers, c.id)
	}
	s.lock.Unlock()

	select {
	case s.queue <- c:
	case <-s.done:
	}
}

// current 调用是否仍是该id最新的调度
func (s *Scheduler) current(c call) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.latest[c.id] == c.version
}

// execute 执行调用，成功时写入结果，失败时保留pending
func (s *Scheduler) execute(ctx context.Context, c call) {
	if !s.current(c) {
		s.debugf("skip superseded %s (v%d)", c.id, c.version)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	resp, err := s.invoker.Invoke(callCtx, c.target)
	cancel()

	record := outcommon.Record{
		TaskID:     c.id,
		Target:     c.target,
		FireTime:   c.fireTime,
		FinishedAt: time.Now(),
	}

	if err != nil {
		s.errorf("call %s %s: %v", c.id, c.target, err)
		record.Error = err.Error()
		s.archive(ctx, record)
		return
	}

	written, err := s.complete(ctx, c, resp)
	if err != nil {
		s.errorf("save response %s: %v", c.id, err)
		record.Error = err.Error()
	} else if !written {
		s.debugf("discard response of superseded %s (v%d)", c.id, c.version)
		return
	} else {
		s.infof("finished %s, %d bytes", c.id, len(resp))
		record.Response = resp
	}
	s.archive(ctx, record)
}

// complete 写入结果，期间同id不能被重新调度或取消
func (s *Scheduler) complete(ctx context.Context, c call, resp common.Response) (bool, error) {
	unlock := s.lockID(c.id)
	defer unlock()

	if !s.current(c) {
		return false, nil
	}
	if err := s.store.AddResponse(ctx, c.id, resp); err != nil {
		return false, err
	}

	s.lock.Lock()
	if s.latest[c.id] == c.version {
		delete(s.latest, c.id)
	}
	s.lock.Unlock()
	return true, nil
}

// archive 归档失败只记日志
func (s *Scheduler) archive(ctx context.Context, r outcommon.Record) {
	if err := s.out.Write(ctx, r); err != nil {
		s.errorf("archive %s: %v", r.TaskID, err)
	}
}

// Cancel 取消定时器并删除pending，返回是否有定时器被取消
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	unlock := s.lockID(id)
	defer unlock()

	s.lock.Lock()
	e, ok := s.timers[id]
	if ok {
		e.timer.Stop()
		delete(s.timers, id)
	}
	delete(s.latest, id)
	s.lock.Unlock()

	if err := s.store.RemovePendingTask(ctx, id); err != nil {
		return ok, err
	}
	if ok {
		s.infof("cancelled %s", id)
	}
	return ok, nil
}

// Scheduled 已安装定时器的任务id
func (s *Scheduler) Scheduled() []string {
	s.lock.Lock()
	defer s.lock.Unlock()

	ids := make([]string, 0, len(s.timers))
	for id := range s.timers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stop 停止所有定时器并等待正在执行的调用，pending记录留给下次启动恢复
func (s *Scheduler) Stop(ctx context.Context) error {
	s.lock.Lock()
	if s.stopped {
		s.lock.Unlock()
		return nil
	}
	s.stopped = true
	for id, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, id)
	}
	team, cancel := s.team, s.cancel
	s.lock.Unlock()

	close(s.done)
	if team == nil {
		return nil
	}
	defer cancel()

	select {
	case <-team.wait():
		s.infof("stopped")
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// validateTarget 目标必须是绝对url
func validateTarget(target string) error {
	if strings.TrimSpace(target) == "" {
		return fmt.Errorf("%w: empty target", common.ErrInvalidSchedule)
	}
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrInvalidSchedule, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: target %q is not an absolute url", common.ErrInvalidSchedule, target)
	}
	return nil
}

type nopOutput struct{}

func (nopOutput) Write(ctx context.Context, r outcommon.Record) error { return nil }
func (nopOutput) Close(ctx context.Context) error                    { return nil }
