package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/turnon/deferred/tasklist/common"
	"github.com/turnon/deferred/tasklist/memtasklist"
	"github.com/turnon/deferred/tasklist/sqltasklist"
)

// gatedStore 第n次AddPendingTask阻塞到release关闭后失败
type gatedStore struct {
	common.Tasklist
	failAt  int
	entered chan struct{}
	release chan struct{}

	lock  sync.Mutex
	calls int
}

func (g *gatedStore) AddPendingTask(ctx context.Context, id string, fireTime time.Time, target string) error {
	g.lock.Lock()
	g.calls++
	n := g.calls
	g.lock.Unlock()

	if n != g.failAt {
		return g.Tasklist.AddPendingTask(ctx, id, fireTime, target)
	}
	close(g.entered)
	<-g.release
	return errors.New("backend down")
}

func TestFailedReplacementKeepsOriginal(t *testing.T) {
	ctx := context.Background()
	store := &gatedStore{
		Tasklist: memtasklist.New(),
		failAt:   2,
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	inv := &fakeInvoker{}
	s := start(t, store, inv.invoker())

	if _, err := s.ScheduleCall(ctx, targetX, time.Now().Add(30*time.Millisecond), "p1"); err != nil {
		t.Fatal(err)
	}

	replaced := make(chan error, 1)
	go func() {
		_, err := s.ScheduleCall(ctx, targetY, time.Now().Add(time.Hour), "p1")
		replaced <- err
	}()
	<-store.entered

	// 替换还在写pending时，原定时器到期
	waitFor(t, "original call", func() bool { return len(inv.called()) == 1 })
	close(store.release)

	if err := <-replaced; err == nil {
		t.Fatal("replacement should fail")
	}
	waitFor(t, "original response", hasResponse(store, "p1"))

	resp, _ := store.GetResponse(ctx, "p1")
	if string(resp) != `"`+targetX+`"` {
		t.Fatalf("got %s", resp)
	}
	if calls := inv.called(); len(calls) != 1 || calls[0] != targetX {
		t.Fatalf("unexpected calls %v", calls)
	}
	pending, _ := store.IsPendingTask(ctx, "p1")
	if pending || len(s.Scheduled()) != 0 {
		t.Fatalf("pending=%v scheduled=%v", pending, s.Scheduled())
	}
}

func TestFailedReplacementBeforeFire(t *testing.T) {
	ctx := context.Background()
	store := &gatedStore{
		Tasklist: memtasklist.New(),
		failAt:   2,
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	close(store.release)
	inv := &fakeInvoker{}
	s := start(t, store, inv.invoker())

	s.ScheduleCall(ctx, targetX, time.Now().Add(50*time.Millisecond), "p2")
	if _, err := s.ScheduleCall(ctx, targetY, time.Now(), "p2"); err == nil {
		t.Fatal("replacement should fail")
	}

	waitFor(t, "original response", hasResponse(store, "p2"))
	if calls := inv.called(); len(calls) != 1 || calls[0] != targetX {
		t.Fatalf("the original timer should still fire, calls %v", calls)
	}
}

// slowStore AddResponse阻塞到release关闭
type slowStore struct {
	common.Tasklist
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowStore) AddResponse(ctx context.Context, id string, resp common.Response) error {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return s.Tasklist.AddResponse(ctx, id, resp)
}

func TestScheduleNotBlockedByResponseWrite(t *testing.T) {
	ctx := context.Background()
	store := &slowStore{
		Tasklist: memtasklist.New(),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	s := start(t, store, (&fakeInvoker{}).invoker())
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(store.release) }) }
	t.Cleanup(release)

	s.ScheduleCall(ctx, targetX, time.Time{}, "slow")
	<-store.entered

	done := make(chan error, 1)
	go func() {
		_, err := s.ScheduleCall(ctx, targetY, time.Now().Add(time.Hour), "other")
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("ScheduleCall waited for another task's response write")
	}
	if ids := s.Scheduled(); len(ids) != 1 || ids[0] != "other" {
		t.Fatalf("got %v", ids)
	}

	release()
	waitFor(t, "slow response", hasResponse(store, "slow"))
}

// staleStore PendingTasks返回固定的旧快照
type staleStore struct {
	common.Tasklist
	snapshot []common.PendingTask
	before   func()
}

func (s *staleStore) PendingTasks(ctx context.Context) ([]common.PendingTask, error) {
	if s.before != nil {
		s.before()
	}
	return s.snapshot, nil
}

func TestRecoverSkipsRescheduled(t *testing.T) {
	ctx := context.Background()
	store := &staleStore{
		Tasklist: memtasklist.New(),
		snapshot: []common.PendingTask{{ID: "r", FireTime: time.Now().Add(-time.Minute), Target: targetX}},
	}
	inv := &fakeInvoker{}
	s := New(store, inv.invoker())
	t.Cleanup(func() { s.Stop(context.Background()) })

	if _, err := s.ScheduleCall(ctx, targetY, time.Now().Add(time.Hour), "r"); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	if calls := inv.called(); len(calls) != 0 {
		t.Fatalf("stale persisted parameters were used: %v", calls)
	}
	tasks, _ := store.Tasklist.PendingTasks(ctx)
	if len(tasks) != 1 || tasks[0].Target != targetY {
		t.Fatalf("unexpected pending %+v", tasks)
	}
	if ids := s.Scheduled(); len(ids) != 1 || ids[0] != "r" {
		t.Fatalf("got %v", ids)
	}
}

func TestRecoverAfterStop(t *testing.T) {
	ctx := context.Background()
	mem := memtasklist.New()
	mem.AddPendingTask(ctx, "r", time.Now().Add(-time.Minute), targetX)

	store := &staleStore{Tasklist: mem}
	store.snapshot, _ = mem.PendingTasks(ctx)
	inv := &fakeInvoker{}
	s := New(store, inv.invoker())
	store.before = func() { s.Stop(context.Background()) }

	if err := s.Start(ctx); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if len(s.Scheduled()) != 0 || len(inv.called()) != 0 {
		t.Fatalf("stopped scheduler recovered tasks: %v %v", s.Scheduled(), inv.called())
	}
}

func TestRecoverFromSQLite(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "tasks.db")

	first, err := sqltasklist.Open(ctx, sqltasklist.Config{Dialect: sqltasklist.DialectSQLite, DSN: dsn})
	if err != nil {
		t.Fatal(err)
	}
	inv := &fakeInvoker{}
	s := New(first, inv.invoker())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ScheduleCall(ctx, targetX, time.Now().Add(500*time.Millisecond), "durable"); err != nil {
		t.Fatal(err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	first.Close(ctx)

	second, err := sqltasklist.Open(ctx, sqltasklist.Config{Dialect: sqltasklist.DialectSQLite, DSN: dsn})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { second.Close(context.Background()) })

	if calls := inv.called(); len(calls) != 0 {
		t.Fatalf("stopped scheduler fired: %v", calls)
	}
	start(t, second, inv.invoker())

	waitFor(t, "recovered response", hasResponse(second, "durable"))
	pending, _ := second.IsPendingTask(ctx, "durable")
	if pending {
		t.Fatal("durable should no longer be pending")
	}
	if calls := inv.called(); len(calls) != 1 || calls[0] != targetX {
		t.Fatalf("unexpected calls %v", calls)
	}
}
