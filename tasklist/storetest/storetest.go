// Package storetest 所有任务列表实现共用的行为测试
package storetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/turnon/deferred/tasklist/common"
)

const url = "https://api.tfl.gov.uk/Line/bakerloo,jubilee/Disruption"

// Run 对newList创建的任务列表跑完整的行为测试，每个子测试一个新的列表
func Run(t *testing.T, newList func(t *testing.T) common.Tasklist) {
	cases := []struct {
		name string
		fn   func(*testing.T, common.Tasklist)
	}{
		{"AddPendingTask", testAddPendingTask},
		{"AddPendingTaskOverwrites", testAddPendingTaskOverwrites},
		{"RemovePendingTaskIdempotent", testRemovePendingTaskIdempotent},
		{"AddResponseClearsPending", testAddResponseClearsPending},
		{"ResponseRoundTrip", testResponseRoundTrip},
		{"ResponseOverwrite", testResponseOverwrite},
		{"GetResponseNotFound", testGetResponseNotFound},
		{"ListPendingTasks", testListPendingTasks},
		{"ListFinishedTasks", testListFinishedTasks},
		{"RemoveFinishedTaskIdempotent", testRemoveFinishedTaskIdempotent},
		{"PendingUntouchedByFinished", testPendingUntouchedByFinished},
		{"ConcurrentAddResponse", testConcurrentAddResponse},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			list := newList(t)
			t.Cleanup(func() { _ = list.Close(context.Background()) })
			c.fn(t, list)
		})
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func testAddPendingTask(t *testing.T, list common.Tasklist) {
	ctx := context.Background()
	id := "test_is_pending_task"

	ok, err := list.IsPendingTask(ctx, id)
	must(t, err)
	if ok {
		t.Fatalf("%s should not be pending yet", id)
	}

	fireTime := time.Date(2021, 11, 14, 13, 43, 15, 0, time.UTC)
	must(t, list.AddPendingTask(ctx, id, fireTime, url))

	ok, err = list.IsPendingTask(ctx, id)
	must(t, err)
	if !ok {
		t.Fatalf("%s should be pending", id)
	}

	tasks, err := list.PendingTasks(ctx)
	must(t, err)
	if len(tasks) != 1 {
		t.Fatalf("expected 1 pending task, got %v", tasks)
	}
	if tasks[0].ID != id || tasks[0].Target != url || !tasks[0].FireTime.Equal(fireTime) {
		t.Fatalf("unexpected pending task %+v", tasks[0])
	}
}

func testAddPendingTaskOverwrites(t *testing.T, list common.Tasklist) {
	ctx := context.Background()
	first := time.Date(2021, 11, 14, 13, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)

	must(t, list.AddPendingTask(ctx, "t", first, "https://x.example/a"))
	must(t, list.AddPendingTask(ctx, "t", second, "https://x.example/b"))

	tasks, err := list.PendingTasks(ctx)
	must(t, err)
	if len(tasks) != 1 {
		t.Fatalf("expected a single pending entry, got %v", tasks)
	}
	if tasks[0].Target != "https://x.example/b" || !tasks[0].FireTime.Equal(second) {
		t.Fatalf("last write should win, got %+v", tasks[0])
	}
}

func testRemovePendingTaskIdempotent(t *testing.T, list common.Tasklist) {
	ctx := context.Background()
	must(t, list.AddPendingTask(ctx, "t", time.Now(), url))
	must(t, list.RemovePendingTask(ctx, "t"))
	must(t, list.RemovePendingTask(ctx, "t"))
	must(t, list.RemovePendingTask(ctx, "never-added"))

	ok, err := list.IsPendingTask(ctx, "t")
	must(t, err)
	if ok {
		t.Fatal("t should have been removed")
	}
}

func testAddResponseClearsPending(t *testing.T, list common.Tasklist) {
	ctx := context.Background()
	must(t, list.AddPendingTask(ctx, "t", time.Now(), url))
	must(t, list.AddResponse(ctx, "t", common.Response(`[]`)))

	ok, err := list.IsPendingTask(ctx, "t")
	must(t, err)
	if ok {
		t.Fatal("pending should be cleared by AddResponse")
	}
	ids, err := list.ListPendingTasks(ctx)
	must(t, err)
	if len(ids) != 0 {
		t.Fatalf("expected no pending ids, got %v", ids)
	}
}

func testResponseRoundTrip(t *testing.T, list common.Tasklist) {
	ctx := context.Background()
	resp := common.Response(`[{"id":"victoria","lineStatuses":[{"statusSeverity":10}]}]`)
	must(t, list.AddResponse(ctx, "Test", resp))

	got, err := list.GetResponse(ctx, "Test")
	must(t, err)
	if !bytes.Equal(got, resp) {
		t.Fatalf("got %s, want %s", got, resp)
	}

	got, ok, err := list.LookupResponse(ctx, "Test")
	must(t, err)
	if !ok || !bytes.Equal(got, resp) {
		t.Fatalf("lookup got %s, %v", got, ok)
	}
}

func testResponseOverwrite(t *testing.T, list common.Tasklist) {
	ctx := context.Background()
	must(t, list.AddResponse(ctx, "t", common.Response(`"first"`)))
	must(t, list.AddResponse(ctx, "t", common.Response(`"second"`)))

	got, err := list.GetResponse(ctx, "t")
	must(t, err)
	if string(got) != `"second"` {
		t.Fatalf("got %s", got)
	}
}

func testGetResponseNotFound(t *testing.T, list common.Tasklist) {
	ctx := context.Background()
	_, err := list.GetResponse(ctx, "unknown")
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// pending但未完成的任务同样没有结果
	must(t, list.AddPendingTask(ctx, "pending", time.Now(), url))
	_, err = list.GetResponse(ctx, "pending")
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for pending task, got %v", err)
	}

	_, ok, err := list.LookupResponse(ctx, "unknown")
	must(t, err)
	if ok {
		t.Fatal("lookup of unknown id should not be ok")
	}
}

func testListPendingTasks(t *testing.T, list common.Tasklist) {
	ctx := context.Background()
	ids, err := list.ListPendingTasks(ctx)
	must(t, err)
	if len(ids) != 0 {
		t.Fatalf("expected empty, got %v", ids)
	}

	want := []string{"task_1", "task_2", "task_3"}
	for i, id := range want {
		must(t, list.AddPendingTask(ctx, id, time.Now(), fmt.Sprintf("https://x.example/%d", i)))
	}

	ids, err = list.ListPendingTasks(ctx)
	must(t, err)
	sort.Strings(ids)
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
}

func testListFinishedTasks(t *testing.T, list common.Tasklist) {
	ctx := context.Background()
	finished, err := list.ListFinishedTasks(ctx)
	must(t, err)
	if len(finished) != 0 {
		t.Fatalf("expected empty, got %v", finished)
	}

	want := map[string]string{
		"id1": `["response1"]`,
		"id2": `["response2"]`,
		"id3": `["response3"]`,
	}
	for id, resp := range want {
		must(t, list.AddResponse(ctx, id, common.Response(resp)))
	}

	finished, err = list.ListFinishedTasks(ctx)
	must(t, err)
	if len(finished) != len(want) {
		t.Fatalf("got %d finished, want %d", len(finished), len(want))
	}
	for id, resp := range want {
		if string(finished[id]) != resp {
			t.Fatalf("%s: got %s, want %s", id, finished[id], resp)
		}
	}

	// 快照不影响存储
	finished["id1"][0] = 'X'
	got, err := list.GetResponse(ctx, "id1")
	must(t, err)
	if string(got) != want["id1"] {
		t.Fatalf("store was mutated through snapshot: %s", got)
	}
}

func testRemoveFinishedTaskIdempotent(t *testing.T, list common.Tasklist) {
	ctx := context.Background()
	must(t, list.AddResponse(ctx, "t", common.Response(`{}`)))
	must(t, list.RemoveFinishedTask(ctx, "t"))
	must(t, list.RemoveFinishedTask(ctx, "t"))
	must(t, list.RemoveFinishedTask(ctx, "never-added"))

	_, err := list.GetResponse(ctx, "t")
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testPendingUntouchedByFinished(t *testing.T, list common.Tasklist) {
	ctx := context.Background()
	must(t, list.AddResponse(ctx, "t", common.Response(`"old"`)))
	must(t, list.AddPendingTask(ctx, "t", time.Now(), url))

	got, err := list.GetResponse(ctx, "t")
	must(t, err)
	if string(got) != `"old"` {
		t.Fatalf("rescheduling should keep the previous response, got %s", got)
	}
	ok, err := list.IsPendingTask(ctx, "t")
	must(t, err)
	if !ok {
		t.Fatal("t should be pending again")
	}
}

func testConcurrentAddResponse(t *testing.T, list common.Tasklist) {
	ctx := context.Background()
	must(t, list.AddPendingTask(ctx, "t", time.Now(), url))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := list.AddResponse(ctx, "t", common.Response(fmt.Sprintf(`%d`, i))); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	got, err := list.GetResponse(ctx, "t")
	must(t, err)
	if len(got) != 1 || got[0] < '0' || got[0] > '7' {
		t.Fatalf("unexpected response %s", got)
	}
	ok, err := list.IsPendingTask(ctx, "t")
	must(t, err)
	if ok {
		t.Fatal("t should not be pending")
	}
}
