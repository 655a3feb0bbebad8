package memtasklist

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/turnon/deferred/tasklist/common"
)

// memTaskList 进程内的任务列表，pending和finished共用一把锁
type memTaskList struct {
	lock     sync.Mutex
	pending  map[string]common.PendingTask
	finished map[string]common.Response
}

// New 创建进程内任务列表
func New() *memTaskList {
	log.Info().Str("mod", "memtasklist").Msg("init")
	return &memTaskList{
		pending:  make(map[string]common.PendingTask),
		finished: make(map[string]common.Response),
	}
}

func (list *memTaskList) debugf(str string, v ...any) {
	log.Debug().Str("mod", "memtasklist").Msgf(str, v...)
}

// AddPendingTask 登记pending任务，覆盖同id的旧记录
func (list *memTaskList) AddPendingTask(ctx context.Context, id string, fireTime time.Time, target string) error {
	list.lock.Lock()
	defer list.lock.Unlock()

	list.pending[id] = common.PendingTask{ID: id, FireTime: fireTime, Target: target}
	list.debugf("add pending %s at %v", id, fireTime)
	return nil
}

// IsPendingTask 是否pending
func (list *memTaskList) IsPendingTask(ctx context.Context, id string) (bool, error) {
	list.lock.Lock()
	defer list.lock.Unlock()

	_, ok := list.pending[id]
	return ok, nil
}

// RemovePendingTask 删除pending任务
func (list *memTaskList) RemovePendingTask(ctx context.Context, id string) error {
	list.lock.Lock()
	defer list.lock.Unlock()

	delete(list.pending, id)
	return nil
}

// AddResponse 写入结果并清除pending
func (list *memTaskList) AddResponse(ctx context.Context, id string, resp common.Response) error {
	list.lock.Lock()
	defer list.lock.Unlock()

	list.finished[id] = common.CloneResponse(resp)
	delete(list.pending, id)
	list.debugf("add response %s, %d bytes", id, len(resp))
	return nil
}

// GetResponse 查看结果
func (list *memTaskList) GetResponse(ctx context.Context, id string) (common.Response, error) {
	return common.GetByLookup(ctx, list, id)
}

// LookupResponse 查看结果，不存在时ok为false
func (list *memTaskList) LookupResponse(ctx context.Context, id string) (common.Response, bool, error) {
	list.lock.Lock()
	defer list.lock.Unlock()

	resp, ok := list.finished[id]
	if !ok {
		return nil, false, nil
	}
	return common.CloneResponse(resp), true, nil
}

// ListPendingTasks pending任务id
func (list *memTaskList) ListPendingTasks(ctx context.Context) ([]string, error) {
	list.lock.Lock()
	defer list.lock.Unlock()

	ids := make([]string, 0, len(list.pending))
	for id := range list.pending {
		ids = append(ids, id)
	}
	return ids, nil
}

// PendingTasks pending任务详情
func (list *memTaskList) PendingTasks(ctx context.Context) ([]common.PendingTask, error) {
	list.lock.Lock()
	defer list.lock.Unlock()

	tasks := make([]common.PendingTask, 0, len(list.pending))
	for _, t := range list.pending {
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// ListFinishedTasks 所有结果
func (list *memTaskList) ListFinishedTasks(ctx context.Context) (map[string]common.Response, error) {
	list.lock.Lock()
	defer list.lock.Unlock()

	res := make(map[string]common.Response, len(list.finished))
	for id, resp := range list.finished {
		res[id] = common.CloneResponse(resp)
	}
	return res, nil
}

// RemoveFinishedTask 删除结果
func (list *memTaskList) RemoveFinishedTask(ctx context.Context, id string) error {
	list.lock.Lock()
	defer list.lock.Unlock()

	delete(list.finished, id)
	return nil
}

// Close 进程内存储无需关闭
func (list *memTaskList) Close(ctx context.Context) error {
	return nil
}
