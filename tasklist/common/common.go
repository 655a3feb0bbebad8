package common

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound 没有该任务的结果
	ErrNotFound = errors.New("task not found")
	// ErrTransient 可重试的后端错误，如连接被拒绝
	ErrTransient = errors.New("transient backend failure")
	// ErrPersistence 事务中的后端错误，已回滚
	ErrPersistence = errors.New("persistence failure")
	// ErrInvalidSchedule 目标或时间不合法
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// Response 外部调用的结果，原样保存
type Response = json.RawMessage

// PendingTask 等待执行的任务
type PendingTask struct {
	ID       string
	FireTime time.Time
	Target   string
}

// Tasklist 任务状态存储
//
// 所有查询都以任务id为键。同一id可能短暂地同时处于pending和finished，
// 此时以finished为准。
type Tasklist interface {
	AddPendingTask(ctx context.Context, id string, fireTime time.Time, target string) error
	IsPendingTask(ctx context.Context, id string) (bool, error)
	RemovePendingTask(ctx context.Context, id string) error

	// AddResponse 写入结果后清除pending
	AddResponse(ctx context.Context, id string, resp Response) error
	// GetResponse 没有结果时返回ErrNotFound
	GetResponse(ctx context.Context, id string) (Response, error)
	LookupResponse(ctx context.Context, id string) (Response, bool, error)

	ListPendingTasks(ctx context.Context) ([]string, error)
	PendingTasks(ctx context.Context) ([]PendingTask, error)
	ListFinishedTasks(ctx context.Context) (map[string]Response, error)
	RemoveFinishedTask(ctx context.Context, id string) error

	Close(context.Context) error
}

// PersistenceError 事务失败
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// GetByLookup 用LookupResponse实现GetResponse
func GetByLookup(ctx context.Context, list Tasklist, id string) (Response, error) {
	resp, ok, err := list.LookupResponse(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return resp, nil
}

// CloneResponse 复制结果，避免调用方修改存储内部
func CloneResponse(resp Response) Response {
	if resp == nil {
		return nil
	}
	return append(Response(nil), resp...)
}
