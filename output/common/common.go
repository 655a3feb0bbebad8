package common

import (
	"context"
	"time"

	taskcommon "github.com/turnon/deferred/tasklist/common"
)

// Record 一次已执行的调用
type Record struct {
	TaskID     string
	Target     string
	FireTime   time.Time
	FinishedAt time.Time
	Response   taskcommon.Response // 失败时为空
	Error      string              // 成功时为空
}

// Failed 调用是否失败
func (r Record) Failed() bool {
	return r.Error != ""
}

// Output 调用记录的归档
type Output interface {
	Write(context.Context, Record) error
	Close(context.Context) error
}
