package tasklist

import (
	"context"
	"fmt"

	"github.com/turnon/deferred/tasklist/common"
	"github.com/turnon/deferred/tasklist/memtasklist"
	"github.com/turnon/deferred/tasklist/pgtasklist"
	"github.com/turnon/deferred/tasklist/sqltasklist"
	"github.com/turnon/deferred/util"
)

// NewTaskList 根据配置中的type创建任务列表
//
//	type: memory | pg | mysql | sqlite
//	url: pg连接串；dsn: mysql连接串；path: sqlite文件
//	create_database, connect_attempts, connect_wait(裸数字按秒计)
func NewTaskList(ctx context.Context, cfg map[string]any) (common.Tasklist, error) {
	attempts, err := util.IntOf("tasklist", cfg, "connect_attempts")
	if err != nil {
		return nil, err
	}
	wait, err := util.DurationOf("tasklist", cfg, "connect_wait")
	if err != nil {
		return nil, err
	}
	createDatabase := util.BoolOf(cfg, "create_database")

	switch ty, _ := cfg["type"].(string); ty {
	case "", "memory":
		return memtasklist.New(), nil
	case "pg", "postgres":
		list, err := pgtasklist.Init(ctx, pgtasklist.Config{
			URL:             util.StringOf(cfg, "url"),
			CreateDatabase:  createDatabase,
			ConnectAttempts: attempts,
			ConnectWait:     wait,
		})
		if err != nil {
			return nil, err
		}
		return list, nil
	case sqltasklist.DialectMySQL, sqltasklist.DialectSQLite:
		dsn := util.StringOf(cfg, "dsn")
		if ty == sqltasklist.DialectSQLite {
			dsn = util.StringOf(cfg, "path")
		}
		list, err := sqltasklist.Open(ctx, sqltasklist.Config{
			Dialect:         ty,
			DSN:             dsn,
			CreateDatabase:  createDatabase,
			ConnectAttempts: attempts,
			ConnectWait:     wait,
		})
		if err != nil {
			return nil, err
		}
		return list, nil
	default:
		return nil, fmt.Errorf("unknown tasklist type: %q", ty)
	}
}
