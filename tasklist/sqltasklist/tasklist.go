package sqltasklist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/turnon/deferred/retry"
	"github.com/turnon/deferred/tasklist/common"
)

// Config sql任务列表配置
type Config struct {
	Dialect         string
	DSN             string
	CreateDatabase  bool
	ConnectAttempts int
	ConnectWait     time.Duration
}

// sqlTaskList 基于database/sql的任务列表，支持mysql和sqlite
type sqlTaskList struct {
	db      *sql.DB
	dialect dialect
	name    string
}

// Open 连接数据库并建表
func Open(ctx context.Context, cfg Config) (*sqlTaskList, error) {
	d, err := lookupDialect(cfg.Dialect)
	if err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, errors.New("sqltasklist: dsn is required")
	}

	if err := d.prepare(ctx, cfg); err != nil {
		return nil, err
	}

	db, err := sql.Open(d.driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pingTransient(ctx, db, cfg); err != nil {
		db.Close()
		return nil, err
	}
	if d.tune != nil {
		if err := d.tune(ctx, db, cfg); err != nil {
			log.Warn().Str("mod", "sqltasklist").Str("dialect", cfg.Dialect).Msgf("tune: %v", err)
		}
	}

	list := &sqlTaskList{db: db, dialect: d, name: cfg.Dialect}
	if err := list.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	list.infof("opened")
	return list, nil
}

// pingTransient 连接失败视为可重试错误
func pingTransient(ctx context.Context, db *sql.DB, cfg Config) error {
	attempts, err := retry.Do(ctx, func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("%w: %v", common.ErrTransient, err)
		}
		return nil
	}, connectPolicy(cfg))
	if err != nil {
		return err
	}
	log.Info().Str("mod", "sqltasklist").Msgf("successfully connected after %d attempts", attempts)
	return nil
}

func connectPolicy(cfg Config) retry.Policy {
	p := retry.Policy{
		MaxAttempts: cfg.ConnectAttempts,
		Wait:        cfg.ConnectWait,
		RetryOn:     retry.On(common.ErrTransient),
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Wait <= 0 {
		p.Wait = 3 * time.Second
	}
	return p
}

func (list *sqlTaskList) debugf(str string, v ...any) {
	log.Debug().Str("mod", "sqltasklist").Str("dialect", list.name).Msgf(str, v...)
}

func (list *sqlTaskList) infof(str string, v ...any) {
	log.Info().Str("mod", "sqltasklist").Str("dialect", list.name).Msgf(str, v...)
}

func (list *sqlTaskList) errorf(str string, v ...any) {
	log.Error().Str("mod", "sqltasklist").Str("dialect", list.name).Msgf(str, v...)
}

// init 建表
func (list *sqlTaskList) init(ctx context.Context) error {
	for _, stmt := range list.dialect.schema {
		if _, err := list.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// withTx 在一个事务内执行fn，成功提交，失败回滚
func (list *sqlTaskList) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) (err error) {
	tx, err := list.db.BeginTx(ctx, nil)
	if err != nil {
		return &common.PersistenceError{Op: op, Err: err}
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		list.errorf("rolling back %s: %v", op, err)
		if rbErr := tx.Rollback(); rbErr != nil {
			list.errorf("rollback %s: %v", op, rbErr)
		}
		return &common.PersistenceError{Op: op, Err: err}
	}
	if err = tx.Commit(); err != nil {
		return &common.PersistenceError{Op: op, Err: err}
	}
	return nil
}

// AddPendingTask 登记pending任务
func (list *sqlTaskList) AddPendingTask(ctx context.Context, id string, fireTime time.Time, target string) error {
	list.debugf("add pending %s at %v", id, fireTime)
	return list.withTx(ctx, "add pending task", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, list.dialect.upsertPending, id, fireTime.UnixMilli(), target)
		return err
	})
}

// IsPendingTask 是否pending
func (list *sqlTaskList) IsPendingTask(ctx context.Context, id string) (bool, error) {
	var found bool
	err := list.withTx(ctx, "is pending task", func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, "select 1 from pending_tasks where task_id = ?", id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// RemovePendingTask 删除pending任务
func (list *sqlTaskList) RemovePendingTask(ctx context.Context, id string) error {
	list.debugf("remove pending %s", id)
	return list.withTx(ctx, "remove pending task", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "delete from pending_tasks where task_id = ?", id)
		return err
	})
}

// AddResponse 同一事务内写入结果并清除pending
func (list *sqlTaskList) AddResponse(ctx context.Context, id string, resp common.Response) error {
	list.debugf("add response %s, %d bytes", id, len(resp))
	return list.withTx(ctx, "add response", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, list.dialect.upsertResponse, id, string(resp)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "delete from pending_tasks where task_id = ?", id)
		return err
	})
}

// GetResponse 查看结果
func (list *sqlTaskList) GetResponse(ctx context.Context, id string) (common.Response, error) {
	return common.GetByLookup(ctx, list, id)
}

// LookupResponse 查看结果，不存在时ok为false
func (list *sqlTaskList) LookupResponse(ctx context.Context, id string) (common.Response, bool, error) {
	var (
		resp common.Response
		ok   bool
	)
	err := list.withTx(ctx, "get response", func(tx *sql.Tx) error {
		var s string
		err := tx.QueryRowContext(ctx, "select response from task_responses where task_id = ?", id).Scan(&s)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		resp, ok = common.Response(s), true
		return nil
	})
	return resp, ok, err
}

// ListPendingTasks pending任务id
func (list *sqlTaskList) ListPendingTasks(ctx context.Context) ([]string, error) {
	ids := []string{}
	err := list.withTx(ctx, "list pending tasks", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, "select task_id from pending_tasks")
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// PendingTasks pending任务详情
func (list *sqlTaskList) PendingTasks(ctx context.Context) ([]common.PendingTask, error) {
	tasks := []common.PendingTask{}
	err := list.withTx(ctx, "pending tasks", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, "select task_id, fire_time, target from pending_tasks")
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				t  common.PendingTask
				ms int64
			)
			if err := rows.Scan(&t.ID, &ms, &t.Target); err != nil {
				return err
			}
			t.FireTime = time.UnixMilli(ms)
			tasks = append(tasks, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// ListFinishedTasks 所有结果
func (list *sqlTaskList) ListFinishedTasks(ctx context.Context) (map[string]common.Response, error) {
	finished := make(map[string]common.Response)
	err := list.withTx(ctx, "list finished tasks", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, "select task_id, response from task_responses")
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id, resp string
			if err := rows.Scan(&id, &resp); err != nil {
				return err
			}
			finished[id] = common.Response(resp)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return finished, nil
}

// RemoveFinishedTask 删除结果
func (list *sqlTaskList) RemoveFinishedTask(ctx context.Context, id string) error {
	list.debugf("remove finished %s", id)
	return list.withTx(ctx, "remove finished task", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "delete from task_responses where task_id = ?", id)
		return err
	})
}

// Close 断开数据库
func (list *sqlTaskList) Close(ctx context.Context) error {
	return list.db.Close()
}
