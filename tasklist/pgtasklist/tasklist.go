package pgtasklist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/turnon/deferred/retry"
	"github.com/turnon/deferred/tasklist/common"
)

// duplicateDatabase 库已存在
const duplicateDatabase = "42P04"

// Config pg任务列表配置
type Config struct {
	URL             string
	CreateDatabase  bool
	ConnectAttempts int
	ConnectWait     time.Duration
}

// Init 初始化pgTaskList
func Init(ctx context.Context, cfg Config) (*pgTaskList, error) {
	if cfg.URL == "" {
		return nil, errors.New("pgtasklist: url is required")
	}
	if cfg.CreateDatabase {
		if err := createDatabase(ctx, cfg); err != nil {
			return nil, err
		}
	}

	conn, err := pgxpool.New(ctx, cfg.URL)
	if err != nil {
		return nil, err
	}
	attempts, err := retry.Do(ctx, func(ctx context.Context) error {
		return transient(conn.Ping(ctx))
	}, connectPolicy(cfg))
	if err != nil {
		conn.Close()
		return nil, err
	}

	list := pgTaskList{conn: conn}
	list.infof("successfully connected after %d attempts", attempts)
	if err := list.init(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	return &list, nil
}

// pgTaskList 可从pg读写任务
type pgTaskList struct {
	conn *pgxpool.Pool
}

// debugf 打印调试信息
func (list *pgTaskList) debugf(str string, v ...any) {
	log.Debug().Str("mod", "pgtasklist").Msgf(str, v...)
}

// infof 打印信息
func (list *pgTaskList) infof(str string, v ...any) {
	log.Info().Str("mod", "pgtasklist").Msgf(str, v...)
}

// errorf 打印错误信息
func (list *pgTaskList) errorf(str string, v ...any) {
	log.Error().Str("mod", "pgtasklist").Msgf(str, v...)
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

// transient 连接错误视为可重试
func transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", common.ErrTransient, err)
}

// createDatabase 连接维护库建库，库已存在时忽略
func createDatabase(ctx context.Context, cfg Config) error {
	connCfg, err := pgx.ParseConfig(cfg.URL)
	if err != nil {
		return err
	}
	dbName := connCfg.Database
	if dbName == "" || dbName == "postgres" {
		return nil
	}
	connCfg.Database = "postgres"

	admin, _, err := retry.Run(ctx, func(ctx context.Context) (*pgx.Conn, error) {
		c, err := pgx.ConnectConfig(ctx, connCfg)
		return c, transient(err)
	}, connectPolicy(cfg))
	if err != nil {
		return err
	}
	defer admin.Close(context.Background())

	_, err = admin.Exec(ctx, "create database "+pgx.Identifier{dbName}.Sanitize())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == duplicateDatabase {
		log.Info().Str("mod", "pgtasklist").Msgf("ignore error creating database %s, already exists", dbName)
		return nil
	}
	return err
}

// init 初始化pg任务列表
func (list *pgTaskList) init(ctx context.Context) error {
	_, err := list.conn.Exec(ctx, `
	create table if not exists pending_tasks (
		task_id TEXT PRIMARY KEY,
		fire_time TIMESTAMPTZ NOT NULL,
		target TEXT NOT NULL
	);
	create table if not exists task_responses (
		task_id TEXT PRIMARY KEY,
		response TEXT NOT NULL
	)`)
	return err
}

// withTx 获取连接开启事务，成功提交，失败回滚，连接总会归还
func (list *pgTaskList) withTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	err := list.conn.AcquireFunc(ctx, func(c *pgxpool.Conn) error {
		tx, err := c.Begin(ctx)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			list.errorf("rolling back %s: %v", op, err)
			if rbErr := tx.Rollback(context.Background()); rbErr != nil {
				list.errorf("rollback %s: %v", op, rbErr)
			}
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return &common.PersistenceError{Op: op, Err: err}
	}
	return nil
}

// AddPendingTask 登记pending任务
func (list *pgTaskList) AddPendingTask(ctx context.Context, id string, fireTime time.Time, target string) error {
	list.debugf("add pending %s at %v", id, fireTime)
	return list.withTx(ctx, "add pending task", func(tx pgx.Tx) error {
		sql := `
		insert into pending_tasks (task_id, fire_time, target)
		values ($1, $2, $3)
		on conflict (task_id) do update
		set fire_time = excluded.fire_time, target = excluded.target
		`
		_, err := tx.Exec(ctx, sql, id, fireTime, target)
		return err
	})
}

// IsPendingTask 是否pending
func (list *pgTaskList) IsPendingTask(ctx context.Context, id string) (bool, error) {
	var found bool
	err := list.withTx(ctx, "is pending task", func(tx pgx.Tx) error {
		sql := "select exists(select 1 from pending_tasks where task_id = $1)"
		return tx.QueryRow(ctx, sql, id).Scan(&found)
	})
	return found, err
}

// RemovePendingTask 删除pending任务
func (list *pgTaskList) RemovePendingTask(ctx context.Context, id string) error {
	list.debugf("remove pending %s", id)
	return list.withTx(ctx, "remove pending task", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, "delete from pending_tasks where task_id = $1", id)
		return err
	})
}

// AddResponse 同一事务内写入结果并清除pending
func (list *pgTaskList) AddResponse(ctx context.Context, id string, resp common.Response) error {
	list.debugf("add response %s, %d bytes", id, len(resp))
	return list.withTx(ctx, "add response", func(tx pgx.Tx) error {
		sql := `
		insert into task_responses (task_id, response)
		values ($1, $2)
		on conflict (task_id) do update
		set response = excluded.response
		`
		if _, err := tx.Exec(ctx, sql, id, string(resp)); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, "delete from pending_tasks where task_id = $1", id)
		return err
	})
}

// GetResponse 查看结果
func (list *pgTaskList) GetResponse(ctx context.Context, id string) (common.Response, error) {
	return common.GetByLookup(ctx, list, id)
}

// LookupResponse 查看结果，不存在时ok为false
func (list *pgTaskList) LookupResponse(ctx context.Context, id string) (common.Response, bool, error) {
	var (
		resp common.Response
		ok   bool
	)
	err := list.withTx(ctx, "get response", func(tx pgx.Tx) error {
		var s string
		err := tx.QueryRow(ctx, "select response from task_responses where task_id = $1", id).Scan(&s)
		if errors.Is(err, pgx.ErrNoRows) {
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
func (list *pgTaskList) ListPendingTasks(ctx context.Context) ([]string, error) {
	ids := []string{}
	err := list.withTx(ctx, "list pending tasks", func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, "select task_id from pending_tasks")
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
func (list *pgTaskList) PendingTasks(ctx context.Context) ([]common.PendingTask, error) {
	tasks := []common.PendingTask{}
	err := list.withTx(ctx, "pending tasks", func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, "select task_id, fire_time, target from pending_tasks")
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var t common.PendingTask
			if err := rows.Scan(&t.ID, &t.FireTime, &t.Target); err != nil {
				return err
			}
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
func (list *pgTaskList) ListFinishedTasks(ctx context.Context) (map[string]common.Response, error) {
	finished := make(map[string]common.Response)
	err := list.withTx(ctx, "list finished tasks", func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, "select task_id, response from task_responses")
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
func (list *pgTaskList) RemoveFinishedTask(ctx context.Context, id string) error {
	list.debugf("remove finished %s", id)
	return list.withTx(ctx, "remove finished task", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, "delete from task_responses where task_id = $1", id)
		return err
	})
}

// Close 断开pg任务列表
func (list *pgTaskList) Close(ctx context.Context) error {
	list.conn.Close()
	return nil
}
