package sqltasklist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

const (
	DialectMySQL  = "mysql"
	DialectSQLite = "sqlite"
)

// dialect 不同数据库的sql差异
type dialect struct {
	driver         string
	schema         []string
	upsertPending  string
	upsertResponse string
	// prepare 连接前的准备，如建库、建目录
	prepare func(ctx context.Context, cfg Config) error
	// tune 连接后的设置，失败不影响使用
	tune func(ctx context.Context, db *sql.DB, cfg Config) error
}

var dialects = map[string]dialect{
	DialectMySQL: {
		driver: "mysql",
		schema: []string{
			`create table if not exists pending_tasks (
				task_id VARCHAR(191) NOT NULL PRIMARY KEY,
				fire_time BIGINT NOT NULL,
				target TEXT NOT NULL
			)`,
			`create table if not exists task_responses (
				task_id VARCHAR(191) NOT NULL PRIMARY KEY,
				response LONGTEXT NOT NULL
			)`,
		},
		upsertPending: `insert into pending_tasks (task_id, fire_time, target) values (?, ?, ?)
			on duplicate key update fire_time = values(fire_time), target = values(target)`,
		upsertResponse: `insert into task_responses (task_id, response) values (?, ?)
			on duplicate key update response = values(response)`,
		prepare: createMySQLDatabase,
	},
	DialectSQLite: {
		driver: "sqlite",
		schema: []string{
			`create table if not exists pending_tasks (
				task_id TEXT NOT NULL PRIMARY KEY,
				fire_time INTEGER NOT NULL,
				target TEXT NOT NULL
			)`,
			`create table if not exists task_responses (
				task_id TEXT NOT NULL PRIMARY KEY,
				response TEXT NOT NULL
			)`,
		},
		upsertPending: `insert into pending_tasks (task_id, fire_time, target) values (?, ?, ?)
			on conflict(task_id) do update set fire_time = excluded.fire_time, target = excluded.target`,
		upsertResponse: `insert into task_responses (task_id, response) values (?, ?)
			on conflict(task_id) do update set response = excluded.response`,
		prepare: mkdirSQLite,
		tune:    tuneSQLite,
	},
}

func lookupDialect(name string) (dialect, error) {
	d, ok := dialects[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return dialect{}, fmt.Errorf("unknown sql dialect: %q", name)
	}
	return d, nil
}

// createMySQLDatabase 不指定库连接mysql并建库，库已存在不算错误
func createMySQLDatabase(ctx context.Context, cfg Config) error {
	if !cfg.CreateDatabase {
		return nil
	}
	adminDSN, dbName, err := mysqlAdminDSN(cfg.DSN)
	if err != nil {
		return err
	}
	if dbName == "" {
		return nil
	}

	db, err := sql.Open("mysql", adminDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := pingTransient(ctx, db, cfg); err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, "create database if not exists `"+strings.ReplaceAll(dbName, "`", "``")+"`")
	return err
}

// mysqlAdminDSN 去掉库名的dsn
func mysqlAdminDSN(dsn string) (string, string, error) {
	mcfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", "", err
	}
	dbName := mcfg.DBName
	mcfg.DBName = ""
	return mcfg.FormatDSN(), dbName, nil
}

func mkdirSQLite(ctx context.Context, cfg Config) error {
	path := sqlitePath(cfg.DSN)
	if path == "" || path == ":memory:" {
		return nil
	}
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

// tuneSQLite sqlite只适合单个写连接
func tuneSQLite(ctx context.Context, db *sql.DB, cfg Config) error {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	var errs []error
	for _, pragma := range []string{"busy_timeout = 5000", "synchronous = NORMAL"} {
		if _, err := db.ExecContext(ctx, "PRAGMA "+pragma); err != nil {
			errs = append(errs, fmt.Errorf("pragma %s: %w", pragma, err))
		}
	}

	// 内存库不支持wal
	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode = WAL").Scan(&mode); err != nil {
		errs = append(errs, fmt.Errorf("pragma journal_mode: %w", err))
	} else if mode != "wal" && sqlitePath(cfg.DSN) != ":memory:" {
		errs = append(errs, fmt.Errorf("journal_mode is %s, not wal", mode))
	}
	return errors.Join(errs...)
}
