package sqltasklist

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/turnon/deferred/tasklist/common"
	"github.com/turnon/deferred/tasklist/storetest"
)

func openSQLite(t *testing.T) *sqlTaskList {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "nested", "tasks.db")
	list, err := Open(context.Background(), Config{Dialect: DialectSQLite, DSN: dsn})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return list
}

func TestSQLiteTaskList(t *testing.T) {
	storetest.Run(t, func(t *testing.T) common.Tasklist {
		return openSQLite(t)
	})
}

func TestMySQLTaskList(t *testing.T) {
	dsn := os.Getenv("DEFERRED_MYSQL_DSN")
	if dsn == "" {
		t.Skip("DEFERRED_MYSQL_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) common.Tasklist {
		list, err := Open(context.Background(), Config{Dialect: DialectMySQL, DSN: dsn, CreateDatabase: true})
		if err != nil {
			t.Fatalf("open mysql: %v", err)
		}
		ctx := context.Background()
		for _, table := range []string{"pending_tasks", "task_responses"} {
			if _, err := list.db.ExecContext(ctx, "delete from "+table); err != nil {
				t.Fatal(err)
			}
		}
		return list
	})
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "tasks.db")

	list, err := Open(ctx, Config{Dialect: DialectSQLite, DSN: dsn})
	if err != nil {
		t.Fatal(err)
	}
	fireTime := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	if err := list.AddPendingTask(ctx, "later", fireTime, "https://x.example/later"); err != nil {
		t.Fatal(err)
	}
	if err := list.AddResponse(ctx, "done", common.Response(`{"ok":true}`)); err != nil {
		t.Fatal(err)
	}
	if err := list.Close(ctx); err != nil {
		t.Fatal(err)
	}

	// 表已存在，重新打开不报错
	list, err = Open(ctx, Config{Dialect: DialectSQLite, DSN: dsn})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer list.Close(ctx)

	tasks, err := list.PendingTasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].ID != "later" || !tasks[0].FireTime.Equal(fireTime) {
		t.Fatalf("unexpected pending tasks %+v", tasks)
	}
	resp, err := list.GetResponse(ctx, "done")
	if err != nil || string(resp) != `{"ok":true}` {
		t.Fatalf("resp=%s err=%v", resp, err)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	list := openSQLite(t)
	defer list.Close(ctx)

	boom := errors.New("boom")
	err := list.withTx(ctx, "test", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, list.dialect.upsertResponse, "t", `"partial"`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) || !errors.Is(err, common.ErrPersistence) {
		t.Fatalf("got %v", err)
	}
	var pErr *common.PersistenceError
	if !errors.As(err, &pErr) || pErr.Op != "test" {
		t.Fatalf("expected PersistenceError, got %T", err)
	}

	if _, err := list.GetResponse(ctx, "t"); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("write should have been rolled back, got %v", err)
	}
}

func TestUnknownDialect(t *testing.T) {
	if _, err := Open(context.Background(), Config{Dialect: "oracle", DSN: "x"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestMySQLAdminDSN(t *testing.T) {
	admin, db, err := mysqlAdminDSN("root:secret@tcp(127.0.0.1:3306)/deferred?parseTime=true")
	if err != nil {
		t.Fatal(err)
	}
	if db != "deferred" {
		t.Fatalf("db=%q", db)
	}
	mcfg, err := mysql.ParseDSN(admin)
	if err != nil {
		t.Fatal(err)
	}
	if mcfg.DBName != "" || mcfg.Addr != "127.0.0.1:3306" || !mcfg.ParseTime {
		t.Fatalf("admin=%q", admin)
	}
}

func TestSQLitePath(t *testing.T) {
	cases := map[string]string{
		"/tmp/a.db":                              "/tmp/a.db",
		"file:/tmp/a.db?_pragma=foreign_keys(1)": "/tmp/a.db",
		":memory:":                               ":memory:",
	}
	for in, want := range cases {
		if got := sqlitePath(in); got != want {
			t.Fatalf("%s: got %s, want %s", in, got, want)
		}
	}
}

func TestTuneSQLite(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Dialect: DialectSQLite, DSN: filepath.Join(t.TempDir(), "tune.db")}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		t.Fatal(err)
	}
	if err := tuneSQLite(ctx, db, cfg); err != nil {
		t.Fatalf("tune file db: %v", err)
	}
	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil || mode != "wal" {
		t.Fatalf("mode=%q err=%v", mode, err)
	}

	db.Close()
	if err := tuneSQLite(ctx, db, cfg); err == nil {
		t.Fatal("tuning a closed db should report the pragma failures")
	}
}
