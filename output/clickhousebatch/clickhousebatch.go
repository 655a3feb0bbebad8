package clickhousebatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog/log"
	"github.com/turnon/deferred/output/common"
)

// Config clickhouse归档配置
type Config struct {
	Addrs    []string
	Database string
	Username string
	Password string
	Table    string
	Count    int           // 攒够多少条写一次
	Period   time.Duration // 最长多久写一次
}

// sender 把一批记录写入存储
type sender interface {
	send(ctx context.Context, records []common.Record) error
	close() error
}

// clickhousebatch 攒批写入clickhouse
type clickhousebatch struct {
	sender sender
	count  int

	lock   sync.Mutex
	buffer []common.Record
	closed bool

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// ErrClosed Close之后再写入
var ErrClosed = errors.New("clickhousebatch: closed")

// New 连接clickhouse并建表
func New(ctx context.Context, cfg Config) (*clickhousebatch, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("clickhousebatch: addrs is required")
	}
	if cfg.Table == "" {
		cfg.Table = "task_calls"
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addrs,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	table := &clickhousebatchTable{conn: conn, name: cfg.Table}
	if err := table.create(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	return newBatch(table, cfg.Count, cfg.Period), nil
}

func newBatch(s sender, count int, period time.Duration) *clickhousebatch {
	if count <= 0 {
		count = 100
	}
	if period <= 0 {
		period = 10 * time.Second
	}
	ckb := &clickhousebatch{
		sender: s,
		count:  count,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go ckb.loop(period)
	return ckb
}

// errorf 输出日志
func (ckb *clickhousebatch) errorf(str string, v ...any) {
	log.Error().Str("mod", "clickhousebatch").Msgf(str, v...)
}

// Write 记录先进缓冲，攒够count条立即写入
func (ckb *clickhousebatch) Write(ctx context.Context, r common.Record) error {
	ckb.lock.Lock()
	if ckb.closed {
		ckb.lock.Unlock()
		return ErrClosed
	}
	ckb.buffer = append(ckb.buffer, r)
	full := len(ckb.buffer) >= ckb.count
	ckb.lock.Unlock()

	if full {
		return ckb.flush(ctx)
	}
	return nil
}

// flush 写入缓冲中的全部记录，失败的批次不重试
func (ckb *clickhousebatch) flush(ctx context.Context) error {
	ckb.lock.Lock()
	records := ckb.buffer
	ckb.buffer = nil
	ckb.lock.Unlock()

	if len(records) == 0 {
		return nil
	}
	if err := ckb.sender.send(ctx, records); err != nil {
		ckb.errorf("dropped %d records, first task %s: %v", len(records), records[0].TaskID, err)
		return fmt.Errorf("clickhousebatch: send %d records: %w", len(records), err)
	}
	return nil
}

// loop 定时写入
func (ckb *clickhousebatch) loop(period time.Duration) {
	defer close(ckb.done)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ckb.stop:
			return
		case <-ticker.C:
			ckb.flush(context.Background())
		}
	}
}

// Close 写入剩余记录后断开，重复调用返回第一次的结果
func (ckb *clickhousebatch) Close(ctx context.Context) error {
	ckb.closeOnce.Do(func() {
		ckb.lock.Lock()
		ckb.closed = true
		ckb.lock.Unlock()

		close(ckb.stop)
		<-ckb.done
		flushErr := ckb.flush(ctx)
		ckb.closeErr = errors.Join(flushErr, ckb.sender.close())
	})
	return ckb.closeErr
}

//------------------------------------------------------------------------------

type clickhousebatchTable struct {
	conn driver.Conn
	name string
}

func (table *clickhousebatchTable) create(ctx context.Context) error {
	return table.conn.Exec(ctx, `
	create table if not exists `+table.name+` (
		task_id String,
		target String,
		fire_time DateTime64(3),
		finished_at DateTime64(3),
		response String,
		error String
	) engine = MergeTree
	order by (finished_at, task_id)`)
}

func (table *clickhousebatchTable) send(ctx context.Context, records []common.Record) error {
	batch, err := table.conn.PrepareBatch(ctx, "insert into "+table.name)
	if err != nil {
		return err
	}
	for _, r := range records {
		err := batch.Append(r.TaskID, r.Target, r.FireTime, r.FinishedAt, string(r.Response), r.Error)
		if err != nil {
			return err
		}
	}
	return batch.Send()
}

func (table *clickhousebatchTable) close() error {
	return table.conn.Close()
}
