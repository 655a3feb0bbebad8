package tablestorerow

import (
	"context"
	"errors"

	"github.com/aliyun/aliyun-tablestore-go-sdk/tablestore"
	"github.com/rs/zerolog/log"
	"github.com/turnon/deferred/output/common"
)

// Config 表格存储配置
type Config struct {
	EndPoint        string
	InstanceName    string
	AccessKeyId     string
	AccessKeySecret string
	Table           string
}

// rowPutter 表格存储客户端中用到的部分
type rowPutter interface {
	PutRow(request *tablestore.PutRowRequest) (*tablestore.PutRowResponse, error)
}

// tablestoreRow 每条记录写一行，主键为task_id
type tablestoreRow struct {
	client    rowPutter
	tableName string
}

// New 创建表格存储客户端，表需事先建好
func New(cfg Config) (*tablestoreRow, error) {
	if cfg.EndPoint == "" || cfg.InstanceName == "" || cfg.Table == "" {
		return nil, errors.New("tablestorerow: end_point, instance_name and table are required")
	}
	client := tablestore.NewClient(cfg.EndPoint, cfg.InstanceName, cfg.AccessKeyId, cfg.AccessKeySecret)
	log.Info().Str("mod", "tablestorerow").Msgf("writing to %s/%s", cfg.InstanceName, cfg.Table)
	return &tablestoreRow{client: client, tableName: cfg.Table}, nil
}

func (ts *tablestoreRow) Write(ctx context.Context, r common.Record) error {
	_, err := ts.client.PutRow(&tablestore.PutRowRequest{PutRowChange: ts.rowChange(r)})
	return err
}

// rowChange 同一任务多次执行时覆盖旧行
func (ts *tablestoreRow) rowChange(r common.Record) *tablestore.PutRowChange {
	pk := new(tablestore.PrimaryKey)
	pk.AddPrimaryKeyColumn("task_id", r.TaskID)

	change := &tablestore.PutRowChange{TableName: ts.tableName, PrimaryKey: pk}
	change.AddColumn("target", r.Target)
	change.AddColumn("fire_time", r.FireTime.UnixMilli())
	change.AddColumn("finished_at", r.FinishedAt.UnixMilli())
	if r.Failed() {
		change.AddColumn("error", r.Error)
	} else {
		change.AddColumn("response", string(r.Response))
	}
	change.SetCondition(tablestore.RowExistenceExpectation_IGNORE)
	return change
}

func (ts *tablestoreRow) Close(ctx context.Context) error {
	return nil
}
