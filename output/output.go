package output

import (
	"context"
	"errors"
	"fmt"

	"github.com/turnon/deferred/output/clickhousebatch"
	"github.com/turnon/deferred/output/common"
	"github.com/turnon/deferred/output/stdoutvertical"
	"github.com/turnon/deferred/output/tablestorerow"
	"github.com/turnon/deferred/util"
)

// New 根据配置中的type创建归档
//
//	type: none | stdout | clickhouse | tablestore | multi
//	multi时outputs为多个子配置
func New(ctx context.Context, cfg map[string]any) (common.Output, error) {
	switch ty, _ := cfg["type"].(string); ty {
	case "", "none":
		return Nop{}, nil
	case "stdout":
		return stdoutvertical.New(nil), nil
	case "clickhouse":
		count, err := util.IntOf("output", cfg, "count")
		if err != nil {
			return nil, err
		}
		period, err := util.DurationOf("output", cfg, "period")
		if err != nil {
			return nil, err
		}
		out, err := clickhousebatch.New(ctx, clickhousebatch.Config{
			Addrs:    util.StringsOf(cfg, "addrs"),
			Database: util.StringOf(cfg, "database"),
			Username: util.StringOf(cfg, "username"),
			Password: util.StringOf(cfg, "password"),
			Table:    util.StringOf(cfg, "table"),
			Count:    count,
			Period:   period,
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	case "tablestore":
		out, err := tablestorerow.New(tablestorerow.Config{
			EndPoint:        util.StringOf(cfg, "end_point"),
			InstanceName:    util.StringOf(cfg, "instance_name"),
			AccessKeyId:     util.StringOf(cfg, "access_key_id"),
			AccessKeySecret: util.StringOf(cfg, "access_key_secret"),
			Table:           util.StringOf(cfg, "table"),
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	case "multi":
		subs, _ := cfg["outputs"].([]any)
		outs := make(Multi, 0, len(subs))
		for i, sub := range subs {
			subCfg, ok := sub.(map[string]any)
			if !ok {
				outs.Close(ctx)
				return nil, fmt.Errorf("output.outputs[%d]: expected mapping, got %v", i, sub)
			}
			out, err := New(ctx, subCfg)
			if err != nil {
				outs.Close(ctx)
				return nil, err
			}
			outs = append(outs, out)
		}
		return outs, nil
	default:
		return nil, fmt.Errorf("unknown output type: %q", ty)
	}
}

// Nop 丢弃所有记录
type Nop struct{}

func (Nop) Write(ctx context.Context, r common.Record) error { return nil }
func (Nop) Close(ctx context.Context) error                 { return nil }

// Multi 依次写入多个归档，任一失败不影响其他
type Multi []common.Output

func (m Multi) Write(ctx context.Context, r common.Record) error {
	var errs []error
	for _, out := range m {
		if err := out.Write(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close(ctx context.Context) error {
	var errs []error
	for _, out := range m {
		if err := out.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
